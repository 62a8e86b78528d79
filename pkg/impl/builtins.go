package impl

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/onebot/pkg/protocol"
)

const latestEventsSchema = `{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "minimum": 0},
		"timeout": {"type": "integer", "minimum": 0}
	}
}`

type builtin struct {
	name    string
	handler HandlerFunc
	schema  string
}

func (i *Impl) registerBuiltins() error {
	builtins := []builtin{
		{protocol.ActionGetStatus, i.getStatus, ""},
		{protocol.ActionGetVersion, i.getVersion, ""},
		{protocol.ActionGetSupportedActions, i.getSupportedActions, ""},
		{protocol.ActionGetSelfInfo, i.getSelfInfo, ""},
	}
	if i.buffer != nil {
		builtins = append(builtins, builtin{protocol.ActionGetLatestEvents, i.getLatestEvents, latestEventsSchema})
	}

	for _, b := range builtins {
		if err := i.router.Register(b.name, b.handler, b.schema); err != nil {
			return fmt.Errorf("register %s: %w", b.name, err)
		}
	}
	return nil
}

func (i *Impl) getStatus(ctx context.Context, action *protocol.Action) (interface{}, error) {
	return i.Status(), nil
}

func (i *Impl) getVersion(ctx context.Context, action *protocol.Action) (interface{}, error) {
	return i.VersionInfo(), nil
}

func (i *Impl) getSupportedActions(ctx context.Context, action *protocol.Action) (interface{}, error) {
	return i.router.Actions(), nil
}

func (i *Impl) getSelfInfo(ctx context.Context, action *protocol.Action) (interface{}, error) {
	return map[string]string{
		"user_id":          i.key.SelfID,
		"user_name":        i.key.SelfID,
		"user_displayname": "",
	}, nil
}

func (i *Impl) getLatestEvents(ctx context.Context, action *protocol.Action) (interface{}, error) {
	var params struct {
		Limit   int   `json:"limit"`
		Timeout int64 `json:"timeout"`
	}
	if err := action.DecodeParams(&params); err != nil {
		return nil, Fail(protocol.RetBadParam, "%v", err)
	}
	events := i.buffer.take(ctx, params.Limit, time.Duration(params.Timeout)*time.Second)
	return events, nil
}
