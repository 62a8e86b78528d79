// Package console is a line-oriented chat platform for the implementation
// role. Each input line becomes a private message event and send_message
// actions are printed.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/onebot/pkg/impl"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
)

// DefaultUserID is the user every input line is attributed to
const DefaultUserID = "console"

// Config configures a Console
type Config struct {
	In     io.Reader
	Out    io.Writer
	UserID string
	Logger zerolog.Logger
}

// Console bridges a reader and writer to an Impl.
type Console struct {
	cfg    Config
	outMu  sync.Mutex
	logger zerolog.Logger
}

// New creates a console
func New(cfg Config) *Console {
	if cfg.UserID == "" {
		cfg.UserID = DefaultUserID
	}
	return &Console{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "console").Logger(),
	}
}

type sendMessageParams struct {
	DetailType string           `json:"detail_type"`
	UserID     string           `json:"user_id"`
	GroupID    string           `json:"group_id"`
	Message    protocol.Message `json:"message"`
}

const sendMessageSchema = `{
	"type": "object",
	"required": ["detail_type", "message"],
	"properties": {
		"detail_type": {"type": "string"},
		"message": {"type": "array"}
	}
}`

// Register installs the platform actions on rt.
func (c *Console) Register(rt *impl.Impl) error {
	if err := rt.Handle(protocol.ActionSendMessage, c.sendMessage, sendMessageSchema); err != nil {
		return err
	}
	return rt.Handle(protocol.ActionGetUserInfo, c.getUserInfo, `{"type":"object","required":["user_id"]}`)
}

func (c *Console) sendMessage(ctx context.Context, action *protocol.Action) (interface{}, error) {
	var params sendMessageParams
	if err := action.DecodeParams(&params); err != nil {
		return nil, impl.Fail(protocol.RetBadParam, "%v", err)
	}
	if params.DetailType != protocol.DetailPrivate {
		return nil, impl.Fail(protocol.RetUnsupportedParam, "console only supports private messages")
	}

	c.outMu.Lock()
	_, err := fmt.Fprintf(c.cfg.Out, "> %s\n", params.Message.PlainText())
	c.outMu.Unlock()
	if err != nil {
		return nil, impl.Fail(protocol.RetPlatformError, "write: %v", err)
	}

	return map[string]interface{}{
		"message_id": uuid.NewString(),
		"time":       float64(time.Now().UnixNano()) / 1e9,
	}, nil
}

func (c *Console) getUserInfo(ctx context.Context, action *protocol.Action) (interface{}, error) {
	userID := action.Param("user_id")
	if userID != c.cfg.UserID {
		return nil, impl.Fail(protocol.RetBadParam, "unknown user %q", userID)
	}
	return map[string]string{
		"user_id":          userID,
		"user_name":        userID,
		"user_displayname": "",
		"user_remark":      "",
	}, nil
}

// Run emits one message event per non-empty input line until the input
// ends or ctx is cancelled.
func (c *Console) Run(ctx context.Context, rt *impl.Impl) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.cfg.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			ev := rt.NewEvent(protocol.DetailPrivate, "", &protocol.MessageContent{
				MessageID:  uuid.NewString(),
				Message:    protocol.Message{protocol.Text(text)},
				AltMessage: text,
				UserID:     c.cfg.UserID,
			})
			if err := rt.Emit(ctx, ev); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to emit console message")
			}
		}
	}
}
