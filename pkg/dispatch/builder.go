package dispatch

import (
	"context"
	"strings"

	"github.com/harun/onebot/pkg/protocol"
)

// Builder composes a Rule and a PreHandle around a main Handle step.
type Builder struct {
	h Handler
}

// On starts a handler with no rule
func On(handle HandleFunc) *Builder {
	return &Builder{h: Handler{Handle: handle}}
}

// Named sets the handler name used in logs and errors
func (b *Builder) Named(name string) *Builder {
	b.h.Name = name
	return b
}

// When adds a rule. Multiple rules must all pass.
func (b *Builder) When(rule Rule) *Builder {
	if b.h.Rule == nil {
		b.h.Rule = rule
	} else {
		b.h.Rule = And(b.h.Rule, rule)
	}
	return b
}

// Before adds a pre-handle step. Steps run in the order they were added.
func (b *Builder) Before(pre PreHandleFunc) *Builder {
	prev := b.h.PreHandle
	if prev == nil {
		b.h.PreHandle = pre
		return b
	}
	b.h.PreHandle = func(ctx context.Context, s *Session) error {
		if err := prev(ctx, s); err != nil {
			return err
		}
		return pre(ctx, s)
	}
	return b
}

// Build returns the composed handler
func (b *Builder) Build() Handler {
	return b.h
}

// OnMessage handles message events
func OnMessage(handle HandleFunc) *Builder {
	return On(handle).When(IsMessage())
}

// OnNotice handles notice events of the given detail types, or all when none
func OnNotice(handle HandleFunc, detailTypes ...string) *Builder {
	return On(handle).When(IsType(protocol.EventNotice, detailTypes...))
}

// OnRequest handles request events of the given detail types, or all when none
func OnRequest(handle HandleFunc, detailTypes ...string) *Builder {
	return On(handle).When(IsType(protocol.EventRequest, detailTypes...))
}

// OnMeta handles meta events of the given detail types, or all when none
func OnMeta(handle HandleFunc, detailTypes ...string) *Builder {
	return On(handle).When(IsType(protocol.EventMeta, detailTypes...))
}

// OnPrefix handles messages starting with prefix and strips it first.
func OnPrefix(prefix string, handle HandleFunc) *Builder {
	return On(handle).Named("prefix:" + prefix).
		When(StartsWith(prefix)).
		Before(StripPrefix(prefix))
}

// OnCommand handles "cmd" or "cmd args" and leaves only the args.
func OnCommand(cmd string, handle HandleFunc) *Builder {
	return On(handle).Named("command:" + cmd).
		When(And(IsMessage(), IsCommand(cmd))).
		Before(StripPrefix(cmd)).
		Before(TrimLeadingSpace())
}

// StripPrefix removes prefix from the leading text of the working message.
func StripPrefix(prefix string) PreHandleFunc {
	return func(_ context.Context, s *Session) error {
		if msg, ok := s.Message().TrimPrefix(prefix); ok {
			s.SetMessage(msg)
		}
		return nil
	}
}

// TrimLeadingSpace removes whitespace before the first text of the working message.
func TrimLeadingSpace() PreHandleFunc {
	return func(_ context.Context, s *Session) error {
		msg := s.Message()
		if len(msg) == 0 {
			return nil
		}
		text := msg.PlainText()
		if trimmed := strings.TrimLeft(text, " \t\n"); trimmed != text {
			if out, ok := msg.TrimPrefix(text[:len(text)-len(trimmed)]); ok {
				s.SetMessage(out)
			}
		}
		return nil
	}
}
