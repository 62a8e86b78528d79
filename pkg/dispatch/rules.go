package dispatch

import (
	"context"
	"strings"

	"github.com/harun/onebot/pkg/protocol"
)

// And passes when every rule passes
func And(rules ...Rule) Rule {
	return func(ctx context.Context, s *Session) bool {
		for _, r := range rules {
			if !r(ctx, s) {
				return false
			}
		}
		return true
	}
}

// Or passes when any rule passes
func Or(rules ...Rule) Rule {
	return func(ctx context.Context, s *Session) bool {
		for _, r := range rules {
			if r(ctx, s) {
				return true
			}
		}
		return false
	}
}

// Not inverts a rule
func Not(rule Rule) Rule {
	return func(ctx context.Context, s *Session) bool {
		return !rule(ctx, s)
	}
}

// IsType matches the event type, and the detail type when given.
func IsType(eventType string, detailTypes ...string) Rule {
	return func(_ context.Context, s *Session) bool {
		if s.Event.Type != eventType {
			return false
		}
		if len(detailTypes) == 0 {
			return true
		}
		for _, d := range detailTypes {
			if s.Event.DetailType == d {
				return true
			}
		}
		return false
	}
}

// IsMessage matches message events
func IsMessage() Rule {
	return IsType(protocol.EventMessage)
}

// StartsWith matches message events whose text starts with prefix
func StartsWith(prefix string) Rule {
	return func(_ context.Context, s *Session) bool {
		_, ok := s.Event.Message()
		return ok && strings.HasPrefix(s.Text(), prefix)
	}
}

// Contains matches message events whose text contains sub
func Contains(sub string) Rule {
	return func(_ context.Context, s *Session) bool {
		return strings.Contains(s.Text(), sub)
	}
}

// FullMatch matches message events whose trimmed text equals one of texts
func FullMatch(texts ...string) Rule {
	return func(_ context.Context, s *Session) bool {
		got := strings.TrimSpace(s.Text())
		for _, text := range texts {
			if got == text {
				return true
			}
		}
		return false
	}
}

// IsCommand matches "cmd" alone or followed by whitespace
func IsCommand(cmd string) Rule {
	return func(_ context.Context, s *Session) bool {
		text := s.Text()
		if !strings.HasPrefix(text, cmd) {
			return false
		}
		rest := text[len(cmd):]
		return rest == "" || strings.TrimLeft(rest, " \t\n") != rest
	}
}

// FromUser matches message events sent by one of ids
func FromUser(ids ...string) Rule {
	return func(_ context.Context, s *Session) bool {
		c, ok := s.Event.Message()
		if !ok {
			return false
		}
		for _, id := range ids {
			if c.UserID == id {
				return true
			}
		}
		return false
	}
}

// InGroup matches group message events from one of ids
func InGroup(ids ...string) Rule {
	return func(_ context.Context, s *Session) bool {
		c, ok := s.Event.Message()
		if !ok || c.GroupID == "" {
			return false
		}
		for _, id := range ids {
			if c.GroupID == id {
				return true
			}
		}
		return false
	}
}

// ToMe matches private messages and messages mentioning the bot
func ToMe() Rule {
	return func(_ context.Context, s *Session) bool {
		c, ok := s.Event.Message()
		if !ok {
			return false
		}
		if s.Event.DetailType == protocol.DetailPrivate {
			return true
		}
		self := s.Event.Key().SelfID
		for _, seg := range c.Message {
			if seg.Type == protocol.SegmentMention && seg.Data["user_id"] == self {
				return true
			}
		}
		return false
	}
}

// FromBot matches events received by one of keys
func FromBot(keys ...protocol.BotKey) Rule {
	return func(_ context.Context, s *Session) bool {
		got := s.Event.Key()
		for _, k := range keys {
			if got == k {
				return true
			}
		}
		return false
	}
}
