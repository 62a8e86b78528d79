package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
)

// ErrNoReplyTarget is returned by Reply for events without a message origin
var ErrNoReplyTarget = errors.New("event has no reply target")

// Caller issues actions on behalf of a bot. *bot.Handle implements it.
type Caller interface {
	Key() protocol.BotKey
	Call(ctx context.Context, action protocol.Action, timeout time.Duration) (*protocol.Response, error)
}

// Session is what a handler sees for one event.
type Session struct {
	// Event is this handler's working copy.
	Event  *protocol.Event
	Bot    Caller
	Logger zerolog.Logger
	walk   *walk
}

// walk is shared by every session of one dispatch.
type walk struct {
	stopped bool
}

// Stop marks the event as consumed. Handlers after the current one are skipped.
func (s *Session) Stop() {
	s.walk.stopped = true
}

// Stopped reports whether a handler consumed the event
func (s *Session) Stopped() bool {
	return s.walk.stopped
}

// Text returns the plain text of a message event
func (s *Session) Text() string {
	return s.Event.PlainText()
}

// Message returns the working message, nil for non-message events
func (s *Session) Message() protocol.Message {
	if c, ok := s.Event.Message(); ok {
		return c.Message
	}
	return nil
}

// SetMessage replaces the working message of a message event.
func (s *Session) SetMessage(msg protocol.Message) {
	if c, ok := s.Event.Message(); ok {
		c.Message = msg
		c.AltMessage = msg.PlainText()
	}
}

// Call sends an action through the bot with the default timeout.
func (s *Session) Call(ctx context.Context, action protocol.Action) (*protocol.Response, error) {
	if s.Bot == nil {
		return nil, fmt.Errorf("session has no bot")
	}
	return s.Bot.Call(ctx, action, 0)
}

// Reply sends msg back to where the event came from.
func (s *Session) Reply(ctx context.Context, msg protocol.Message) (*protocol.Response, error) {
	action, err := replyAction(s.Event, msg)
	if err != nil {
		return nil, err
	}
	return s.Call(ctx, action)
}

// ReplyText sends a single text segment back to where the event came from.
func (s *Session) ReplyText(ctx context.Context, text string) (*protocol.Response, error) {
	return s.Reply(ctx, protocol.Message{protocol.Text(text)})
}

func replyAction(ev *protocol.Event, msg protocol.Message) (protocol.Action, error) {
	c, ok := ev.Message()
	if !ok {
		return protocol.Action{}, ErrNoReplyTarget
	}
	switch ev.DetailType {
	case protocol.DetailPrivate:
		return protocol.SendMessage(protocol.DetailPrivate, c.UserID, msg), nil
	case protocol.DetailGroup:
		return protocol.SendMessage(protocol.DetailGroup, c.GroupID, msg), nil
	case protocol.DetailChannel:
		action := protocol.SendMessage(protocol.DetailChannel, c.ChannelID, msg)
		action.Params["guild_id"] = c.GuildID
		return action, nil
	default:
		return protocol.Action{}, fmt.Errorf("%w: detail type %q", ErrNoReplyTarget, ev.DetailType)
	}
}
