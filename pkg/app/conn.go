package app

import (
	"context"
	"errors"

	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/internal/tracing"
	"github.com/harun/onebot/pkg/bot"
	"github.com/harun/onebot/pkg/dispatch"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
)

// session is the receive-loop state of one binding
type session struct {
	conn   transport.Conn
	known  map[protocol.BotKey]bool
	logger zerolog.Logger
}

// runConn reads frames from conn until it ends, then unbinds its bots.
func (a *App) runConn(conn transport.Conn) {
	a.connsMu.Lock()
	a.conns[conn.ID()] = conn
	a.connsMu.Unlock()

	s := &session{
		conn:  conn,
		known: make(map[protocol.BotKey]bool),
		logger: a.logger.With().
			Str("conn_id", conn.ID()).
			Str("kind", string(conn.Kind())).
			Logger(),
	}

	hs := conn.Handshake()
	s.logger.Info().Str("impl", hs.Impl).Str("remote", hs.RemoteAddr).Msg("Binding established")
	observability.RecordConnectionAudit(a.ctx, "binding_open", hs.Key.String(), "success", map[string]interface{}{
		"conn_id": conn.ID(),
		"kind":    string(conn.Kind()),
		"impl":    hs.Impl,
	})
	if !hs.Key.IsZero() {
		a.bind(s, hs.Key)
	}

	for {
		data, err := conn.Receive(a.ctx)
		if err != nil {
			if a.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				s.logger.Warn().Err(err).Msg("Binding failed")
			}
			break
		}
		a.handleFrame(s, data)
	}

	keys := a.registry.Unbind(conn)
	_ = conn.Close()

	a.connsMu.Lock()
	delete(a.conns, conn.ID())
	a.connsMu.Unlock()

	s.logger.Info().Int("bots", len(keys)).Msg("Binding closed")
}

// bind registers key on the session's binding once. It reports whether
// the key is served by this binding.
func (a *App) bind(s *session, key protocol.BotKey) bool {
	if s.known[key] {
		var current transport.Conn
		if h, ok := a.registry.Lookup(key); ok {
			current = h.Conn()
		}
		switch {
		case current == s.conn:
			return true
		case current != nil:
			// Another binding took the bot over; its frames here are stale.
			s.logger.Debug().Str("bot", key.String()).Msg("Ignoring bot served by a newer binding")
			return false
		}
		delete(s.known, key)
	}
	if _, err := a.registry.Register(key, s.conn); err != nil {
		if !errors.Is(err, bot.ErrRegistryClosed) {
			s.logger.Warn().Err(err).Str("bot", key.String()).Msg("Bot not registered")
		}
		return false
	}
	s.known[key] = true
	return true
}

// handleFrame never blocks on handlers: responses are resolved inline and
// events go to the bot's lane.
func (a *App) handleFrame(s *session, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Int("size", len(data)).Msg("Discarding malformed frame")
		observability.RecordMalformedFrame(string(s.conn.Kind()))
		return
	}

	switch frame.Kind {
	case protocol.FrameResponse:
		resp := frame.Response
		if err := resp.Validate(); err != nil {
			s.logger.Warn().Err(err).Msg("Discarding response")
			observability.RecordMalformedFrame(string(s.conn.Kind()))
			return
		}
		if !a.registry.Resolve(s.conn, resp) {
			s.logger.Warn().Str("echo", resp.Echo).Msg("Response matches no pending action")
			observability.RecordUnmatchedResponse()
		}
	case protocol.FrameEvent:
		a.handleEvent(s, frame.Event)
	default:
		s.logger.Warn().Str("frame", frame.Kind.String()).Msg("Unexpected frame from implementation")
		observability.RecordMalformedFrame(string(s.conn.Kind()))
	}
}

func (a *App) handleEvent(s *session, ev *protocol.Event) {
	if ev.Type == protocol.EventMeta {
		if !a.handleMeta(s, ev) {
			return
		}
	}

	key := ev.Key()
	if key.IsZero() {
		if hs := s.conn.Handshake(); !hs.Key.IsZero() {
			key = hs.Key
		}
	}

	var caller dispatch.Caller
	lane := "conn:" + s.conn.ID()
	if !key.IsZero() {
		if !a.bind(s, key) {
			return
		}
		h, ok := a.registry.Lookup(key)
		if !ok {
			return
		}
		caller = h
		lane = key.String()
	} else if ev.Type != protocol.EventMeta {
		s.logger.Warn().Str("event_id", ev.ID).Str("type", ev.Type).Msg("Dropping event without bot identity")
		return
	}

	if a.dedup != nil && ev.ID != "" && a.dedup.Seen(lane+"|"+ev.ID) {
		s.logger.Debug().Str("event_id", ev.ID).Msg("Dropping redelivered event")
		observability.RecordDuplicateEvent()
		return
	}
	observability.RecordEvent(ev.Type, ev.DetailType)

	ctx := tracing.WithConnID(tracing.NewEventContext(a.ctx, key.String(), ev.ID), s.conn.ID())
	err := a.queue.Submit(ctx, lane, func(ctx context.Context) (interface{}, error) {
		return nil, a.pipeline.Dispatch(ctx, caller, ev)
	}, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Event not queued")
	}
}

// handleMeta learns bot identities from meta events. It returns false when
// the binding was closed.
func (a *App) handleMeta(s *session, ev *protocol.Event) bool {
	meta, ok := ev.Content.(*protocol.MetaContent)
	if !ok {
		return true
	}

	switch ev.DetailType {
	case protocol.MetaConnect:
		if meta.Version == nil {
			return true
		}
		s.logger.Info().
			Str("impl", meta.Version.Impl).
			Str("impl_version", meta.Version.Version).
			Str("onebot_version", meta.Version.OneBotVersion).
			Msg("Implementation connected")
		if err := transport.CheckVersion(meta.Version.OneBotVersion); err != nil {
			s.logger.Error().Err(err).Msg("Closing binding")
			observability.RecordSecurityAudit(a.ctx, "version_mismatch", meta.Version.Impl, "rejected", map[string]interface{}{
				"conn_id":        s.conn.ID(),
				"onebot_version": meta.Version.OneBotVersion,
			})
			_ = s.conn.Close()
			return false
		}
	case protocol.MetaStatusUpdate:
		if meta.Status == nil {
			return true
		}
		for _, b := range meta.Status.Bots {
			key := b.Self.Key()
			if b.Online {
				a.bind(s, key)
				continue
			}
			if a.registry.Offline(key, s.conn) {
				s.logger.Info().Str("bot", key.String()).Msg("Bot reported offline")
			}
			delete(s.known, key)
		}
	}
	return true
}
