package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/internal/tracing"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCallTimeout applies when neither the call nor the registry sets one.
const DefaultCallTimeout = 30 * time.Second

// Handle is one live bot: its identity, its current transport binding and
// the actions awaiting a response on it.
type Handle struct {
	key         protocol.BotKey
	timeout     time.Duration
	pending     *pendingTable
	logger      zerolog.Logger
	connMu      sync.RWMutex
	conn        transport.Conn
	connectedAt time.Time
}

func newHandle(key protocol.BotKey, timeout time.Duration, logger zerolog.Logger) *Handle {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Handle{
		key:     key,
		timeout: timeout,
		pending: newPendingTable(),
		logger:  logger.With().Str("bot", key.String()).Logger(),
	}
}

// Key returns the bot identity
func (h *Handle) Key() protocol.BotKey {
	return h.key
}

// Conn returns the current binding, or nil while disconnected
func (h *Handle) Conn() transport.Conn {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return h.conn
}

// Connected reports whether the handle has a live binding
func (h *Handle) Connected() bool {
	conn := h.Conn()
	return conn != nil && alive(conn)
}

// ConnectedAt returns when the current binding was installed
func (h *Handle) ConnectedAt() time.Time {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return h.connectedAt
}

// Pending returns the number of actions awaiting a response
func (h *Handle) Pending() int {
	return h.pending.len()
}

// Awaits reports whether echo is a live correlation token on this handle
func (h *Handle) Awaits(echo string) bool {
	return h.pending.has(echo)
}

// Call sends action and waits for its response. A timeout of zero uses the
// handle default. Failed responses are returned as responses, not errors;
// use Response.Err to convert them.
func (h *Handle) Call(ctx context.Context, action protocol.Action, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = h.timeout
	}

	ctx, span := tracing.StartSpan(ctx, "onebot/bot", "bot.call",
		attribute.String("onebot.bot", h.key.String()),
		attribute.String("onebot.action", action.Action),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, h.logger)

	// One deadline covers the write and the wait for the response.
	expired := fmt.Errorf("%w: %s after %s", ErrTimeout, action.Action, timeout)
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, expired)
	defer cancel()

	w, token, err := h.send(ctx, action)
	if err != nil {
		tracing.Fail(span, err)
		status := "send_failed"
		switch {
		case errors.Is(err, ErrDisconnected):
			status = "disconnected"
		case errors.Is(err, ErrTimeout):
			status = "timeout"
		}
		observability.RecordAction(action.Action, status, 0)
		logger.Warn().Err(err).Str("action", action.Action).Msg("Action send failed")
		return nil, err
	}
	observability.SetPendingWaiters(h.key.String(), h.pending.len())

	var res result
	select {
	case res = <-w.ch:
	case <-ctx.Done():
		res = h.abandon(token, w, context.Cause(ctx))
	}
	observability.SetPendingWaiters(h.key.String(), h.pending.len())

	elapsed := time.Since(w.started)
	switch {
	case res.err == nil:
		status := "ok"
		if !res.resp.Succeeded() {
			status = "failed"
		}
		observability.RecordAction(action.Action, status, elapsed)
		span.SetAttributes(attribute.Int64("onebot.retcode", res.resp.Retcode))
	case errors.Is(res.err, ErrTimeout):
		observability.RecordAction(action.Action, "timeout", elapsed)
		logger.Warn().Str("action", action.Action).Str("echo", token).Dur("timeout", timeout).Msg("Action timed out")
	case errors.Is(res.err, ErrDisconnected):
		observability.RecordAction(action.Action, "disconnected", elapsed)
	default:
		observability.RecordAction(action.Action, "cancelled", elapsed)
	}
	tracing.Fail(span, res.err)
	return res.resp, res.err
}

// send registers a waiter on the current binding and writes the action.
// The write happens outside connMu: a swap in the meantime drains the
// waiter, so the caller still learns the binding went away.
func (h *Handle) send(ctx context.Context, action protocol.Action) (*waiter, string, error) {
	h.connMu.RLock()
	conn := h.conn
	if conn == nil || !alive(conn) {
		h.connMu.RUnlock()
		return nil, "", fmt.Errorf("%w: %s", ErrDisconnected, h.key)
	}
	token, w := h.pending.add(action.Action)
	h.connMu.RUnlock()

	action.Echo = token
	if action.Self == nil {
		action.Self = h.key.Self()
	}
	if action.Params == nil {
		action.Params = make(map[string]interface{})
	}

	data, err := protocol.Encode(action)
	if err == nil {
		err = conn.Send(ctx, data)
	}
	if err == nil {
		return w, token, nil
	}

	// The call deadline passing during the write is a timeout, not a
	// transport failure.
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrTimeout) {
		err = cause
	} else {
		err = fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	res := h.abandon(token, w, err)
	if res.err == nil {
		// Resolved before the write reported failure.
		return resolvedWaiter(res), token, nil
	}
	return nil, "", res.err
}

// resolvedWaiter wraps an already known result as a waiter.
func resolvedWaiter(res result) *waiter {
	w := &waiter{started: time.Now(), ch: make(chan result, 1)}
	w.ch <- res
	return w
}

// abandon gives up on token. If a resolver already removed the entry its
// result is in flight on the buffered channel and wins.
func (h *Handle) abandon(token string, w *waiter, err error) result {
	if _, ok := h.pending.take(token); ok {
		return result{err: err}
	}
	return <-w.ch
}

// Resolve delivers resp to the caller waiting on its echo. It reports false
// when the echo is missing or not pending, for example after a timeout.
func (h *Handle) Resolve(resp *protocol.Response) bool {
	if resp == nil || resp.Validate() != nil {
		return false
	}
	w, ok := h.pending.take(resp.Echo)
	if !ok {
		return false
	}
	w.ch <- result{resp: resp}
	return true
}

// attach installs conn, draining waiters of the previous binding first.
func (h *Handle) attach(conn transport.Conn, reject bool) (transport.Conn, bool, error) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	old := h.conn
	if old == conn {
		return nil, false, nil
	}
	if reject && old != nil && alive(old) {
		return nil, false, fmt.Errorf("%w: %s is already connected", ErrDuplicateConnection, h.key)
	}
	if n := h.pending.drain(fmt.Errorf("%w: %s reconnected", ErrDisconnected, h.key)); n > 0 {
		h.logger.Info().Int("waiters", n).Msg("Drained waiters of replaced binding")
	}
	h.conn = conn
	h.connectedAt = time.Now()
	return old, true, nil
}

// detach clears conn if it is still current and fails every waiter.
func (h *Handle) detach(conn transport.Conn, cause error) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if conn != nil && h.conn != conn {
		return false
	}
	h.conn = nil
	if n := h.pending.drain(cause); n > 0 {
		h.logger.Info().Int("waiters", n).Msg("Drained waiters of lost binding")
	}
	observability.SetPendingWaiters(h.key.String(), 0)
	return true
}

func alive(conn transport.Conn) bool {
	select {
	case <-conn.Done():
		return false
	default:
		return true
	}
}
