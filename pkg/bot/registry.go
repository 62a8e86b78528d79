package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
)

// Policy decides what happens when a BotKey is registered while its
// current binding is still alive.
type Policy string

const (
	// PolicyReplace installs the new binding after draining the old one's waiters
	PolicyReplace Policy = "replace"
	// PolicyReject refuses the new binding with ErrDuplicateConnection
	PolicyReject Policy = "reject"
)

// ParsePolicy parses a policy name, defaulting to PolicyReplace for "".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReplace:
		return PolicyReplace, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// RegistryConfig configures a Registry
type RegistryConfig struct {
	Policy      Policy
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// Registry tracks bot handles by BotKey. Handles survive disconnects so a
// reconnect reuses them.
type Registry struct {
	policy  Policy
	timeout time.Duration
	mu      sync.RWMutex
	handles map[protocol.BotKey]*Handle
	closed  bool
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Policy == "" {
		cfg.Policy = PolicyReplace
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Registry{
		policy:  cfg.Policy,
		timeout: cfg.CallTimeout,
		handles: make(map[protocol.BotKey]*Handle),
		logger:  cfg.Logger.With().Str("component", "bot_registry").Logger(),
	}
}

// Register binds key to conn, creating the handle on first sight. When the
// key already has a different binding the registry policy applies: under
// replace every waiter of the old binding is failed with ErrDisconnected
// before conn accepts calls.
func (r *Registry) Register(key protocol.BotKey, conn transport.Conn) (*Handle, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("invalid bot key %q", key)
	}
	if conn == nil {
		return nil, fmt.Errorf("nil binding for %s", key)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	h, exists := r.handles[key]
	if !exists {
		h = newHandle(key, r.timeout, r.logger)
		r.handles[key] = h
	}
	r.mu.Unlock()

	old, changed, err := h.attach(conn, r.policy == PolicyReject)
	if err != nil {
		r.logger.Warn().Str("bot", key.String()).Str("conn", conn.ID()).Msg("Rejected duplicate connection")
		observability.RecordConnectionAudit(context.Background(), "bot_connect", key.String(), "rejected", map[string]interface{}{
			"conn_id": conn.ID(),
			"kind":    string(conn.Kind()),
		})
		return nil, err
	}
	if !changed {
		return h, nil
	}

	action := "bot_connected"
	if old != nil {
		action = "bot_replaced"
	}
	r.logger.Info().
		Str("bot", key.String()).
		Str("conn", conn.ID()).
		Str("kind", string(conn.Kind())).
		Bool("replaced", old != nil).
		Msg("Bot registered")
	observability.RecordConnectionAudit(context.Background(), action, key.String(), "success", map[string]interface{}{
		"conn_id": conn.ID(),
		"kind":    string(conn.Kind()),
	})
	r.updateGauge()
	return h, nil
}

// Lookup returns the handle for key.
func (r *Registry) Lookup(key protocol.BotKey) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	return h, ok
}

// Remove forgets key and fails its waiters. The binding itself is left
// open since other bots may share it.
func (r *Registry) Remove(key protocol.BotKey) {
	r.mu.Lock()
	h, ok := r.handles[key]
	delete(r.handles, key)
	r.mu.Unlock()

	if ok {
		h.detach(nil, fmt.Errorf("%w: %s removed", ErrDisconnected, key))
		observability.RecordConnectionAudit(context.Background(), "bot_removed", key.String(), "success", nil)
		r.updateGauge()
	}
}

// Offline detaches key from conn after the implementation reported the bot
// offline, failing its waiters. It reports false when key is not bound to
// conn. The handle stays known and a later Register reattaches it.
func (r *Registry) Offline(key protocol.BotKey, conn transport.Conn) bool {
	h, ok := r.Lookup(key)
	if !ok || conn == nil {
		return false
	}
	if !h.detach(conn, fmt.Errorf("%w: %s went offline", ErrDisconnected, key)) {
		return false
	}
	observability.RecordConnectionAudit(context.Background(), "bot_offline", key.String(), "success", map[string]interface{}{
		"conn_id": conn.ID(),
	})
	r.updateGauge()
	return true
}

// All returns every handle ordered by key.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].key.String() < handles[j].key.String()
	})
	return handles
}

// Connected returns the handles with a live binding.
func (r *Registry) Connected() []*Handle {
	all := r.All()
	connected := all[:0]
	for _, h := range all {
		if h.Connected() {
			connected = append(connected, h)
		}
	}
	return connected
}

// Bound returns the handles whose current binding is conn.
func (r *Registry) Bound(conn transport.Conn) []*Handle {
	var bound []*Handle
	for _, h := range r.All() {
		if h.Conn() == conn {
			bound = append(bound, h)
		}
	}
	return bound
}

// Resolve routes resp to whichever handle bound to conn awaits its echo.
func (r *Registry) Resolve(conn transport.Conn, resp *protocol.Response) bool {
	for _, h := range r.Bound(conn) {
		if h.Resolve(resp) {
			return true
		}
	}
	return false
}

// Unbind detaches conn from every handle still using it and fails their
// waiters with ErrDisconnected. It returns the affected keys.
func (r *Registry) Unbind(conn transport.Conn) []protocol.BotKey {
	var keys []protocol.BotKey
	for _, h := range r.All() {
		if h.detach(conn, fmt.Errorf("%w: %s binding closed", ErrDisconnected, h.key)) {
			keys = append(keys, h.key)
			r.logger.Info().Str("bot", h.key.String()).Str("conn", conn.ID()).Msg("Bot disconnected")
			observability.RecordConnectionAudit(context.Background(), "bot_disconnected", h.key.String(), "success", map[string]interface{}{
				"conn_id": conn.ID(),
			})
		}
	}
	r.updateGauge()
	return keys
}

// Close fails every waiter and empties the registry. Further Register
// calls return ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := r.handles
	r.handles = make(map[protocol.BotKey]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.detach(nil, fmt.Errorf("%w: shutting down", ErrDisconnected))
	}
	r.updateGauge()
}

func (r *Registry) updateGauge() {
	observability.SetBotsConnected(len(r.Connected()))
}
