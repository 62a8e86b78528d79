package impl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/internal/tracing"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultReconnectInterval = 5 * time.Second
	sendTimeout              = 10 * time.Second
)

// WSClientConfig is an application the implementation dials.
type WSClientConfig struct {
	URL               string
	AccessToken       string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Config configures an Impl
type Config struct {
	Platform string
	SelfID   string
	Impl     string
	Version  string
	// HeartbeatInterval enables meta.heartbeat events when positive.
	// Sub-second intervals round up to one second.
	HeartbeatInterval time.Duration
	// EventBuffer enables get_latest_events with a buffer of this many events.
	EventBuffer int

	WSServers   []transport.WSServerConfig
	WSClients   []WSClientConfig
	HTTPServers []transport.HTTPServerConfig
	Webhooks    []transport.WebhookClientConfig

	Logger zerolog.Logger
}

type startable interface {
	Start() error
	Addr() string
	Close() error
}

// Impl is the implementation-side runtime for one bot.
type Impl struct {
	cfg      Config
	key      protocol.BotKey
	identity transport.Identity
	router   *Router
	buffer   *eventBuffer
	cron     *cron.Cron

	servers []startable
	conns   map[string]transport.Conn
	connsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	stopped bool
	mu      sync.Mutex
	logger  zerolog.Logger
}

// New creates an Impl with the built-in actions registered.
func New(cfg Config) (*Impl, error) {
	if cfg.Platform == "" || cfg.SelfID == "" {
		return nil, fmt.Errorf("platform and self id are required")
	}
	if cfg.Impl == "" {
		cfg.Impl = "onebot"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}

	ctx, cancel := context.WithCancel(context.Background())
	key := protocol.BotKey{Platform: cfg.Platform, SelfID: cfg.SelfID}
	i := &Impl{
		cfg:      cfg,
		key:      key,
		identity: transport.Identity{Impl: cfg.Impl, Key: key},
		router:   NewRouter(cfg.Logger),
		conns:    make(map[string]transport.Conn),
		ctx:      ctx,
		cancel:   cancel,
		logger: cfg.Logger.With().
			Str("component", "impl").
			Str("bot", key.String()).
			Logger(),
	}
	if cfg.EventBuffer > 0 {
		i.buffer = newEventBuffer(cfg.EventBuffer)
	}
	if err := i.registerBuiltins(); err != nil {
		cancel()
		return nil, err
	}
	return i, nil
}

// Key returns the bot served by this implementation
func (i *Impl) Key() protocol.BotKey {
	return i.key
}

// Router returns the action router
func (i *Impl) Router() *Router {
	return i.router
}

// Handle registers an action handler. See Router.Register.
func (i *Impl) Handle(action string, handler HandlerFunc, schema string) error {
	return i.router.Register(action, handler, schema)
}

// Addrs returns the bound addresses of every server
func (i *Impl) Addrs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	addrs := make([]string, 0, len(i.servers))
	for _, s := range i.servers {
		addrs = append(addrs, s.Addr())
	}
	return addrs
}

// Status reports the bot as online
func (i *Impl) Status() protocol.Status {
	return protocol.Status{
		Good: true,
		Bots: []protocol.BotStatus{{Self: *i.key.Self(), Online: true}},
	}
}

// VersionInfo describes this implementation
func (i *Impl) VersionInfo() protocol.ImplVersion {
	return protocol.ImplVersion{
		Impl:          i.cfg.Impl,
		Version:       i.cfg.Version,
		OneBotVersion: protocol.Version,
	}
}

// Start binds servers, dials applications and starts the heartbeat.
func (i *Impl) Start() error {
	i.mu.Lock()
	if i.running || i.stopped {
		i.mu.Unlock()
		return fmt.Errorf("implementation is already running")
	}
	i.running = true
	i.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(i.ctx), i.logger)
	logger.Info().Str("impl", i.cfg.Impl).Msg("Starting implementation")

	for _, sc := range i.cfg.WSServers {
		sc.Identity = i.identity
		sc.Logger = i.cfg.Logger
		srv := transport.NewWSServer(sc)
		if err := i.startServer(srv); err != nil {
			return err
		}
		i.wg.Add(1)
		go i.acceptLoop(srv)
	}
	for _, hc := range i.cfg.HTTPServers {
		hc.Identity = i.identity
		hc.Logger = i.cfg.Logger
		if err := i.startServer(transport.NewHTTPServer(hc, i.handleAction)); err != nil {
			return err
		}
	}

	for _, wc := range i.cfg.Webhooks {
		wc.Identity = i.identity
		wc.Logger = i.cfg.Logger
		conn, err := transport.NewWebhookClient(wc)
		if err != nil {
			i.closeServers()
			return fmt.Errorf("failed to create webhook: %w", err)
		}
		i.serve(conn)
	}

	for _, wc := range i.cfg.WSClients {
		i.wg.Add(1)
		go i.dialLoop(wc)
	}

	if i.cfg.HeartbeatInterval > 0 {
		i.cron = cron.New()
		spec := fmt.Sprintf("@every %s", i.cfg.HeartbeatInterval)
		if _, err := i.cron.AddFunc(spec, i.heartbeat); err != nil {
			i.closeServers()
			return fmt.Errorf("failed to schedule heartbeat: %w", err)
		}
		i.cron.Start()
	}

	logger.Info().Int("servers", len(i.servers)).Int("webhooks", len(i.cfg.Webhooks)).Msg("Implementation started")
	return nil
}

func (i *Impl) startServer(s startable) error {
	if err := s.Start(); err != nil {
		i.closeServers()
		return fmt.Errorf("failed to start server: %w", err)
	}
	i.mu.Lock()
	i.servers = append(i.servers, s)
	i.mu.Unlock()
	i.logger.Info().Str("addr", s.Addr()).Msg("Listening")
	return nil
}

// Stop closes every binding and waits for in-flight actions until ctx expires.
func (i *Impl) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	i.running = false
	i.mu.Unlock()

	i.logger.Info().Msg("Stopping implementation")

	if i.cron != nil {
		<-i.cron.Stop().Done()
	}
	i.cancel()
	i.closeServers()

	for _, c := range i.connections() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.logger.Info().Msg("Implementation stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bindings: %w", ctx.Err())
	}
}

func (i *Impl) closeServers() {
	i.mu.Lock()
	servers := i.servers
	i.servers = nil
	i.mu.Unlock()

	for _, s := range servers {
		if err := s.Close(); err != nil {
			i.logger.Warn().Err(err).Str("addr", s.Addr()).Msg("Failed to close server")
		}
	}
}

func (i *Impl) connections() []transport.Conn {
	i.connsMu.RLock()
	defer i.connsMu.RUnlock()
	conns := make([]transport.Conn, 0, len(i.conns))
	for _, c := range i.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connections returns the number of live application bindings
func (i *Impl) Connections() int {
	i.connsMu.RLock()
	defer i.connsMu.RUnlock()
	return len(i.conns)
}

// NewEvent builds an event of this bot. Emit fills id and time.
func (i *Impl) NewEvent(detailType, subType string, content protocol.EventContent) *protocol.Event {
	ev := &protocol.Event{
		Type:       content.EventType(),
		DetailType: detailType,
		SubType:    subType,
		Content:    content,
	}
	if ev.Type != protocol.EventMeta {
		ev.Self = i.key.Self()
	}
	return ev
}

// Emit pushes ev to every connected application and to the
// get_latest_events buffer. Delivery failures are logged.
func (i *Impl) Emit(ctx context.Context, ev *protocol.Event) error {
	if ev == nil || ev.Content == nil {
		return fmt.Errorf("event has no content")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time == 0 {
		ev.Time = float64(time.Now().UnixNano()) / 1e9
	}
	if ev.Self == nil && ev.Type != protocol.EventMeta {
		ev.Self = i.key.Self()
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	if i.buffer != nil && ev.Type != protocol.EventMeta {
		i.buffer.push(ev)
	}

	conns := i.connections()
	if len(conns) == 0 {
		i.logger.Debug().Str("event_id", ev.ID).Msg("No applications to push to")
		return nil
	}

	var wg sync.WaitGroup
	var failed int32
	var failMu sync.Mutex
	for _, c := range conns {
		wg.Add(1)
		go func(c transport.Conn) {
			defer wg.Done()
			if err := i.send(ctx, c, data); err != nil {
				i.logger.Warn().Err(err).Str("conn_id", c.ID()).Str("event_id", ev.ID).Msg("Failed to push event")
				failMu.Lock()
				failed++
				failMu.Unlock()
				return
			}
			observability.RecordImplEventSent(string(c.Kind()))
		}(c)
	}
	wg.Wait()

	i.logger.Debug().
		Str("event_id", ev.ID).
		Str("type", ev.Type).
		Str("detail_type", ev.DetailType).
		Int("success", len(conns)-int(failed)).
		Int32("failed", failed).
		Msg("Event push complete")
	return nil
}

func (i *Impl) send(ctx context.Context, c transport.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return c.Send(ctx, data)
}

func (i *Impl) heartbeat() {
	ev := i.NewEvent(protocol.MetaHeartbeat, "", &protocol.MetaContent{
		Interval: i.cfg.HeartbeatInterval.Milliseconds(),
	})
	if err := i.Emit(i.ctx, ev); err != nil {
		i.logger.Warn().Err(err).Msg("Failed to emit heartbeat")
	}
}

// handleAction checks the addressed bot and routes the action.
func (i *Impl) handleAction(ctx context.Context, action *protocol.Action) *protocol.Response {
	if action.Self != nil && action.Self.Key() != i.key {
		resp := protocol.Failed(protocol.RetUnknownSelf, fmt.Sprintf("unknown bot %s", action.Self.Key()))
		resp.Echo = action.Echo
		return resp
	}
	return i.router.Route(ctx, action)
}

func (i *Impl) acceptLoop(l transport.Listener) {
	defer i.wg.Done()
	for {
		conn, err := l.Accept(i.ctx)
		if err != nil {
			if i.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				i.logger.Warn().Err(err).Msg("Accept failed")
			}
			return
		}
		i.serve(conn)
	}
}

func (i *Impl) dialLoop(wc WSClientConfig) {
	defer i.wg.Done()

	interval := wc.ReconnectInterval
	if interval <= 0 {
		interval = defaultReconnectInterval
	}
	logger := i.logger.With().Str("url", wc.URL).Logger()

	for {
		conn, err := transport.DialWS(i.ctx, transport.WSClientConfig{
			URL:              wc.URL,
			AccessToken:      wc.AccessToken,
			HandshakeTimeout: wc.HandshakeTimeout,
			Identity:         i.identity,
			Logger:           i.cfg.Logger,
		})
		if err != nil {
			if i.ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("retry_in", interval).Msg("Failed to connect to application")
		} else {
			i.runConn(conn)
			if i.ctx.Err() != nil {
				return
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-i.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (i *Impl) serve(conn transport.Conn) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.runConn(conn)
	}()
}

// runConn announces the bot on WebSocket bindings, then executes actions
// read from conn until it ends.
func (i *Impl) runConn(conn transport.Conn) {
	i.connsMu.Lock()
	i.conns[conn.ID()] = conn
	i.connsMu.Unlock()

	logger := i.logger.With().Str("conn_id", conn.ID()).Str("kind", string(conn.Kind())).Logger()
	logger.Info().Msg("Application connected")

	defer func() {
		i.connsMu.Lock()
		delete(i.conns, conn.ID())
		i.connsMu.Unlock()
		_ = conn.Close()
		logger.Info().Msg("Application disconnected")
	}()

	if conn.Kind() == transport.KindWSServer || conn.Kind() == transport.KindWSClient {
		if err := i.announce(conn); err != nil {
			logger.Warn().Err(err).Msg("Failed to announce bot")
			return
		}
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		data, err := conn.Receive(i.ctx)
		if err != nil {
			if i.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				logger.Warn().Err(err).Msg("Binding failed")
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil || frame.Kind != protocol.FrameAction {
			logger.Warn().Err(err).Msg("Discarding non-action frame")
			observability.RecordMalformedFrame(string(conn.Kind()))
			resp := protocol.Failed(protocol.RetBadRequest, "request is not an action")
			i.reply(conn, resp, logger)
			continue
		}

		inflight.Add(1)
		go func(action *protocol.Action) {
			defer inflight.Done()
			ctx := tracing.WithConnID(tracing.NewRequestContext(i.ctx), conn.ID())
			i.reply(conn, i.handleAction(ctx, action), logger)
		}(frame.Action)
	}
}

// reply sends resp back on bindings that carry responses. Actions queued
// from webhook replies have no return path.
func (i *Impl) reply(conn transport.Conn, resp *protocol.Response, logger zerolog.Logger) {
	if conn.Kind() == transport.KindWebhookClient {
		if !resp.Succeeded() {
			logger.Warn().Int64("retcode", resp.Retcode).Str("message", resp.Message).Msg("Webhook reply action failed")
		}
		return
	}
	data, err := protocol.Encode(resp)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
		return
	}
	if err := i.send(i.ctx, conn, data); err != nil {
		logger.Warn().Err(err).Str("echo", resp.Echo).Msg("Failed to send response")
	}
}

// announce sends meta.connect and meta.status_update on a new binding.
func (i *Impl) announce(conn transport.Conn) error {
	version := i.VersionInfo()
	status := i.Status()
	for _, ev := range []*protocol.Event{
		i.NewEvent(protocol.MetaConnect, "", &protocol.MetaContent{Version: &version}),
		i.NewEvent(protocol.MetaStatusUpdate, "", &protocol.MetaContent{Status: &status}),
	} {
		ev.ID = uuid.NewString()
		ev.Time = float64(time.Now().UnixNano()) / 1e9
		data, err := protocol.Encode(ev)
		if err != nil {
			return err
		}
		if err := i.send(i.ctx, conn, data); err != nil {
			return err
		}
	}
	return nil
}
