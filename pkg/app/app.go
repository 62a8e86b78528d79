package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/onebot/internal/tracing"
	"github.com/harun/onebot/pkg/bot"
	"github.com/harun/onebot/pkg/commandqueue"
	"github.com/harun/onebot/pkg/dispatch"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
)

// DefaultReconnectInterval is the pause between WebSocket dial attempts
const DefaultReconnectInterval = 5 * time.Second

// WSClientConfig is an implementation the app dials and keeps connected.
type WSClientConfig struct {
	URL               string
	AccessToken       string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Config configures an App
type Config struct {
	Policy      bot.Policy
	CallTimeout time.Duration
	// DedupTTL drops redelivered event ids seen within the window. Zero disables.
	DedupTTL time.Duration
	// Concurrency is the number of events handled at once per bot.
	Concurrency int
	// Impl is announced to implementations in the X-Impl header.
	Impl string

	WSClients      []WSClientConfig
	WSServers      []transport.WSServerConfig
	HTTPClients    []transport.HTTPClientConfig
	WebhookServers []transport.WebhookServerConfig

	Logger zerolog.Logger
}

// listener is a transport.Listener that binds its own port
type listener interface {
	transport.Listener
	Start() error
}

// App is the application-side runtime.
type App struct {
	cfg      Config
	registry *bot.Registry
	pipeline *dispatch.Pipeline
	queue    *commandqueue.CommandQueue
	dedup    *commandqueue.Dedup

	listeners []transport.Listener
	conns     map[string]transport.Conn
	connsMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	stopped bool
	mu      sync.Mutex
	logger  zerolog.Logger
}

// New creates an App. Register handlers, then call Start.
func New(cfg Config) *App {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Impl == "" {
		cfg.Impl = "onebot-app"
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg: cfg,
		registry: bot.NewRegistry(bot.RegistryConfig{
			Policy:      cfg.Policy,
			CallTimeout: cfg.CallTimeout,
			Logger:      cfg.Logger,
		}),
		pipeline: dispatch.NewPipeline(cfg.Logger),
		queue: commandqueue.New(commandqueue.Config{
			Concurrency: cfg.Concurrency,
			Logger:      cfg.Logger,
		}),
		conns:  make(map[string]transport.Conn),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger.With().Str("component", "app").Logger(),
	}
	if cfg.DedupTTL > 0 {
		a.dedup = commandqueue.NewDedup(ctx, cfg.DedupTTL)
	}
	return a
}

// Registry returns the bot registry
func (a *App) Registry() *bot.Registry {
	return a.registry
}

// Pipeline returns the dispatch pipeline
func (a *App) Pipeline() *dispatch.Pipeline {
	return a.pipeline
}

// Handle registers event handlers in order
func (a *App) Handle(handlers ...dispatch.Handler) error {
	return a.pipeline.Register(handlers...)
}

// Bot returns the handle of a known bot
func (a *App) Bot(key protocol.BotKey) (*bot.Handle, bool) {
	return a.registry.Lookup(key)
}

// Call sends action to the bot identified by key and waits for its response.
func (a *App) Call(ctx context.Context, key protocol.BotKey, action protocol.Action, timeout time.Duration) (*protocol.Response, error) {
	h, ok := a.registry.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrBotNotFound, key)
	}
	return h.Call(ctx, action, timeout)
}

// Addrs returns the bound addresses of every listener
func (a *App) Addrs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]string, 0, len(a.listeners))
	for _, l := range a.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Start binds listeners, dials WebSocket implementations and creates HTTP
// bindings. Listener failures abort Start; dial failures are retried.
func (a *App) Start() error {
	a.mu.Lock()
	if a.running || a.stopped {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(a.ctx), a.logger)
	logger.Info().Msg("Starting application")

	identity := transport.Identity{Impl: a.cfg.Impl}

	var listeners []listener
	for _, sc := range a.cfg.WSServers {
		sc.Identity = identity
		sc.Logger = a.cfg.Logger
		listeners = append(listeners, transport.NewWSServer(sc))
	}
	for _, wc := range a.cfg.WebhookServers {
		wc.Identity = identity
		wc.Logger = a.cfg.Logger
		listeners = append(listeners, transport.NewWebhookServer(wc))
	}
	for _, l := range listeners {
		if err := l.Start(); err != nil {
			a.closeListeners()
			return fmt.Errorf("failed to start listener: %w", err)
		}
		a.mu.Lock()
		a.listeners = append(a.listeners, l)
		a.mu.Unlock()

		a.wg.Add(1)
		go a.acceptLoop(l)
		logger.Info().Str("addr", l.Addr()).Msg("Listening")
	}

	for _, hc := range a.cfg.HTTPClients {
		hc.Identity = identity
		hc.Logger = a.cfg.Logger
		conn, err := transport.NewHTTPClient(hc)
		if err != nil {
			a.closeListeners()
			return fmt.Errorf("failed to create http binding: %w", err)
		}
		a.Serve(conn)
	}

	for _, wc := range a.cfg.WSClients {
		a.wg.Add(1)
		go a.dialLoop(wc, identity)
	}

	logger.Info().
		Int("listeners", len(listeners)).
		Int("ws_clients", len(a.cfg.WSClients)).
		Int("http_clients", len(a.cfg.HTTPClients)).
		Msg("Application started")
	return nil
}

// Serve runs the receive loop of conn until it ends. It returns at once.
func (a *App) Serve(conn transport.Conn) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runConn(conn)
	}()
}

// Stop closes listeners and bindings, fails every pending call with
// ErrDisconnected and waits for running handlers until ctx expires.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.running = false
	a.mu.Unlock()

	a.logger.Info().Msg("Stopping application")

	a.cancel()
	a.closeListeners()

	a.connsMu.Lock()
	conns := make([]transport.Conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	a.registry.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	if err := a.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.dedup != nil {
		a.dedup.Stop()
	}

	a.logger.Info().Msg("Application stopped")
	return errors.Join(errs...)
}

func (a *App) closeListeners() {
	a.mu.Lock()
	listeners := a.listeners
	a.listeners = nil
	a.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil {
			a.logger.Warn().Err(err).Str("addr", l.Addr()).Msg("Failed to close listener")
		}
	}
}

func (a *App) acceptLoop(l transport.Listener) {
	defer a.wg.Done()
	for {
		conn, err := l.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				a.logger.Warn().Err(err).Str("addr", l.Addr()).Msg("Accept failed")
			}
			return
		}
		a.Serve(conn)
	}
}

// dialLoop keeps one WebSocket implementation connected until Stop.
func (a *App) dialLoop(wc WSClientConfig, identity transport.Identity) {
	defer a.wg.Done()

	interval := wc.ReconnectInterval
	if interval <= 0 {
		interval = DefaultReconnectInterval
	}
	logger := a.logger.With().Str("url", wc.URL).Logger()

	for {
		conn, err := transport.DialWS(a.ctx, transport.WSClientConfig{
			URL:              wc.URL,
			AccessToken:      wc.AccessToken,
			HandshakeTimeout: wc.HandshakeTimeout,
			Identity:         identity,
			Logger:           a.cfg.Logger,
		})
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("retry_in", interval).Msg("Failed to connect to implementation")
		} else {
			a.runConn(conn)
			if a.ctx.Err() != nil {
				return
			}
			logger.Info().Dur("retry_in", interval).Msg("Connection lost, reconnecting")
		}

		timer := time.NewTimer(interval)
		select {
		case <-a.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
