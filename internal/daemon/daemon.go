package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/onebot/internal/config"
	"github.com/harun/onebot/internal/logger"
	"github.com/harun/onebot/internal/observability"
	"github.com/harun/onebot/internal/tracing"
	"github.com/harun/onebot/pkg/app"
	"github.com/harun/onebot/pkg/impl"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

// Role selects which side of the protocol the daemon runs
type Role string

const (
	RoleApp  Role = "app"
	RoleImpl Role = "impl"
)

// ParseRole parses a role name
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleApp, RoleImpl:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q (want app or impl)", s)
	}
}

// Options tune a daemon beyond the config file
type Options struct {
	// Setup runs before Start and may register handlers on the runtime.
	SetupApp  func(*app.App) error
	SetupImpl func(*impl.Impl) error
}

// Status is a snapshot of the daemon state
type Status struct {
	Role    Role
	Running bool
	Uptime  time.Duration
	Bots    int
	Addrs   []string
}

// Daemon runs one protocol role with its metrics, tracing and pid file.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	role   Role

	app  *app.App
	impl *impl.Impl

	metricsServer *http.Server
	metricsAddr   string
	lifecycle     *LifecycleManager

	startTime      time.Time
	running        bool
	mu             sync.RWMutex
	tracingEnabled bool
}

// New builds the runtime for role from cfg.
func New(cfg *config.Config, role Role, log *logger.Logger, opts Options) (*Daemon, error) {
	zl := log.GetZerolog()
	d := &Daemon{
		config: cfg,
		logger: log,
		role:   role,
	}

	switch role {
	case RoleApp:
		if err := cfg.ValidateApp(); err != nil {
			return nil, err
		}
		appCfg, err := AppConfig(cfg, zl)
		if err != nil {
			return nil, err
		}
		d.app = app.New(appCfg)
		if opts.SetupApp != nil {
			if err := opts.SetupApp(d.app); err != nil {
				return nil, fmt.Errorf("failed to set up application: %w", err)
			}
		}
	case RoleImpl:
		if err := cfg.ValidateImpl(); err != nil {
			return nil, err
		}
		rt, err := impl.New(ImplConfig(cfg, zl))
		if err != nil {
			return nil, err
		}
		d.impl = rt
		if opts.SetupImpl != nil {
			if err := opts.SetupImpl(d.impl); err != nil {
				return nil, fmt.Errorf("failed to set up implementation: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// App returns the application runtime, nil for the impl role
func (d *Daemon) App() *app.App {
	return d.app
}

// Impl returns the implementation runtime, nil for the app role
func (d *Daemon) Impl() *impl.Impl {
	return d.impl
}

// Start brings up observability and then the role runtime.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(context.Background()), d.logger.GetZerolog())
	logger.Info().Str("role", string(d.role)).Msg("Starting onebot daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	auditPath := filepath.Join(d.config.DataPath(), "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	if d.config.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName: d.config.Tracing.ServiceName,
			Role:        string(d.role),
			SampleRatio: d.config.Tracing.SampleRatio,
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			logger.Info().Msg("Tracing initialized")
		}
	}

	if d.config.Metrics.Enabled {
		if err := d.startMetrics(logger); err != nil {
			d.cleanup(logger)
			return err
		}
	}

	var err error
	switch d.role {
	case RoleApp:
		err = d.app.Start()
	case RoleImpl:
		err = d.impl.Start()
	}
	if err != nil {
		d.cleanup(logger)
		return fmt.Errorf("failed to start %s: %w", d.role, err)
	}

	logger.Info().Strs("addrs", d.addrs()).Msg("Daemon started")
	return nil
}

func (d *Daemon) startMetrics(logger zerolog.Logger) error {
	observability.EnsureRegistered()
	ln, err := net.Listen("tcp", d.config.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	d.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.metricsAddr = ln.Addr().String()

	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	logger.Info().Str("addr", d.metricsAddr).Msg("Metrics endpoint started")
	return nil
}

// MetricsAddr returns the bound metrics address, empty when disabled
func (d *Daemon) MetricsAddr() string {
	return d.metricsAddr
}

// Stop shuts the runtime down and releases the pid file.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.mu.Unlock()

	logger := tracing.LoggerFromContext(tracing.NewRequestContext(ctx), d.logger.GetZerolog())
	logger.Info().Msg("Stopping onebot daemon")

	var err error
	switch d.role {
	case RoleApp:
		err = d.app.Stop(ctx)
	case RoleImpl:
		err = d.impl.Stop(ctx)
	}
	if err != nil {
		logger.Error().Err(err).Msg("Runtime did not stop cleanly")
	}

	d.cleanup(logger)
	logger.Info().Msg("Daemon stopped")
	return err
}

// cleanup releases everything Start acquired besides the runtime.
func (d *Daemon) cleanup(logger zerolog.Logger) {
	if d.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
		d.metricsServer = nil
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	d.setStopped()
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Run starts the daemon and blocks until ctx ends or SIGINT/SIGTERM arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status returns a snapshot of the daemon
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	start := d.startTime
	d.mu.RUnlock()

	st := Status{Role: d.role, Running: running}
	if running {
		st.Uptime = time.Since(start)
		st.Addrs = d.addrs()
	}
	switch d.role {
	case RoleApp:
		st.Bots = len(d.app.Registry().Connected())
	case RoleImpl:
		st.Bots = 1
	}
	return st
}

func (d *Daemon) addrs() []string {
	if d.app != nil {
		return d.app.Addrs()
	}
	return d.impl.Addrs()
}
