package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
)

// WSServerConfig configures an inbound WebSocket listener.
type WSServerConfig struct {
	Host        string
	Port        int
	Path        string
	AccessToken string
	// RateLimit caps upgrade attempts per remote host per minute. Zero
	// disables it.
	RateLimit int
	Identity  Identity
	Logger    zerolog.Logger
}

// WSServer accepts WebSocket bindings from peers.
type WSServer struct {
	cfg            WSServerConfig
	upgrader       websocket.Upgrader
	server         *http.Server
	listener       net.Listener
	accepted       chan Conn
	done           chan struct{}
	closeOnce      sync.Once
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	conns          map[string]Conn
	connsMu        sync.Mutex
	limiter        *rateLimiter
	logger         zerolog.Logger
}

// NewWSServer creates a WebSocket listener. Call Start to bind the port or
// mount the server as an http.Handler.
func NewWSServer(cfg WSServerConfig) *WSServer {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &WSServer{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		accepted: make(chan Conn, 16),
		done:     make(chan struct{}),
		conns:    make(map[string]Conn),
		limiter:  newRateLimiter(cfg.RateLimit),
		logger:   cfg.Logger.With().Str("component", "ws_server").Logger(),
	}
}

// Start binds the listening socket and serves in the background.
func (s *WSServer) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrConnection, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Msg("Starting WebSocket server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *WSServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

// ServeHTTP upgrades one peer connection.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if !s.limiter.admit(w, r) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rate limited WebSocket upgrade")
		return
	}
	if !authorized(r, s.cfg.AccessToken) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected WebSocket connection with bad access token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hs := readHandshake(r.Header, r.RemoteAddr)
	if err := CheckVersion(hs.Version); err != nil {
		s.logger.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Rejected WebSocket connection")
		w.Header().Set(HeaderVersion, protocol.Version)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	header := http.Header{}
	setIdentity(header, s.cfg.Identity)
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	conn := newWSConn(ws, KindWSServer, hs, s.cfg.Logger)
	s.track(conn)

	s.logger.Info().
		Str("conn", conn.ID()).
		Str("ip", r.RemoteAddr).
		Str("impl", hs.Impl).
		Msg("Peer connected")

	select {
	case s.accepted <- conn:
	case <-s.done:
		conn.Close()
	}
}

func (s *WSServer) track(conn Conn) {
	s.connsMu.Lock()
	s.conns[conn.ID()] = conn
	s.connsMu.Unlock()

	go func() {
		select {
		case <-conn.Done():
		case <-s.done:
		}
		s.connsMu.Lock()
		delete(s.conns, conn.ID())
		s.connsMu.Unlock()
	}()
}

// Accept blocks until a peer connects.
func (s *WSServer) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-s.accepted:
		return conn, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes every live binding.
func (s *WSServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.shutdownMu.Lock()
		s.isShuttingDown = true
		s.shutdownMu.Unlock()
		close(s.done)

		s.connsMu.Lock()
		conns := make([]Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.connsMu.Unlock()
		for _, c := range conns {
			c.Close()
		}

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("failed to shutdown server: %w", shutdownErr)
			}
		}
		s.logger.Info().Msg("WebSocket server stopped")
	})
	return err
}
