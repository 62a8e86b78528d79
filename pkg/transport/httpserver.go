package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/onebot/pkg/protocol"
	"github.com/rs/zerolog"
)

// ActionHandler executes one action and returns its response.
type ActionHandler func(ctx context.Context, action *protocol.Action) *protocol.Response

// HTTPServerConfig configures the implementation-side action endpoint.
type HTTPServerConfig struct {
	Host        string
	Port        int
	Path        string
	AccessToken string
	// RateLimit caps action requests per remote host per minute. Zero
	// disables it.
	RateLimit int
	Identity  Identity
	Logger    zerolog.Logger
}

// HTTPServer answers action POSTs synchronously.
type HTTPServer struct {
	cfg          HTTPServerConfig
	handler      ActionHandler
	server       *http.Server
	listener     net.Listener
	inFlightReqs sync.WaitGroup
	limiter      *rateLimiter
	logger       zerolog.Logger
}

// NewHTTPServer creates the endpoint.
func NewHTTPServer(cfg HTTPServerConfig, handler ActionHandler) *HTTPServer {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &HTTPServer{
		cfg:     cfg,
		handler: handler,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  cfg.Logger.With().Str("component", "http_server").Logger(),
	}
}

// Start binds the listening socket and serves in the background.
func (s *HTTPServer) Start() error {
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

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Msg("Starting HTTP action server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP action server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *HTTPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.admit(w, r) {
		return
	}
	if !authorized(r, s.cfg.AccessToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	var resp *protocol.Response
	frame, err := protocol.Decode(body)
	switch {
	case err != nil:
		resp = protocol.Failed(protocol.RetBadRequest, err.Error())
	case frame.Kind != protocol.FrameAction:
		resp = protocol.Failed(protocol.RetBadRequest, "request is not an action")
	default:
		resp = s.handler(r.Context(), frame.Action)
		if resp == nil {
			resp = protocol.Failed(protocol.RetInternalHandler, "handler returned no response")
		}
		resp.Echo = frame.Action.Echo
	}

	w.Header().Set("Content-Type", "application/json")
	setIdentity(w.Header(), s.cfg.Identity)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}

// Close waits briefly for in-flight actions and stops the server.
func (s *HTTPServer) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached with actions in flight")
	}
	return nil
}
