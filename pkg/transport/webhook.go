package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/harun/onebot/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// WebhookServerConfig configures the application-side event receiver.
type WebhookServerConfig struct {
	Host        string
	Port        int
	Path        string
	AccessToken string
	Secret      string
	// ActionURL gives accepted bindings an outbound path. Without it they
	// are receive-only.
	ActionURL     string
	ActionTimeout time.Duration
	// RateLimit caps event POSTs per remote host per minute. Zero disables
	// it.
	RateLimit int
	Identity  Identity
	Logger    zerolog.Logger
}

// WebhookServer receives event POSTs. Each implementation, identified by
// its X-Impl header, gets one Conn that lives until it is closed.
type WebhookServer struct {
	cfg       WebhookServerConfig
	server    *http.Server
	listener  net.Listener
	accepted  chan Conn
	done      chan struct{}
	closeOnce sync.Once
	conns     map[string]*webhookConn
	mu        sync.Mutex
	limiter   *rateLimiter
	logger    zerolog.Logger
}

// NewWebhookServer creates the receiver.
func NewWebhookServer(cfg WebhookServerConfig) *WebhookServer {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	return &WebhookServer{
		cfg:      cfg,
		accepted: make(chan Conn, 16),
		done:     make(chan struct{}),
		conns:    make(map[string]*webhookConn),
		limiter:  newRateLimiter(cfg.RateLimit),
		logger:   cfg.Logger.With().Str("component", "webhook_server").Logger(),
	}
}

// Start binds the listening socket and serves in the background.
func (s *WebhookServer) Start() error {
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

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.Path).Msg("Starting webhook server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Webhook server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *WebhookServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
}

// ServeHTTP accepts one event.
func (s *WebhookServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	select {
	case <-s.done:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if !s.limiter.admit(w, r) {
		return
	}
	if !authorized(r, s.cfg.AccessToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !VerifySignature(body, r.Header.Get(HeaderSignature), s.cfg.Secret) {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Rejected webhook with bad signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	hs := readHandshake(r.Header, r.RemoteAddr)
	if err := CheckVersion(hs.Version); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if kind, err := protocol.Classify(body); err != nil || kind != protocol.FrameEvent {
		http.Error(w, "body is not an event", http.StatusBadRequest)
		return
	}

	conn, created := s.connFor(hs)
	if created {
		select {
		case s.accepted <- conn:
		case <-s.done:
			conn.Close()
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
	}

	if err := conn.inbox.push(r.Context(), body); err != nil {
		http.Error(w, "binding closed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *WebhookServer) connFor(hs Handshake) (*webhookConn, bool) {
	name := hs.Impl
	if name == "" {
		name = "default"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, ok := s.conns[name]; ok {
		select {
		case <-conn.Done():
		default:
			return conn, false
		}
	}

	id, _ := gonanoid.New()
	conn := &webhookConn{
		id:        id,
		handshake: hs,
		inbox:     newInbox(256),
	}
	if s.cfg.ActionURL != "" {
		conn.poster = newPoster(s.cfg.ActionURL, s.cfg.AccessToken, "", s.cfg.Identity, s.cfg.ActionTimeout, nil)
	}
	conn.onClose = func() {
		s.mu.Lock()
		if s.conns[name] == conn {
			delete(s.conns, name)
		}
		s.mu.Unlock()
	}
	s.conns[name] = conn

	s.logger.Info().Str("conn", id).Str("impl", name).Msg("Webhook binding opened")
	return conn, true
}

// Accept blocks until a new implementation posts its first event.
func (s *WebhookServer) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-s.accepted:
		return conn, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the receiver and ends every binding.
func (s *WebhookServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conns := make([]*webhookConn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
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
	})
	return err
}

type webhookConn struct {
	id        string
	handshake Handshake
	inbox     *inbox
	poster    *poster
	onClose   func()
	closeOnce sync.Once
}

func (c *webhookConn) ID() string            { return c.id }
func (c *webhookConn) Kind() Kind            { return KindWebhookServer }
func (c *webhookConn) Handshake() Handshake  { return c.handshake }
func (c *webhookConn) Done() <-chan struct{} { return c.inbox.done }

func (c *webhookConn) Send(ctx context.Context, data []byte) error {
	if c.poster == nil {
		return ErrSendUnsupported
	}
	select {
	case <-c.inbox.done:
		return ErrClosed
	default:
	}
	reply, err := c.poster.post(ctx, data)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		return nil
	}
	return c.inbox.push(ctx, fillEcho(data, reply))
}

func (c *webhookConn) Receive(ctx context.Context) ([]byte, error) {
	return c.inbox.pop(ctx)
}

func (c *webhookConn) Close() error {
	c.closeOnce.Do(func() {
		c.inbox.close(ErrClosed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// WebhookClientConfig configures the implementation-side event pusher.
type WebhookClientConfig struct {
	URL         string
	AccessToken string
	Secret      string
	Timeout     time.Duration
	Identity    Identity
	Client      *http.Client
	Logger      zerolog.Logger
}

// WebhookClient posts each event to an application. Actions returned in
// the reply body are queued for Receive.
type WebhookClient struct {
	id     string
	cfg    WebhookClientConfig
	poster *poster
	inbox  *inbox
	logger zerolog.Logger
}

// NewWebhookClient creates the pusher.
func NewWebhookClient(cfg WebhookClientConfig) (*WebhookClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrConnection)
	}
	id, _ := gonanoid.New()
	return &WebhookClient{
		id:     id,
		cfg:    cfg,
		poster: newPoster(cfg.URL, cfg.AccessToken, cfg.Secret, cfg.Identity, cfg.Timeout, cfg.Client),
		inbox:  newInbox(64),
		logger: cfg.Logger.With().Str("conn", id).Str("kind", string(KindWebhookClient)).Logger(),
	}, nil
}

func (c *WebhookClient) ID() string            { return c.id }
func (c *WebhookClient) Kind() Kind            { return KindWebhookClient }
func (c *WebhookClient) Done() <-chan struct{} { return c.inbox.done }

func (c *WebhookClient) Handshake() Handshake {
	return Handshake{RemoteAddr: c.cfg.URL}
}

func (c *WebhookClient) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.inbox.done:
		return ErrClosed
	default:
	}
	reply, err := c.poster.post(ctx, data)
	if err != nil {
		return err
	}
	if len(reply) == 0 {
		return nil
	}

	// A reply may carry one action or a list of them.
	var actions []json.RawMessage
	if reply[0] == '[' {
		if err := json.Unmarshal(reply, &actions); err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed webhook reply")
			return nil
		}
	} else {
		actions = []json.RawMessage{reply}
	}
	for _, raw := range actions {
		if kind, err := protocol.Classify(raw); err != nil || kind != protocol.FrameAction {
			c.logger.Warn().Msg("Ignoring non-action in webhook reply")
			continue
		}
		if err := c.inbox.push(ctx, raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *WebhookClient) Receive(ctx context.Context) ([]byte, error) {
	return c.inbox.pop(ctx)
}

func (c *WebhookClient) Close() error {
	c.inbox.close(ErrClosed)
	return nil
}
