package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/harun/onebot/pkg/protocol"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxBodySize = 4 << 20

// poster performs one authenticated JSON POST.
type poster struct {
	url      string
	token    string
	secret   string
	identity Identity
	client   *http.Client
}

func newPoster(url, token, secret string, identity Identity, timeout time.Duration, client *http.Client) *poster {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &poster{url: url, token: token, secret: secret, identity: identity, client: client}
}

// post returns the reply body, which is empty for 204 replies.
func (p *poster) post(ctx context.Context, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setAccessToken(req.Header, p.token)
	setIdentity(req.Header, p.identity)
	if p.secret != "" {
		req.Header.Set(HeaderSignature, Sign(data, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", ErrConnection, p.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return bytes.TrimSpace(body), nil
}

// fillEcho copies the request echo into a reply that lacks one. HTTP
// replies are matched positionally, so some implementations omit it.
func fillEcho(request, reply []byte) []byte {
	var req struct {
		Echo string `json:"echo"`
	}
	if err := json.Unmarshal(request, &req); err != nil || req.Echo == "" {
		return reply
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(reply, &fields); err != nil {
		return reply
	}
	if echo, ok := fields["echo"]; ok && string(echo) != `""` && string(echo) != "null" {
		return reply
	}
	echo, _ := json.Marshal(req.Echo)
	fields["echo"] = echo
	patched, err := json.Marshal(fields)
	if err != nil {
		return reply
	}
	return patched
}

// HTTPClientConfig configures the application-side HTTP binding.
type HTTPClientConfig struct {
	URL         string
	AccessToken string
	Timeout     time.Duration
	Identity    Identity
	// Key is the bot served behind URL. HTTP has no handshake to learn it.
	Key protocol.BotKey
	// PollInterval enables get_latest_events polling when positive.
	PollInterval time.Duration
	PollLimit    int64
	// PollTimeout is the long-poll timeout in seconds passed to the implementation.
	PollTimeout int64
	Client      *http.Client
	Logger      zerolog.Logger
}

// HTTPClient sends each action as a POST and queues the synchronous reply
// for Receive.
type HTTPClient struct {
	id     string
	cfg    HTTPClientConfig
	poster *poster
	inbox  *inbox
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewHTTPClient creates the binding and starts polling when configured.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrConnection)
	}
	id, _ := gonanoid.New()
	c := &HTTPClient{
		id:     id,
		cfg:    cfg,
		poster: newPoster(cfg.URL, cfg.AccessToken, "", cfg.Identity, cfg.Timeout, cfg.Client),
		inbox:  newInbox(256),
		logger: cfg.Logger.With().Str("conn", id).Str("kind", string(KindHTTPClient)).Logger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if cfg.PollInterval > 0 {
		c.wg.Add(1)
		go c.pollLoop(ctx)
	}
	return c, nil
}

func (c *HTTPClient) ID() string            { return c.id }
func (c *HTTPClient) Kind() Kind            { return KindHTTPClient }
func (c *HTTPClient) Done() <-chan struct{} { return c.inbox.done }

func (c *HTTPClient) Handshake() Handshake {
	return Handshake{Key: c.cfg.Key, RemoteAddr: c.cfg.URL}
}

func (c *HTTPClient) Send(ctx context.Context, data []byte) error {
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

func (c *HTTPClient) Receive(ctx context.Context) ([]byte, error) {
	return c.inbox.pop(ctx)
}

func (c *HTTPClient) Close() error {
	c.cancel()
	c.inbox.close(ErrClosed)
	c.wg.Wait()
	return nil
}

func (c *HTTPClient) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := c.pollOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("Event poll failed")
		}
		if n > 0 && c.cfg.PollTimeout > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches buffered events and queues them for Receive.
func (c *HTTPClient) pollOnce(ctx context.Context) (int, error) {
	data, err := protocol.Encode(protocol.GetLatestEvents(c.cfg.PollLimit, c.cfg.PollTimeout))
	if err != nil {
		return 0, err
	}
	reply, err := c.poster.post(ctx, data)
	if err != nil {
		return 0, err
	}
	var resp protocol.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return 0, fmt.Errorf("%w: poll reply: %v", protocol.ErrMalformedMessage, err)
	}
	if err := resp.Err(); err != nil {
		return 0, err
	}
	events, err := protocol.DecodeEvents(resp.Data)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		raw, err := protocol.Encode(ev)
		if err != nil {
			return 0, err
		}
		if err := c.inbox.push(ctx, raw); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}
