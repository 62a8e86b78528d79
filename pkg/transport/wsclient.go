package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSClientConfig configures an outbound WebSocket binding.
type WSClientConfig struct {
	URL              string
	AccessToken      string
	HandshakeTimeout time.Duration
	Identity         Identity
	Logger           zerolog.Logger
}

// DialWS opens a WebSocket binding to url.
func DialWS(ctx context.Context, cfg WSClientConfig) (Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrConnection)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	header := http.Header{}
	setAccessToken(header, cfg.AccessToken)
	setIdentity(header, cfg.Identity)

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
			case http.StatusBadRequest, http.StatusUpgradeRequired:
				if resp.Header.Get(HeaderVersion) != "" {
					if verr := CheckVersion(resp.Header.Get(HeaderVersion)); verr != nil {
						return nil, verr
					}
				}
			}
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, cfg.URL, err)
	}

	hs := readHandshake(resp.Header, cfg.URL)
	if err := CheckVersion(hs.Version); err != nil {
		conn.Close()
		return nil, err
	}

	cfg.Logger.Info().Str("url", cfg.URL).Str("impl", hs.Impl).Msg("WebSocket connected")
	return newWSConn(conn, KindWSClient, hs, cfg.Logger), nil
}
