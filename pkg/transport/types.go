package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/onebot/pkg/protocol"
)

// Kind names a binding
type Kind string

const (
	KindWSClient      Kind = "ws_client"
	KindWSServer      Kind = "ws_server"
	KindHTTPClient    Kind = "http_client"
	KindWebhookServer Kind = "webhook_server"
	KindWebhookClient Kind = "webhook_client"
	KindHTTPServer    Kind = "http_server"
)

var (
	// ErrConnection is returned when a binding cannot be established
	ErrConnection = errors.New("connection error")

	// ErrUnauthorized is returned when the peer rejects or presents a bad access token
	ErrUnauthorized = fmt.Errorf("%w: unauthorized", ErrConnection)

	// ErrVersionMismatch is returned when the peer speaks another protocol version
	ErrVersionMismatch = fmt.Errorf("%w: protocol version mismatch", ErrConnection)

	// ErrClosed is returned by Receive and Send after the binding has ended
	ErrClosed = errors.New("transport closed")

	// ErrSendUnsupported is returned by half-duplex bindings without an outbound path
	ErrSendUnsupported = errors.New("send not supported by this binding")
)

// Handshake header names
const (
	HeaderVersion   = "X-OneBot-Version"
	HeaderImpl      = "X-Impl"
	HeaderPlatform  = "X-Platform"
	HeaderSelfID    = "X-Self-ID"
	HeaderSignature = "X-Signature"
)

// Handshake is what a binding learned about its peer while connecting.
type Handshake struct {
	Key        protocol.BotKey
	Impl       string
	Version    string
	RemoteAddr string
}

// Conn is one live transport binding.
type Conn interface {
	ID() string
	Kind() Kind
	Handshake() Handshake
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Done() <-chan struct{}
}

// Listener accepts bindings initiated by peers.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Identity is the local side announced to peers in handshake headers.
type Identity struct {
	Impl string
	Key  protocol.BotKey
}
