package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 10 * time.Second

// wsConn adapts a gorilla connection to Conn. A read pump feeds the inbox
// so that Receive can honor its context.
type wsConn struct {
	id        string
	kind      Kind
	handshake Handshake
	conn      *websocket.Conn
	inbox     *inbox
	writeMu   sync.Mutex
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newWSConn(conn *websocket.Conn, kind Kind, hs Handshake, logger zerolog.Logger) *wsConn {
	id, _ := gonanoid.New()
	c := &wsConn{
		id:        id,
		kind:      kind,
		handshake: hs,
		conn:      conn,
		inbox:     newInbox(256),
		logger:    logger.With().Str("conn", id).Str("kind", string(kind)).Logger(),
	}
	go c.readPump()
	return c
}

func (c *wsConn) ID() string            { return c.id }
func (c *wsConn) Kind() Kind            { return c.kind }
func (c *wsConn) Handshake() Handshake  { return c.handshake }
func (c *wsConn) Done() <-chan struct{} { return c.inbox.done }

func (c *wsConn) readPump() {
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			c.inbox.close(ErrClosed)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := c.inbox.push(context.Background(), data); err != nil {
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.inbox.done:
		return ErrClosed
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	return c.inbox.pop(ctx)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.inbox.close(ErrClosed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.logger.Debug().Msg("WebSocket closed")
	})
	return err
}
