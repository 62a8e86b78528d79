package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/onebot/pkg/bot"
	"github.com/harun/onebot/pkg/dispatch"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = protocol.BotKey{Platform: "qq", SelfID: "10001"}

// pipeConn is an in-memory binding. in carries frames to the app, out
// carries frames the app sent.
type pipeConn struct {
	id   string
	hs   transport.Handshake
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeConn(id string, key protocol.BotKey) *pipeConn {
	return &pipeConn{
		id:   id,
		hs:   transport.Handshake{Key: key, Impl: "test", Version: protocol.Version},
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (c *pipeConn) ID() string                     { return c.id }
func (c *pipeConn) Kind() transport.Kind           { return transport.KindWSServer }
func (c *pipeConn) Handshake() transport.Handshake { return c.hs }
func (c *pipeConn) Done() <-chan struct{}          { return c.done }

func (c *pipeConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) push(t *testing.T, v interface{}) {
	t.Helper()
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	default:
		var err error
		data, err = json.Marshal(x)
		require.NoError(t, err)
	}
	c.in <- data
}

func (c *pipeConn) nextAction(t *testing.T) protocol.Action {
	t.Helper()
	select {
	case data := <-c.out:
		var action protocol.Action
		require.NoError(t, json.Unmarshal(data, &action))
		return action
	case <-time.After(2 * time.Second):
		t.Fatal("no action sent")
		return protocol.Action{}
	}
}

func (c *pipeConn) respond(t *testing.T, echo string, data interface{}) {
	t.Helper()
	resp := protocol.OK(data)
	resp.Echo = echo
	c.push(t, resp)
}

func messageFrame(id, text string, self *protocol.Self) map[string]interface{} {
	frame := map[string]interface{}{
		"id":          id,
		"time":        1700000000,
		"type":        "message",
		"detail_type": "private",
		"sub_type":    "",
		"message_id":  "m-" + id,
		"message":     []map[string]interface{}{{"type": "text", "data": map[string]string{"text": text}}},
		"alt_message": text,
		"user_id":     "u1",
	}
	if self != nil {
		frame["self"] = self
	}
	return frame
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	a := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func TestEventReplyRoundTrip(t *testing.T) {
	a := newTestApp(t, Config{})

	replies := make(chan *protocol.Response, 1)
	require.NoError(t, a.Handle(dispatch.OnCommand("/ping", func(ctx context.Context, s *dispatch.Session) error {
		resp, err := s.ReplyText(ctx, "pong "+s.Text())
		if err != nil {
			return err
		}
		replies <- resp
		return nil
	}).Build()))

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	conn.push(t, messageFrame("e1", "/ping there", nil))

	action := conn.nextAction(t)
	assert.Equal(t, protocol.ActionSendMessage, action.Action)
	assert.Equal(t, "u1", action.Params["user_id"])
	require.NotNil(t, action.Self)
	assert.Equal(t, testKey, action.Self.Key())
	require.NotEmpty(t, action.Echo)

	raw, _ := json.Marshal(action.Params["message"])
	assert.JSONEq(t, `[{"type":"text","data":{"text":"pong there"}}]`, string(raw))

	conn.respond(t, action.Echo, map[string]string{"message_id": "m2", "time": "1"})

	select {
	case resp := <-replies:
		assert.True(t, resp.Succeeded())
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not get its response")
	}
}

func TestBotLearnedFromEvent(t *testing.T) {
	a := newTestApp(t, Config{})

	conn := newPipeConn("c1", protocol.BotKey{})
	a.Serve(conn)
	conn.push(t, messageFrame("e1", "hi", &protocol.Self{Platform: "qq", UserID: "20002"}))

	key := protocol.BotKey{Platform: "qq", SelfID: "20002"}
	assert.Eventually(t, func() bool {
		h, ok := a.Bot(key)
		return ok && h.Connected()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusUpdateRegistersOnlineBots(t *testing.T) {
	a := newTestApp(t, Config{})

	conn := newPipeConn("c1", protocol.BotKey{})
	a.Serve(conn)
	conn.push(t, `{"id":"s1","time":1,"type":"meta","detail_type":"status_update","sub_type":"",
		"status":{"good":true,"bots":[
			{"self":{"platform":"qq","user_id":"1"},"online":true},
			{"self":{"platform":"tg","user_id":"2"},"online":true},
			{"self":{"platform":"qq","user_id":"3"},"online":false}]}}`)

	assert.Eventually(t, func() bool {
		return len(a.Registry().Connected()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := a.Bot(protocol.BotKey{Platform: "qq", SelfID: "3"})
	assert.False(t, ok)

	// responses on a shared binding reach the right bot
	done := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), protocol.BotKey{Platform: "tg", SelfID: "2"}, protocol.GetSelfInfo(), time.Second)
		done <- err
	}()
	action := conn.nextAction(t)
	assert.Equal(t, "tg", action.Self.Platform)
	conn.respond(t, action.Echo, map[string]string{"user_id": "2"})
	require.NoError(t, <-done)
}

func TestStatusUpdateOfflineDetachesBot(t *testing.T) {
	a := newTestApp(t, Config{})
	key := protocol.BotKey{Platform: "qq", SelfID: "1"}
	status := func(online bool) string {
		return fmt.Sprintf(`{"id":"s1","time":1,"type":"meta","detail_type":"status_update","sub_type":"",
			"status":{"good":true,"bots":[{"self":{"platform":"qq","user_id":"1"},"online":%t}]}}`, online)
	}

	conn := newPipeConn("c1", protocol.BotKey{})
	a.Serve(conn)
	conn.push(t, status(true))
	require.Eventually(t, func() bool {
		h, ok := a.Bot(key)
		return ok && h.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	conn.push(t, status(false))
	require.Eventually(t, func() bool {
		h, ok := a.Bot(key)
		return ok && !h.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	_, err := a.Call(context.Background(), key, protocol.GetStatus(), time.Second)
	assert.ErrorIs(t, err, bot.ErrDisconnected)

	conn.push(t, status(true))
	assert.Eventually(t, func() bool {
		h, ok := a.Bot(key)
		return ok && h.Conn() == transport.Conn(conn)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplacedBindingEventsIgnored(t *testing.T) {
	a := newTestApp(t, Config{})

	handled := make(chan string, 4)
	require.NoError(t, a.Handle(dispatch.OnMessage(func(ctx context.Context, s *dispatch.Session) error {
		handled <- s.Event.ID
		return nil
	}).Build()))

	first := newPipeConn("c1", testKey)
	a.Serve(first)
	require.Eventually(t, func() bool {
		h, ok := a.Bot(testKey)
		return ok && h.Conn() == transport.Conn(first)
	}, 2*time.Second, 10*time.Millisecond)

	second := newPipeConn("c2", testKey)
	a.Serve(second)
	require.Eventually(t, func() bool {
		h, _ := a.Bot(testKey)
		return h.Conn() == transport.Conn(second)
	}, 2*time.Second, 10*time.Millisecond)

	first.push(t, messageFrame("stale", "hi", nil))
	second.push(t, messageFrame("fresh", "hi", nil))

	select {
	case id := <-handled:
		assert.Equal(t, "fresh", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event on the current binding was not handled")
	}
	select {
	case id := <-handled:
		t.Fatalf("unexpected event %s", id)
	case <-time.After(50 * time.Millisecond):
	}
	h, _ := a.Bot(testKey)
	assert.Equal(t, transport.Conn(second), h.Conn())
}

func TestDuplicateEventsDropped(t *testing.T) {
	a := newTestApp(t, Config{DedupTTL: time.Minute})

	var mu sync.Mutex
	var seen []string
	handled := make(chan struct{}, 8)
	require.NoError(t, a.Handle(dispatch.OnMessage(func(ctx context.Context, s *dispatch.Session) error {
		mu.Lock()
		seen = append(seen, s.Event.ID)
		mu.Unlock()
		handled <- struct{}{}
		return nil
	}).Build()))

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	conn.push(t, messageFrame("e1", "a", nil))
	conn.push(t, messageFrame("e1", "a", nil))
	conn.push(t, messageFrame("e2", "b", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("events not handled")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"e1", "e2"}, seen)
}

func TestEventsOfOneBotHandledInOrder(t *testing.T) {
	a := newTestApp(t, Config{})

	var mu sync.Mutex
	var order []string
	var count int32
	require.NoError(t, a.Handle(dispatch.OnMessage(func(ctx context.Context, s *dispatch.Session) error {
		if s.Text() == "0" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, s.Text())
		mu.Unlock()
		atomic.AddInt32(&count, 1)
		return nil
	}).Build()))

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	for i := 0; i < 5; i++ {
		conn.push(t, messageFrame(fmt.Sprintf("e%d", i), fmt.Sprint(i), nil))
	}

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&count) == 5 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

func TestHandlerCallDoesNotBlockReceiveLoop(t *testing.T) {
	a := newTestApp(t, Config{})

	results := make(chan error, 1)
	require.NoError(t, a.Handle(dispatch.OnMessage(func(ctx context.Context, s *dispatch.Session) error {
		_, err := s.Call(ctx, protocol.GetStatus())
		results <- err
		return err
	}).Build()))

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	conn.push(t, messageFrame("e1", "status?", nil))

	// the response arrives on the same binding while the handler waits
	action := conn.nextAction(t)
	conn.respond(t, action.Echo, protocol.Status{Good: true})

	select {
	case err := <-results:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler still waiting")
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	a := newTestApp(t, Config{})

	handled := make(chan struct{}, 1)
	require.NoError(t, a.Handle(dispatch.OnMessage(func(ctx context.Context, s *dispatch.Session) error {
		handled <- struct{}{}
		return nil
	}).Build()))

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	conn.push(t, "not json")
	conn.push(t, `{"foo":"bar"}`)
	conn.push(t, `{"status":"ok","retcode":0,"data":null,"message":"","echo":"nobody"}`)
	conn.push(t, messageFrame("e1", "still alive", nil))

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("binding stopped after malformed frames")
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	a := newTestApp(t, Config{CallTimeout: 10 * time.Second})

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	require.Eventually(t, func() bool {
		h, ok := a.Bot(testKey)
		return ok && h.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), testKey, protocol.GetStatus(), 0)
		done <- err
	}()
	conn.nextAction(t)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bot.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("call not failed on disconnect")
	}

	h, ok := a.Bot(testKey)
	require.True(t, ok)
	assert.False(t, h.Connected())
}

func TestVersionMismatchClosesBinding(t *testing.T) {
	a := newTestApp(t, Config{})

	conn := newPipeConn("c1", protocol.BotKey{})
	a.Serve(conn)
	conn.push(t, `{"id":"c","time":1,"type":"meta","detail_type":"connect","sub_type":"",
		"version":{"impl":"old","version":"1.0.0","onebot_version":"11"}}`)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("binding not closed")
	}
}

func TestCallUnknownBot(t *testing.T) {
	a := newTestApp(t, Config{})
	_, err := a.Call(context.Background(), testKey, protocol.GetStatus(), time.Second)
	assert.ErrorIs(t, err, bot.ErrBotNotFound)
}

func TestRejectPolicyKeepsFirstBinding(t *testing.T) {
	a := newTestApp(t, Config{Policy: bot.PolicyReject})

	first := newPipeConn("c1", testKey)
	a.Serve(first)
	require.Eventually(t, func() bool {
		h, ok := a.Bot(testKey)
		return ok && h.Conn() == transport.Conn(first)
	}, 2*time.Second, 10*time.Millisecond)

	second := newPipeConn("c2", testKey)
	a.Serve(second)
	second.push(t, messageFrame("e1", "hi", nil))

	time.Sleep(50 * time.Millisecond)
	h, _ := a.Bot(testKey)
	assert.Equal(t, transport.Conn(first), h.Conn())
}

func TestStopFailsPendingCalls(t *testing.T) {
	a := New(Config{Logger: zerolog.Nop(), CallTimeout: 10 * time.Second})

	conn := newPipeConn("c1", testKey)
	a.Serve(conn)
	require.Eventually(t, func() bool {
		_, ok := a.Bot(testKey)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := a.Call(context.Background(), testKey, protocol.GetStatus(), 0)
		done <- err
	}()
	conn.nextAction(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	assert.ErrorIs(t, <-done, bot.ErrDisconnected)
	assert.NoError(t, a.Stop(ctx), "stop is idempotent")
	assert.Error(t, a.Start())
}

func TestWebSocketEndToEnd(t *testing.T) {
	a := newTestApp(t, Config{
		WSServers: []transport.WSServerConfig{{Host: "127.0.0.1", Port: 0, Path: "/onebot", AccessToken: "tok"}},
	})

	got := make(chan string, 1)
	require.NoError(t, a.Handle(dispatch.OnMessage(func(ctx context.Context, s *dispatch.Session) error {
		got <- s.Text()
		return nil
	}).Build()))
	require.NoError(t, a.Start())

	addrs := a.Addrs()
	require.Len(t, addrs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	impl, err := transport.DialWS(ctx, transport.WSClientConfig{
		URL:         "ws://" + addrs[0] + "/onebot",
		AccessToken: "tok",
		Identity:    transport.Identity{Impl: "test", Key: testKey},
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer impl.Close()

	data, err := json.Marshal(messageFrame("e1", "over the wire", nil))
	require.NoError(t, err)
	require.NoError(t, impl.Send(ctx, data))

	select {
	case text := <-got:
		assert.Equal(t, "over the wire", text)
	case <-time.After(3 * time.Second):
		t.Fatal("event not dispatched")
	}

	// app -> impl call over the same socket
	done := make(chan error, 1)
	go func() {
		_, err := a.Call(ctx, testKey, protocol.GetVersion(), 0)
		done <- err
	}()

	raw, err := impl.Receive(ctx)
	require.NoError(t, err)
	var action protocol.Action
	require.NoError(t, json.Unmarshal(raw, &action))
	assert.Equal(t, protocol.ActionGetVersion, action.Action)

	resp := protocol.OK(map[string]string{"impl": "test", "version": "1.0.0", "onebot_version": "12"})
	resp.Echo = action.Echo
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, impl.Send(ctx, out))
	assert.NoError(t, <-done)
}
