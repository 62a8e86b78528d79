package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/harun/onebot/pkg/app"
	"github.com/harun/onebot/pkg/dispatch"
	"github.com/harun/onebot/pkg/protocol"
	"github.com/harun/onebot/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = protocol.BotKey{Platform: "qq", SelfID: "10001"}

func newTestImpl(t *testing.T, cfg Config) *Impl {
	t.Helper()
	cfg.Platform = testKey.Platform
	cfg.SelfID = testKey.SelfID
	cfg.Logger = zerolog.Nop()
	i, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = i.Stop(ctx)
	})
	return i
}

func messageEvent(i *Impl, text string) *protocol.Event {
	return i.NewEvent("private", "", &protocol.MessageContent{
		MessageID:  "m1",
		Message:    protocol.Message{protocol.Text(text)},
		AltMessage: text,
		UserID:     "u1",
	})
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Config{Platform: "qq"})
	assert.Error(t, err)
}

func TestRouterRetcodes(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	require.NoError(t, r.Register("echo", func(ctx context.Context, a *protocol.Action) (interface{}, error) {
		return a.Params, nil
	}, `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`))
	require.NoError(t, r.Register("boom", func(ctx context.Context, a *protocol.Action) (interface{}, error) {
		panic("kaboom")
	}, ""))
	require.NoError(t, r.Register("denied", func(ctx context.Context, a *protocol.Action) (interface{}, error) {
		return nil, Fail(protocol.RetPlatformError, "rate limited")
	}, ""))
	require.NoError(t, r.Register("broken", func(ctx context.Context, a *protocol.Action) (interface{}, error) {
		return nil, errors.New("disk full")
	}, ""))

	tests := []struct {
		name    string
		action  *protocol.Action
		retcode int64
	}{
		{"ok", &protocol.Action{Action: "echo", Params: map[string]interface{}{"text": "hi"}, Echo: "1"}, protocol.RetOK},
		{"missing action", &protocol.Action{Echo: "2"}, protocol.RetBadRequest},
		{"unsupported", &protocol.Action{Action: "nope", Echo: "3"}, protocol.RetUnsupportedAction},
		{"bad params", &protocol.Action{Action: "echo", Params: map[string]interface{}{"text": 5}, Echo: "4"}, protocol.RetBadParam},
		{"missing params", &protocol.Action{Action: "echo", Echo: "5"}, protocol.RetBadParam},
		{"panic", &protocol.Action{Action: "boom", Echo: "6"}, protocol.RetInternalHandler},
		{"action error", &protocol.Action{Action: "denied", Echo: "7"}, protocol.RetPlatformError},
		{"plain error", &protocol.Action{Action: "broken", Echo: "8"}, protocol.RetInternalHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.Route(context.Background(), tt.action)
			assert.Equal(t, tt.retcode, resp.Retcode)
			assert.Equal(t, tt.action.Echo, resp.Echo)
			if tt.retcode == protocol.RetOK {
				assert.Equal(t, protocol.StatusOK, resp.Status)
			} else {
				assert.Equal(t, protocol.StatusFailed, resp.Status)
				assert.NotEmpty(t, resp.Message)
			}
		})
	}
}

func TestRouterRegistration(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	noop := func(ctx context.Context, a *protocol.Action) (interface{}, error) { return nil, nil }

	assert.Error(t, r.Register("", noop, ""))
	assert.Error(t, r.Register("x", nil, ""))
	assert.Error(t, r.Register("x", noop, "{not json"))

	require.NoError(t, r.Register("b", noop, ""))
	require.NoError(t, r.Register("a", noop, ""))
	assert.Equal(t, []string{"a", "b"}, r.Actions())

	r.Unregister("a")
	assert.False(t, r.Has("a"))
	assert.True(t, r.Has("b"))
}

func TestEventBuffer(t *testing.T) {
	b := newEventBuffer(2)
	for _, id := range []string{"1", "2", "3"} {
		b.push(&protocol.Event{ID: id})
	}
	assert.Equal(t, 2, b.len())

	got := b.take(context.Background(), 1, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)

	got = b.take(context.Background(), 0, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
	assert.Empty(t, b.take(context.Background(), 0, 0))
}

func TestEventBufferLongPoll(t *testing.T) {
	b := newEventBuffer(8)

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.push(&protocol.Event{ID: "late"})
	}()

	start := time.Now()
	got := b.take(context.Background(), 0, 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].ID)
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	assert.Empty(t, b.take(context.Background(), 0, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBuiltinActions(t *testing.T) {
	i := newTestImpl(t, Config{Impl: "fake", Version: "1.2.3", EventBuffer: 4})
	ctx := context.Background()

	resp := i.handleAction(ctx, &protocol.Action{Action: protocol.ActionGetVersion, Echo: "v"})
	require.True(t, resp.Succeeded())
	assert.Equal(t, "v", resp.Echo)
	var version protocol.ImplVersion
	require.NoError(t, resp.Decode(&version))
	assert.Equal(t, protocol.ImplVersion{Impl: "fake", Version: "1.2.3", OneBotVersion: "12"}, version)

	resp = i.handleAction(ctx, &protocol.Action{Action: protocol.ActionGetStatus})
	var status protocol.Status
	require.NoError(t, resp.Decode(&status))
	assert.True(t, status.Good)
	require.Len(t, status.Bots, 1)
	assert.Equal(t, testKey, status.Bots[0].Self.Key())
	assert.True(t, status.Bots[0].Online)

	resp = i.handleAction(ctx, &protocol.Action{Action: protocol.ActionGetSupportedActions})
	var actions []string
	require.NoError(t, resp.Decode(&actions))
	assert.ElementsMatch(t, []string{
		protocol.ActionGetLatestEvents,
		protocol.ActionGetSelfInfo,
		protocol.ActionGetStatus,
		protocol.ActionGetSupportedActions,
		protocol.ActionGetVersion,
	}, actions)
}

func TestLatestEventsNeedsBuffer(t *testing.T) {
	i := newTestImpl(t, Config{})
	resp := i.handleAction(context.Background(), &protocol.Action{Action: protocol.ActionGetLatestEvents})
	assert.Equal(t, protocol.RetUnsupportedAction, resp.Retcode)
}

func TestActionForOtherBotRejected(t *testing.T) {
	i := newTestImpl(t, Config{})
	resp := i.handleAction(context.Background(), &protocol.Action{
		Action: protocol.ActionGetStatus,
		Self:   &protocol.Self{Platform: "qq", UserID: "other"},
		Echo:   "e",
	})
	assert.Equal(t, protocol.RetUnknownSelf, resp.Retcode)
	assert.Equal(t, "e", resp.Echo)

	resp = i.handleAction(context.Background(), &protocol.Action{
		Action: protocol.ActionGetStatus,
		Self:   testKey.Self(),
	})
	assert.True(t, resp.Succeeded())
}

func TestEmitFillsEventAndBuffers(t *testing.T) {
	i := newTestImpl(t, Config{EventBuffer: 4})
	ctx := context.Background()

	ev := messageEvent(i, "hello")
	require.NoError(t, i.Emit(ctx, ev))
	assert.NotEmpty(t, ev.ID)
	assert.NotZero(t, ev.Time)
	assert.Equal(t, testKey, ev.Key())

	meta := i.NewEvent(protocol.MetaHeartbeat, "", &protocol.MetaContent{Interval: 1000})
	require.NoError(t, i.Emit(ctx, meta))
	assert.Nil(t, meta.Self)

	resp := i.handleAction(ctx, &protocol.Action{
		Action: protocol.ActionGetLatestEvents,
		Params: map[string]interface{}{"limit": 10},
	})
	require.True(t, resp.Succeeded(), resp.Message)
	events, err := protocol.DecodeEvents(resp.Data)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, "hello", events[0].PlainText())

	resp = i.handleAction(ctx, &protocol.Action{
		Action: protocol.ActionGetLatestEvents,
		Params: map[string]interface{}{"limit": -1},
	})
	assert.Equal(t, protocol.RetBadParam, resp.Retcode)
}

func readFrame(t *testing.T, ctx context.Context, conn transport.Conn) *protocol.Frame {
	t.Helper()
	data, err := conn.Receive(ctx)
	require.NoError(t, err)
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	return frame
}

func TestWSServerAnnouncesAndServesActions(t *testing.T) {
	i := newTestImpl(t, Config{
		WSServers: []transport.WSServerConfig{{Host: "127.0.0.1", Path: "/onebot", AccessToken: "tok"}},
	})
	require.NoError(t, i.Start())
	addrs := i.Addrs()
	require.Len(t, addrs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialWS(ctx, transport.WSClientConfig{
		URL:         "ws://" + addrs[0] + "/onebot",
		AccessToken: "tok",
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, testKey, conn.Handshake().Key)

	connect := readFrame(t, ctx, conn)
	require.Equal(t, protocol.FrameEvent, connect.Kind)
	assert.Equal(t, protocol.MetaConnect, connect.Event.DetailType)
	meta := connect.Event.Content.(*protocol.MetaContent)
	require.NotNil(t, meta.Version)
	assert.Equal(t, protocol.Version, meta.Version.OneBotVersion)

	update := readFrame(t, ctx, conn)
	assert.Equal(t, protocol.MetaStatusUpdate, update.Event.DetailType)

	action := protocol.GetStatus()
	action.Echo = "abc"
	data, err := protocol.Encode(action)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, data))

	resp := readFrame(t, ctx, conn)
	require.Equal(t, protocol.FrameResponse, resp.Kind)
	assert.Equal(t, "abc", resp.Response.Echo)
	assert.True(t, resp.Response.Succeeded())
}

func TestHeartbeatPushed(t *testing.T) {
	i := newTestImpl(t, Config{
		HeartbeatInterval: time.Second,
		WSServers:         []transport.WSServerConfig{{Host: "127.0.0.1"}},
	})
	require.NoError(t, i.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialWS(ctx, transport.WSClientConfig{URL: "ws://" + i.Addrs()[0] + "/", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer conn.Close()

	for {
		frame := readFrame(t, ctx, conn)
		if frame.Event != nil && frame.Event.DetailType == protocol.MetaHeartbeat {
			assert.Equal(t, int64(1000), frame.Event.Content.(*protocol.MetaContent).Interval)
			return
		}
	}
}

func TestHTTPServerAction(t *testing.T) {
	i := newTestImpl(t, Config{
		HTTPServers: []transport.HTTPServerConfig{{Host: "127.0.0.1", AccessToken: "tok"}},
	})
	require.NoError(t, i.Start())

	body, err := json.Marshal(map[string]interface{}{"action": "get_version", "params": map[string]interface{}{}, "echo": "h1"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+i.Addrs()[0]+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, testKey.SelfID, res.Header.Get(transport.HeaderSelfID))

	var resp protocol.Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	assert.True(t, resp.Succeeded())
	assert.Equal(t, "h1", resp.Echo)
}

func TestReverseWebSocketWithApp(t *testing.T) {
	a := app.New(app.Config{
		CallTimeout: 2 * time.Second,
		WSServers:   []transport.WSServerConfig{{Host: "127.0.0.1", Path: "/onebot/v12"}},
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	require.NoError(t, a.Handle(dispatch.OnCommand("/echo", func(ctx context.Context, s *dispatch.Session) error {
		_, err := s.ReplyText(ctx, s.Text())
		return err
	}).Build()))
	require.NoError(t, a.Start())

	var mu sync.Mutex
	var sent []string
	replied := make(chan struct{}, 1)

	i := newTestImpl(t, Config{
		WSClients: []WSClientConfig{{URL: "ws://" + a.Addrs()[0] + "/onebot/v12", ReconnectInterval: 50 * time.Millisecond}},
	})
	require.NoError(t, i.Handle(protocol.ActionSendMessage, func(ctx context.Context, action *protocol.Action) (interface{}, error) {
		var params struct {
			UserID  string           `json:"user_id"`
			Message protocol.Message `json:"message"`
		}
		if err := action.DecodeParams(&params); err != nil {
			return nil, Fail(protocol.RetBadParam, "%v", err)
		}
		mu.Lock()
		sent = append(sent, params.UserID+":"+params.Message.PlainText())
		mu.Unlock()
		replied <- struct{}{}
		return map[string]interface{}{"message_id": "r1", "time": 1700000000}, nil
	}, ""))
	require.NoError(t, i.Start())

	require.Eventually(t, func() bool {
		_, ok := a.Bot(testKey)
		return ok && i.Connections() == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, i.Emit(context.Background(), messageEvent(i, "/echo ping")))

	select {
	case <-replied:
	case <-time.After(3 * time.Second):
		t.Fatal("application did not reply")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u1:ping"}, sent)

	resp, err := a.Call(context.Background(), testKey, protocol.GetVersion(), 0)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded())
}

func TestStopIsIdempotent(t *testing.T) {
	i := newTestImpl(t, Config{})
	require.NoError(t, i.Start())
	assert.Error(t, i.Start())

	ctx := context.Background()
	require.NoError(t, i.Stop(ctx))
	require.NoError(t, i.Stop(ctx))
	assert.Error(t, i.Start())
}
