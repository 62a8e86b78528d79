package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionRoundTrip(t *testing.T) {
	action := SendMessage(DetailGroup, "g1", Message{Text("hello")})
	action.Echo = "echo-1"
	action.Self = &Self{Platform: "qq", UserID: "10001"}

	data, err := Encode(action)
	require.NoError(t, err)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, FrameAction, frame.Kind)

	got := frame.Action
	assert.Equal(t, action.Action, got.Action)
	assert.Equal(t, "echo-1", got.Echo)
	assert.Equal(t, action.Self, got.Self)
	assert.Equal(t, "g1", got.Param("group_id"))

	var params struct {
		DetailType string  `json:"detail_type"`
		Message    Message `json:"message"`
	}
	require.NoError(t, got.DecodeParams(&params))
	assert.Equal(t, DetailGroup, params.DetailType)
	assert.Equal(t, "hello", params.Message.PlainText())
}

func TestActionIntegerParamsSurvive(t *testing.T) {
	action := NewAction(ActionGetLatestEvents, map[string]interface{}{
		"limit":   10,
		"big":     int64(1) << 60,
		"timeout": int64(0),
	})
	action.Echo = "e"

	data, err := Encode(action)
	require.NoError(t, err)
	frame, err := Decode(data)
	require.NoError(t, err)
	got := frame.Action

	assert.Equal(t, json.Number("1152921504606846976"), got.Params["big"])
	for name := range action.Params {
		want, ok := action.IntParam(name)
		require.True(t, ok, name)
		n, ok := got.IntParam(name)
		require.True(t, ok, name)
		assert.Equal(t, want, n, name)
	}

	var params struct {
		Big int64 `json:"big"`
	}
	require.NoError(t, got.DecodeParams(&params))
	assert.Equal(t, int64(1)<<60, params.Big)

	_, ok := got.IntParam("missing")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind FrameKind
	}{
		{"response", `{"status":"ok","retcode":0,"data":null,"message":"","echo":"1"}`, FrameResponse},
		{"action", `{"action":"get_status","params":{}}`, FrameAction},
		{"event", `{"id":"e","time":1,"type":"meta","detail_type":"heartbeat","sub_type":""}`, FrameEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, err := Classify([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
		})
	}

	t.Run("unknown shape", func(t *testing.T) {
		_, err := Classify([]byte(`{"hello":"world"}`))
		assert.True(t, errors.Is(err, ErrMalformedMessage))
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := Decode([]byte(`{not json`))
		assert.True(t, errors.Is(err, ErrMalformedMessage))
	})
}

func TestDecodeMessageEvent(t *testing.T) {
	data := []byte(`{
		"id": "ev-1",
		"time": 1632847927.599013,
		"type": "message",
		"detail_type": "private",
		"sub_type": "",
		"self": {"platform": "qq", "user_id": "123"},
		"message_id": "m-1",
		"message": [{"type": "text", "data": {"text": "/cmd hello"}}],
		"alt_message": "/cmd hello",
		"user_id": "u-1"
	}`)

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, FrameEvent, frame.Kind)

	ev := frame.Event
	assert.Equal(t, BotKey{Platform: "qq", SelfID: "123"}, ev.Key())
	msg, ok := ev.Message()
	require.True(t, ok)
	assert.Equal(t, "m-1", msg.MessageID)
	assert.Equal(t, "u-1", msg.UserID)
	assert.Equal(t, "/cmd hello", ev.PlainText())
}

func TestEventCloneIsolation(t *testing.T) {
	ev := &Event{
		ID:         "1",
		Type:       EventMessage,
		DetailType: DetailPrivate,
		Self:       &Self{Platform: "qq", UserID: "1"},
		Content:    &MessageContent{Message: Message{Text("/cmd hello")}},
	}

	clone := ev.Clone()
	msg, _ := clone.Message()
	trimmed, ok := msg.Message.TrimPrefix("/cmd ")
	require.True(t, ok)
	msg.Message = trimmed

	assert.Equal(t, "hello", clone.PlainText())
	assert.Equal(t, "/cmd hello", ev.PlainText())
}

func TestNoticeExtraFieldsSurvive(t *testing.T) {
	data := []byte(`{"id":"n1","time":2,"type":"notice","detail_type":"group_member_increase","sub_type":"join","self":{"platform":"qq","user_id":"1"},"group_id":"g","user_id":"u","qq.flag":"x"}`)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))

	notice, ok := ev.Content.(*NoticeContent)
	require.True(t, ok)
	assert.Equal(t, "g", notice.GroupID)
	assert.JSONEq(t, `"x"`, string(notice.Extra["qq.flag"]))

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(out))
}

func TestUnknownEventRoundTrip(t *testing.T) {
	data := []byte(`{"id":"x1","time":3,"type":"qq.custom","detail_type":"poke","sub_type":"","target":"abc"}`)

	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))

	unknown, ok := ev.Content.(*UnknownContent)
	require.True(t, ok)
	assert.Equal(t, "qq.custom", unknown.EventType())

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(out))
}

func TestEventRequiresDiscriminators(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"id":"1","type":"message"}`), &ev)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestMessageAcceptsString(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &msg))
	require.Len(t, msg, 1)
	assert.Equal(t, "plain", msg.PlainText())
}

func TestMessageTrimPrefix(t *testing.T) {
	t.Run("removes whole segment", func(t *testing.T) {
		msg := Message{Text("/ping"), Image("f1")}
		out, ok := msg.TrimPrefix("/ping")
		require.True(t, ok)
		require.Len(t, out, 1)
		assert.Equal(t, SegmentImage, out[0].Type)
		assert.Len(t, msg, 2)
	})

	t.Run("no match", func(t *testing.T) {
		msg := Message{Text("hello")}
		_, ok := msg.TrimPrefix("/cmd")
		assert.False(t, ok)
	})

	t.Run("skips leading mention", func(t *testing.T) {
		msg := Message{Mention("u"), Text("/cmd x")}
		out, ok := msg.TrimPrefix("/cmd")
		require.True(t, ok)
		require.Len(t, out, 2)
		assert.Equal(t, SegmentMention, out[0].Type)
		assert.Equal(t, " x", out.PlainText())
		assert.Equal(t, "/cmd x", msg.PlainText())
	})

	t.Run("spans text segments", func(t *testing.T) {
		msg := Message{Text("/c"), Image("f1"), Text("md x")}
		out, ok := msg.TrimPrefix("/cmd")
		require.True(t, ok)
		require.Len(t, out, 2)
		assert.Equal(t, SegmentImage, out[0].Type)
		assert.Equal(t, " x", out.PlainText())
	})

	t.Run("agrees with plain text", func(t *testing.T) {
		for _, msg := range []Message{
			{Mention("u"), Text("/cmd")},
			{Text(""), Mention("u"), Text(" /cmd")},
			{Image("f1")},
		} {
			_, ok := msg.TrimPrefix("/cmd")
			assert.Equal(t, strings.HasPrefix(msg.PlainText(), "/cmd"), ok, "%v", msg)
		}
	})
}

func TestResponse(t *testing.T) {
	t.Run("ok carries data", func(t *testing.T) {
		resp := OK(map[string]string{"impl": "test"})
		assert.True(t, resp.Succeeded())
		assert.NoError(t, resp.Err())

		var data map[string]string
		require.NoError(t, resp.Decode(&data))
		assert.Equal(t, "test", data["impl"])
	})

	t.Run("failed maps to action error", func(t *testing.T) {
		resp := Failed(RetUnsupportedAction, "nope")
		var actionErr *ActionError
		require.True(t, errors.As(resp.Err(), &actionErr))
		assert.Equal(t, RetUnsupportedAction, actionErr.Retcode)
	})

	t.Run("missing echo is malformed", func(t *testing.T) {
		resp := OK(nil)
		err := resp.Validate()
		assert.True(t, errors.Is(err, ErrMissingEcho))
		assert.True(t, errors.Is(err, ErrMalformedMessage))
	})
}

func TestParseBotKey(t *testing.T) {
	key, err := ParseBotKey("qq/123")
	require.NoError(t, err)
	assert.Equal(t, BotKey{Platform: "qq", SelfID: "123"}, key)
	assert.Equal(t, "qq/123", key.String())

	_, err = ParseBotKey("nope")
	assert.Error(t, err)
}

func TestDecodeEvents(t *testing.T) {
	resp := OK([]map[string]interface{}{
		{"id": "1", "time": 1, "type": "meta", "detail_type": "heartbeat", "sub_type": "", "interval": 5000},
	})
	events, err := DecodeEvents(resp.Data)
	require.NoError(t, err)
	require.Len(t, events, 1)
	meta, ok := events[0].Content.(*MetaContent)
	require.True(t, ok)
	assert.Equal(t, int64(5000), meta.Interval)
}
