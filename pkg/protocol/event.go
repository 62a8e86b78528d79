package protocol

import (
	"encoding/json"
	"fmt"
)

// Event types
const (
	EventMessage = "message"
	EventNotice  = "notice"
	EventRequest = "request"
	EventMeta    = "meta"
)

// Meta detail types
const (
	MetaConnect      = "connect"
	MetaHeartbeat    = "heartbeat"
	MetaStatusUpdate = "status_update"
)

// EventContent is the type-specific part of an event. The set of
// implementations is closed; UnknownContent carries anything else.
type EventContent interface {
	EventType() string
	clone() EventContent
}

// Event is something that happened on the implementation side.
type Event struct {
	ID         string
	Time       float64
	Type       string
	DetailType string
	SubType    string
	Self       *Self
	Content    EventContent
}

// Key returns the bot identity of the event, zero for meta events
func (e *Event) Key() BotKey {
	return e.Self.Key()
}

// Message returns the message content when the event is a message event
func (e *Event) Message() (*MessageContent, bool) {
	c, ok := e.Content.(*MessageContent)
	return c, ok
}

// PlainText returns the text of a message event, "" otherwise
func (e *Event) PlainText() string {
	if c, ok := e.Message(); ok {
		if len(c.Message) == 0 {
			return c.AltMessage
		}
		return c.Message.PlainText()
	}
	return ""
}

// Clone returns a copy whose content can be mutated without affecting e
func (e *Event) Clone() *Event {
	out := *e
	if e.Self != nil {
		self := *e.Self
		out.Self = &self
	}
	if e.Content != nil {
		out.Content = e.Content.clone()
	}
	return &out
}

// MessageContent is the content of a "message" event.
type MessageContent struct {
	MessageID  string  `json:"message_id"`
	Message    Message `json:"message"`
	AltMessage string  `json:"alt_message"`
	UserID     string  `json:"user_id"`
	GroupID    string  `json:"group_id,omitempty"`
	GuildID    string  `json:"guild_id,omitempty"`
	ChannelID  string  `json:"channel_id,omitempty"`
}

func (c *MessageContent) EventType() string { return EventMessage }

func (c *MessageContent) clone() EventContent {
	out := *c
	out.Message = c.Message.Clone()
	return &out
}

// NoticeContent is the content of a "notice" event. Fields that are not
// modelled explicitly are kept in Extra.
type NoticeContent struct {
	UserID     string                     `json:"user_id,omitempty"`
	GroupID    string                     `json:"group_id,omitempty"`
	OperatorID string                     `json:"operator_id,omitempty"`
	MessageID  string                     `json:"message_id,omitempty"`
	Extra      map[string]json.RawMessage `json:"-"`
}

func (c *NoticeContent) EventType() string { return EventNotice }

func (c *NoticeContent) clone() EventContent {
	out := *c
	out.Extra = cloneRaw(c.Extra)
	return &out
}

// RequestContent is the content of a "request" event.
type RequestContent struct {
	RequestID string                     `json:"request_id,omitempty"`
	UserID    string                     `json:"user_id,omitempty"`
	GroupID   string                     `json:"group_id,omitempty"`
	Comment   string                     `json:"comment,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

func (c *RequestContent) EventType() string { return EventRequest }

func (c *RequestContent) clone() EventContent {
	out := *c
	out.Extra = cloneRaw(c.Extra)
	return &out
}

// ImplVersion describes the implementation in a meta.connect event
type ImplVersion struct {
	Impl          string `json:"impl"`
	Version       string `json:"version"`
	OneBotVersion string `json:"onebot_version"`
}

// BotStatus is one entry of a status report
type BotStatus struct {
	Self   Self `json:"self"`
	Online bool `json:"online"`
}

// Status is the payload of get_status and meta.status_update
type Status struct {
	Good bool        `json:"good"`
	Bots []BotStatus `json:"bots"`
}

// MetaContent is the content of a "meta" event.
type MetaContent struct {
	Version  *ImplVersion `json:"version,omitempty"`
	Interval int64        `json:"interval,omitempty"`
	Status   *Status      `json:"status,omitempty"`
}

func (c *MetaContent) EventType() string { return EventMeta }

func (c *MetaContent) clone() EventContent {
	out := *c
	if c.Version != nil {
		v := *c.Version
		out.Version = &v
	}
	if c.Status != nil {
		s := *c.Status
		s.Bots = append([]BotStatus(nil), c.Status.Bots...)
		out.Status = &s
	}
	return &out
}

// UnknownContent keeps events whose type is not modelled.
type UnknownContent struct {
	Kind string
	Raw  json.RawMessage
}

func (c *UnknownContent) EventType() string { return c.Kind }

func (c *UnknownContent) clone() EventContent {
	return &UnknownContent{Kind: c.Kind, Raw: append(json.RawMessage(nil), c.Raw...)}
}

type eventHeader struct {
	ID         string  `json:"id"`
	Time       float64 `json:"time"`
	Type       string  `json:"type"`
	DetailType string  `json:"detail_type"`
	SubType    string  `json:"sub_type"`
	Self       *Self   `json:"self,omitempty"`
}

var headerKeys = map[string]bool{
	"id": true, "time": true, "type": true, "detail_type": true, "sub_type": true, "self": true,
}

var noticeKeys = map[string]bool{
	"user_id": true, "group_id": true, "operator_id": true, "message_id": true,
}

var requestKeys = map[string]bool{
	"request_id": true, "user_id": true, "group_id": true, "comment": true,
}

// UnmarshalJSON decodes the header and picks the content variant by "type".
func (e *Event) UnmarshalJSON(data []byte) error {
	var header eventHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("%w: event header: %v", ErrMalformedMessage, err)
	}
	if header.Type == "" || header.DetailType == "" {
		return fmt.Errorf("%w: event without type or detail_type", ErrMalformedMessage)
	}

	var content EventContent
	switch header.Type {
	case EventMessage:
		c := &MessageContent{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: message event: %v", ErrMalformedMessage, err)
		}
		content = c
	case EventNotice:
		c := &NoticeContent{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: notice event: %v", ErrMalformedMessage, err)
		}
		extra, err := extraFields(data, noticeKeys)
		if err != nil {
			return err
		}
		c.Extra = extra
		content = c
	case EventRequest:
		c := &RequestContent{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: request event: %v", ErrMalformedMessage, err)
		}
		extra, err := extraFields(data, requestKeys)
		if err != nil {
			return err
		}
		c.Extra = extra
		content = c
	case EventMeta:
		c := &MetaContent{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: meta event: %v", ErrMalformedMessage, err)
		}
		content = c
	default:
		content = &UnknownContent{Kind: header.Type, Raw: append(json.RawMessage(nil), data...)}
	}

	*e = Event{
		ID:         header.ID,
		Time:       header.Time,
		Type:       header.Type,
		DetailType: header.DetailType,
		SubType:    header.SubType,
		Self:       header.Self,
		Content:    content,
	}
	return nil
}

// MarshalJSON flattens header and content into one object.
func (e Event) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)

	switch c := e.Content.(type) {
	case nil:
	case *UnknownContent:
		if len(c.Raw) > 0 {
			if err := json.Unmarshal(c.Raw, &fields); err != nil {
				return nil, fmt.Errorf("unknown event payload: %w", err)
			}
		}
	case *NoticeContent:
		copyRaw(fields, c.Extra)
		if err := mergeFields(fields, c); err != nil {
			return nil, err
		}
	case *RequestContent:
		copyRaw(fields, c.Extra)
		if err := mergeFields(fields, c); err != nil {
			return nil, err
		}
	default:
		if err := mergeFields(fields, c); err != nil {
			return nil, err
		}
	}

	eventType := e.Type
	if eventType == "" && e.Content != nil {
		eventType = e.Content.EventType()
	}
	header := eventHeader{
		ID:         e.ID,
		Time:       e.Time,
		Type:       eventType,
		DetailType: e.DetailType,
		SubType:    e.SubType,
		Self:       e.Self,
	}
	if err := mergeFields(fields, header); err != nil {
		return nil, err
	}
	if e.Self == nil {
		delete(fields, "self")
	}

	return json.Marshal(fields)
}

func mergeFields(dst map[string]json.RawMessage, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(data, &src); err != nil {
		return err
	}
	copyRaw(dst, src)
	return nil
}

func extraFields(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if headerKeys[k] || known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

func copyRaw(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		dst[k] = v
	}
}

func cloneRaw(src map[string]json.RawMessage) map[string]json.RawMessage {
	if src == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(src))
	for k, v := range src {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
