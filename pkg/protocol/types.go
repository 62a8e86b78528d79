package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Version is the protocol version spoken on every connection.
const Version = "12"

var (
	// ErrMalformedMessage is returned when inbound bytes cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")

	// ErrMissingEcho is returned when a response carries no correlation token
	ErrMissingEcho = fmt.Errorf("%w: response without echo", ErrMalformedMessage)

	// ErrUnknownFrame is returned when a frame is neither event, action nor response
	ErrUnknownFrame = fmt.Errorf("%w: unknown frame shape", ErrMalformedMessage)
)

// Response statuses
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Retcodes
const (
	RetOK                 int64 = 0
	RetBadRequest         int64 = 10001
	RetUnsupportedAction  int64 = 10002
	RetBadParam           int64 = 10003
	RetUnsupportedParam   int64 = 10004
	RetUnsupportedSegment int64 = 10005
	RetBadSegmentData     int64 = 10006
	RetWhoAmI             int64 = 10101
	RetUnknownSelf        int64 = 10102
	RetBadHandler         int64 = 20001
	RetInternalHandler    int64 = 20002
	RetPlatformError      int64 = 34000
	RetLogicError         int64 = 35000
	RetIAmTired           int64 = 36000
)

// BotKey identifies one logical bot connection.
type BotKey struct {
	Platform string
	SelfID   string
}

// String returns "platform/self_id"
func (k BotKey) String() string {
	return k.Platform + "/" + k.SelfID
}

// IsZero reports whether both parts are empty
func (k BotKey) IsZero() bool {
	return k.Platform == "" && k.SelfID == ""
}

// Self returns the wire form of the key
func (k BotKey) Self() *Self {
	return &Self{Platform: k.Platform, UserID: k.SelfID}
}

// ParseBotKey parses the "platform/self_id" form produced by String.
func ParseBotKey(s string) (BotKey, error) {
	platform, selfID, ok := strings.Cut(s, "/")
	if !ok || platform == "" || selfID == "" {
		return BotKey{}, fmt.Errorf("invalid bot key %q (want platform/self_id)", s)
	}
	return BotKey{Platform: platform, SelfID: selfID}, nil
}

// Self is the bot identity carried by actions and events.
type Self struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
}

// Key converts the wire identity into a BotKey
func (s *Self) Key() BotKey {
	if s == nil {
		return BotKey{}
	}
	return BotKey{Platform: s.Platform, SelfID: s.UserID}
}

// Action is a command sent from an application to an implementation.
type Action struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
	Echo   string                 `json:"echo,omitempty"`
	Self   *Self                  `json:"self,omitempty"`
}

// UnmarshalJSON decodes numeric params as json.Number, so integers keep
// their exact value instead of becoming float64.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*a = Action(p)
	return nil
}

// NewAction builds an action with a non-nil params map. Numeric params
// come back from the wire as json.Number; use IntParam or DecodeParams to
// read them.
func NewAction(name string, params map[string]interface{}) Action {
	if params == nil {
		params = make(map[string]interface{})
	}
	return Action{Action: name, Params: params}
}

// Param returns a string parameter, or "" when absent or not a string
func (a Action) Param(name string) string {
	if v, ok := a.Params[name].(string); ok {
		return v
	}
	return ""
}

// IntParam returns an integer parameter whether it was set in memory or
// decoded from the wire.
func (a Action) IntParam(name string) (int64, bool) {
	switch v := a.Params[name].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// DecodeParams unmarshals the params map into a typed struct
func (a Action) DecodeParams(v interface{}) error {
	data, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// Response is the result of an action.
type Response struct {
	Status  string          `json:"status"`
	Retcode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Echo    string          `json:"echo,omitempty"`
}

// ActionError is the error form of a failed response
type ActionError struct {
	Retcode int64
	Message string
}

// Error implements the error interface
func (e *ActionError) Error() string {
	return fmt.Sprintf("action failed (retcode %d): %s", e.Retcode, e.Message)
}

// OK builds a successful response. Data that cannot be encoded yields an
// internal handler error instead.
func OK(data interface{}) *Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return Failed(RetInternalHandler, fmt.Sprintf("encode response data: %v", err))
	}
	return &Response{Status: StatusOK, Retcode: RetOK, Data: raw}
}

// Failed builds a failed response with null data
func Failed(retcode int64, message string) *Response {
	return &Response{
		Status:  StatusFailed,
		Retcode: retcode,
		Data:    json.RawMessage("null"),
		Message: message,
	}
}

// Succeeded reports whether the implementation executed the action
func (r *Response) Succeeded() bool {
	return r.Status == StatusOK && r.Retcode == RetOK
}

// Err returns an *ActionError for failed responses and nil otherwise
func (r *Response) Err() error {
	if r.Succeeded() {
		return nil
	}
	return &ActionError{Retcode: r.Retcode, Message: r.Message}
}

// Decode unmarshals the response data into v
func (r *Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// Validate checks the fields the correlator relies on
func (r *Response) Validate() error {
	if r.Echo == "" {
		return ErrMissingEcho
	}
	return nil
}
