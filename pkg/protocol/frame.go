package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameKind tells which message kind a decoded frame holds
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameEvent
	FrameAction
	FrameResponse
)

// String returns the lowercase kind name
func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "event"
	case FrameAction:
		return "action"
	case FrameResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Frame is one decoded inbound message. Exactly one of Event, Action and
// Response is set, matching Kind.
type Frame struct {
	Kind     FrameKind
	Event    *Event
	Action   *Action
	Response *Response
}

// shape holds only the discriminating keys of a frame
type shape struct {
	Action     json.RawMessage `json:"action"`
	Status     json.RawMessage `json:"status"`
	Retcode    json.RawMessage `json:"retcode"`
	DetailType json.RawMessage `json:"detail_type"`
}

// Classify inspects the discriminating keys without decoding the payload.
// A status plus retcode means Response, an action name means Action and a
// detail_type means Event.
func Classify(data []byte) (FrameKind, error) {
	var s shape
	if err := json.Unmarshal(data, &s); err != nil {
		return FrameUnknown, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch {
	case s.Status != nil && s.Retcode != nil:
		return FrameResponse, nil
	case s.Action != nil:
		return FrameAction, nil
	case s.DetailType != nil:
		return FrameEvent, nil
	default:
		return FrameUnknown, ErrUnknownFrame
	}
}

// Decode classifies and decodes one frame.
func Decode(data []byte) (*Frame, error) {
	kind, err := Classify(data)
	if err != nil {
		return nil, err
	}

	frame := &Frame{Kind: kind}
	switch kind {
	case FrameResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: response: %v", ErrMalformedMessage, err)
		}
		frame.Response = &resp
	case FrameAction:
		var action Action
		if err := json.Unmarshal(data, &action); err != nil {
			return nil, fmt.Errorf("%w: action: %v", ErrMalformedMessage, err)
		}
		if action.Action == "" {
			return nil, fmt.Errorf("%w: action without name", ErrMalformedMessage)
		}
		if action.Params == nil {
			action.Params = make(map[string]interface{})
		}
		frame.Action = &action
	case FrameEvent:
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		frame.Event = &event
	}
	return frame, nil
}

// DecodeEvents decodes the data array of a get_latest_events response
func DecodeEvents(data json.RawMessage) ([]*Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: event list: %v", ErrMalformedMessage, err)
	}
	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal(item, &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, nil
}

// Encode marshals an Action, Response or Event for the wire
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
