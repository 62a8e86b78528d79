package protocol

import (
	"encoding/json"
	"strings"
)

// Segment types
const (
	SegmentText    = "text"
	SegmentMention = "mention"
	SegmentImage   = "image"
	SegmentReply   = "reply"
)

// Segment is one typed piece of a message.
type Segment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Text builds a text segment
func Text(text string) Segment {
	return Segment{Type: SegmentText, Data: map[string]interface{}{"text": text}}
}

// Mention builds a mention segment
func Mention(userID string) Segment {
	return Segment{Type: SegmentMention, Data: map[string]interface{}{"user_id": userID}}
}

// Image builds an image segment from a file id
func Image(fileID string) Segment {
	return Segment{Type: SegmentImage, Data: map[string]interface{}{"file_id": fileID}}
}

// Reply builds a reply segment
func Reply(messageID string) Segment {
	return Segment{Type: SegmentReply, Data: map[string]interface{}{"message_id": messageID}}
}

// TextValue returns the text of a text segment
func (s Segment) TextValue() (string, bool) {
	if s.Type != SegmentText {
		return "", false
	}
	text, ok := s.Data["text"].(string)
	return text, ok
}

func (s Segment) clone() Segment {
	data := make(map[string]interface{}, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}
	return Segment{Type: s.Type, Data: data}
}

// Message is an ordered list of segments.
type Message []Segment

// PlainText concatenates all text segments
func (m Message) PlainText() string {
	var b strings.Builder
	for _, seg := range m {
		if text, ok := seg.TextValue(); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// Clone deep-copies the segment list and segment data maps
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for i, seg := range m {
		out[i] = seg.clone()
	}
	return out
}

// TrimPrefix removes prefix from the start of the message text as
// PlainText sees it: non-text segments such as mentions are skipped and
// kept, and the prefix may span several text segments. Text segments it
// empties are dropped. It reports whether the prefix was found.
func (m Message) TrimPrefix(prefix string) (Message, bool) {
	if prefix == "" || !strings.HasPrefix(m.PlainText(), prefix) {
		return m, prefix == ""
	}

	out := make(Message, 0, len(m))
	rest := prefix
	for _, seg := range m {
		text, ok := seg.TextValue()
		if !ok || rest == "" {
			out = append(out, seg.clone())
			continue
		}
		n := min(len(text), len(rest))
		rest = rest[n:]
		if n == len(text) {
			continue
		}
		trimmed := seg.clone()
		trimmed.Data["text"] = text[n:]
		out = append(out, trimmed)
	}
	return out, true
}

// UnmarshalJSON accepts both the segment array form and a bare string,
// which is decoded as a single text segment.
func (m *Message) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*m = Message{Text(text)}
		return nil
	}
	var segments []Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return err
	}
	*m = segments
	return nil
}
