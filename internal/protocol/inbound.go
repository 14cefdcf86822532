package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for inbound frames that are not a JSON object.
var ErrMalformed = errors.New("malformed inbound message")

// Message is one classified piece of an inbound frame.
type Message interface {
	isMessage()
}

// Text is transcript or status text; it may carry ingestion markers.
type Text struct {
	Text string
}

// Audio is one base64 PCM16LE 24 kHz mono response chunk.
type Audio struct {
	Data string
}

// UserTranscript is the service's recognition of the user's speech.
type UserTranscript struct {
	Text    string
	Partial bool
}

// UserQuery echoes a query the service acted on, possibly via a tool.
type UserQuery struct {
	Text     string
	FromTool bool
}

func (Text) isMessage()           {}
func (Audio) isMessage()          {}
func (UserTranscript) isMessage() {}
func (UserQuery) isMessage()      {}

type inboundFrame struct {
	Text              string `json:"text"`
	Audio             string `json:"audio"`
	UserTranscript    string `json:"user_transcript"`
	TranscriptPartial bool   `json:"transcript_partial"`
	UserQuery         string `json:"user_query"`
	QueryFromTool     bool   `json:"query_from_tool"`
}

// Decode classifies one inbound frame. A frame may carry several
// variants; they are returned in a fixed order: text, audio,
// user transcript, user query. Empty fields are skipped.
func Decode(data []byte) ([]Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, errOrNull(err))
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msgs []Message
	if frame.Text != "" {
		msgs = append(msgs, Text{Text: frame.Text})
	}
	if frame.Audio != "" {
		msgs = append(msgs, Audio{Data: frame.Audio})
	}
	if frame.UserTranscript != "" {
		msgs = append(msgs, UserTranscript{Text: frame.UserTranscript, Partial: frame.TranscriptPartial})
	}
	if frame.UserQuery != "" {
		msgs = append(msgs, UserQuery{Text: frame.UserQuery, FromTool: frame.QueryFromTool})
	}
	return msgs, nil
}

func errOrNull(err error) error {
	if err != nil {
		return err
	}
	return errors.New("null frame")
}
