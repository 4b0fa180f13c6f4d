package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is one wire-level message unit.
// Unset fields are omitted from the encoded form.
type Envelope struct {
	Name      string          `json:"name,omitempty"`
	AnswerTo  string          `json:"answerTo,omitempty"`
	Sender    *Sender         `json:"sender,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// NewRequest creates an outgoing request envelope
func NewRequest(name, senderID, answerTo string, message json.RawMessage) *Envelope {
	return &Envelope{
		Name:      name,
		AnswerTo:  answerTo,
		Sender:    &Sender{ID: senderID},
		Message:   message,
		Timestamp: Now(),
	}
}

// NewReply creates an envelope addressed to a waiting correlation token.
// A hub push uses the same shape with an operation name instead of a token.
func NewReply(token, senderID string, message json.RawMessage) *Envelope {
	return &Envelope{
		Name:      token,
		Sender:    &Sender{ID: senderID},
		Message:   message,
		Timestamp: Now(),
	}
}

// SenderID returns the sender identity or "" when the envelope has none.
func (e *Envelope) SenderID() string {
	if e.Sender == nil {
		return ""
	}
	return e.Sender.ID
}

// HasMessage reports whether a payload is present.
func (e *Envelope) HasMessage() bool {
	return len(e.Message) > 0
}

// Encode encodes the envelope as a single-line JSON record
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return data, nil
}

// Decode decodes an envelope from a text frame.
// Fields missing from the frame stay unset.
func Decode(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	return &env, nil
}

// String returns the encoded envelope, or "" if it cannot be encoded.
func (e *Envelope) String() string {
	data, err := Encode(e)
	if err != nil {
		return ""
	}
	return string(data)
}
