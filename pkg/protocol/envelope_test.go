package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestEncodeOmitsUnsetFields(t *testing.T) {
	tests := []struct {
		name     string
		envelope *Envelope
		want     string
	}{
		{
			name:     "empty envelope",
			envelope: &Envelope{},
			want:     `{}`,
		},
		{
			name:     "name only",
			envelope: &Envelope{Name: "say-hello"},
			want:     `{"name":"say-hello"}`,
		},
		{
			name:     "reply without answerTo",
			envelope: &Envelope{Name: "tok-1", Sender: &Sender{ID: "hub"}, Message: json.RawMessage(`"abc"`)},
			want:     `{"name":"tok-1","sender":{"id":"hub"},"message":"abc"}`,
		},
		{
			name:     "falsy message is kept",
			envelope: &Envelope{Name: "op", Message: json.RawMessage(`false`)},
			want:     `{"name":"op","message":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.envelope)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeSingleLine(t *testing.T) {
	env := NewRequest("op", "peer", "tok", json.RawMessage("{\n  \"a\": [1,\n 2]\n}"))

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if bytes.ContainsAny(data, "\r\n") {
		t.Errorf("Encode() produced a multi-line record: %q", data)
	}
}

func TestRoundTripPopulatedFields(t *testing.T) {
	stamp := time.Date(2025, 3, 14, 9, 26, 53, 589000000, time.UTC)

	tests := []struct {
		name     string
		envelope *Envelope
	}{
		{"name only", &Envelope{Name: "connection"}},
		{"answerTo only", &Envelope{AnswerTo: "tok"}},
		{"sender only", &Envelope{Sender: &Sender{ID: "abc"}}},
		{"message only", &Envelope{Message: json.RawMessage(`{"k":[1,2,3]}`)}},
		{"timestamp only", &Envelope{Timestamp: stamp}},
		{
			name: "request",
			envelope: &Envelope{
				Name:      "say-hello",
				AnswerTo:  "f6c2",
				Sender:    &Sender{ID: "endpoint-1"},
				Message:   json.RawMessage(`"ciphertext"`),
				Timestamp: stamp,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.envelope)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if !decoded.Timestamp.Equal(tt.envelope.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", decoded.Timestamp, tt.envelope.Timestamp)
			}
			decoded.Timestamp, tt.envelope.Timestamp = time.Time{}, time.Time{}

			if !reflect.DeepEqual(decoded, tt.envelope) {
				t.Errorf("Decode(Encode()) = %+v, want %+v", decoded, tt.envelope)
			}
		})
	}
}

func TestDecodeMissingFieldsStayUnset(t *testing.T) {
	env, err := Decode([]byte(`{"name":"tok"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if env.Sender != nil {
		t.Errorf("Sender = %+v, want nil", env.Sender)
	}
	if env.HasMessage() {
		t.Errorf("Message = %s, want unset", env.Message)
	}
	if env.AnswerTo != "" {
		t.Errorf("AnswerTo = %q, want empty", env.AnswerTo)
	}
	if !env.Timestamp.IsZero() {
		t.Errorf("Timestamp = %v, want zero", env.Timestamp)
	}
	if env.SenderID() != "" {
		t.Errorf("SenderID() = %q, want empty", env.SenderID())
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not json",
		"null",
		`"a string"`,
		`[1,2,3]`,
		`{"name":`,
		`{"sender":"not-an-object"}`,
		`{"timestamp":"yesterday"}`,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := Decode([]byte(input))
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedEnvelope", input, err)
			}
		})
	}
}

func TestNewRequestAndReply(t *testing.T) {
	before := time.Now().Add(-time.Second)

	req := NewRequest(ConnectionOperation, "endpoint", "tok-9", RawString("-----BEGIN PUBLIC KEY-----"))
	if req.Name != ConnectionOperation || req.AnswerTo != "tok-9" || req.SenderID() != "endpoint" {
		t.Errorf("NewRequest() = %+v", req)
	}
	if req.Timestamp.Before(before) {
		t.Errorf("NewRequest() timestamp %v not set to now", req.Timestamp)
	}

	reply := NewReply("tok-9", "hub", RawString("key"))
	if reply.Name != "tok-9" || reply.AnswerTo != "" || reply.SenderID() != "hub" {
		t.Errorf("NewReply() = %+v", reply)
	}
	if !strings.Contains(reply.String(), `"name":"tok-9"`) {
		t.Errorf("String() = %s", reply.String())
	}
}

func TestIdentifiersAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		if seen[tok] {
			t.Fatalf("NewToken() collision at iteration %d", i)
		}
		seen[tok] = true
	}

	if NewIdentity() == NewIdentity() {
		t.Error("NewIdentity() produced identical identities")
	}
	if !IsHandshake("connection") || IsHandshake("say-hello") {
		t.Error("IsHandshake() misclassified operation")
	}
}
