package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectionOperation is the handshake operation. Its payload is a public key
// and is the only payload that travels unencrypted.
const ConnectionOperation = "connection"

// Sender identifies the peer instance that produced an envelope.
type Sender struct {
	ID string `json:"id"`
}

// NewIdentity returns a fresh peer identity.
func NewIdentity() string {
	return uuid.NewString()
}

// NewToken returns a fresh single-use correlation token.
func NewToken() string {
	return uuid.NewString()
}

// IsHandshake reports whether name is the cleartext handshake operation.
func IsHandshake(name string) bool {
	return name == ConnectionOperation
}

// Now returns the envelope timestamp for the current instant.
func Now() time.Time {
	return time.Now().UTC()
}

// RawString encodes s as a JSON string payload.
func RawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
