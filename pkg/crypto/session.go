package crypto

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// State is the handshake state of a Session
type State int

const (
	// StatePendingHandshake means the own key pair exists but the peer key is unknown
	StatePendingHandshake State = iota
	// StateReady means both keys are known and payloads can be exchanged
	StateReady
)

func (s State) String() string {
	switch s {
	case StatePendingHandshake:
		return "pending-handshake"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session holds the key material of one side of one connection.
//
// A Session is created with its own key pair already in place and becomes
// Ready exactly once, when the peer's public key is stored.
type Session struct {
	mu sync.RWMutex

	passphrase string
	privateKey *rsa.PrivateKey
	publicKey  string

	peerKey       *rsa.PublicKey
	peerPublicKey string

	state State
}

// NewSession generates a fresh key pair of the given size.
// A size of 0 selects DefaultKeySize.
func NewSession(bits int) (*Session, error) {
	passphrase := NewPassphrase()

	privateKey, publicKey, err := GenerateKeyPair(passphrase, bits)
	if err != nil {
		return nil, err
	}

	return &Session{
		passphrase: passphrase,
		privateKey: privateKey,
		publicKey:  publicKey,
		state:      StatePendingHandshake,
	}, nil
}

// PublicKey returns the own PEM encoded public key
func (s *Session) PublicKey() string {
	return s.publicKey
}

// PeerPublicKey returns the peer's PEM encoded public key, or "" before the handshake
func (s *Session) PeerPublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerPublicKey
}

// SetPeerPublicKey stores the peer key and moves the session to StateReady
func (s *Session) SetPeerPublicKey(publicKeyPEM string) error {
	peerKey, err := ImportPublicKeyPEM([]byte(publicKeyPEM))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateReady {
		return ErrHandshakeComplete
	}

	s.peerKey = peerKey
	s.peerPublicKey = publicKeyPEM
	s.state = StateReady
	return nil
}

// State returns the current handshake state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether the peer key is known
func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Encrypt seals plaintext for the peer
func (s *Session) Encrypt(plaintext []byte) (string, error) {
	s.mu.RLock()
	peerKey := s.peerKey
	s.mu.RUnlock()

	if peerKey == nil {
		return "", fmt.Errorf("%w: peer public key not set", ErrCryptoFailure)
	}
	return EncryptWithKey(plaintext, peerKey)
}

// Decrypt opens a ciphertext sealed for this session's own key
func (s *Session) Decrypt(ciphertext string) ([]byte, error) {
	return Decrypt(ciphertext, s.privateKey)
}

// Fingerprint identifies the own public key
func (s *Session) Fingerprint() string {
	return Fingerprint(s.publicKey)
}

// PeerFingerprint identifies the peer public key, or "" before the handshake
func (s *Session) PeerFingerprint() string {
	return Fingerprint(s.PeerPublicKey())
}
