package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/metrics"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/registry"
)

// SessionRecorder receives session lifecycle events
type SessionRecorder interface {
	RecordConnect(identity, remoteAddr, fingerprint string) error
	RecordDisconnect(identity, remoteAddr string) error
}

// connState is the per-transport state the dispatcher works against
type connState struct {
	conn    Conn
	request *http.Request

	mu      sync.RWMutex
	session *crypto.Session
}

func (cs *connState) Session() *crypto.Session {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.session
}

func (cs *connState) setSession(s *crypto.Session) {
	cs.mu.Lock()
	cs.session = s
	cs.mu.Unlock()
}

// replyFunc sends an already encoded payload to identity under name
type replyFunc func(identity, name string, message json.RawMessage) error

// Dispatcher routes inbound envelopes through the registered pipeline.
// Every failure ends at Dispatch: it is logged, counted and the message is dropped.
type Dispatcher struct {
	hubID    string
	keySize  int
	registry *registry.Registry
	table    *SessionTable
	reply    replyFunc

	logger   zerolog.Logger
	metrics  *metrics.Metrics
	recorder SessionRecorder
}

// Dispatch runs one inbound frame through
// decode, bootstrap, request middleware, decrypt, message middleware, handle, encrypt and reply.
func (d *Dispatcher) Dispatch(ctx context.Context, cs *connState, data []byte) (err error) {
	start := time.Now()
	var env *protocol.Envelope

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
		if err != nil {
			d.drop(env, err)
		}
	}()

	env, err = protocol.Decode(data)
	if err != nil {
		return err
	}

	identity := env.SenderID()
	if identity == "" {
		return fmt.Errorf("%w: missing sender id", protocol.ErrMalformedEnvelope)
	}
	// a reply without a token can never be matched by the endpoint
	if env.AnswerTo == "" {
		return fmt.Errorf("%w: missing answerTo", protocol.ErrMalformedEnvelope)
	}

	handshake := protocol.IsHandshake(env.Name)
	if handshake {
		if _, known := d.table.Get(identity); !known {
			if err := d.bootstrap(cs, identity, env); err != nil {
				return err
			}
		}
	}

	reg, err := d.registry.Lookup(env.Name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownOperation, err)
	}

	req := &registry.Request{
		Identity: identity,
		Session:  cs.Session(),
		HTTP:     cs.request,
	}

	for _, mw := range reg.RequestMiddleware {
		if err := mw(ctx, req, env); err != nil {
			return fmt.Errorf("%w: %w", ErrMiddleware, err)
		}
	}

	message := env.Message
	if !handshake {
		message, err = decryptPayload(req.Session, message)
		if err != nil {
			return err
		}
	}

	for _, mw := range reg.MessageMiddleware {
		message, err = mw(ctx, message)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMiddleware, err)
		}
	}

	result, err := reg.Handle(ctx, message)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandlerFailed, err)
	}

	answer, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode result: %w", ErrHandlerFailed, err)
	}
	if !handshake {
		answer, err = encryptPayload(req.Session, answer)
		if err != nil {
			return err
		}
	}

	if err := d.reply(identity, env.AnswerTo, answer); err != nil {
		return fmt.Errorf("reply to %s: %w", identity, err)
	}

	d.metrics.RecordMessage(env.Name, time.Since(start))
	return nil
}

// bootstrap creates the crypto session for a first handshake from identity
func (d *Dispatcher) bootstrap(cs *connState, identity string, env *protocol.Envelope) error {
	var peerKey string
	if err := json.Unmarshal(env.Message, &peerKey); err != nil || peerKey == "" {
		return fmt.Errorf("%w: handshake payload is not a public key", crypto.ErrCryptoFailure)
	}

	session, err := crypto.NewSession(d.keySize)
	if err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrCryptoFailure, err)
	}
	if err := session.SetPeerPublicKey(peerKey); err != nil {
		return fmt.Errorf("%w: %w", crypto.ErrCryptoFailure, err)
	}

	peer := &Peer{
		Identity:    identity,
		Conn:        cs.conn,
		Request:     cs.request,
		Session:     session,
		ConnectedAt: time.Now(),
	}
	if !d.table.Insert(peer) {
		// lost a race with another handshake for the same identity
		return nil
	}
	cs.setSession(session)

	logEvent := d.logger.Info().
		Str("sender", identity).
		Str("remote", cs.conn.RemoteAddr()).
		Int("clients", d.table.Len())
	if cs.request != nil {
		logEvent = logEvent.Interface("headers", cs.request.Header)
	}
	logEvent.Msg("client connected")

	d.metrics.RecordHandshake()
	if d.recorder != nil {
		if err := d.recorder.RecordConnect(identity, cs.conn.RemoteAddr(), session.PeerFingerprint()); err != nil {
			d.logger.Warn().Err(err).Str("sender", identity).Msg("failed to record session")
		}
	}
	return nil
}

// decryptPayload opens a ciphertext carried as a JSON string
func decryptPayload(session *crypto.Session, message json.RawMessage) (json.RawMessage, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: no session for this connection", crypto.ErrCryptoFailure)
	}

	var ciphertext string
	if err := json.Unmarshal(message, &ciphertext); err != nil {
		return nil, fmt.Errorf("%w: payload is not a ciphertext", crypto.ErrCryptoFailure)
	}

	plaintext, err := session.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: decrypted payload is not JSON", crypto.ErrCryptoFailure)
	}
	return plaintext, nil
}

// encryptPayload seals plaintext for the peer and wraps it as a JSON string
func encryptPayload(session *crypto.Session, plaintext []byte) (json.RawMessage, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: no session for this connection", crypto.ErrCryptoFailure)
	}

	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return protocol.RawString(ciphertext), nil
}

func (d *Dispatcher) drop(env *protocol.Envelope, err error) {
	reason := dropReason(err)
	d.metrics.RecordDrop(reason)

	event := d.logger.Warn()
	if reason == metrics.ReasonPanic {
		event = d.logger.Error()
	}
	if env != nil {
		event = event.Str("operation", env.Name).Str("sender", env.SenderID())
	}
	event.Err(err).Str("reason", reason).Msg("message dropped")
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMalformedEnvelope):
		return metrics.ReasonMalformed
	case errors.Is(err, ErrUnknownOperation):
		return metrics.ReasonUnknownOp
	case errors.Is(err, ErrHandlerPanic):
		return metrics.ReasonPanic
	case errors.Is(err, ErrMiddleware):
		return metrics.ReasonMiddleware
	case errors.Is(err, crypto.ErrCryptoFailure):
		return metrics.ReasonCrypto
	case errors.Is(err, ErrHandlerFailed):
		return metrics.ReasonHandler
	default:
		return metrics.ReasonReply
	}
}

// connectionMiddleware answers a handshake with the session's own public key
func connectionMiddleware(_ context.Context, req *registry.Request, env *protocol.Envelope) error {
	if req.Session == nil {
		return fmt.Errorf("%w: no session for %s on this connection", crypto.ErrCryptoFailure, req.Identity)
	}
	env.Message = protocol.RawString(req.Session.PublicKey())
	return nil
}

// connectionHandler echoes the payload prepared by connectionMiddleware
func connectionHandler(_ context.Context, message json.RawMessage) (any, error) {
	return message, nil
}
