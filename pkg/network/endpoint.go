package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
)

const (
	DefaultRetryInterval  = 200 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

// EndpointConfig configures an Endpoint
type EndpointConfig struct {
	URL     string
	ID      string // generated when empty
	KeySize int
	Header  http.Header

	// RetryInterval is how often a request waiting for the handshake rechecks readiness
	RetryInterval time.Duration
	// RequestTimeout bounds every request including its wait for the handshake. 0 disables it.
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	// KeepaliveInterval enables websocket pings when positive
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64

	OnOpen  func()
	OnClose func(code int, reason string)
}

// EndpointOption customizes an Endpoint
type EndpointOption func(*Endpoint)

// WithEndpointLogger sets the endpoint logger. The default discards everything.
func WithEndpointLogger(logger zerolog.Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = logger }
}

// Result is the outcome of an asynchronous request
type Result struct {
	Message json.RawMessage
	Err     error
}

// Endpoint is the client side of a hub session
type Endpoint struct {
	id      string
	cfg     EndpointConfig
	conn    *wsConn
	session *crypto.Session
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	closed  bool

	subsMu sync.RWMutex
	subs   map[string][]func(json.RawMessage)

	// pushes queued by the read loop for deliverLoop, in arrival order
	pushMu    sync.Mutex
	pushQueue []*protocol.Envelope
	pushReady chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a hub and starts the handshake.
// It returns once the transport is open; requests made before the handshake
// completes wait for it.
func Dial(ctx context.Context, cfg EndpointConfig, opts ...EndpointOption) (*Endpoint, error) {
	if cfg.ID == "" {
		cfg.ID = protocol.NewIdentity()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	session, err := crypto.NewSession(cfg.KeySize)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		id:      cfg.ID,
		cfg:     cfg,
		session: session,
		logger:  zerolog.Nop(),
		pending: make(map[string]chan json.RawMessage),
		subs:    make(map[string][]func(json.RawMessage)),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		pushReady: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	e.conn = newWSConn(ws, cfg.WriteTimeout, cfg.ReadLimit)

	e.logger.Debug().Str("id", e.id).Str("url", cfg.URL).Msg("connection open")

	go e.readLoop()
	go e.deliverLoop()

	if cfg.KeepaliveInterval > 0 {
		go e.keepaliveLoop(cfg.KeepaliveInterval)
	}

	if cfg.OnOpen != nil {
		cfg.OnOpen()
	}

	go e.performHandshake()

	return e, nil
}

// ID returns the endpoint identity
func (e *Endpoint) ID() string {
	return e.id
}

// Session returns the endpoint's crypto session
func (e *Endpoint) Session() *crypto.Session {
	return e.session
}

// Ready reports whether the handshake has completed
func (e *Endpoint) Ready() bool {
	return e.session.Ready()
}

// WaitReady blocks until the handshake completes, the endpoint closes or ctx is done
func (e *Endpoint) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for handshake", ErrRequestTimeout)
	}
}

// Done is closed when the transport has closed
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// performHandshake sends the own public key and stores the hub's
func (e *Endpoint) performHandshake() {
	reply, err := e.Request(context.Background(), protocol.ConnectionOperation, e.session.PublicKey())
	if err != nil {
		e.logger.Warn().Err(err).Msg("handshake failed")
		return
	}

	var hubKey string
	if err := json.Unmarshal(reply, &hubKey); err != nil {
		e.logger.Warn().Err(err).Msg("handshake reply is not a public key")
		return
	}

	if err := e.session.SetPeerPublicKey(hubKey); err != nil {
		e.logger.Warn().Err(err).Msg("handshake rejected")
		return
	}

	e.readyOnce.Do(func() { close(e.ready) })
	e.logger.Debug().Str("hub_key", crypto.Fingerprint(hubKey)).Msg("handshake complete")
}

// Request sends an operation and waits for its reply.
// Non-handshake payloads are encrypted and the reply decrypted.
func (e *Endpoint) Request(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	handshake := protocol.IsHandshake(name)
	if !handshake {
		if err := e.awaitReady(ctx); err != nil {
			return nil, err
		}
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	message := json.RawMessage(plaintext)
	if !handshake {
		message, err = encryptPayload(e.session, plaintext)
		if err != nil {
			return nil, err
		}
	}

	token := protocol.NewToken()
	wait, err := e.addPending(token)
	if err != nil {
		return nil, err
	}
	defer e.removePending(token)

	data, err := protocol.Encode(protocol.NewRequest(name, e.id, token, message))
	if err != nil {
		return nil, err
	}
	if err := e.conn.Send(data); err != nil {
		return nil, fmt.Errorf("send %s: %w", name, err)
	}

	select {
	case reply, ok := <-wait:
		if !ok {
			return nil, ErrClosed
		}
		if handshake {
			return reply, nil
		}
		return decryptPayload(e.session, reply)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, name)
	}
}

// awaitReady polls the handshake state every RetryInterval without sending anything
func (e *Endpoint) awaitReady(ctx context.Context) error {
	if e.session.Ready() {
		return nil
	}

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.session.Ready() {
				return nil
			}
		case <-e.done:
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for handshake", ErrRequestTimeout)
		}
	}
}

// Call is Request with the reply decoded into out
func (e *Endpoint) Call(ctx context.Context, name string, payload any, out any) error {
	reply, err := e.Request(ctx, name, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", name, err)
	}
	return nil
}

// Go runs Request in the background and delivers its result on the returned channel
func (e *Endpoint) Go(ctx context.Context, name string, payload any) <-chan Result {
	result := make(chan Result, 1)
	go func() {
		message, err := e.Request(ctx, name, payload)
		result <- Result{Message: message, Err: err}
	}()
	return result
}

// On subscribes fn to messages the hub pushes under name.
// Handlers run in arrival order on a delivery goroutine separate from the
// read loop, so a handler may itself issue requests. They receive the decrypted payload.
func (e *Endpoint) On(name string, fn func(message json.RawMessage)) {
	e.subsMu.Lock()
	e.subs[name] = append(e.subs[name], fn)
	e.subsMu.Unlock()
}

// PendingCount returns the number of requests waiting for a reply
func (e *Endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close closes the transport and fails every pending request with ErrClosed
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.conn.Close()
	})
	<-e.done
	return err
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) addPending(token string) (chan json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	wait := make(chan json.RawMessage, 1)
	e.pending[token] = wait
	return wait, nil
}

func (e *Endpoint) removePending(token string) {
	e.mu.Lock()
	delete(e.pending, token)
	e.mu.Unlock()
}

// resolve hands a reply to the request waiting on token.
// It reports false when no request holds that token.
func (e *Endpoint) resolve(token string, message json.RawMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	wait, ok := e.pending[token]
	if !ok {
		return false
	}
	delete(e.pending, token)
	wait <- message
	return true
}

// failPending closes every waiting request
func (e *Endpoint) failPending() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for token, wait := range e.pending {
		close(wait)
		delete(e.pending, token)
	}
}

// readLoop delivers replies and pushes until the transport closes
func (e *Endpoint) readLoop() {
	for {
		data, err := e.conn.Read()
		if err != nil {
			e.handleClose(err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		if e.resolve(env.Name, env.Message) {
			continue
		}
		e.enqueuePush(env)
	}
}

func (e *Endpoint) enqueuePush(env *protocol.Envelope) {
	e.pushMu.Lock()
	e.pushQueue = append(e.pushQueue, env)
	e.pushMu.Unlock()

	select {
	case e.pushReady <- struct{}{}:
	default:
	}
}

func (e *Endpoint) nextPush() *protocol.Envelope {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()

	if len(e.pushQueue) == 0 {
		return nil
	}
	env := e.pushQueue[0]
	e.pushQueue[0] = nil
	e.pushQueue = e.pushQueue[1:]
	return env
}

// deliverLoop hands queued pushes to subscribers until the endpoint closes.
// Pushes still queued at close are dropped.
func (e *Endpoint) deliverLoop() {
	for {
		select {
		case <-e.pushReady:
		case <-e.done:
			return
		}

		for env := e.nextPush(); env != nil; env = e.nextPush() {
			select {
			case <-e.done:
				return
			default:
			}
			e.deliver(env)
		}
	}
}

// deliver passes an unsolicited message to its subscribers
func (e *Endpoint) deliver(env *protocol.Envelope) {
	e.subsMu.RLock()
	handlers := slices.Clone(e.subs[env.Name])
	e.subsMu.RUnlock()

	if len(handlers) == 0 {
		e.logger.Debug().Str("name", env.Name).Msg("no listener for message")
		return
	}

	message, err := decryptPayload(e.session, env.Message)
	if err != nil {
		e.logger.Warn().Err(err).Str("name", env.Name).Msg("dropping undecryptable push")
		return
	}

	for _, fn := range handlers {
		fn(message)
	}
}

func (e *Endpoint) handleClose(err error) {
	code, reason := closeStatus(err)
	if isExpectedClose(err) && code == websocket.CloseAbnormalClosure {
		code, reason = websocket.CloseNormalClosure, ""
	}

	e.failPending()
	e.conn.Close()
	close(e.done)

	e.logger.Debug().Int("code", code).Str("reason", reason).Msg("connection close")
	if e.cfg.OnClose != nil {
		e.cfg.OnClose(code, reason)
	}
}
