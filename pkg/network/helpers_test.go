package network

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
)

const testKeySize = crypto.MinKeySize

// syncBuffer is a goroutine-safe log sink
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeConn records every frame sent through it
type fakeConn struct {
	addr string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (c *fakeConn) Send(text []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), text...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoteAddr() string {
	return c.addr
}

func (c *fakeConn) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	envs := make([]*protocol.Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func (c *fakeConn) rawFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func newTestHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	hub, err := NewHub(HubConfig{ID: "hub-test", KeySize: testKeySize}, opts...)
	require.NoError(t, err)
	return hub
}

// serveTestHub seals hub and serves it on an httptest server, returning the websocket URL
func serveTestHub(t *testing.T, hub *Hub) string {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Stop(ctx)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testEndpointConfig(url string) EndpointConfig {
	return EndpointConfig{
		URL:            url,
		KeySize:        testKeySize,
		RetryInterval:  10 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

func dialTestEndpoint(t *testing.T, cfg EndpointConfig) *Endpoint {
	t.Helper()
	e, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// fakeHub is a scripted hub used to observe what an Endpoint puts on the wire
type fakeHub struct {
	session         *crypto.Session
	handshakeDelay  time.Duration
	answerHandshake bool
	answerRequests  bool

	replied atomic.Bool
	writeMu sync.Mutex

	mu       sync.Mutex
	frames   [][]byte
	requests []string
	early    int
	// hold > 0 buffers that many replies and writes them newest first
	hold int
	held []*protocol.Envelope
}

func newFakeHub(t *testing.T, handshakeDelay time.Duration, answerHandshake, answerRequests bool) (*fakeHub, string) {
	t.Helper()
	session, err := crypto.NewSession(testKeySize)
	require.NoError(t, err)

	fh := &fakeHub{
		session:         session,
		handshakeDelay:  handshakeDelay,
		answerHandshake: answerHandshake,
		answerRequests:  answerRequests,
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			fh.handle(ws, data)
		}
	}))
	t.Cleanup(srv.Close)

	return fh, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fh *fakeHub) handle(ws *websocket.Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		return
	}

	fh.mu.Lock()
	fh.frames = append(fh.frames, data)
	fh.mu.Unlock()

	if protocol.IsHandshake(env.Name) {
		if !fh.answerHandshake {
			return
		}
		var key string
		_ = json.Unmarshal(env.Message, &key)
		_ = fh.session.SetPeerPublicKey(key)

		reply := protocol.NewReply(env.AnswerTo, "fake-hub", protocol.RawString(fh.session.PublicKey()))
		time.AfterFunc(fh.handshakeDelay, func() {
			fh.replied.Store(true)
			fh.write(ws, reply)
		})
		return
	}

	fh.mu.Lock()
	fh.requests = append(fh.requests, env.Name)
	if !fh.replied.Load() {
		fh.early++
	}
	fh.mu.Unlock()

	if !fh.answerRequests {
		return
	}

	plaintext, err := decryptPayload(fh.session, env.Message)
	if err != nil {
		return
	}
	answer, err := encryptPayload(fh.session, plaintext)
	if err != nil {
		return
	}
	reply := protocol.NewReply(env.AnswerTo, "fake-hub", answer)

	fh.mu.Lock()
	if fh.hold == 0 {
		fh.mu.Unlock()
		fh.write(ws, reply)
		return
	}
	fh.held = append(fh.held, reply)
	if len(fh.held) < fh.hold {
		fh.mu.Unlock()
		return
	}
	batch := fh.held
	fh.held = nil
	fh.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		fh.write(ws, batch[i])
	}
}

// holdReplies makes the hub answer every n requests in reverse order
func (fh *fakeHub) holdReplies(n int) {
	fh.mu.Lock()
	fh.hold = n
	fh.mu.Unlock()
}

func (fh *fakeHub) write(ws *websocket.Conn, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	fh.writeMu.Lock()
	defer fh.writeMu.Unlock()
	_ = ws.WriteMessage(websocket.TextMessage, data)
}

func (fh *fakeHub) requestNames() []string {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return append([]string(nil), fh.requests...)
}

func (fh *fakeHub) earlyRequests() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.early
}

func (fh *fakeHub) rawFrames() [][]byte {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return append([][]byte(nil), fh.frames...)
}
