package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/metrics"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/registry"
)

func echo(_ context.Context, message json.RawMessage) (any, error) {
	return message, nil
}

func TestHubSayHello(t *testing.T) {
	hub := newTestHub(t)
	require.NoError(t, hub.Register("say-hello", registry.Static("ok, nice to meet you"), nil, nil))
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))

	var reply string
	require.NoError(t, e.Call(context.Background(), "say-hello", "hi", &reply))
	assert.Equal(t, "ok, nice to meet you", reply)
	assert.Equal(t, 0, e.PendingCount())
}

func TestHubHandshakeConvergence(t *testing.T) {
	hub := newTestHub(t)
	url := serveTestHub(t, hub)

	cfg := testEndpointConfig(url)
	cfg.Header = http.Header{"User-Agent": {"wsrpc-test"}}
	e := dialTestEndpoint(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(ctx))

	peer, ok := hub.table.Get(e.ID())
	require.True(t, ok)
	assert.Equal(t, e.Session().PublicKey(), peer.Session.PeerPublicKey())
	assert.Equal(t, peer.Session.PublicKey(), e.Session().PeerPublicKey())

	sessions := hub.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, e.ID(), sessions[0].Identity)
	assert.Equal(t, e.Session().Fingerprint(), sessions[0].PeerKey)
	assert.Equal(t, peer.Session.Fingerprint(), sessions[0].KeyFingerprint)
	assert.Equal(t, "wsrpc-test", sessions[0].UserAgent)
}

func TestHubCorrelatesConcurrentRequests(t *testing.T) {
	hub := newTestHub(t)
	require.NoError(t, hub.Register("echo", echo, nil, nil))
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))

	const n = 20
	results := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		results[i] = e.Go(context.Background(), "echo", map[string]int{"seq": i})
	}

	for i, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(res.Message))
	}
	assert.Equal(t, 0, e.PendingCount())
}

func TestHubKeepsFalsyMessages(t *testing.T) {
	hub := newTestHub(t)
	require.NoError(t, hub.Register("echo", echo, nil, nil))
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))

	for _, payload := range []any{false, 0, ""} {
		reply, err := e.Request(context.Background(), "echo", payload)
		require.NoError(t, err)

		want, err := json.Marshal(payload)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(reply))
	}
}

func TestHubSurvivesUnknownOperation(t *testing.T) {
	hub := newTestHub(t)
	require.NoError(t, hub.Register("say-hello", registry.Static("ok, nice to meet you"), nil, nil))
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))
	require.NoError(t, e.WaitReady(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := e.Request(ctx, "does-not-exist", "hi")
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, e.PendingCount())

	var reply string
	require.NoError(t, e.Call(context.Background(), "say-hello", "hi", &reply))
	assert.Equal(t, "ok, nice to meet you", reply)
}

func TestHubRemovesSessionOnDisconnect(t *testing.T) {
	recorder := &fakeRecorder{}
	hub := newTestHub(t, WithSessionRecorder(recorder))
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))
	require.NoError(t, e.WaitReady(context.Background()))
	require.Equal(t, 1, hub.SessionCount())

	require.NoError(t, e.Close())

	assert.Eventually(t, func() bool { return hub.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	err := hub.SendTo(e.ID(), "news", "too late")
	assert.ErrorIs(t, err, ErrHandlerNotFound)
	assert.ErrorIs(t, hub.SendRaw(e.ID(), "news", nil), ErrHandlerNotFound)

	assert.Eventually(t, func() bool {
		events := recorder.snapshot()
		return len(events) == 2 && events[1].event == "disconnect" && events[1].identity == e.ID()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubLogsUnregisteredDisconnect(t *testing.T) {
	var logs syncBuffer
	m := metrics.New("hub-test")
	hub := newTestHub(t, WithLogger(zerolog.New(&logs)), WithMetrics(m))
	url := serveTestHub(t, hub)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	ws.Close()

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "transport closed without a registered session")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), ErrUnregisteredPeer.Error())
	assert.Contains(t, logs.String(), `"level":"error"`)

	count, err := testutil.GatherAndCount(m.Registry(), "wsrpc_dispatch_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHubPushes(t *testing.T) {
	hub := newTestHub(t)
	url := serveTestHub(t, hub)

	type news struct {
		Headline string `json:"headline"`
	}

	subscribe := func(e *Endpoint) <-chan news {
		ch := make(chan news, 4)
		e.On("news", func(message json.RawMessage) {
			var n news
			if err := json.Unmarshal(message, &n); err == nil {
				ch <- n
			}
		})
		return ch
	}

	e1 := dialTestEndpoint(t, testEndpointConfig(url))
	e2 := dialTestEndpoint(t, testEndpointConfig(url))
	inbox1, inbox2 := subscribe(e1), subscribe(e2)

	require.NoError(t, e1.WaitReady(context.Background()))
	require.NoError(t, e2.WaitReady(context.Background()))

	t.Run("direct", func(t *testing.T) {
		require.NoError(t, hub.SendTo(e1.ID(), "news", news{Headline: "only for you"}))

		select {
		case n := <-inbox1:
			assert.Equal(t, "only for you", n.Headline)
		case <-time.After(5 * time.Second):
			t.Fatal("direct push not delivered")
		}

		select {
		case n := <-inbox2:
			t.Fatalf("unexpected push to second endpoint: %+v", n)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("broadcast", func(t *testing.T) {
		delivered, err := hub.Broadcast("news", news{Headline: "everyone"})
		require.NoError(t, err)
		assert.Equal(t, 2, delivered)

		for i, inbox := range []<-chan news{inbox1, inbox2} {
			select {
			case n := <-inbox:
				assert.Equal(t, "everyone", n.Headline)
			case <-time.After(5 * time.Second):
				t.Fatalf("broadcast not delivered to endpoint %d", i+1)
			}
		}
	})
}

func TestHubPushListenerCanRequest(t *testing.T) {
	hub := newTestHub(t)
	require.NoError(t, hub.Register("echo", echo, nil, nil))
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))
	replies := make(chan Result, 1)
	e.On("ping", func(json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		message, err := e.Request(ctx, "echo", "pong")
		replies <- Result{Message: message, Err: err}
	})
	require.NoError(t, e.WaitReady(context.Background()))

	require.NoError(t, hub.SendTo(e.ID(), "ping", 1))

	select {
	case res := <-replies:
		require.NoError(t, res.Err)
		assert.JSONEq(t, `"pong"`, string(res.Message))
	case <-time.After(5 * time.Second):
		t.Fatal("listener request never resolved")
	}
}

func TestHubPushesArriveInOrder(t *testing.T) {
	hub := newTestHub(t)
	url := serveTestHub(t, hub)

	e := dialTestEndpoint(t, testEndpointConfig(url))
	inbox := make(chan int, 16)
	e.On("seq", func(message json.RawMessage) {
		var n int
		_ = json.Unmarshal(message, &n)
		inbox <- n
	})
	require.NoError(t, e.WaitReady(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.SendTo(e.ID(), "seq", i))
	}

	for want := 0; want < 10; want++ {
		select {
		case got := <-inbox:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("push %d not delivered", want)
		}
	}
}

func TestHubRegistration(t *testing.T) {
	hub := newTestHub(t)

	assert.ErrorIs(t, hub.Register(protocol.ConnectionOperation, echo, nil, nil), registry.ErrDuplicateHandler)
	require.NoError(t, hub.Register("echo", echo, nil, nil))
	assert.ErrorIs(t, hub.Register("echo", echo, nil, nil), registry.ErrDuplicateHandler)
	assert.Equal(t, []string{protocol.ConnectionOperation, "echo"}, hub.Operations())

	hub.Handler()
	assert.ErrorIs(t, hub.Register("late", echo, nil, nil), registry.ErrSealed)
}

func TestNewHubRejectsSmallKeys(t *testing.T) {
	_, err := NewHub(HubConfig{KeySize: 512})
	assert.Error(t, err)

	hub, err := NewHub(HubConfig{KeySize: testKeySize})
	require.NoError(t, err)
	assert.NotEmpty(t, hub.ID(), "identity is generated when unset")
}

func TestHubStopClosesEndpoints(t *testing.T) {
	hub := newTestHub(t)
	url := serveTestHub(t, hub)

	var (
		mu   sync.Mutex
		code int
	)
	cfg := testEndpointConfig(url)
	cfg.OnClose = func(c int, _ string) {
		mu.Lock()
		code = c
		mu.Unlock()
	}

	e := dialTestEndpoint(t, cfg)
	require.NoError(t, e.WaitReady(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hub.Stop(ctx))

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint not closed by hub shutdown")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, websocket.CloseGoingAway, code)

	_, err := e.Request(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHubStart(t *testing.T) {
	listening := make(chan string, 1)
	hub, err := NewHub(HubConfig{
		ID:       "hub-start",
		Addr:     "127.0.0.1:0",
		Path:     "/rpc",
		KeySize:  testKeySize,
		OnListen: func(addr string) { listening <- addr },
	})
	require.NoError(t, err)
	require.NoError(t, hub.Register("say-hello", registry.Static("ok, nice to meet you"), nil, nil))

	assert.Empty(t, hub.Addr())
	require.NoError(t, hub.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Stop(ctx)
	})

	addr := <-listening
	assert.Equal(t, addr, hub.Addr())
	assert.ErrorIs(t, hub.Start(), ErrHubStarted)

	e := dialTestEndpoint(t, testEndpointConfig("ws://"+addr+"/rpc"))
	var reply string
	require.NoError(t, e.Call(context.Background(), "say-hello", "hi", &reply))
	assert.Equal(t, "ok, nice to meet you", reply)
	assert.Equal(t, "hub-start", hub.ID())
}
