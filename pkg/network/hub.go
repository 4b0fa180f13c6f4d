package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/metrics"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/protocol"
	"github.com/ZaycevNet/ws-rpc-e2e/pkg/registry"
)

// HubConfig configures a Hub
type HubConfig struct {
	ID           string        // generated when empty
	Addr         string        // listen address for Start
	Path         string        // websocket path, default "/"
	KeySize      int           // per-session RSA key size
	WriteTimeout time.Duration // per-frame write deadline
	ReadLimit    int64         // maximum inbound frame size

	OnListen func(addr string)
	OnError  func(err error)
}

// HubOption customizes a Hub
type HubOption func(*Hub)

// WithLogger sets the hub logger. The default discards everything.
func WithLogger(logger zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithMetrics attaches prometheus collectors
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithSessionRecorder attaches a session audit sink
func WithSessionRecorder(r SessionRecorder) HubOption {
	return func(h *Hub) { h.recorder = r }
}

// Hub accepts endpoint connections and serves registered operations
type Hub struct {
	id       string
	cfg      HubConfig
	registry *registry.Registry
	table    *SessionTable
	upgrader websocket.Upgrader

	dispatcherOnce sync.Once
	dispatcher     *Dispatcher

	logger   zerolog.Logger
	metrics  *metrics.Metrics
	recorder SessionRecorder

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	conns     map[*wsConn]struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewHub creates a hub with the built-in connection operation registered
func NewHub(cfg HubConfig, opts ...HubOption) (*Hub, error) {
	if cfg.ID == "" {
		cfg.ID = protocol.NewIdentity()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.KeySize == 0 {
		cfg.KeySize = crypto.DefaultKeySize
	}
	if cfg.KeySize < crypto.MinKeySize {
		return nil, fmt.Errorf("%w: %d bits", crypto.ErrInvalidKeySize, cfg.KeySize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		id:       cfg.ID,
		cfg:      cfg,
		registry: registry.New(),
		table:    NewSessionTable(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    zerolog.Nop(),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[*wsConn]struct{}),
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(h)
	}

	err := h.registry.Register(
		protocol.ConnectionOperation,
		connectionHandler,
		[]registry.RequestMiddleware{connectionMiddleware},
		nil,
	)
	if err != nil {
		cancel()
		return nil, err
	}

	return h, nil
}

// ID returns the hub identity used as sender of every outgoing envelope
func (h *Hub) ID() string {
	return h.id
}

// Register adds an operation. It fails once the hub serves connections.
func (h *Hub) Register(name string, handle registry.HandlerFunc, requestMiddleware []registry.RequestMiddleware, messageMiddleware []registry.MessageMiddleware) error {
	return h.registry.Register(name, handle, requestMiddleware, messageMiddleware)
}

// Operations returns the registered operation names
func (h *Hub) Operations() []string {
	return h.registry.Names()
}

// Handler returns the websocket upgrade handler and seals the registry
func (h *Hub) Handler() http.Handler {
	h.dispatcherOnce.Do(func() {
		h.registry.Seal()
		h.dispatcher = &Dispatcher{
			hubID:    h.id,
			keySize:  h.cfg.KeySize,
			registry: h.registry,
			table:    h.table,
			reply:    h.SendRaw,
			logger:   h.logger,
			metrics:  h.metrics,
			recorder: h.recorder,
		}
	})
	return http.HandlerFunc(h.serveWS)
}

// Start listens on cfg.Addr and serves in the background
func (h *Hub) Start() error {
	handler := h.Handler()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.server != nil {
		return ErrHubStarted
	}

	listener, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		h.reportError(err)
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(h.cfg.Path, handler)

	h.listener = listener
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.reportError(err)
		}
	}(h.server)

	addr := listener.Addr().String()
	h.logger.Info().Str("addr", addr).Str("hub", h.id).Msg("hub listening")
	if h.cfg.OnListen != nil {
		h.cfg.OnListen(addr)
	}

	return nil
}

// ListenAndServe starts the hub and blocks until ctx is done
func (h *Hub) ListenAndServe(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Stop(shutdownCtx)
}

// Addr returns the bound listen address, or "" before Start
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop closes the listener and every open connection
func (h *Hub) Stop(ctx context.Context) error {
	h.cancel()

	h.mu.Lock()
	server := h.server
	conns := make([]*wsConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}

	for _, conn := range conns {
		conn.CloseWithReason(websocket.CloseGoingAway, "hub shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.logger.Info().Str("hub", h.id).Msg("hub stopped")
	return err
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws, h.cfg.WriteTimeout, h.cfg.ReadLimit)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		conn.CloseWithReason(websocket.CloseGoingAway, "hub shutting down")
		return
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	h.handleConnection(conn, r)
}

// handleConnection reads frames until the transport closes
func (h *Hub) handleConnection(conn *wsConn, r *http.Request) {
	defer h.wg.Done()
	defer conn.Close()

	h.logger.Debug().Str("remote", conn.RemoteAddr()).Msg("new connection")

	// Cleanup peers on disconnect
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		h.removeConn(conn)
	}()

	cs := &connState{conn: conn, request: r}

	// Loop to handle multiple messages on same connection
	for {
		data, err := conn.Read()
		if err != nil {
			if !isExpectedClose(err) {
				h.logger.Debug().Err(err).Str("remote", conn.RemoteAddr()).Msg("read error")
			}
			return
		}

		h.dispatcher.Dispatch(h.ctx, cs, data)
	}
}

// removeConn drops every identity bound to conn from the session table
func (h *Hub) removeConn(conn Conn) {
	removed := h.table.RemoveByConn(conn)
	if len(removed) == 0 {
		h.logger.Error().
			Err(ErrUnregisteredPeer).
			Str("remote", conn.RemoteAddr()).
			Msg("transport closed without a registered session")
		h.metrics.RecordDrop(metrics.ReasonUnregistered)
		return
	}

	for _, peer := range removed {
		h.logger.Info().
			Str("sender", peer.Identity).
			Int("clients", h.table.Len()).
			Msg("client disconnected")
		h.metrics.RecordDisconnect()
		if h.recorder != nil {
			if err := h.recorder.RecordDisconnect(peer.Identity, conn.RemoteAddr()); err != nil {
				h.logger.Warn().Err(err).Str("sender", peer.Identity).Msg("failed to record disconnect")
			}
		}
	}
}

// SendRaw sends message unchanged to identity under name
func (h *Hub) SendRaw(identity, name string, message json.RawMessage) error {
	peer, ok := h.table.Get(identity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, identity)
	}
	return h.send(peer, name, message)
}

// SendTo encrypts payload for identity and pushes it under name
func (h *Hub) SendTo(identity, name string, payload any) error {
	peer, ok := h.table.Get(identity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, identity)
	}

	if err := h.push(peer, name, payload); err != nil {
		return err
	}
	h.metrics.RecordPush("direct", 1)
	return nil
}

// Broadcast pushes payload to every registered session, each encrypted with its own key.
// It returns the number of sessions reached and the joined delivery errors.
func (h *Hub) Broadcast(name string, payload any) (int, error) {
	var (
		delivered int
		errs      []error
	)

	for _, peer := range h.table.Snapshot() {
		if err := h.push(peer, name, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer.Identity, err))
			continue
		}
		delivered++
	}

	h.metrics.RecordPush("broadcast", delivered)
	return delivered, errors.Join(errs...)
}

func (h *Hub) push(peer *Peer, name string, payload any) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	message, err := encryptPayload(peer.Session, plaintext)
	if err != nil {
		return err
	}
	return h.send(peer, name, message)
}

func (h *Hub) send(peer *Peer, name string, message json.RawMessage) error {
	data, err := protocol.Encode(protocol.NewReply(name, h.id, message))
	if err != nil {
		return err
	}
	return peer.Conn.Send(data)
}

// Sessions lists the connected endpoints
func (h *Hub) Sessions() []SessionInfo {
	peers := h.table.Snapshot()
	infos := make([]SessionInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, peer.info())
	}
	return infos
}

// SessionCount returns the number of connected endpoints
func (h *Hub) SessionCount() int {
	return h.table.Len()
}

// Uptime returns the time since the hub was created
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.startTime)
}

func (h *Hub) reportError(err error) {
	h.logger.Error().Err(err).Str("hub", h.id).Msg("hub error")
	if h.cfg.OnError != nil {
		h.cfg.OnError(err)
	}
}
