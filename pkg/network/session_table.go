package network

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
)

// Peer is a connected endpoint that completed the handshake
type Peer struct {
	Identity    string
	Conn        Conn
	Request     *http.Request
	Session     *crypto.Session
	ConnectedAt time.Time
}

// SessionInfo is the public view of a Peer
type SessionInfo struct {
	Identity       string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	UserAgent      string    `json:"user_agent,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	KeyFingerprint string    `json:"key_fingerprint"`
	PeerKey        string    `json:"peer_key_fingerprint"`
}

func (p *Peer) info() SessionInfo {
	info := SessionInfo{
		Identity:       p.Identity,
		RemoteAddr:     p.Conn.RemoteAddr(),
		ConnectedAt:    p.ConnectedAt,
		KeyFingerprint: p.Session.Fingerprint(),
		PeerKey:        p.Session.PeerFingerprint(),
	}
	if p.Request != nil {
		info.UserAgent = p.Request.UserAgent()
	}
	return info
}

// SessionTable maps peer identities to their transports
type SessionTable struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewSessionTable creates an empty table
func NewSessionTable() *SessionTable {
	return &SessionTable{
		peers: make(map[string]*Peer),
	}
}

// Get returns the peer registered under identity
func (t *SessionTable) Get(identity string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peer, ok := t.peers[identity]
	return peer, ok
}

// Insert adds peer unless its identity is already present
func (t *SessionTable) Insert(peer *Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.peers[peer.Identity]; exists {
		return false
	}
	t.peers[peer.Identity] = peer
	return true
}

// RemoveByConn removes every identity bound to conn and returns the removed peers
func (t *SessionTable) RemoveByConn(conn Conn) []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Peer
	for identity, peer := range t.peers {
		if peer.Conn == conn {
			delete(t.peers, identity)
			removed = append(removed, peer)
		}
	}
	return removed
}

// Len returns the number of registered identities
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Snapshot returns the registered peers ordered by connect time
func (t *SessionTable) Snapshot() []*Peer {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, peer)
	}
	t.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].ConnectedAt.Equal(peers[j].ConnectedAt) {
			return peers[i].Identity < peers[j].Identity
		}
		return peers[i].ConnectedAt.Before(peers[j].ConnectedAt)
	})
	return peers
}
