// Package peer implements the single-peer state snapshot (§1's
// server-side multi-client session tables are explicitly out of scope):
// one Peer tracks the remote endpoint, the active session id, and the
// liveness/traffic counters the management server's /state endpoint
// surfaces to an operator.
package peer

import (
	"net"
	"sync"
	"time"
)

// Peer is the single remote endpoint a Supervisor drives. AllowedIPs is
// populated once at construction from the configured routes; nothing
// else in KScope's single-peer, routing-table-free model mutates it.
type Peer struct {
	Name       string
	AllowedIPs []string

	mu            sync.RWMutex
	sessionID     [16]byte
	endpoint      net.Addr
	lastHandshake time.Time
	lastSend      time.Time
	lastReceive   time.Time
	messagesSent  uint64
	messagesRecv  uint64
}

// NewPeer builds a Peer for the configured remote, named by this
// process's own role (client/server) for the management snapshot.
func NewPeer(name string, endpoint net.Addr, allowed []string) *Peer {
	return &Peer{
		Name:       name,
		endpoint:   endpoint,
		AllowedIPs: append([]string(nil), allowed...),
	}
}

// UpdateHandshake records a newly completed handshake's session id and
// the (possibly just-learned, on the server side) peer address.
func (p *Peer) UpdateHandshake(sessionID [16]byte, endpoint net.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.endpoint = endpoint
	p.lastHandshake = time.Now()
}

// TouchSend records that the data plane sent a frame (data or
// keepalive) to this peer.
func (p *Peer) TouchSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSend = time.Now()
	p.messagesSent++
}

// TouchReceive records that the data plane accepted a frame (data or
// keepalive) from this peer.
func (p *Peer) TouchReceive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastReceive = time.Now()
	p.messagesRecv++
}

// Snapshot returns a point-in-time copy of this peer's state for the
// management server.
func (p *Peer) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot := Snapshot{
		Name:          p.Name,
		AllowedIPs:    append([]string(nil), p.AllowedIPs...),
		SessionID:     p.sessionID,
		LastHandshake: p.lastHandshake,
		LastSend:      p.lastSend,
		LastReceive:   p.lastReceive,
		MessagesSent:  p.messagesSent,
		MessagesRecv:  p.messagesRecv,
	}
	if p.endpoint != nil {
		snapshot.Endpoint = p.endpoint.String()
	}
	return snapshot
}

// Snapshot is the JSON shape the management server's /state handler
// serves.
type Snapshot struct {
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	AllowedIPs    []string  `json:"allowedIPs"`
	SessionID     [16]byte  `json:"sessionId"`
	LastHandshake time.Time `json:"lastHandshake"`
	LastSend      time.Time `json:"lastSend"`
	LastReceive   time.Time `json:"lastReceive"`
	MessagesSent  uint64    `json:"messagesSent"`
	MessagesRecv  uint64    `json:"messagesRecv"`
}
