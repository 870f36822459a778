// Package dataplane implements the data-plane pump (C6): the two
// steady-state forwarding directions that run once a handshake has
// produced a transport session. Egress reads the virtual device and
// writes encrypted frames to the UDP socket; ingress does the reverse.
// Per §5 they are split so each goroutine owns its own half of the
// transport session and needs no mutual exclusion against the other.
package dataplane

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/kscope-vpn/kscope/internal/audit"
	"github.com/kscope-vpn/kscope/device"
	"github.com/kscope-vpn/kscope/internal/logging"
	"github.com/kscope-vpn/kscope/internal/ratelimit"
	"github.com/kscope-vpn/kscope/internal/timers"
	"github.com/kscope-vpn/kscope/kerr"
	"github.com/kscope-vpn/kscope/peer"
	"github.com/kscope-vpn/kscope/transport"
	"github.com/kscope-vpn/kscope/wire"
)

// frameOverhead bounds the network read buffer beyond the plaintext MTU:
// 8-byte nonce + 16-byte AEAD tag + 8-byte outer header, rounded up per
// §4.6.3's "overhead >= 32" floor.
const frameOverhead = 48

// keepAliveCheckInterval is how often egress polls liveness for an idle
// keepalive, independent of how often the device actually has packets.
const keepAliveCheckInterval = 1 * time.Second

// Stats are the pump's running counters, surfaced to the session
// supervisor's management snapshot.
type Stats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	BytesSent        uint64
	BytesReceived    uint64
	ReplayDrops      uint64
	AuthFailures     uint64
	MalformedDrops   uint64
	KeepAlivesSent   uint64
	KeepAlivesRecv   uint64
	UDPSendRetries   uint64
	UDPSendDrops     uint64
}

// Config wires together everything one Pump needs. The caller (the
// session supervisor) builds this from a completed handshake and owns
// its lifetime; Pump does not retain cfg after Run returns.
type Config struct {
	Device  device.Device
	Session *transport.Session
	Conn    *net.UDPConn
	Remote  *net.UDPAddr

	// SessionID is stamped on every outbound frame (§4.1); it identifies
	// this transport session to the peer, not a handshake attempt.
	SessionID uint32

	Liveness *timers.Liveness
	Failures *ratelimit.FailureDetector

	// Peer, if set, receives a touch on every successful send and
	// receive so the management server's /state endpoint reports real
	// traffic counters instead of a peer that never updates.
	Peer *peer.Peer

	Audit     *audit.Logger
	Logger    *logging.Logger
	PeerLabel string

	// OnPossibleAttack is invoked whenever Failures.RecordFailure reports
	// the ingress decrypt-failure rate over the configured threshold. The
	// detector stays flagged until Reset, so once tripped this fires again
	// for every further failure that finds its bucket empty. The
	// supervisor decides what to do with it; the pump itself never
	// rehandshakes or disconnects on its own.
	OnPossibleAttack func()
}

// Pump runs the two forwarding directions for one transport session.
type Pump struct {
	cfg Config
	mtu int

	stats Stats

	errOnce chan error
}

// NewPump constructs a pump from cfg. It does not start any goroutines;
// call Run for that.
func NewPump(cfg Config) *Pump {
	return &Pump{
		cfg:     cfg,
		mtu:     cfg.Device.MTU(),
		errOnce: make(chan error, 2),
	}
}

// Run spawns egress and ingress and blocks until either direction
// reports a fatal error or stop is closed, at which point it closes the
// device and the socket (causing the other direction to exit with a
// closed-resource error, which it treats as graceful) and returns the
// first fatal error, if any.
func (p *Pump) Run(stop <-chan struct{}) error {
	go p.runEgress(stop)
	go p.runIngress()

	var fatal error
	select {
	case fatal = <-p.errOnce:
	case <-stop:
	}

	_ = p.cfg.Device.Close()
	_ = p.cfg.Conn.Close()

	return fatal
}

// Snapshot returns a copy of the running counters.
func (p *Pump) Snapshot() Stats {
	return Stats{
		PacketsSent:     atomic.LoadUint64(&p.stats.PacketsSent),
		PacketsReceived: atomic.LoadUint64(&p.stats.PacketsReceived),
		BytesSent:       atomic.LoadUint64(&p.stats.BytesSent),
		BytesReceived:   atomic.LoadUint64(&p.stats.BytesReceived),
		ReplayDrops:     atomic.LoadUint64(&p.stats.ReplayDrops),
		AuthFailures:    atomic.LoadUint64(&p.stats.AuthFailures),
		MalformedDrops:  atomic.LoadUint64(&p.stats.MalformedDrops),
		KeepAlivesSent:  atomic.LoadUint64(&p.stats.KeepAlivesSent),
		KeepAlivesRecv:  atomic.LoadUint64(&p.stats.KeepAlivesRecv),
		UDPSendRetries:  atomic.LoadUint64(&p.stats.UDPSendRetries),
		UDPSendDrops:    atomic.LoadUint64(&p.stats.UDPSendDrops),
	}
}

// runEgress is the device -> network direction (§4.6.2). It owns
// Session.Send exclusively and is the only writer of liveness's send
// timestamp.
func (p *Pump) runEgress(stop <-chan struct{}) {
	packets := make(chan []byte, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			packet, err := p.cfg.Device.Read()
			if err != nil {
				readErrs <- err
				return
			}
			packets <- packet
		}
	}()

	ticker := time.NewTicker(keepAliveCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case err := <-readErrs:
			if errors.Is(err, kerr.ErrDeviceClosed) {
				return // supervisor-initiated teardown, not a failure
			}
			p.fail(fmt.Errorf("dataplane: device read: %w", err))
			return
		case packet := <-packets:
			if err := p.sendData(packet); err != nil {
				p.fail(err)
				return
			}
		case <-ticker.C:
			if p.cfg.Liveness.ShouldSendKeepAlive() {
				if err := p.sendKeepAlive(); err != nil {
					p.fail(err)
					return
				}
			}
		}
	}
}

// sendData encrypts one plaintext packet and frames it per §4.1/§4.4.2,
// via transport.EncodeTransportData so the wire layout is built in one
// place rather than open-coded on the hot path.
func (p *Pump) sendData(packet []byte) error {
	nonce, ciphertext, err := p.cfg.Session.Send.Encrypt(packet)
	if err != nil {
		return fmt.Errorf("dataplane: nonce exhausted: %w", err)
	}

	frame, err := transport.EncodeTransportData(p.cfg.SessionID, nonce, ciphertext)
	if err != nil {
		return fmt.Errorf("dataplane: encode transport frame: %w", err)
	}

	if err := p.send(frame); err != nil {
		return err
	}

	p.cfg.Liveness.TouchSend()
	if p.cfg.Peer != nil {
		p.cfg.Peer.TouchSend()
	}
	atomic.AddUint64(&p.stats.PacketsSent, 1)
	atomic.AddUint64(&p.stats.BytesSent, uint64(len(packet)))
	return nil
}

// sendKeepAlive emits a KeepAlive frame (timestamp plus random padding,
// outside the AEAD) via transport.EncodeKeepAlive.
func (p *Pump) sendKeepAlive() error {
	frame, err := transport.EncodeKeepAlive(p.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("dataplane: encode keepalive: %w", err)
	}
	if err := p.send(frame); err != nil {
		return err
	}
	p.cfg.Liveness.TouchSend()
	if p.cfg.Peer != nil {
		p.cfg.Peer.TouchSend()
	}
	atomic.AddUint64(&p.stats.KeepAlivesSent, 1)
	return nil
}

// send writes frame to the peer, retrying once after a bounded backoff
// on a transient error before dropping it, per §4.6.4. A closed-socket
// error is always fatal.
func (p *Pump) send(frame []byte) error {
	_, err := p.cfg.Conn.WriteToUDP(frame, p.cfg.Remote)
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("dataplane: %w", kerr.ErrSocketClosed)
	}

	atomic.AddUint64(&p.stats.UDPSendRetries, 1)
	time.Sleep(transientRetryBackoff)

	if _, err := p.cfg.Conn.WriteToUDP(frame, p.cfg.Remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("dataplane: %w", kerr.ErrSocketClosed)
		}
		atomic.AddUint64(&p.stats.UDPSendDrops, 1)
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warn("dropping frame after retry", map[string]interface{}{"peer": p.cfg.PeerLabel, "error": err.Error()})
		}
		return nil
	}
	return nil
}

// transientRetryBackoff is the single bounded delay §4.6.4 allows before
// a dropped send; it is fixed rather than exponential since the policy
// is "retry once", not a sustained retry loop.
const transientRetryBackoff = 20 * time.Millisecond

// runIngress is the network -> device direction. It owns Session.Receive
// exclusively and is the only writer of liveness's receive timestamp.
func (p *Pump) runIngress() {
	buf := make([]byte, p.mtu+frameOverhead)
	for {
		n, raddr, err := p.cfg.Conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return // supervisor-initiated teardown, not a failure
			}
			p.fail(fmt.Errorf("dataplane: socket read: %w", err))
			return
		}
		if !sameHost(raddr, p.cfg.Remote) {
			continue // spoofed source, drop silently
		}

		frame, err := wire.Decode(buf[:n])
		if err != nil {
			atomic.AddUint64(&p.stats.MalformedDrops, 1)
			continue
		}

		switch frame.Kind {
		case wire.KindTransportData:
			p.handleTransportData(frame)
		case wire.KindKeepAlive:
			p.cfg.Liveness.TouchReceive()
			if p.cfg.Peer != nil {
				p.cfg.Peer.TouchReceive()
			}
			atomic.AddUint64(&p.stats.KeepAlivesRecv, 1)
		default:
			// Error and unexpected Handshake* frames in steady state are
			// logged and dropped; rehandshake policy lives in session.
			if p.cfg.Logger != nil {
				p.cfg.Logger.Warn("unexpected frame in steady state", map[string]interface{}{"peer": p.cfg.PeerLabel, "kind": frame.Kind.String()})
			}
		}
	}
}

func (p *Pump) handleTransportData(frame wire.Frame) {
	nonce, ciphertext, err := transport.DecodeTransportData(frame.Payload)
	if err != nil {
		atomic.AddUint64(&p.stats.MalformedDrops, 1)
		return
	}

	plaintext, err := p.cfg.Session.Receive.Decrypt(nonce, ciphertext)
	if err != nil {
		switch {
		case errors.Is(err, kerr.ErrReplayOld), errors.Is(err, kerr.ErrReplayDuplicate):
			atomic.AddUint64(&p.stats.ReplayDrops, 1)
		case errors.Is(err, kerr.ErrAuthFailed):
			atomic.AddUint64(&p.stats.AuthFailures, 1)
			if p.cfg.Failures != nil && p.cfg.Failures.RecordFailure() {
				if p.cfg.Audit != nil {
					_ = p.cfg.Audit.PossibleAttack(p.cfg.PeerLabel, int(atomic.LoadUint64(&p.stats.AuthFailures)))
				}
				if p.cfg.OnPossibleAttack != nil {
					p.cfg.OnPossibleAttack()
				}
			}
		}
		return
	}

	if err := p.cfg.Device.Write(plaintext); err != nil {
		p.fail(fmt.Errorf("dataplane: device write: %w", err))
		return
	}

	p.cfg.Liveness.TouchReceive()
	if p.cfg.Peer != nil {
		p.cfg.Peer.TouchReceive()
	}
	atomic.AddUint64(&p.stats.PacketsReceived, 1)
	atomic.AddUint64(&p.stats.BytesReceived, uint64(len(plaintext)))
}

func (p *Pump) fail(err error) {
	select {
	case p.errOnce <- err:
	default:
	}
}

func sameHost(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
