// Package session implements the session supervisor (C7): the
// top-level lifecycle owner that binds the UDP socket, drives the
// handshake loop, and hands a completed transport session off to the
// data-plane pump. Everything else (wire, crypto, transport, device,
// dataplane) is a library the supervisor wires together.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kscope-vpn/kscope/config"
	"github.com/kscope-vpn/kscope/crypto"
	"github.com/kscope-vpn/kscope/dataplane"
	"github.com/kscope-vpn/kscope/device"
	"github.com/kscope-vpn/kscope/internal/audit"
	"github.com/kscope-vpn/kscope/internal/logging"
	"github.com/kscope-vpn/kscope/internal/ratelimit"
	"github.com/kscope-vpn/kscope/internal/timers"
	"github.com/kscope-vpn/kscope/kerr"
	"github.com/kscope-vpn/kscope/peer"
	"github.com/kscope-vpn/kscope/transport"
	"github.com/kscope-vpn/kscope/wire"
)

// failureRatePerMinute and failureBurst bound the steady-state
// PossibleAttack detector (§4.6.4); failureStreak is how many
// consecutive failures finding the bucket empty trip it.
const (
	failureRatePerMinute = 120
	failureBurst         = 20
	failureStreak        = 3
)

// handshakeAttemptRatePerMinute bounds how often the server starts a new
// handshake attempt sequence (one token per call to handshake, not per
// datagram), independent of the post-handshake failure detector.
const (
	handshakeAttemptRatePerMinute = 30
	handshakeAttemptBurst         = 10
)

// Supervisor owns one tunnel's full lifecycle: bind, handshake, steady
// state, teardown. One Supervisor runs one peer relationship, matching
// KScope's single-peer scope.
type Supervisor struct {
	cfg    *config.Config
	logger *logging.Logger
	audit  *audit.Logger
	peer   *peer.Peer

	mu       sync.Mutex
	pump     *dataplane.Pump
	dev      device.Device
	conn     *net.UDPConn
	stopped  bool
	stopCh   chan struct{}
}

// New builds a Supervisor from validated configuration. It does not bind
// any sockets or create any devices yet; call Run for that.
func New(cfg *config.Config, logger *logging.Logger, auditLogger *audit.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		audit:  auditLogger,
		peer:   peer.NewPeer(string(cfg.Mode), nil, cfg.Routes),
		stopCh: make(chan struct{}),
	}
}

// Stop requests a graceful teardown; Run returns once the current
// handshake attempt or steady-state pump notices.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

// Snapshot exposes session/peer state for the management endpoint.
func (s *Supervisor) Snapshot() peer.Snapshot {
	return s.peer.Snapshot()
}

// Metrics exposes running counters in the flat name/value form the
// management server's /metrics endpoint expects.
func (s *Supervisor) Metrics() map[string]float64 {
	s.mu.Lock()
	pump := s.pump
	s.mu.Unlock()
	if pump == nil {
		return map[string]float64{}
	}
	stats := pump.Snapshot()
	return map[string]float64{
		"kscope_packets_sent_total":     float64(stats.PacketsSent),
		"kscope_packets_received_total": float64(stats.PacketsReceived),
		"kscope_bytes_sent_total":       float64(stats.BytesSent),
		"kscope_bytes_received_total":   float64(stats.BytesReceived),
		"kscope_replay_drops_total":     float64(stats.ReplayDrops),
		"kscope_auth_failures_total":    float64(stats.AuthFailures),
		"kscope_malformed_drops_total":  float64(stats.MalformedDrops),
	}
}

// Run binds the socket and device, then alternates handshake attempts
// and steady-state forwarding until ctx is cancelled, Stop is called, or
// a fatal, unrecoverable error occurs. It implements §4.7 end to end.
func (s *Supervisor) Run(ctx context.Context) error {
	conn, remote, err := s.bindSocket()
	if err != nil {
		return fmt.Errorf("session: bind socket: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	dev, err := s.openDevice()
	if err != nil {
		return fmt.Errorf("session: open device: %w", err)
	}
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
	defer dev.Close()

	attemptLimiter := ratelimit.NewBucket(handshakeAttemptRatePerMinute, handshakeAttemptBurst)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		if s.cfg.Mode == config.ModeServer && !attemptLimiter.Allow() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		transportSession, learnedRemote, sessionID, err := s.handshake(ctx, conn, remote)
		if err != nil {
			s.logger.Error("handshake failed after all retries", map[string]interface{}{"error": err.Error()})
			if s.audit != nil {
				_ = s.audit.HandshakeFailed(remoteLabel(remote), 0, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopCh:
				return nil
			default:
			}
			return err // §6 exit code 2: handshake failure after all retries
		}
		if learnedRemote != nil {
			remote = learnedRemote
		}

		s.logger.Info("handshake complete", map[string]interface{}{"remote": remoteLabel(remote)})
		if s.audit != nil {
			_ = s.audit.HandshakeComplete(s.peer.Name, remoteLabel(remote))
		}
		s.peer.UpdateHandshake(sessionIDBytes(sessionID), remote)

		sess, err := transport.NewSession(transportSession)
		if err != nil {
			return fmt.Errorf("session: build transport session: %w", err)
		}

		err = s.runSteadyState(ctx, dev, conn, remote, sess, sessionID)
		if err != nil {
			s.logger.Error("steady state ended", map[string]interface{}{"error": err.Error()})
			if s.audit != nil {
				_ = s.audit.Teardown(s.peer.Name, err.Error())
			}
			if errors.Is(err, kerr.ErrDeviceClosed) || errors.Is(err, kerr.ErrSocketClosed) {
				return err // unrecoverable without operator intervention
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}
		// Any other steady-state end (e.g. dead-peer timeout or a
		// non-fatal data-plane error) loops back to a
		// fresh handshake attempt with a fresh engine.
	}
}

// bindSocket implements §6's binding rules: client dials an ephemeral
// local port toward the configured server address; server binds its
// configured port and learns the peer address from the first datagram.
func (s *Supervisor) bindSocket() (*net.UDPConn, *net.UDPAddr, error) {
	switch s.cfg.Mode {
	case config.ModeClient:
		remote, err := net.ResolveUDPAddr("udp", s.cfg.ServerAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve server_addr %q: %w", s.cfg.ServerAddr, err)
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			return nil, nil, err
		}
		return conn, remote, nil
	case config.ModeServer:
		local, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve listen_addr %q: %w", s.cfg.ListenAddr, err)
		}
		conn, err := net.ListenUDP("udp", local)
		if err != nil {
			return nil, nil, err
		}
		return conn, nil, nil // remote learned from the first handshake datagram
	default:
		return nil, nil, fmt.Errorf("%w: unknown mode %q", kerr.ErrConfigInvalid, s.cfg.Mode)
	}
}

// openDevice brings up the virtual L3 interface and configures its
// address and routes via the host network configuration helper.
func (s *Supervisor) openDevice() (device.Device, error) {
	dev, err := device.NewTUN(s.cfg.TunName, s.cfg.MTU)
	if err != nil {
		return nil, err
	}
	prefix, err := netipMustParse(s.cfg.TunIPCIDR)
	if err != nil {
		dev.Close()
		return nil, err
	}
	routes, err := s.cfg.RouteSet()
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := configureHostNetwork(s.cfg.TunName, prefix, routes); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configure host network: %w", err)
	}
	return dev, nil
}

// handshake runs one bounded attempt sequence per §4.7 step 3: a fresh
// engine, a per-attempt timeout, and a maximum-attempts policy, each
// failed attempt discarding its ephemeral keys entirely.
func (s *Supervisor) handshake(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr) (*crypto.TransportSession, *net.UDPAddr, uint32, error) {
	budget := timers.NewHandshakeBudget(timers.HandshakeTimeout, timers.HandshakeMaxAttempts)
	sessionID := newSessionID()

	for {
		deadline, ok := budget.Attempt()
		if !ok {
			return nil, nil, 0, fmt.Errorf("%w: exhausted %d attempts", kerr.ErrHandshakeTimeout, budget.Used())
		}

		ts, learnedRemote, err := s.attemptOnce(ctx, conn, remote, sessionID, deadline)
		if err == nil {
			return ts, learnedRemote, sessionID, nil
		}
		s.logger.Warn("handshake attempt failed, retrying", map[string]interface{}{"attempt": budget.Used(), "error": err.Error()})
		if s.audit != nil {
			_ = s.audit.HandshakeFailed(remoteLabel(remote), budget.Used(), err)
		}
	}
}

// attemptOnce drives exactly one engine through to completion or
// failure within deadline.
func (s *Supervisor) attemptOnce(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, sessionID uint32, deadline time.Duration) (*crypto.TransportSession, *net.UDPAddr, error) {
	engine, err := s.newEngine(remote)
	if err != nil {
		return nil, nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if s.cfg.Mode == config.ModeClient {
		return s.runInitiator(attemptCtx, conn, remote, engine, sessionID)
	}
	return s.runResponder(attemptCtx, conn, engine, sessionID)
}

func (s *Supervisor) newEngine(remote *net.UDPAddr) (*crypto.Engine, error) {
	local := crypto.Keypair{Private: s.cfg.Keys.Private}
	pub, err := crypto.PublicKey(local.Private)
	if err != nil {
		return nil, err
	}
	local.Public = pub

	if s.cfg.Mode == config.ModeClient {
		return crypto.NewInitiator(local, s.cfg.Keys.PeerPublic, s.cfg.Keys.PSK)
	}
	return crypto.NewResponder(local, s.cfg.Keys.PSK)
}

// runInitiator sends message 1, waits for message 2, and extracts the
// transport session.
func (s *Supervisor) runInitiator(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, engine *crypto.Engine, sessionID uint32) (*crypto.TransportSession, *net.UDPAddr, error) {
	msg1, err := engine.NextOutbound()
	if err != nil {
		return nil, nil, err
	}
	frame, err := wire.Encode(wire.Frame{Kind: wire.KindHandshakeInit, SessionID: sessionID, Payload: msg1})
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.WriteToUDP(frame, remote); err != nil {
		return nil, nil, err
	}

	reply, err := s.readFrame(ctx, conn, remote, wire.KindHandshakeResponse)
	if err != nil {
		return nil, nil, err
	}
	if err := engine.ProcessInbound(reply.Payload); err != nil {
		return nil, nil, err
	}
	if !engine.IsComplete() {
		return nil, nil, kerr.ErrInvalidState
	}
	ts, err := engine.IntoTransport()
	if err != nil {
		return nil, nil, err
	}
	return ts, nil, nil
}

// runResponder waits for message 1 from (initially) any source, pins
// the learned peer address and static key, then replies with message 2.
func (s *Supervisor) runResponder(ctx context.Context, conn *net.UDPConn, engine *crypto.Engine, sessionID uint32) (*crypto.TransportSession, *net.UDPAddr, error) {
	init, from, err := s.readFrameFromAny(ctx, conn, wire.KindHandshakeInit)
	if err != nil {
		return nil, nil, err
	}
	if err := engine.ProcessInbound(init.Payload); err != nil {
		return nil, nil, err
	}
	remoteStatic, ok := engine.RemoteStatic()
	if !ok || remoteStatic != s.cfg.Keys.PeerPublic {
		return nil, nil, fmt.Errorf("%w: handshake from unrecognized static key", kerr.ErrAuthFailed)
	}

	msg2, err := engine.NextOutbound()
	if err != nil {
		return nil, nil, err
	}
	frame, err := wire.Encode(wire.Frame{Kind: wire.KindHandshakeResponse, SessionID: sessionID, Payload: msg2})
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.WriteToUDP(frame, from); err != nil {
		return nil, nil, err
	}
	if !engine.IsComplete() {
		return nil, nil, kerr.ErrInvalidState
	}
	ts, err := engine.IntoTransport()
	if err != nil {
		return nil, nil, err
	}
	return ts, from, nil
}

// readFrame reads one datagram from the pinned remote, decoding and
// requiring it to carry the expected kind. Frames from any other source
// are dropped silently (spoofed source during an active handshake).
func (s *Supervisor) readFrame(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, want wire.Kind) (wire.Frame, error) {
	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return wire.Frame{}, fmt.Errorf("%w: %v", kerr.ErrHandshakeTimeout, err)
		}
		conn.SetReadDeadline(deadlineFromContext(ctx))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				return wire.Frame{}, fmt.Errorf("%w", kerr.ErrHandshakeTimeout)
			}
			return wire.Frame{}, err
		}
		if !sameUDPAddr(from, remote) {
			continue
		}
		frame, err := wire.Decode(buf[:n])
		if err != nil {
			continue // malformed, drop + implicit counter via retry loop
		}
		if frame.Kind != want {
			continue
		}
		return frame, nil
	}
}

// readFrameFromAny is readFrame's server-side counterpart before a peer
// address is known: the first well-formed frame of the wanted kind pins
// the remote address for the rest of the handshake.
func (s *Supervisor) readFrameFromAny(ctx context.Context, conn *net.UDPConn, want wire.Kind) (wire.Frame, *net.UDPAddr, error) {
	buf := make([]byte, 2048)
	for {
		if err := ctx.Err(); err != nil {
			return wire.Frame{}, nil, fmt.Errorf("%w: %v", kerr.ErrHandshakeTimeout, err)
		}
		conn.SetReadDeadline(deadlineFromContext(ctx))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				return wire.Frame{}, nil, fmt.Errorf("%w", kerr.ErrHandshakeTimeout)
			}
			return wire.Frame{}, nil, err
		}
		frame, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		if frame.Kind != want {
			continue
		}
		return frame, from, nil
	}
}

// runSteadyState builds the dataplane pump and blocks until it, ctx, or
// Stop ends it.
func (s *Supervisor) runSteadyState(ctx context.Context, dev device.Device, conn *net.UDPConn, remote *net.UDPAddr, sess *transport.Session, sessionID uint32) error {
	liveness := timers.NewLiveness(timers.KeepAliveIdle, timers.DeadPeerTimeout)
	failures := ratelimit.NewFailureDetector(failureRatePerMinute, failureBurst, failureStreak)

	pump := dataplane.NewPump(dataplane.Config{
		Device:    dev,
		Session:   sess,
		Conn:      conn,
		Remote:    remote,
		SessionID: sessionID,
		Liveness:  liveness,
		Failures:  failures,
		Peer:      s.peer,
		Audit:     s.audit,
		Logger:    s.logger,
		PeerLabel: remoteLabel(remote),
		OnPossibleAttack: func() {
			s.logger.Error("possible attack detected", map[string]interface{}{"remote": remoteLabel(remote)})
		},
	})
	s.mu.Lock()
	s.pump = pump
	s.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if liveness.IsDead() {
					return
				}
			}
		}
	}()

	return pump.Run(stop)
}

func remoteLabel(addr *net.UDPAddr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}

func sessionIDBytes(id uint32) [16]byte {
	var out [16]byte
	out[12] = byte(id >> 24)
	out[13] = byte(id >> 16)
	out[14] = byte(id >> 8)
	out[15] = byte(id)
	return out
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if b == nil {
		return true // server hasn't pinned a remote yet
	}
	return a != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(timers.HandshakeTimeout)
}
