package device

import (
	"sync"

	"github.com/kscope-vpn/kscope/kerr"
)

// Loopback implements Device with in-memory queues, grounded in the
// teacher's multi-peer internal/dataplane.Loopback but collapsed to a
// single pipe: KScope is single-peer, so there is no subscriber registry
// to fan packets out across, only a local "host wrote this" queue and a
// remote "inject this toward the host" queue. It backs device/*_test.go
// and lets two KScope processes tunnel to each other without root or a
// real TUN interface.
type Loopback struct {
	toHost chan []byte

	mu      sync.RWMutex
	closed  bool
	written [][]byte
}

// NewLoopback constructs an empty loopback device.
func NewLoopback() *Loopback {
	return &Loopback{toHost: make(chan []byte, 256)}
}

// Inject delivers a packet as if it had arrived from the host IP stack,
// making it available to a subsequent Read. Used by tests and by the
// process on the far end of a two-process loopback run to hand a
// decrypted packet to the local device consumer.
func (l *Loopback) Inject(packet []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return kerr.ErrDeviceClosed
	}
	dup := append([]byte(nil), packet...)
	select {
	case l.toHost <- dup:
		return nil
	default:
		return kerr.ErrDeviceClosed
	}
}

// Read implements Device.
func (l *Loopback) Read() ([]byte, error) {
	packet, ok := <-l.toHost
	if !ok {
		return nil, kerr.ErrDeviceClosed
	}
	return packet, nil
}

// Write implements Device. A real TUN forwards the packet into the host
// kernel's IP stack; Loopback has no such stack, so Write only validates
// device state and lets callers observe Written packets via Written().
func (l *Loopback) Write(packet []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return kerr.ErrDeviceClosed
	}
	l.written = append(l.written, append([]byte(nil), packet...))
	return nil
}

// Written returns every packet handed to Write so far, for test
// assertions.
func (l *Loopback) Written() [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][]byte, len(l.written))
	copy(out, l.written)
	return out
}

// MTU implements Device.
func (l *Loopback) MTU() int { return DefaultMTU }

// Close implements Device.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.toHost)
	l.mu.Unlock()
	return nil
}
