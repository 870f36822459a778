//go:build !windows

package device

import (
	"fmt"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kscope-vpn/kscope/kerr"
)

// TUN backs Device with a real kernel tunnel interface via
// golang.zx2c4.com/wireguard/tun, the same batch Read/Write API the
// teacher's internal/dataplane.TUNBridge drives. Unlike the teacher's
// bridge, which fans read packets out onto a Frame{Peer,...} channel for
// multi-peer routing, KScope is single-peer: Read hands packets straight
// to the one data-plane pump that owns this device.
type TUN struct {
	dev tun.Device
	mtu int

	mu      sync.RWMutex
	closed  bool
	packets chan []byte
}

// NewTUN creates (or opens) a TUN interface named name with the given
// MTU, defaulting to DefaultMTU when mtu <= 0, and starts the background
// read pump that feeds Read().
func NewTUN(name string, mtu int) (*TUN, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("device: create tun %q: %w", name, err)
	}
	t := &TUN{
		dev:     dev,
		mtu:     mtu,
		packets: make(chan []byte, 256),
	}
	go t.readLoop()
	return t, nil
}

func (t *TUN) readLoop() {
	bufs := [][]byte{make([]byte, t.mtu+4)}
	sizes := make([]int, 1)
	for {
		n, err := t.dev.Read(bufs, sizes, 0)
		if err != nil {
			if t.isClosed() {
				close(t.packets)
				return
			}
			continue
		}
		if n == 0 || sizes[0] == 0 {
			continue
		}
		packet := append([]byte(nil), bufs[0][:sizes[0]]...)
		t.packets <- packet
	}
}

func (t *TUN) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Read implements Device.
func (t *TUN) Read() ([]byte, error) {
	packet, ok := <-t.packets
	if !ok {
		return nil, kerr.ErrDeviceClosed
	}
	return packet, nil
}

// Write implements Device.
func (t *TUN) Write(packet []byte) error {
	if t.isClosed() {
		return kerr.ErrDeviceClosed
	}
	if _, err := t.dev.Write([][]byte{packet}, 0); err != nil {
		return fmt.Errorf("device: tun write: %w", err)
	}
	return nil
}

// MTU implements Device.
func (t *TUN) MTU() int { return t.mtu }

// Close implements Device.
func (t *TUN) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.dev.Close()
}
