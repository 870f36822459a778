//go:build windows

package device

import (
	"fmt"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kscope-vpn/kscope/kerr"
)

// TUN backs Device with a Wintun interface on Windows, through the same
// golang.zx2c4.com/wireguard/tun entry point as the Unix build; the
// library dispatches to its Wintun backend internally. Kept as a separate
// build-tagged file, matching the teacher's tun_bridge_windows.go split,
// because Windows TUN creation additionally surfaces the driver-assigned
// interface name, which netconfig needs for netsh.
type TUN struct {
	dev  tun.Device
	mtu  int
	name string

	mu      sync.RWMutex
	closed  bool
	packets chan []byte
}

// NewTUN creates a Wintun interface named name with the given MTU,
// defaulting to DefaultMTU when mtu <= 0.
func NewTUN(name string, mtu int) (*TUN, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("device: create wintun %q: %w", name, err)
	}
	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("device: read wintun interface name: %w", err)
	}
	t := &TUN{
		dev:     dev,
		mtu:     mtu,
		name:    actualName,
		packets: make(chan []byte, 256),
	}
	go t.readLoop()
	return t, nil
}

// Name reports the driver-assigned interface name, which may differ from
// the requested name if Windows already had an interface by that name.
func (t *TUN) Name() string { return t.name }

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
		return fmt.Errorf("device: wintun write: %w", err)
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
