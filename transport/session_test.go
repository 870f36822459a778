package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kscope-vpn/kscope/crypto"
	"github.com/kscope-vpn/kscope/wire"
)

func newTestSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	var keyA, keyB [crypto.KeySize]byte
	for i := range keyA {
		keyA[i] = byte(i)
		keyB[i] = byte(255 - i)
	}
	a, err := NewSession(&crypto.TransportSession{SendKey: keyA, ReceiveKey: keyB})
	if err != nil {
		t.Fatalf("new session a: %v", err)
	}
	b, err := NewSession(&crypto.TransportSession{SendKey: keyB, ReceiveKey: keyA})
	if err != nil {
		t.Fatalf("new session b: %v", err)
	}
	return a, b
}

// TestSendMonotonicity is property 2: after n encrypts, emitted nonces
// are 0..n-1 in order.
func TestSendMonotonicity(t *testing.T) {
	a, _ := newTestSessionPair(t)
	for i := uint64(0); i < 10; i++ {
		nonce, _, err := a.Send.Encrypt([]byte("hello"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if nonce != i {
			t.Fatalf("nonce %d, want %d", nonce, i)
		}
	}
}

// TestRoundTripSinglePacket is scenario S2.
func TestRoundTripSinglePacket(t *testing.T) {
	a, b := newTestSessionPair(t)
	nonce, ciphertext, err := a.Send.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("nonce = %d, want 0", nonce)
	}
	if len(ciphertext) != len("hello")+16 {
		t.Fatalf("ciphertext length = %d, want %d", len(ciphertext), len("hello")+16)
	}
	plaintext, err := b.Receive.Decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("plaintext = %q, want %q", plaintext, "hello")
	}
}

// TestReorderWithinWindow is scenario S3: three frames processed out of
// order all accept exactly once, and a repeat of an already-seen nonce is
// rejected as ReplayDuplicate.
func TestReorderWithinWindow(t *testing.T) {
	a, b := newTestSessionPair(t)
	var nonces [3]uint64
	var ciphertexts [3][]byte
	for i := 0; i < 3; i++ {
		n, c, err := a.Send.Encrypt([]byte("frame"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		nonces[i], ciphertexts[i] = n, c
	}

	order := []int{2, 0, 1}
	for _, idx := range order {
		if _, err := b.Receive.Decrypt(nonces[idx], ciphertexts[idx]); err != nil {
			t.Fatalf("decrypt nonce %d: %v", nonces[idx], err)
		}
	}

	_, err := b.Receive.Decrypt(nonces[1], ciphertexts[1])
	if !errors.Is(err, errReplayDuplicate) {
		t.Fatalf("expected ErrReplayDuplicate on repeat, got %v", err)
	}
}

// TestReplayFarPast is scenario S4.
func TestReplayFarPast(t *testing.T) {
	a, b := newTestSessionPair(t)
	for i := 0; i < 2001; i++ {
		_, c, err := a.Send.Encrypt([]byte("x"))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		if _, err := b.Receive.Decrypt(uint64(i), c); err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
	}
	if b.Receive.window.highest != 2000 {
		t.Fatalf("highest = %d, want 2000", b.Receive.window.highest)
	}

	_, stale, err := a.Send.Encrypt([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("encrypt stale payload: %v", err)
	}
	_, err = b.Receive.Decrypt(900, stale)
	if !errors.Is(err, errReplayOld) {
		t.Fatalf("expected ErrReplayOld, got %v", err)
	}
}

// TestTamperedCiphertextFailsAuth is scenario S5: flipping any bit of the
// ciphertext causes AuthFailed and leaves the window untouched.
func TestTamperedCiphertextFailsAuth(t *testing.T) {
	a, b := newTestSessionPair(t)
	nonce, ciphertext, err := a.Send.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := make([]byte, len(ciphertext))
	copy(tampered, ciphertext)
	tampered[0] ^= 0x01

	_, err = b.Receive.Decrypt(nonce, tampered)
	if !errors.Is(err, errAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if b.Receive.window.seeded {
		t.Fatalf("replay window must not advance on a forged packet")
	}

	// The untampered frame must still decrypt correctly afterward.
	plaintext, err := b.Receive.Decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt genuine frame after rejecting forgery: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello")) {
		t.Fatalf("plaintext = %q", plaintext)
	}
}

func TestTransportDataFrameRoundTrip(t *testing.T) {
	a, b := newTestSessionPair(t)
	nonce, ciphertext, err := a.Send.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	encoded, err := EncodeTransportData(42, nonce, ciphertext)
	if err != nil {
		t.Fatalf("encode transport data: %v", err)
	}

	f, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("decode outer frame: %v", err)
	}
	gotNonce, gotCiphertext, err := DecodeTransportData(f.Payload)
	if err != nil {
		t.Fatalf("decode transport data: %v", err)
	}
	if gotNonce != nonce {
		t.Fatalf("nonce = %d, want %d", gotNonce, nonce)
	}
	plaintext, err := b.Receive.Decrypt(gotNonce, gotCiphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Fatalf("plaintext = %q", plaintext)
	}
}
