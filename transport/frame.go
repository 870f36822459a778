package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kscope-vpn/kscope/kerr"
	"github.com/kscope-vpn/kscope/wire"
)

// EncodeTransportData builds a TransportData frame's payload: an 8-byte
// big-endian nonce followed by ciphertext (tag included). The nonce lives
// outside the AEAD ciphertext, per §4.1, so the receiver can read it
// before doing any cryptographic work.
func EncodeTransportData(sessionID uint32, nonce uint64, ciphertext []byte) ([]byte, error) {
	payload := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(payload[:8], nonce)
	copy(payload[8:], ciphertext)
	return wire.Encode(wire.Frame{Kind: wire.KindTransportData, SessionID: sessionID, Payload: payload})
}

// DecodeTransportData splits a TransportData frame's payload back into
// its nonce and ciphertext.
func DecodeTransportData(payload []byte) (nonce uint64, ciphertext []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: transport data payload too short", kerr.ErrMalformedFrame)
	}
	nonce = binary.BigEndian.Uint64(payload[:8])
	ciphertext = payload[8:]
	return nonce, ciphertext, nil
}

// EncodeKeepAlive builds a KeepAlive frame: an 8-byte timestamp and 16
// bytes of CSPRNG padding, matching §4.1's payload layout. This is the
// form the data-plane pump's sendKeepAlive uses: keepalives travel
// outside the AEAD as their own frame kind and do not spend a transport
// nonce.
func EncodeKeepAlive(sessionID uint32) ([]byte, error) {
	payload := make([]byte, 24)
	binary.BigEndian.PutUint64(payload[:8], uint64(time.Now().Unix()))
	if _, err := rand.Read(payload[8:]); err != nil {
		return nil, fmt.Errorf("transport: keepalive padding: %w", err)
	}
	return wire.Encode(wire.Frame{Kind: wire.KindKeepAlive, SessionID: sessionID, Payload: payload})
}
