// Package wire implements the outer frame format shared by every message
// that crosses the UDP socket, handshake and data alike.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/kscope-vpn/kscope/kerr"
)

// Version is the only outer frame version this implementation understands.
const Version = 0x01

// Kind identifies the payload carried by a frame.
type Kind uint8

const (
	KindHandshakeInit     Kind = 0x01
	KindHandshakeResponse Kind = 0x02
	KindTransportData     Kind = 0x03
	KindKeepAlive         Kind = 0x04
	KindError             Kind = 0xFF
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeInit:
		return "HandshakeInit"
	case KindHandshakeResponse:
		return "HandshakeResponse"
	case KindTransportData:
		return "TransportData"
	case KindKeepAlive:
		return "KeepAlive"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(0x%02x)", uint8(k))
	}
}

// HeaderSize is the fixed size of the outer frame header, in bytes.
const HeaderSize = 8

// minPayloadLen reports the smallest payload a given kind will accept.
// HandshakeInit/HandshakeResponse carry opaque Noise bytes and have no
// fixed minimum beyond "non-empty"; TransportData needs at least the
// 8-byte nonce; KeepAlive is exactly timestamp+random; Error needs at
// least its 2-byte code.
func minPayloadLen(k Kind) int {
	switch k {
	case KindHandshakeInit, KindHandshakeResponse:
		return 1
	case KindTransportData:
		return 8
	case KindKeepAlive:
		return 24
	case KindError:
		return 2
	default:
		return 0
	}
}

// ErrMalformedFrame is returned by Decode for any truncated buffer,
// unrecognized version, unknown kind, or payload shorter than its kind
// requires.
var ErrMalformedFrame = kerr.ErrMalformedFrame

// Frame is the decoded form of one outer message.
type Frame struct {
	Kind      Kind
	SessionID uint32
	Payload   []byte
}

// Encode renders f as wire bytes. It never fails for well-formed input:
// the length field is derived from len(f.Payload), which the caller is
// responsible for keeping at or under 65535 bytes (a sent IP packet bounded by
// a realistic MTU never approaches that limit).
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("wire: payload length %d exceeds frame limit", len(f.Payload))
	}
	out := make([]byte, HeaderSize+len(f.Payload))
	out[0] = Version
	out[1] = byte(f.Kind)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.Payload)))
	binary.BigEndian.PutUint32(out[4:8], f.SessionID)
	copy(out[HeaderSize:], f.Payload)
	return out, nil
}

// Decode parses buf into a Frame. It fails with ErrMalformedFrame on
// truncation, an unsupported version, an unrecognized kind, or a payload
// shorter than its kind requires.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: header truncated (%d bytes)", ErrMalformedFrame, len(buf))
	}
	if buf[0] != Version {
		return Frame{}, fmt.Errorf("%w: unsupported version 0x%02x", ErrMalformedFrame, buf[0])
	}
	kind := Kind(buf[1])
	switch kind {
	case KindHandshakeInit, KindHandshakeResponse, KindTransportData, KindKeepAlive, KindError:
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind 0x%02x", ErrMalformedFrame, buf[1])
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	sessionID := binary.BigEndian.Uint32(buf[4:8])
	if len(buf)-HeaderSize != length {
		return Frame{}, fmt.Errorf("%w: declared length %d, got %d", ErrMalformedFrame, length, len(buf)-HeaderSize)
	}
	if length < minPayloadLen(kind) {
		return Frame{}, fmt.Errorf("%w: %s payload too short (%d bytes)", ErrMalformedFrame, kind, length)
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:])
	return Frame{Kind: kind, SessionID: sessionID, Payload: payload}, nil
}
