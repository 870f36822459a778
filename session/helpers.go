package session

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"

	"github.com/kscope-vpn/kscope/internal/netconfig"
)

// netipMustParse parses a CIDR string already validated by config.Load.
func netipMustParse(cidr string) (netip.Prefix, error) {
	return netip.ParsePrefix(cidr)
}

// configureHostNetwork assigns the tunnel address and routes to the
// named interface via the platform netconfig helper.
func configureHostNetwork(ifname string, addr netip.Prefix, routes []netip.Prefix) error {
	return netconfig.ConfigureTUN(ifname, addr, routes)
}

// newSessionID generates a random outer-frame session identifier,
// distinguishing this transport session's frames from any other
// attempt's on the wire.
func newSessionID() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
