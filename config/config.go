// Package config loads KScope's plain-text key=value configuration and
// the three-line base64 key file format described in §6. Parsing lives
// here, outside the secure channel core, but both the client and server
// front ends depend on it to build a runnable tunnel.
package config

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/kscope-vpn/kscope/crypto"
)

// Mode selects which side of the tunnel a process runs as.
type Mode string

const (
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// DefaultMTU and DefaultTunName match §6's stated defaults.
const (
	DefaultMTU     = 1400
	DefaultTunName = "kscope0"
)

// Config holds one side's validated configuration. Client and server
// share every field except ServerAddr/ListenAddr; both are kept on one
// struct the way the teacher's config.go does, rather than as two
// unrelated types, so Load can dispatch on Mode alone.
type Config struct {
	Mode Mode

	// ServerAddr is the client's dial target ("host:port").
	ServerAddr string
	// ListenAddr is the server's bind address ("host:port" or ":port").
	ListenAddr string

	PrivateKeyPath    string
	PeerPublicKeyPath string
	PSKPath           string

	TunName   string
	TunIPCIDR string
	MTU       int
	Routes    []string

	// LogLevel and ManagementBind configure the ambient stack around the
	// core (§A of the expanded spec); neither is part of the secure
	// channel itself. ManagementBind defaults to loopback-only when
	// unset, matching internal/management.New's own default.
	LogLevel       string
	ManagementBind string

	// Keys holds the material decoded from the three key file paths
	// above. Populated by Load, not parsed from the key=value file
	// itself.
	Keys KeyMaterial
}

// KeyMaterial is the decoded contents of the three key files §6
// requires: a private key, the peer's public key, and a pre-shared key,
// each exactly 32 bytes.
type KeyMaterial struct {
	Private    [crypto.KeySize]byte
	PeerPublic [crypto.KeySize]byte
	PSK        [crypto.KeySize]byte
}

// Load reads the key=value configuration file at path, validates it
// against the required field set for its mode, and loads the key
// material it references.
func Load(path string) (*Config, error) {
	raw, err := parseKeyValueFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		Mode:              Mode(raw["mode"]),
		ServerAddr:        raw["server_addr"],
		ListenAddr:        raw["listen_addr"],
		PrivateKeyPath:    raw["private_key_path"],
		PeerPublicKeyPath: raw["peer_public_key_path"],
		PSKPath:           raw["psk_path"],
		TunName:           raw["tun_name"],
		TunIPCIDR:         raw["tun_ip_cidr"],
		LogLevel:          raw["log_level"],
		ManagementBind:    raw["management_bind"],
	}

	if cfg.TunName == "" {
		cfg.TunName = DefaultTunName
	}
	cfg.MTU = DefaultMTU
	if v, ok := raw["mtu"]; ok {
		mtu, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid mtu %q: %w", v, err)
		}
		cfg.MTU = mtu
	}
	if v, ok := raw["routes"]; ok && v != "" {
		for _, r := range strings.Split(v, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				cfg.Routes = append(cfg.Routes, r)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	keys, err := loadKeyMaterial(cfg.PrivateKeyPath, cfg.PeerPublicKeyPath, cfg.PSKPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Keys = keys

	return cfg, nil
}

// NormalisedLevel returns LogLevel with the §6 default of "info" applied,
// for internal/logging.ParseLevel.
func (c *Config) NormalisedLevel() string {
	if c.LogLevel == "" {
		return "info"
	}
	return c.LogLevel
}

// validate enforces the required-field set from §6, split by mode.
func (c *Config) validate() error {
	switch c.Mode {
	case ModeClient:
		if c.ServerAddr == "" {
			return fmt.Errorf("config: client requires server_addr")
		}
	case ModeServer:
		if c.ListenAddr == "" {
			return fmt.Errorf("config: server requires listen_addr")
		}
	case "":
		return fmt.Errorf("config: missing mode (client or server)")
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}

	if c.PrivateKeyPath == "" {
		return fmt.Errorf("config: missing private_key_path")
	}
	if c.PeerPublicKeyPath == "" {
		return fmt.Errorf("config: missing peer_public_key_path")
	}
	if c.PSKPath == "" {
		return fmt.Errorf("config: missing psk_path")
	}
	if c.TunIPCIDR == "" {
		return fmt.Errorf("config: missing tun_ip_cidr")
	}
	if _, err := netip.ParsePrefix(c.TunIPCIDR); err != nil {
		return fmt.Errorf("config: invalid tun_ip_cidr %q: %w", c.TunIPCIDR, err)
	}
	if c.MTU <= 0 {
		return fmt.Errorf("config: mtu must be positive, got %d", c.MTU)
	}
	for _, r := range c.Routes {
		if _, err := netip.ParsePrefix(r); err != nil {
			return fmt.Errorf("config: invalid route %q: %w", r, err)
		}
	}

	return nil
}

// RouteSet parses Routes into netip.Prefix values for netconfig.
func (c *Config) RouteSet() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.Routes))
	for _, r := range c.Routes {
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// parseKeyValueFile reads a minimal key=value-per-line text file,
// skipping blank lines and lines starting with '#'.
func parseKeyValueFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", lineNo, line)
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return values, nil
}

// loadKeyMaterial reads and decodes the three key files §6 defines.
func loadKeyMaterial(privatePath, peerPublicPath, pskPath string) (KeyMaterial, error) {
	var km KeyMaterial

	private, err := readKeyFileField(privatePath, "PRIVATE")
	if err != nil {
		return km, fmt.Errorf("private key file: %w", err)
	}
	km.Private = private

	peerPublic, err := readKeyFileField(peerPublicPath, "PEER_PUBLIC")
	if err != nil {
		return km, fmt.Errorf("peer public key file: %w", err)
	}
	km.PeerPublic = peerPublic

	psk, err := readKeyFileField(pskPath, "PSK")
	if err != nil {
		return km, fmt.Errorf("psk file: %w", err)
	}
	km.PSK = psk

	return km, nil
}

// readKeyFileField opens a key file and extracts the named field,
// decoding its base64 value to exactly crypto.KeySize bytes. The three
// key files may each contain all three lines (PRIVATE=/PEER_PUBLIC=/PSK=)
// or just the one field being requested; either is accepted.
func readKeyFileField(path, field string) ([crypto.KeySize]byte, error) {
	var out [crypto.KeySize]byte

	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) != field {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return out, fmt.Errorf("%s: invalid base64: %w", field, err)
		}
		if len(decoded) != crypto.KeySize {
			return out, fmt.Errorf("%s: decoded to %d bytes, want %d", field, len(decoded), crypto.KeySize)
		}
		copy(out[:], decoded)
		return out, nil
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, fmt.Errorf("%s: field not found in %s", field, path)
}

// WriteKeyFile writes a three-line key file in §6's format
// (PRIVATE=/PEER_PUBLIC=/PSK=). The -genkey command line path does not
// call it; it prints the generated values to stdout instead.
func WriteKeyFile(path string, private, peerPublic, psk [crypto.KeySize]byte) error {
	content := fmt.Sprintf(
		"PRIVATE=%s\nPEER_PUBLIC=%s\nPSK=%s\n",
		base64.StdEncoding.EncodeToString(private[:]),
		base64.StdEncoding.EncodeToString(peerPublic[:]),
		base64.StdEncoding.EncodeToString(psk[:]),
	)
	return os.WriteFile(path, []byte(content), 0o600)
}
