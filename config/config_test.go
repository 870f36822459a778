package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/kscope-vpn/kscope/crypto"
)

func writeKeyFiles(t *testing.T, dir string) (privPath, peerPath, pskPath string) {
	t.Helper()
	var priv, peer, psk [crypto.KeySize]byte
	for i := range priv {
		priv[i] = byte(i)
		peer[i] = byte(255 - i)
		psk[i] = byte(i * 3)
	}

	privPath = filepath.Join(dir, "private.key")
	peerPath = filepath.Join(dir, "peer.key")
	pskPath = filepath.Join(dir, "psk.key")

	write := func(path, field string, key [crypto.KeySize]byte) {
		content := field + "=" + base64.StdEncoding.EncodeToString(key[:]) + "\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	write(privPath, "PRIVATE", priv)
	write(peerPath, "PEER_PUBLIC", peer)
	write(pskPath, "PSK", psk)
	return privPath, peerPath, pskPath
}

func TestLoadClientConfig(t *testing.T) {
	dir := t.TempDir()
	privPath, peerPath, pskPath := writeKeyFiles(t, dir)

	configPath := filepath.Join(dir, "client.conf")
	content := "mode=client\n" +
		"server_addr=198.51.100.1:51820\n" +
		"private_key_path=" + privPath + "\n" +
		"peer_public_key_path=" + peerPath + "\n" +
		"psk_path=" + pskPath + "\n" +
		"tun_name=kscope0\n" +
		"tun_ip_cidr=10.88.0.2/24\n" +
		"mtu=1400\n" +
		"routes=10.88.0.0/24,192.0.2.0/24\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeClient {
		t.Fatalf("mode = %s, want client", cfg.Mode)
	}
	if cfg.ServerAddr != "198.51.100.1:51820" {
		t.Fatalf("server_addr = %s", cfg.ServerAddr)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.Routes))
	}
	if cfg.Keys.Private[0] != 0 || cfg.Keys.PeerPublic[0] != 255 {
		t.Fatalf("key material not decoded correctly: %v %v", cfg.Keys.Private[:4], cfg.Keys.PeerPublic[:4])
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	privPath, peerPath, pskPath := writeKeyFiles(t, dir)

	configPath := filepath.Join(dir, "server.conf")
	content := "mode=server\n" +
		"listen_addr=0.0.0.0:51820\n" +
		"private_key_path=" + privPath + "\n" +
		"peer_public_key_path=" + peerPath + "\n" +
		"psk_path=" + pskPath + "\n" +
		"tun_ip_cidr=10.88.0.1/24\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MTU != DefaultMTU {
		t.Fatalf("mtu = %d, want default %d", cfg.MTU, DefaultMTU)
	}
	if cfg.TunName != DefaultTunName {
		t.Fatalf("tun_name = %s, want default %s", cfg.TunName, DefaultTunName)
	}
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	privPath, peerPath, pskPath := writeKeyFiles(t, dir)

	configPath := filepath.Join(dir, "bad.conf")
	content := "mode=client\n" +
		"private_key_path=" + privPath + "\n" +
		"peer_public_key_path=" + peerPath + "\n" +
		"psk_path=" + pskPath + "\n" +
		"tun_ip_cidr=10.88.0.2/24\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatalf("expected error for missing server_addr")
	}
}

func TestLoadRejectsBadKeyLength(t *testing.T) {
	dir := t.TempDir()
	badPriv := filepath.Join(dir, "short.key")
	if err := os.WriteFile(badPriv, []byte("PRIVATE="+base64.StdEncoding.EncodeToString([]byte("tooshort"))+"\n"), 0o600); err != nil {
		t.Fatalf("write bad key: %v", err)
	}
	_, peerPath, pskPath := writeKeyFiles(t, dir)

	configPath := filepath.Join(dir, "client.conf")
	content := "mode=client\n" +
		"server_addr=198.51.100.1:51820\n" +
		"private_key_path=" + badPriv + "\n" +
		"peer_public_key_path=" + peerPath + "\n" +
		"psk_path=" + pskPath + "\n" +
		"tun_ip_cidr=10.88.0.2/24\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatalf("expected error for undersized key")
	}
}

func TestRouteSet(t *testing.T) {
	cfg := &Config{Routes: []string{"10.0.0.0/8", "192.168.0.0/16"}}
	prefixes, err := cfg.RouteSet()
	if err != nil {
		t.Fatalf("route set: %v", err)
	}
	if len(prefixes) != 2 {
		t.Fatalf("expected 2 prefixes, got %d", len(prefixes))
	}
}

func TestWriteKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "generated.key")

	var priv, peer, psk [crypto.KeySize]byte
	priv[0] = 1
	peer[0] = 2
	psk[0] = 3

	if err := WriteKeyFile(path, priv, peer, psk); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	got, err := readKeyFileField(path, "PRIVATE")
	if err != nil {
		t.Fatalf("read back private: %v", err)
	}
	if got != priv {
		t.Fatalf("private key mismatch after round trip")
	}
}
