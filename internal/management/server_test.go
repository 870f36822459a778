package management

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kscope-vpn/kscope/internal/logging"
)

func TestServerMetrics(t *testing.T) {
	logger := logging.New(logging.LevelError, io.Discard)
	srv, err := New(
		"127.0.0.1:0",
		func() interface{} { return map[string]int{"value": 1} },
		logger,
		WithMetrics(func() map[string]float64 {
			return map[string]float64{"stp_test_metric": 42}
		}),
		WithACL([]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	defer srv.Close(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, "stp_test_metric") {
		t.Fatalf("metrics output missing expected metric: %s", body)
	}
}

func TestServerBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}
	logger := logging.New(logging.LevelError, io.Discard)
	srv, err := New(
		"127.0.0.1:0",
		func() interface{} { return map[string]int{"value": 1} },
		logger,
		WithBasicAuth("admin", hash),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	defer srv.Close(context.Background())
	time.Sleep(50 * time.Millisecond)

	req, _ := http.NewRequest(http.MethodGet, "http://"+srv.Addr()+"/state", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET state without credentials: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req.SetBasicAuth("admin", "correct-horse")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET state with credentials: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp.StatusCode)
	}
}

func TestServerACL(t *testing.T) {
	s := &Server{}
	allowPrefixes := []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
	s.SetACL(allowPrefixes)

	if !s.allowed("127.0.0.1:1234") {
		t.Fatalf("expected request from loopback to be allowed")
	}
	if s.allowed("203.0.113.1:8080") {
		t.Fatalf("expected request outside ACL to be rejected")
	}
}
