package audit

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestLoggerRecordsRecentEvents(t *testing.T) {
	logger, err := New(Config{OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	if err := logger.HandshakeComplete("peer-a", "10.0.0.1:51820"); err != nil {
		t.Fatalf("handshake complete: %v", err)
	}
	if err := logger.HandshakeFailed("10.0.0.2:51820", 2, errKnown); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err := logger.PossibleAttack("10.0.0.2:51820", 12); err != nil {
		t.Fatalf("possible attack: %v", err)
	}

	recent := logger.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent events, got %d", len(recent))
	}
	if recent[0].EventType != EventHandshakeComplete {
		t.Fatalf("expected first event handshake_complete, got %s", recent[0].EventType)
	}
	if recent[2].EventType != EventPossibleAttack {
		t.Fatalf("expected last event possible_attack, got %s", recent[2].EventType)
	}
}

func TestLoggerRecentBounded(t *testing.T) {
	logger, err := New(Config{OutputPath: "stdout", BufferSize: 2})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := logger.Rekey("peer-a"); err != nil {
			t.Fatalf("rekey: %v", err)
		}
	}
	if got := logger.Recent(10); len(got) != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", len(got))
	}
}

func TestLoggerFileOutputAndRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	logger, err := New(Config{OutputPath: path, RotateSize: 1})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	if err := logger.Teardown("peer-a", "idle timeout"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := logger.Teardown("peer-a", "fatal device error"); err != nil {
		t.Fatalf("teardown: %v", err)
	}

	if err := logger.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestEventMarshalsExpectedFields(t *testing.T) {
	var buf bytes.Buffer
	evt := Event{
		EventType: EventRekey,
		Level:     LevelInfo,
		Peer:      "peer-a",
		Message:   "transport session rekeyed",
	}
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(evt); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event_type"] != string(EventRekey) {
		t.Fatalf("event_type = %v, want %s", decoded["event_type"], EventRekey)
	}
}

type staticError string

func (e staticError) Error() string { return string(e) }

const errKnown = staticError("handshake timed out")
