package timers

import (
	"testing"
	"time"
)

func TestHandshakeBudgetExhausts(t *testing.T) {
	budget := NewHandshakeBudget(time.Second, 3)
	for i := 0; i < 3; i++ {
		if _, ok := budget.Attempt(); !ok {
			t.Fatalf("attempt %d should be permitted", i)
		}
	}
	if _, ok := budget.Attempt(); ok {
		t.Fatalf("expected budget exhausted after 3 attempts")
	}
	if !budget.Exhausted() {
		t.Fatalf("expected Exhausted() true")
	}
}

func TestLivenessKeepAliveAndDeadPeer(t *testing.T) {
	l := NewLiveness(10*time.Millisecond, 20*time.Millisecond)
	if l.ShouldSendKeepAlive() {
		t.Fatalf("should not need keepalive immediately after construction")
	}
	time.Sleep(15 * time.Millisecond)
	if !l.ShouldSendKeepAlive() {
		t.Fatalf("expected keepalive due after idle threshold")
	}
	if l.IsDead() {
		t.Fatalf("should not be dead before dead-peer timeout")
	}
	time.Sleep(10 * time.Millisecond)
	if !l.IsDead() {
		t.Fatalf("expected dead after no inbound traffic past timeout")
	}
	l.TouchReceive()
	if l.IsDead() {
		t.Fatalf("expected alive immediately after TouchReceive")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 50*time.Millisecond)
	if d := b.Next(); d != 10*time.Millisecond {
		t.Fatalf("first backoff = %v, want 10ms", d)
	}
	if d := b.Next(); d != 20*time.Millisecond {
		t.Fatalf("second backoff = %v, want 20ms", d)
	}
	if d := b.Next(); d != 40*time.Millisecond {
		t.Fatalf("third backoff = %v, want 40ms", d)
	}
	if d := b.Next(); d != 50*time.Millisecond {
		t.Fatalf("fourth backoff = %v, want capped 50ms", d)
	}
	b.Reset()
	if d := b.Next(); d != 10*time.Millisecond {
		t.Fatalf("after reset = %v, want 10ms", d)
	}
}
