package ratelimit

import "testing"

func TestBucketUpdate(t *testing.T) {
	bucket := NewBucket(10, 2)
	if !bucket.Allow() {
		t.Fatalf("expected allow")
	}
	bucket.Update(1, 1)
	if tokens := bucket.Tokens(); tokens > 1 {
		t.Fatalf("tokens not clamped: %f", tokens)
	}
}

func TestFailureDetectorTripsAfterStreak(t *testing.T) {
	// A zero-rate, zero-burst bucket starts empty and never refills, so
	// every RecordFailure call, the first included, finds it empty.
	detector := NewFailureDetector(0, 0, 3)
	if detector.RecordFailure() {
		t.Fatalf("should not flag on first failure")
	}
	if detector.RecordFailure() {
		t.Fatalf("should not flag on second failure")
	}
	if !detector.RecordFailure() {
		t.Fatalf("expected PossibleAttack after threshold streak")
	}
	if !detector.Flagged() {
		t.Fatalf("expected detector to remain flagged")
	}
	detector.Reset()
	if detector.Flagged() {
		t.Fatalf("expected reset to clear flag")
	}
}
