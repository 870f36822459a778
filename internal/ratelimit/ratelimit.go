// Package ratelimit provides the token-bucket primitive the session
// supervisor and data-plane pump use to bound two things: how often the
// server starts a new handshake attempt sequence (§4.7) and AEAD decrypt
// failures in steady state (§4.6.4's PossibleAttack threshold).
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a generic token bucket: it refills at rate tokens per minute
// up to burst, and Allow consumes one token per call. Both the
// supervisor's handshake-attempt limiter and the dataplane's decrypt-
// failure detector are built on the same mechanic.
type Bucket struct {
	mu sync.Mutex

	rate       int
	burst      int
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a bucket starting full (burst tokens available).
func NewBucket(ratePerMinute, burst int) *Bucket {
	return &Bucket{
		rate:       ratePerMinute,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Allow refills the bucket for elapsed time, then consumes one token if
// available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	b.tokens += float64(b.rate) * elapsed.Minutes()
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
	b.lastRefill = now

	if b.tokens < 1.0 {
		return false
	}
	b.tokens -= 1.0
	return true
}

// Tokens reports the current token count, for management snapshots.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Update changes the bucket's rate and burst, clamping any excess tokens.
func (b *Bucket) Update(ratePerMinute, burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ratePerMinute > 0 {
		b.rate = ratePerMinute
	}
	if burst > 0 {
		b.burst = burst
	}
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}
}

// FailureDetector implements §4.6.4's PossibleAttack policy: it counts
// AEAD decrypt failures (authentication failures only; the data plane
// does not record replay rejections here) in a rolling rate and reports when that rate crosses a threshold, without
// itself deciding what the supervisor does about it (log, rehandshake,
// or ignore are all supervisor policy).
type FailureDetector struct {
	bucket    *Bucket
	threshold int

	mu      sync.Mutex
	streak  int
	flagged bool
}

// NewFailureDetector builds a detector that trips PossibleAttack once
// streak consecutive RecordFailure calls have found the bucket empty,
// i.e. failures are arriving faster than ratePerMinute allows.
func NewFailureDetector(ratePerMinute, burst, streak int) *FailureDetector {
	if streak <= 0 {
		streak = 1
	}
	return &FailureDetector{
		bucket:    NewBucket(ratePerMinute, burst),
		threshold: streak,
	}
}

// RecordFailure registers one decrypt failure and reports whether the
// failure rate has crossed the PossibleAttack threshold.
func (d *FailureDetector) RecordFailure() (possibleAttack bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bucket.Allow() {
		d.streak = 0
		return false
	}
	d.streak++
	if d.streak >= d.threshold {
		d.flagged = true
	}
	return d.flagged
}

// Reset clears the detector after the supervisor has acted on a
// PossibleAttack signal (e.g. forced a rehandshake).
func (d *FailureDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streak = 0
	d.flagged = false
}

// Flagged reports whether the detector is currently signalling an
// attack, without consuming a token.
func (d *FailureDetector) Flagged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flagged
}
