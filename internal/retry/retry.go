// Package retry computes bounded exponential backoff with deterministic
// jitter. Jitter comes from a hash of the seed and attempt number rather than
// an RNG so the same inputs always produce the same delay.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

const maxShift = 10

// Delay returns the backoff before the next attempt. Attempts start at 1.
// A zero base disables backoff entirely.
func Delay(baseMS, jitterMS uint64, attempt int, seed string) time.Duration {
	if baseMS == 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}
	delay := baseMS << shift
	if jitterMS > 0 {
		delay += jitterFor(seed, attempt) % (jitterMS + 1)
	}
	return time.Duration(delay) * time.Millisecond
}

// Sleep blocks for the computed delay, returning early if ctx is cancelled.
func Sleep(ctx context.Context, baseMS, jitterMS uint64, attempt int, seed string) error {
	delay := Delay(baseMS, jitterMS, attempt, seed)
	if delay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func jitterFor(seed string, attempt int) uint64 {
	hasher := sha256.New()
	hasher.Write([]byte(seed))
	var attemptBytes [8]byte
	binary.LittleEndian.PutUint64(attemptBytes[:], uint64(attempt))
	hasher.Write(attemptBytes[:])
	digest := hasher.Sum(nil)
	return binary.LittleEndian.Uint64(digest[:8])
}
