package ratelimit

import (
	"math"
	"time"
)

// MaxRetryAfter caps retry-after projections; also returned when a request
// can never succeed (cost above capacity, or zero refill with an empty bucket).
const MaxRetryAfter = 365 * 24 * time.Hour

// Params configures one bucket. Every caller supplies its own params, so the
// same store can back buckets of different shape.
type Params struct {
	Capacity      float64
	RefillPerSec  float64
	TTL           time.Duration
	InitialTokens float64
}

// State is the persisted bucket record.
type State struct {
	Tokens    float64
	UpdatedAt int64 // unix ms
	ExpiresAt int64 // unix ms
}

// Decision is the outcome of one TryConsume call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration // zero when allowed
	ResetAt    time.Time     // when the bucket is projected to be full again
}

// apply runs the refill-and-consume step. Pure; the store guarantees mutual
// exclusion per key around it. Returns the state to persist and the decision.
func apply(prev *State, p Params, cost float64, nowMs int64) (State, Decision) {
	tokens := p.InitialTokens
	updatedAt := nowMs
	if prev != nil && nowMs <= prev.ExpiresAt {
		tokens = prev.Tokens
		updatedAt = prev.UpdatedAt
	}

	elapsedMs := nowMs - updatedAt
	if elapsedMs > 0 && p.RefillPerSec > 0 {
		tokens += float64(elapsedMs) / 1000 * p.RefillPerSec
	}
	if tokens > p.Capacity {
		tokens = p.Capacity
	}

	var d Decision
	switch {
	case cost > p.Capacity:
		d.Allowed = false
		d.RetryAfter = MaxRetryAfter
	case tokens >= cost:
		d.Allowed = true
		tokens -= cost
	default:
		d.Allowed = false
		d.RetryAfter = retryAfter(cost-tokens, p.RefillPerSec)
	}

	d.Remaining = int64(math.Floor(tokens))
	d.ResetAt = resetAt(tokens, p, nowMs)

	next := State{
		Tokens:    tokens,
		UpdatedAt: nowMs,
		ExpiresAt: nowMs + p.TTL.Milliseconds(),
	}
	return next, d
}

func retryAfter(deficit, refillPerSec float64) time.Duration {
	if refillPerSec <= 0 {
		return MaxRetryAfter
	}
	sec := math.Ceil(deficit / refillPerSec)
	if sec < 1 {
		sec = 1
	}
	if d := time.Duration(sec) * time.Second; d < MaxRetryAfter {
		return d
	}
	return MaxRetryAfter
}

func resetAt(tokens float64, p Params, nowMs int64) time.Time {
	if p.RefillPerSec <= 0 {
		return time.UnixMilli(nowMs).Add(MaxRetryAfter)
	}
	sec := math.Ceil((p.Capacity - tokens) / p.RefillPerSec)
	if sec < 0 {
		sec = 0
	}
	return time.UnixMilli(nowMs + int64(sec)*1000)
}
