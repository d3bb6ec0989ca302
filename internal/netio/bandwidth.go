package netio

import (
	"time"

	"golang.org/x/time/rate"
)

// Priority is a send priority class (spec §4.4.7): Ack > Urgent > High
// > Default > Low.
type Priority int

const (
	PriorityAck Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityDefault
	PriorityLow

	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityAck:
		return "Ack"
	case PriorityUrgent:
		return "Urgent"
	case PriorityHigh:
		return "High"
	case PriorityDefault:
		return "Default"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}

// BandwidthLimiterProvider is the pluggable per-connection budget
// check described in spec §4.4.7.
type BandwidthLimiterProvider interface {
	// CanSend reports whether n bytes may be sent in priority class p
	// right now.
	CanSend(p Priority, n int) bool
	// Reserve commits n bytes of budget in class p; callers that
	// decided to send after a successful CanSend call Reserve.
	Reserve(p Priority, n int)
	// Return gives back a reservation that was never actually sent
	// (e.g. the packet was dropped for an unrelated reason).
	Return(p Priority, n int)
	// Tick is called once per scheduling cycle to let the provider
	// replenish its budget.
	Tick()
}

// ClassWeight configures one priority class's token bucket.
type ClassWeight struct {
	BytesPerSecond int
	BurstBytes     int
}

// TokenBucketLimiter is the default BandwidthLimiterProvider: one
// golang.org/x/time/rate.Limiter per priority class, weighted per
// spec §4.4.7's stated priority ordering (weights are supplied by
// config, never hard-coded, per spec §9's open-question resolution).
type TokenBucketLimiter struct {
	limiters [priorityCount]*rate.Limiter
}

// NewTokenBucketLimiter builds a limiter from one ClassWeight per
// Priority (indexed by Priority value).
func NewTokenBucketLimiter(weights [priorityCount]ClassWeight) *TokenBucketLimiter {
	var l TokenBucketLimiter
	for i, w := range weights {
		if w.BytesPerSecond <= 0 {
			// An unconfigured class (the zero value) is left unlimited
			// rather than throttled to a trickle: operators opt a class
			// into a budget by giving it a ClassWeight, not out of one
			// by omission.
			l.limiters[i] = rate.NewLimiter(rate.Inf, 0)
			continue
		}
		burst := w.BurstBytes
		if burst <= 0 {
			burst = w.BytesPerSecond
		}
		l.limiters[i] = rate.NewLimiter(rate.Limit(w.BytesPerSecond), burst)
	}
	return &l
}

func (l *TokenBucketLimiter) CanSend(p Priority, n int) bool {
	return l.limiters[p].AllowN(time.Now(), n)
}

func (l *TokenBucketLimiter) Reserve(p Priority, n int) {
	// AllowN in CanSend already deducted the tokens; Reserve is a
	// no-op for the token-bucket implementation, kept to satisfy the
	// pluggable interface for providers that separate the two steps.
}

func (l *TokenBucketLimiter) Return(p Priority, n int) {
	// golang.org/x/time/rate has no supported way to credit tokens
	// back into a Limiter once spent; an unsent reservation is simply
	// absorbed into the next refill interval rather than replayed
	// immediately. Providers needing exact give-back semantics should
	// implement their own bucket instead of wrapping rate.Limiter.
}

func (l *TokenBucketLimiter) Tick() {
	// golang.org/x/time/rate limiters replenish continuously based on
	// wall-clock time; no explicit per-tick action is needed.
}
