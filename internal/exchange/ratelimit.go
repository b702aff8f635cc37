// ratelimit.go implements client-side token-bucket rate limiting for the
// spot REST API.
//
// The venue enforces request-count and request-weight allowances per second,
// minute, and day. Six buckets cover the cross product; a call may proceed
// only when all six can debit at once (request buckets debit 1, weight
// buckets debit the endpoint weight). Buckets refill continuously rather
// than in window bursts, which keeps bursts inside the hard limits.
//
// Capacities start from the documented defaults and are replaced at runtime
// with whatever GET /api/v3/exchangeInfo reports.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-trader/pkg/errs"
	"binance-trader/pkg/types"
)

// tokenBucket is a single continuously refilling bucket. Callers hold the
// RateLimiter lock; the bucket itself is not safe for concurrent use.
type tokenBucket struct {
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

func newTokenBucket(capacity int, window time.Duration, now time.Time) *tokenBucket {
	c := float64(capacity)
	return &tokenBucket{
		tokens:   c,
		capacity: c,
		rate:     c / window.Seconds(),
		lastTime: now,
	}
}

// refill advances the bucket to now, capping at capacity.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.lastTime = now
}

// waitFor returns how long until need tokens will be available, assuming
// the bucket was just refilled. Zero means the demand is satisfiable now.
func (tb *tokenBucket) waitFor(need float64) time.Duration {
	if tb.tokens >= need {
		return 0
	}
	return time.Duration((need - tb.tokens) / tb.rate * float64(time.Second))
}

// RateLimiter gates every REST call behind six token buckets:
// (requests, weight) x (second, minute, day).
type RateLimiter struct {
	// acquireMu serializes blocking Acquire callers so they drain in
	// arrival order instead of racing each other on wakeup.
	acquireMu sync.Mutex

	mu       sync.Mutex
	quota    types.RateQuota
	requests [3]*tokenBucket // second, minute, day
	weights  [3]*tokenBucket
}

var bucketWindows = [3]time.Duration{time.Second, time.Minute, 24 * time.Hour}

// NewRateLimiter creates a limiter sized to the given quota.
func NewRateLimiter(q types.RateQuota) *RateLimiter {
	rl := &RateLimiter{}
	rl.reset(q, time.Now())
	return rl
}

func (rl *RateLimiter) reset(q types.RateQuota, now time.Time) {
	rl.quota = q
	reqCaps := [3]int{q.RequestsPerSec, q.RequestsPerMin, q.RequestsPerDay}
	wCaps := [3]int{q.WeightPerSec, q.WeightPerMin, q.WeightPerDay}
	for i := range bucketWindows {
		rl.requests[i] = newTokenBucket(reqCaps[i], bucketWindows[i], now)
		rl.weights[i] = newTokenBucket(wCaps[i], bucketWindows[i], now)
	}
}

// demand pairs each bucket with what one call of the given weight costs it.
type demand struct {
	b    *tokenBucket
	need float64
}

func (rl *RateLimiter) demands(weight float64) [6]demand {
	return [6]demand{
		{rl.requests[0], 1}, {rl.requests[1], 1}, {rl.requests[2], 1},
		{rl.weights[0], weight}, {rl.weights[1], weight}, {rl.weights[2], weight},
	}
}

// Acquire blocks until one request of the given weight fits all six
// buckets, then debits them atomically. Callers are served in FIFO order.
// Returns ctx.Err() if the context ends while waiting, and a validation
// error for weights that can never fit.
func (rl *RateLimiter) Acquire(ctx context.Context, weight int) error {
	if weight < 1 {
		weight = 1
	}

	rl.acquireMu.Lock()
	defer rl.acquireMu.Unlock()

	for {
		rl.mu.Lock()
		now := time.Now()
		var wait time.Duration
		feasible := true
		for _, d := range rl.demands(float64(weight)) {
			d.b.refill(now)
			if d.need > d.b.capacity {
				feasible = false
				continue
			}
			if w := d.b.waitFor(d.need); w > wait {
				wait = w
			}
		}
		if !feasible {
			rl.mu.Unlock()
			return fmt.Errorf("request weight %d exceeds bucket capacity: %w", weight, errs.ErrValidation)
		}
		if wait == 0 {
			rl.debitLocked(float64(weight))
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// re-check; quota may have changed while sleeping
		}
	}
}

// TryAcquire debits all six buckets if the request fits right now. On
// failure nothing is debited.
func (rl *RateLimiter) TryAcquire(weight int) bool {
	if weight < 1 {
		weight = 1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	ds := rl.demands(float64(weight))
	for _, d := range ds {
		d.b.refill(now)
	}
	for _, d := range ds {
		if d.b.tokens < d.need {
			return false
		}
	}
	rl.debitLocked(float64(weight))
	return true
}

func (rl *RateLimiter) debitLocked(weight float64) {
	for _, d := range rl.demands(weight) {
		d.b.tokens -= d.need
	}
}

// UpdateQuota swaps in new capacities and refill rates. Tokens already
// spent stay spent: each bucket keeps its current count clamped to the new
// capacity, so a stricter quota takes effect immediately.
func (rl *RateLimiter) UpdateQuota(q types.RateQuota) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	old := struct{ requests, weights [3]float64 }{}
	for i := range bucketWindows {
		rl.requests[i].refill(now)
		rl.weights[i].refill(now)
		old.requests[i] = rl.requests[i].tokens
		old.weights[i] = rl.weights[i].tokens
	}

	rl.reset(q, now)
	for i := range bucketWindows {
		if old.requests[i] < rl.requests[i].tokens {
			rl.requests[i].tokens = old.requests[i]
		}
		if old.weights[i] < rl.weights[i].tokens {
			rl.weights[i].tokens = old.weights[i]
		}
	}
}

// Quota returns the quota currently in force.
func (rl *RateLimiter) Quota() types.RateQuota {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.quota
}

// LimiterStats is a point-in-time view of available budget, for status
// reporting.
type LimiterStats struct {
	Quota       types.RateQuota
	RequestsSec float64
	RequestsMin float64
	RequestsDay float64
	WeightSec   float64
	WeightMin   float64
	WeightDay   float64
}

// Stats reports the tokens available in each bucket right now.
func (rl *RateLimiter) Stats() LimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for _, d := range rl.demands(0) {
		d.b.refill(now)
	}
	return LimiterStats{
		Quota:       rl.quota,
		RequestsSec: rl.requests[0].tokens,
		RequestsMin: rl.requests[1].tokens,
		RequestsDay: rl.requests[2].tokens,
		WeightSec:   rl.weights[0].tokens,
		WeightMin:   rl.weights[1].tokens,
		WeightDay:   rl.weights[2].tokens,
	}
}
