// Package throttle bounds pressure on upstream APIs: a concurrency cap, a
// requests-per-minute and tokens-per-minute budget, and exponential-backoff
// retries for transient failures. All waits are cancellable through context.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Policy holds the limits for one upstream endpoint. Zero values disable the
// corresponding limit.
type Policy struct {
	MaxInFlight int
	RPM         int
	TPM         int

	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// maxBucketWait bounds a single sleep inside the bucket wait loop so a
// reconciled refund on another goroutine can shorten the wait.
const maxBucketWait = 5 * time.Second

// bucket is a token bucket refilled continuously at capacity/60s.
type bucket struct {
	capacity  float64
	refillPS  float64
	available float64
	last      time.Time
}

func newBucket(perMinute int, now time.Time) bucket {
	cap := float64(perMinute)
	if cap < 0 {
		cap = 0
	}
	return bucket{
		capacity:  cap,
		refillPS:  cap / 60.0,
		available: cap,
		last:      now,
	}
}

func (b *bucket) refill(now time.Time) {
	if b.capacity <= 0 {
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt > 0 {
		b.available = min(b.capacity, b.available+dt*b.refillPS)
	}
	b.last = now
}

// waitFor returns how long until need tokens are available, zero if now.
func (b *bucket) waitFor(need float64) time.Duration {
	if b.capacity <= 0 || b.available >= need || b.refillPS <= 0 {
		return 0
	}
	return time.Duration((need - b.available) / b.refillPS * float64(time.Second))
}

// Limiter enforces one Policy. Safe for concurrent use.
type Limiter struct {
	name   string
	policy Policy
	log    *zap.Logger

	sem      *semaphore.Weighted
	inFlight atomic.Int64

	mu  sync.Mutex
	req bucket
	tok bucket

	now func() time.Time
}

// NewLimiter builds a limiter for the named upstream.
func NewLimiter(name string, policy Policy, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	now := time.Now()
	l := &Limiter{
		name:   name,
		policy: policy,
		log:    log.With(zap.String("limiter", name)),
		req:    newBucket(policy.RPM, now),
		tok:    newBucket(policy.TPM, now),
		now:    time.Now,
	}
	if policy.MaxInFlight > 0 {
		l.sem = semaphore.NewWeighted(int64(policy.MaxInFlight))
	}
	return l
}

// InFlight reports the number of calls currently holding a concurrency slot.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Acquire blocks until a concurrency slot, an RPM token and estTokens TPM
// tokens are all held, or ctx is done. On success the caller must call the
// returned release exactly once, passing the actual token usage (or the
// estimate again when unknown).
func (l *Limiter) Acquire(ctx context.Context, estTokens int) (release func(usedTokens int), err error) {
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%s: acquire slot: %w", l.name, err)
		}
	}
	l.inFlight.Inc()

	if err := l.waitBudget(ctx, estTokens); err != nil {
		l.releaseSlot()
		return nil, err
	}

	var once sync.Once
	return func(usedTokens int) {
		once.Do(func() {
			l.reconcile(estTokens, usedTokens)
			l.releaseSlot()
		})
	}, nil
}

func (l *Limiter) releaseSlot() {
	l.inFlight.Dec()
	if l.sem != nil {
		l.sem.Release(1)
	}
}

func (l *Limiter) waitBudget(ctx context.Context, estTokens int) error {
	reqNeed := 1.0
	tokNeed := float64(max(0, estTokens))

	for {
		l.mu.Lock()
		now := l.now()
		l.req.refill(now)
		l.tok.refill(now)

		reqOK := l.req.capacity <= 0 || l.req.available >= reqNeed
		tokOK := l.tok.capacity <= 0 || l.tok.available >= tokNeed
		if reqOK && tokOK {
			if l.req.capacity > 0 {
				l.req.available -= reqNeed
			}
			if l.tok.capacity > 0 {
				l.tok.available -= tokNeed
			}
			l.mu.Unlock()
			return nil
		}

		wait := max(l.req.waitFor(reqNeed), l.tok.waitFor(tokNeed))
		l.mu.Unlock()

		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if wait > maxBucketWait {
			wait = maxBucketWait
		}
		l.log.Debug("waiting for rate budget",
			zap.Duration("wait", wait),
			zap.Int("est_tokens", estTokens))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: rate wait: %w", l.name, ctx.Err())
		case <-timer.C:
		}
	}
}

// reconcile settles the TPM bucket against actual usage. Overestimates are
// refunded, underestimates debited (allowed to go negative so the window
// stays honest).
func (l *Limiter) reconcile(estTokens, usedTokens int) {
	if l.tok.capacity <= 0 || usedTokens < 0 || usedTokens == estTokens {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tok.refill(l.now())
	l.tok.available = min(l.tok.capacity, l.tok.available+float64(estTokens-usedTokens))
}
