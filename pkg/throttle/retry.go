package throttle

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// StatusError is an upstream HTTP failure with its status code preserved for
// retry classification.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return http.StatusText(e.Code)
	}
	return e.Body
}

// Transient reports whether err is worth retrying: timeouts, HTTP 429 and
// 5xx, and transport-level resets. Context cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	// Upstream SDKs flatten some failures into plain strings.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "timeout", "timed out", "temporarily unavailable", "connection reset", "502", "503", "504"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// jitterBackoff yields min(maxBackoff, initial*multiplier^attempt) scaled by
// a uniform factor in [0.5, 1.0], stopping after maxRetries intervals.
type jitterBackoff struct {
	policy  Policy
	attempt int

	mu  sync.Mutex
	rnd *rand.Rand
}

func newJitterBackoff(policy Policy) *jitterBackoff {
	return &jitterBackoff{
		policy: policy,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *jitterBackoff) NextBackOff() time.Duration {
	if b.attempt >= b.policy.MaxRetries {
		return backoff.Stop
	}
	d := b.policy.InitialBackoff
	mult := b.policy.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if d >= b.policy.MaxBackoff {
			break
		}
	}
	if b.policy.MaxBackoff > 0 && d > b.policy.MaxBackoff {
		d = b.policy.MaxBackoff
	}
	b.attempt++

	b.mu.Lock()
	factor := 0.5 + 0.5*b.rnd.Float64()
	b.mu.Unlock()
	return time.Duration(float64(d) * factor)
}

func (b *jitterBackoff) Reset() {
	b.attempt = 0
}

// Do runs fn under the limiter: concurrency slot, rate budget, retries.
// fn reports actual token usage for TPM reconciliation; return the estimate
// when the upstream does not report usage. Transient errors are retried up
// to Policy.MaxRetries times, permanent errors surface immediately, and the
// concurrency slot is released between attempts so retries of one call
// cannot starve the pool.
func (l *Limiter) Do(ctx context.Context, estTokens int, fn func(ctx context.Context) (usedTokens int, err error)) error {
	attempt := 0
	op := func() error {
		release, err := l.Acquire(ctx, estTokens)
		if err != nil {
			return backoff.Permanent(err)
		}
		used, err := fn(ctx)
		if used < 0 {
			used = estTokens
		}
		release(used)

		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		attempt++
		l.log.Warn("transient upstream error, will retry",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", l.policy.MaxRetries),
			zap.Error(err))
		return err
	}

	return backoff.Retry(op, backoff.WithContext(newJitterBackoff(l.policy), ctx))
}
