package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/gig-ledger/domain"
)

// =============================================================================
// RETRY POLICY - Optimistic concurrency wrapper around Store.WithTx
// =============================================================================

// RetryPolicy bounds how often a conflicting transaction is re-run.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when an Engine is built without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// Backoff returns the delay before attempt n (1-based, n >= 2).
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := p.BaseDelay
	for i := 2; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RunInTx runs fn in a store transaction, re-running it from scratch when the
// store reports a write conflict. fn must read everything it validates through
// the Tx it is given; nothing read before RunInTx may be trusted.
//
// Only domain.ErrConcurrentModification is retried. Precondition failures are
// returned on the first attempt.
func RunInTx(ctx context.Context, store Store, policy RetryPolicy, fn func(Tx) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(policy.Backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = store.WithTx(ctx, fn)
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", policy.MaxAttempts, err)
}

// errorsIsAny reports whether err matches one of targets.
func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
