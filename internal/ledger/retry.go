package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is the single retry policy applied to every ledger read.
// Bounded attempts with capped-exponential delay; revert-style errors are
// treated as permanent because they signal non-existence, not transience.
type RetryPolicy struct {
	MaxAttempts uint64
	InitialWait time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     8 * time.Second,
	}
}

// Run executes op under the policy
func (p RetryPolicy) Run(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialWait
	b.MaxInterval = p.MaxWait
	b.MaxElapsedTime = 0 // bounded by attempts, not wall clock

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRevertError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxAttempts-1), ctx))
}

// isRevertError reports whether the RPC error is a contract revert.
// Reverts are deterministic; retrying them only burns rate-limit budget.
func isRevertError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "out of gas")
}
