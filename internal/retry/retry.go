// Package retry provides bounded exponential backoff for order submission.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts    int // total attempts including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy retries twice after the initial attempt with 1s, 2s pauses.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// terminalPatterns mark broker errors that retrying can never fix.
var terminalPatterns = []string{
	"insufficient",
	"invalid",
	"not found",
	"unauthorized",
	"forbidden",
	"rejected",
}

// IsTerminal reports whether an error should stop the retry loop.
// Unknown errors are treated as retryable.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range terminalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Do runs fn under the policy. Backoff doubles between attempts (1s, 2s, 4s)
// up to MaxBackoff, with jitter, and the loop honors context cancellation.
func (p Policy) Do(ctx context.Context, logger *log.Logger, op string, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}

	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsTerminal(err) {
			return fmt.Errorf("%s failed permanently on attempt %d: %w", op, attempt, err)
		}
		if attempt == p.MaxAttempts {
			break
		}

		if logger != nil {
			logger.Printf("%s attempt %d/%d failed, retrying in %v: %v", op, attempt, p.MaxAttempts, backoff, err)
		}
		select {
		case <-time.After(withJitter(backoff)):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

func withJitter(backoff time.Duration) time.Duration {
	maxJitter := int64(backoff / 4)
	if maxJitter <= 0 {
		return backoff
	}
	jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		log.Printf("Failed to generate jitter: %v", err)
		return backoff
	}
	return backoff + time.Duration(jitterVal.Int64())
}
