// Package retry re-attempts transient database connection failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loykin/changerun/internal/common"
)

// Policy controls how often and how fast a failed attempt is repeated.
type Policy struct {
	MaxRetries    int           // retries after the first attempt
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // upper bound for a single delay
	BackoffFactor float64
	// Transient lists lower-case fragments of error messages worth retrying.
	Transient []string
}

// DefaultPolicy returns the policy used when a connector enables retries.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Transient: []string{
			"connection refused",
			"connection reset",
			"timeout",
			"temporary failure",
			"too many connections",
			"database is locked",
			"the database system is starting up",
			"broken pipe",
		},
	}
}

// IsTransient reports whether err looks worth another attempt.
func (p *Policy) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range p.Transient {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// Delay returns the wait before retry number attempt (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, fails permanently or the retries run out.
// A nil policy runs op exactly once.
func Do(ctx context.Context, p *Policy, what string, op func(context.Context) error) error {
	if p == nil {
		return op(ctx)
	}
	logger := common.GetLogger().WithComponent("retry")

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			logger.Warn("attempt failed, retrying", "op", what, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled during retry: %w", what, ctx.Err())
			case <-time.After(delay):
			}
		}
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("attempt succeeded after retry", "op", what, "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err
		if !p.IsTransient(err) {
			return err
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, p.MaxRetries+1, lastErr)
}
