// Package retry implements the bounded exponential backoff applied uniformly
// to every account operation.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
)

// Policy is the per-deployment retry policy.
type Policy struct {
	MaxAttempts        int           `json:"max_attempts"`
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        5,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Second,
	}
}

// Validate rejects policies that could never make progress.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", p.MaxAttempts)
	case p.InitialInterval < 0:
		return fmt.Errorf("retry: initial_interval must not be negative")
	case p.BackoffCoefficient < 1:
		return fmt.Errorf("retry: backoff_coefficient must be >= 1, got %g", p.BackoffCoefficient)
	case p.MaximumInterval < p.InitialInterval:
		return fmt.Errorf("retry: maximum_interval %s is below initial_interval %s", p.MaximumInterval, p.InitialInterval)
	}
	return nil
}

// Exhausted reports whether attempt (1-based) was the last one allowed.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the backoff before the attempt following the given failed
// attempt (1-based): Initial * Coefficient^(attempt-1), capped at Maximum.
// It depends only on the attempt number so a recovered timer computes the
// same deadline as the original.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialInterval <= 0 {
		return 0
	}
	var d time.Duration
	if p.BackoffCoefficient == 2 {
		d = backoff.Exponential(p.InitialInterval, attempt-1)
	} else {
		f := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
		if f >= math.MaxInt64 || math.IsInf(f, 0) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		return p.MaximumInterval
	}
	return d
}

// Schedule lists the delays between consecutive attempts.
func (p Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for a := 1; a < p.MaxAttempts; a++ {
		out = append(out, p.Delay(a))
	}
	return out
}
