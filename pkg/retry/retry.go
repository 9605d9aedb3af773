// Package retry evaluates whether a failed stage attempt should be
// retried. The evaluator is a pure function of (attempt, elapsed, error
// class); waiting out the computed delay is the caller's job.
package retry

import (
	"time"

	"github.com/stagehand/stagehand/pkg/models"
)

// Defaults applied by Policy.ApplyDefaults.
const (
	DefaultBaseDelay      = 2 * time.Second
	DefaultCoefficient    = 2.0
	DefaultMaxAttempts    = 3
	DefaultMaxDelay       = 60 * time.Second
	DefaultAttemptTimeout = 10 * time.Minute
)

// Policy is an explicit retry configuration passed into the stage
// executor. It replaces ambient framework retry settings with a value
// object that tests can construct directly.
type Policy struct {
	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Coefficient multiplies the delay after each failed attempt.
	Coefficient float64

	// MaxAttempts caps the attempt count, first try included.
	MaxAttempts int

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// AttemptTimeout bounds a single adapter invocation.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the stock configuration: 2s base, doubling,
// three attempts, 60s delay cap, 10 minute attempt timeout.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      DefaultBaseDelay,
		Coefficient:    DefaultCoefficient,
		MaxAttempts:    DefaultMaxAttempts,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// ApplyDefaults fills unset fields in place.
func (p *Policy) ApplyDefaults() {
	if p.BaseDelay == 0 {
		p.BaseDelay = DefaultBaseDelay
	}

	if p.Coefficient == 0 {
		p.Coefficient = DefaultCoefficient
	}

	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}

	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultMaxDelay
	}

	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Decision is the evaluator's verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Evaluate decides whether attempt (1-based) should be followed by
// another try. Only transient failures are retry candidates; every other
// class gives up on first occurrence regardless of MaxAttempts. The
// returned delay grows exponentially from BaseDelay and is capped at
// MaxDelay.
func (p Policy) Evaluate(attempt int, elapsed time.Duration, class models.FailureClass) Decision {
	if class != models.FailureTransient {
		return Decision{}
	}

	if attempt >= p.MaxAttempts {
		return Decision{}
	}

	return Decision{Retry: true, Delay: p.DelayFor(attempt)}
}

// DelayFor computes the backoff after the given 1-based attempt.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for n := 1; n < attempt; n++ {
		delay = time.Duration(float64(delay) * p.Coefficient)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}
