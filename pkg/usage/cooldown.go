package usage

import "time"

// Cooldown defaults.
const (
	DefaultCooldownThreshold = 50000
	DefaultCooldownDelay     = 30 * time.Second
	DefaultCooldownMaxDelay  = 5 * time.Minute
)

// Cooldown is the load-shedding policy applied between stages once an
// instance's token consumption crosses the threshold. Not a correctness
// mechanism, just backpressure on expensive instances.
type Cooldown struct {
	// Threshold is the cumulative token count that triggers cooldowns.
	Threshold int

	// Delay is the base pause, scaled by how many cooldowns the instance
	// has already served.
	Delay time.Duration

	// MaxDelay caps the scaled pause.
	MaxDelay time.Duration
}

func DefaultCooldown() Cooldown {
	return Cooldown{
		Threshold: DefaultCooldownThreshold,
		Delay:     DefaultCooldownDelay,
		MaxDelay:  DefaultCooldownMaxDelay,
	}
}

// ShouldCooldown reports whether the totals have crossed the threshold.
func (c Cooldown) ShouldCooldown(tokensUsed int) bool {
	return c.Threshold > 0 && tokensUsed > c.Threshold
}

// DelayFor scales the base delay by the number of cooldowns this
// instance has already served, capped at MaxDelay.
func (c Cooldown) DelayFor(cooldownCount int) time.Duration {
	if cooldownCount < 1 {
		cooldownCount = 1
	}

	delay := c.Delay * time.Duration(cooldownCount)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}

	return delay
}
