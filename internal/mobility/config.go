package mobility

import "time"

// Config holds the scalar parameters injected into every Controller.
type Config struct {
	// HandoverLatency is the full detach+attach time; half is spent on
	// each phase.
	HandoverLatency time.Duration
	// HandoverDelta is the base delay added when a stack defers to its
	// sibling, and the delay between a stable selection and the trigger.
	HandoverDelta time.Duration
	// HysteresisFactor divides the serving level to get the margin a
	// candidate must exceed.
	HysteresisFactor float64
	// MinLevel is the weakest candidate level considered at all.
	MinLevel float64
	// EnableHandover switches candidate evaluation on.
	EnableHandover bool
	// DualConnectivity links the two stacks of a UE for conflict checks.
	DualConnectivity bool
}

// DefaultConfig returns the stock handover parameters.
func DefaultConfig() Config {
	return Config{
		HandoverLatency:  50 * time.Millisecond,
		HandoverDelta:    10 * time.Microsecond,
		HysteresisFactor: 10,
		MinLevel:         0,
		EnableHandover:   true,
		DualConnectivity: true,
	}
}

// ApplyDefaults fills unset fields with DefaultConfig values.
func (c Config) ApplyDefaults() Config {
	def := DefaultConfig()
	if c.HandoverLatency <= 0 {
		c.HandoverLatency = def.HandoverLatency
	}
	if c.HandoverDelta <= 0 {
		c.HandoverDelta = def.HandoverDelta
	}
	if c.HysteresisFactor <= 0 {
		c.HysteresisFactor = def.HysteresisFactor
	}
	if c.MinLevel < 0 {
		c.MinLevel = 0
	}
	return c
}

// DetachLatency is the time spent leaving a node.
func (c Config) DetachLatency() time.Duration { return c.HandoverLatency / 2 }

// AttachLatency is the time spent joining a node.
func (c Config) AttachLatency() time.Duration { return c.HandoverLatency - c.HandoverLatency/2 }

// Hysteresis derives the selection margin from a serving level.
func (c Config) Hysteresis(level float64) float64 {
	if c.HysteresisFactor <= 0 {
		return 0
	}
	return level / c.HysteresisFactor
}
