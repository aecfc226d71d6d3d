package state

import (
	"context"
	"time"
)

// FailureClass buckets upstream failures into cooldown policies.
type FailureClass string

const (
	// Credential rejected or unavailable.
	FailureAuth FailureClass = "auth"

	// Account flagged for manual verification.
	FailureValidation FailureClass = "validation"

	// Quota or subscription limit exhausted.
	FailureQuota FailureClass = "quota"

	// Transient upstream error (timeouts, 5xx).
	FailureTransient FailureClass = "transient"

	// Overload responses (429, 503) that deserve a longer pause.
	FailureTransientHeavy FailureClass = "transient_heavy"

	// Thinking-signature mismatch on resumed conversations.
	FailureSignature FailureClass = "signature"
)

// Durations maps each failure class to its cooldown length.
type Durations struct {
	Auth           time.Duration `yaml:"auth"`
	Validation     time.Duration `yaml:"validation"`
	Quota          time.Duration `yaml:"quota"`
	Transient      time.Duration `yaml:"transient"`
	TransientHeavy time.Duration `yaml:"transient_heavy"`
	Signature      time.Duration `yaml:"signature"`
}

// DefaultDurations returns the stock cooldown policy.
func DefaultDurations() Durations {
	return Durations{
		Auth:           5 * time.Minute,
		Validation:     12 * time.Hour,
		Quota:          12 * time.Hour,
		Transient:      time.Minute,
		TransientHeavy: 2 * time.Minute,
		Signature:      2 * time.Minute,
	}
}

// For returns the cooldown length for a failure class.
func (d Durations) For(class FailureClass) time.Duration {
	switch class {
	case FailureAuth:
		return d.Auth
	case FailureValidation:
		return d.Validation
	case FailureQuota:
		return d.Quota
	case FailureTransientHeavy:
		return d.TransientHeavy
	case FailureSignature:
		return d.Signature
	default:
		return d.Transient
	}
}

// Manager tracks cooldown windows per target key. A key holds a single
// timer; recording a new cooldown replaces whatever window was in effect.
type Manager interface {
	// Puts the key on cooldown for the given duration, replacing any
	// existing window.
	Record(ctx context.Context, key string, duration time.Duration) error

	// Clears the cooldown for the key, if any.
	Clear(ctx context.Context, key string) error

	// Reports whether the key is cooling and, if so, the remaining time.
	Status(ctx context.Context, key string) (bool, time.Duration, error)
}
