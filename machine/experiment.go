package machine

import (
	"fmt"
	"math"
	"time"
)

// Step is one unit of work within a cycle: move to Slot, then fire Shots
// pulses at FrequencyHz.
type Step struct {
	Slot        int     `json:"slot"`
	Shots       int     `json:"shots"`
	FrequencyHz float64 `json:"frequencyHz"`
}

// Experiment repeats Steps, in order, Cycles times.
type Experiment struct {
	Cycles int    `json:"cycles"`
	Steps  []Step `json:"steps"`
}

// ValidationError describes why an Experiment was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (exp Experiment) Validate() error {
	if exp.Cycles <= 0 {
		return &ValidationError{Field: "cycles", Reason: "must be > 0"}
	}
	if len(exp.Steps) == 0 {
		return &ValidationError{Field: "steps", Reason: "at least one position is required"}
	}
	for i, s := range exp.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if !validSlot(s.Slot) {
			return &ValidationError{Field: field + ".slot", Reason: fmt.Sprintf("slot for position %d must be %d-%d", i+1, MinSlot, MaxSlot)}
		}
		if s.Shots <= 0 {
			return &ValidationError{Field: field + ".shots", Reason: fmt.Sprintf("shots for position %d must be > 0", i+1)}
		}
		if !validFrequency(s.FrequencyHz) {
			return &ValidationError{Field: field + ".frequencyHz", Reason: fmt.Sprintf("frequency for position %d must be > 0 and <= %g Hz", i+1, MaxFrequency)}
		}
	}
	return nil
}

func (exp Experiment) clone() Experiment {
	c := exp
	c.Steps = append([]Step(nil), exp.Steps...)
	return c
}

// DefaultMotionTimeout bounds the wait for a move acknowledgment.
const DefaultMotionTimeout = 30 * time.Second

// LaserTimeout is the wait allowed for a pulse train. The device is assumed
// to fire at no better than 40% of the requested rate (and at least 0.5 Hz),
// plus 10s of slack, never less than 20s.
func LaserTimeout(shots int, hz float64) time.Duration {
	rate := math.Max(hz*0.4, 0.5)
	estimated := float64(shots) / rate
	secs := math.Max(estimated+10, 20)
	ns := secs * float64(time.Second)
	if ns >= math.MaxInt64 {
		// saturate, the conversion would wrap negative
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
