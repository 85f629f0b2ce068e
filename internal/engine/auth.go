package engine

import "errors"

// Capability gates the engine's mutating surface. Callers hold a set of
// capabilities rather than a single role so an operator process can be both
// integrator and rebalancer without a privilege escalation to admin.
type Capability string

const (
	// CapabilityAdmin covers protocol registration, strategy parameter
	// changes, and the emergency stop.
	CapabilityAdmin Capability = "admin"
	// CapabilityIntegrator covers deposits and withdrawals.
	CapabilityIntegrator Capability = "integrator"
	// CapabilityRebalancer covers the automation poll/execute pair.
	CapabilityRebalancer Capability = "rebalancer"
)

var (
	ErrUnauthorized     = errors.New("caller lacks required capability")
	ErrEmergencyStopped = errors.New("engine is emergency stopped")
)

// Caller identifies who is invoking an engine operation and what they may do.
type Caller struct {
	Name string
	caps map[Capability]struct{}
}

// NewCaller builds a caller holding the given capabilities.
func NewCaller(name string, caps ...Capability) Caller {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return Caller{Name: name, caps: set}
}

// Has reports whether the caller holds the capability.
func (c Caller) Has(cap Capability) bool {
	_, ok := c.caps[cap]
	return ok
}

func (c Caller) require(cap Capability) error {
	if !c.Has(cap) {
		return ErrUnauthorized
	}
	return nil
}
