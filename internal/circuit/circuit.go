// Package circuit manages the fixed pool of transport channels the broker
// multiplexes outbound requests across. Circuits are created once at startup
// and never destroyed; they cycle through ready, busy, cooling and rotating
// states as the dispatcher drives traffic through them.
package circuit

import (
	"time"
)

// Status describes what a circuit is doing right now.
type Status int

const (
	// StatusReady - selectable for dispatch
	StatusReady Status = iota
	// StatusBusy - serving at least one in-flight transport call
	StatusBusy
	// StatusCooling - excluded from selection after retry exhaustion
	StatusCooling
	// StatusRotating - transient pulse while usage counters reset
	StatusRotating
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusBusy:
		return "busy"
	case StatusCooling:
		return "cooling"
	case StatusRotating:
		return "rotating"
	default:
		return "unknown"
	}
}

// RotationReason records what triggered a rotation.
type RotationReason string

const (
	// RotationScheduled - periodic per-circuit rotation timer fired
	RotationScheduled RotationReason = "scheduled"
	// RotationThreshold - request count hit the configured ceiling
	RotationThreshold RotationReason = "threshold"
	// RotationFailure - retries exhausted on this circuit
	RotationFailure RotationReason = "failure"
	// RotationManual - operator asked for a rotation through the API
	RotationManual RotationReason = "manual"
)

// circuitState is the pool-private record for one circuit. Status is derived
// from inflight count and the cooldown/rotating deadlines rather than stored,
// so overlapping transitions cannot leave a stale label behind.
type circuitState struct {
	id            int
	port          int
	inflight      int
	lastUsedAt    time.Time
	requestCount  int
	totalRequests int64
	rotations     int
	cooldownUntil time.Time
	rotatingUntil time.Time
}

func (c *circuitState) statusAt(now time.Time) Status {
	if c.inflight > 0 {
		return StatusBusy
	}
	if now.Before(c.rotatingUntil) {
		return StatusRotating
	}
	if now.Before(c.cooldownUntil) {
		return StatusCooling
	}
	return StatusReady
}

// Info is the externally visible snapshot of one circuit.
type Info struct {
	ID            int        `json:"id"`
	Port          int        `json:"port"`
	Status        string     `json:"status"`
	LastUsedAt    time.Time  `json:"lastUsedAt"`
	RequestCount  int        `json:"requestCount"`
	TotalRequests int64      `json:"totalRequests"`
	Rotations     int        `json:"rotations"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
}

// EventType labels pool lifecycle events for the event stream.
type EventType string

const (
	// EventRotated - a circuit reset its usage counters
	EventRotated EventType = "circuit_rotated"
	// EventCooldownStarted - a circuit became unselectable after failures
	EventCooldownStarted EventType = "circuit_cooldown_started"
	// EventCooldownCleared - a cooled circuit returned to ready
	EventCooldownCleared EventType = "circuit_cooldown_cleared"
	// EventDegradedSelection - selection fell back to an unready circuit
	EventDegradedSelection EventType = "circuit_degraded_selection"
)

// Event is one pool lifecycle notification.
type Event struct {
	Type      EventType      `json:"type"`
	CircuitID int            `json:"circuitId"`
	Reason    RotationReason `json:"reason,omitempty"`
	At        time.Time      `json:"at"`
}
