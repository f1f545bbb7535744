// Package state defines the driver lifecycle state machine.
package state

import (
	"fmt"
	"slices"
)

// DriverState represents the state of an undetected driver.
type DriverState int

const (
	// StateIdle is the initial state before the driver starts.
	StateIdle DriverState = iota
	// StateStarting indicates the driver is being patched and the browser launched.
	StateStarting
	// StateConnected indicates a WebDriver session is attached to the browser.
	StateConnected
	// StateDisconnected indicates chromedriver is stopped while the browser keeps running.
	StateDisconnected
	// StateCDPMode indicates the browser is driven over CDP only.
	StateCDPMode
	// StateStopping indicates the driver is shutting down.
	StateStopping
	// StateStopped indicates the driver has been terminated.
	StateStopped
)

// String returns the string representation of the state.
func (s DriverState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateCDPMode:
		return "CDPMode"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[DriverState][]DriverState{
	StateIdle:         {StateStarting},
	StateStarting:     {StateConnected, StateStopping, StateStopped},
	StateConnected:    {StateDisconnected, StateCDPMode, StateStopping},
	StateDisconnected: {StateConnected, StateCDPMode, StateStopping},
	StateCDPMode:      {StateConnected, StateStopping},
	StateStopping:     {StateStopped},
	StateStopped:      {},
}

// CanTransitionTo checks if transitioning from the current state to the target state is valid.
func (s DriverState) CanTransitionTo(target DriverState) bool {
	return slices.Contains(validTransitions[s], target)
}

// ValidTransitions returns the list of valid target states from the current state.
func (s DriverState) ValidTransitions() []DriverState {
	return validTransitions[s]
}

// IsTerminal returns true if no further transitions are possible.
func (s DriverState) IsTerminal() bool {
	return s == StateStopped
}

// IsActive returns true if the browser process may be running.
func (s DriverState) IsActive() bool {
	return s != StateIdle && s != StateStopped
}

// CanAcceptOperations returns true if WebDriver commands can be sent.
func (s DriverState) CanAcceptOperations() bool {
	return s == StateConnected
}

// CanReconnect returns true if the chromedriver service can be cycled.
func (s DriverState) CanReconnect() bool {
	return s == StateConnected || s == StateDisconnected
}

// TransitionError represents an invalid state transition attempt.
type TransitionError struct {
	From   DriverState
	To     DriverState
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid state transition from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(from, to DriverState, reason string) *TransitionError {
	return &TransitionError{From: from, To: to, Reason: reason}
}
