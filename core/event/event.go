// Package event defines all events that can be published by the application.
// Events represent driver lifecycle changes and forwarded CDP traffic.
package event

import "ucdriver-go/core/state"

// Event is the base interface for all events.
// Events are published by the application layer and consumed by subscribers.
type Event interface {
	// EventName returns the name of the event for logging/debugging
	EventName() string
}

// DriverEvent is an event that originates from a specific driver.
type DriverEvent interface {
	Event
	// DriverID returns the source driver ID
	DriverID() string
}

// baseDriverEvent provides common implementation for driver events.
type baseDriverEvent struct {
	driverID string
}

func (e *baseDriverEvent) DriverID() string {
	return e.driverID
}

// DriverStarted is published when the browser is launched and a WebDriver
// session is attached to it.
type DriverStarted struct {
	baseDriverEvent
	ProfileID       string
	DebuggerAddress string
}

func NewDriverStarted(driverID, profileID, debuggerAddress string) *DriverStarted {
	return &DriverStarted{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		ProfileID:       profileID,
		DebuggerAddress: debuggerAddress,
	}
}

func (e *DriverStarted) EventName() string {
	return "DriverStarted"
}

// DriverStopped is published when a driver quits.
type DriverStopped struct {
	baseDriverEvent
	Error error // nil if stopped normally
}

func NewDriverStopped(driverID string, err error) *DriverStopped {
	return &DriverStopped{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		Error:           err,
	}
}

func (e *DriverStopped) EventName() string {
	return "DriverStopped"
}

// DriverStateChanged is published when a driver's state changes.
type DriverStateChanged struct {
	baseDriverEvent
	OldState state.DriverState
	NewState state.DriverState
}

func NewDriverStateChanged(driverID string, oldState, newState state.DriverState) *DriverStateChanged {
	return &DriverStateChanged{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		OldState:        oldState,
		NewState:        newState,
	}
}

func (e *DriverStateChanged) EventName() string {
	return "DriverStateChanged"
}
