package events

import "time"

// StateChanged is published after the registry changed an appliance state.
type StateChanged struct {
	ApplianceID string
	Name        string
	On          bool
	Source      string
	// Err is set when the new state could not be persisted. The registry
	// keeps the new state regardless.
	Err  error
	Time time.Time
}
