// Package system provides the wall clock used by stores and the orchestrator.
package system

import "time"

// Clock implements graph.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the finest
// precision every frontier backend round-trips.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
