// Package system supplies the wall clock used by live crawls.
package system

import "time"

// Clock reads the wall clock, normalized to UTC. The retry policy computes
// quota wake times against the UTC day boundary, so every timestamp it sees
// must already carry that location.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
