// Package system provides the wall clock used for fetch times, run stats and
// cache expiry.
package system

import "time"

// Clock implements crawler.Clock. Readings are UTC and truncated to
// Precision so a PageRecord compares equal after a JSON or Postgres round
// trip.
type Clock struct {
	Precision time.Duration
}

// New returns a millisecond-precision clock.
func New() *Clock {
	return &Clock{Precision: time.Millisecond}
}

// Now returns the current UTC time truncated to c.Precision.
func (c Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.Precision > 0 {
		now = now.Truncate(c.Precision)
	}
	return now
}
