// Package backoff computes exponential retry delays.
//
// A Policy is shared by the connection manager (reconnect waits) and the
// retry coordinator (per-entity acknowledgment waits). Each call site owns
// its own constants.
package backoff

import (
	"math"
	"time"
)

// Policy describes an exponential backoff with an optional cap and an
// attempt ceiling.
type Policy struct {
	Base        time.Duration // Delay for attempt 1
	Max         time.Duration // Upper bound on any delay (0 = uncapped)
	MaxAttempts int           // Attempt ceiling (0 = unlimited)
}

// NextDelay returns Base * 2^(attempt-1), capped at Max.
// Attempts below 1 are treated as 1.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}

	limit := time.Duration(math.MaxInt64)
	if p.Max > 0 {
		limit = p.Max
	}

	// Stop doubling before the multiplication can overflow.
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}

	if d > limit {
		return limit
	}
	return d
}

// Exceeded reports whether attempt has reached the attempt ceiling.
func (p Policy) Exceeded(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
