package queue

import (
	"math/rand/v2"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
)

const maxBackoff = time.Minute

// calculateBackoff returns the delay before retry number attempt (zero based).
// The delay doubles per attempt from a base chosen by error class, is capped
// at maxBackoff, then up to 12.5% random jitter is added so jobs that failed
// together do not all retry in the same tick.
func calculateBackoff(attempt int, err error) time.Duration {
	base := time.Second
	switch class, _ := engine.ClassOf(err); class {
	case engine.ErrorClassThrottled:
		base = 5 * time.Second
	case engine.ErrorClassConflict:
		base = 2 * time.Second
	}

	attempt = max(attempt, 0)
	delay := maxBackoff
	// Past 2^6 every base exceeds the cap; stop shifting before overflow.
	if attempt < 7 {
		delay = min(base<<attempt, maxBackoff)
	}
	return delay + rand.N(delay/8)
}
