package agent

import (
	"math/rand/v2"
	"time"
)

// NextDelay returns a uniformly random duration in [minDelay, maxDelay].
// When maxDelay <= minDelay it returns minDelay.
func NextDelay(rng *rand.Rand, minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	span := int64(maxDelay - minDelay)
	return minDelay + time.Duration(rng.Int64N(span+1))
}

// EstimatedActionsPerDay is the expected daily throughput for a delay band,
// ignoring time spent confirming.
func EstimatedActionsPerDay(minDelay, maxDelay time.Duration) int {
	avg := (minDelay + maxDelay) / 2
	if avg <= 0 {
		return 0
	}
	return int((24 * time.Hour) / avg)
}
