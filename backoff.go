package ticl

import (
	"fmt"
	"math/rand"
	"time"
)

// ExponentialBackoffDelayGenerator produces successive intervals for random
// exponential backoff. It tracks a high water mark that doubles on each call
// once in retry mode; each call returns a delay uniformly distributed in
// [0, mark).
type ExponentialBackoffDelayGenerator struct {
	rng             *rand.Rand
	maxDelay        time.Duration
	initialMaxDelay time.Duration

	currentMaxDelay time.Duration
	inRetryMode     bool
}

func NewExponentialBackoffDelayGenerator(
	rng *rand.Rand,
	maxDelay time.Duration,
	initialMaxDelay time.Duration,
) *ExponentialBackoffDelayGenerator {
	if maxDelay <= 0 {
		panic(fmt.Errorf("max delay must be positive: %s", maxDelay))
	}
	if initialMaxDelay <= 0 {
		panic(fmt.Errorf("initial delay must be positive: %s", initialMaxDelay))
	}
	if maxDelay < initialMaxDelay {
		panic(fmt.Errorf("initial delay cannot be more than max delay: %s <> %s", initialMaxDelay, maxDelay))
	}
	if rng == nil {
		panic(fmt.Errorf("rng must not be nil"))
	}
	generator := &ExponentialBackoffDelayGenerator{
		rng:             rng,
		maxDelay:        maxDelay,
		initialMaxDelay: initialMaxDelay,
	}
	generator.Reset()
	return generator
}

// Reset restarts delays at the initial high water mark.
func (self *ExponentialBackoffDelayGenerator) Reset() {
	self.currentMaxDelay = self.initialMaxDelay
	self.inRetryMode = false
}

// GetNextDelay returns the next delay interval to use.
func (self *ExponentialBackoffDelayGenerator) GetNextDelay() time.Duration {
	delay := time.Duration(self.rng.Int63n(int64(self.currentMaxDelay)))
	if self.inRetryMode {
		self.currentMaxDelay = min(2*self.currentMaxDelay, self.maxDelay)
	} else {
		self.inRetryMode = true
	}
	return delay
}
