package simvar

import (
	"sync"
	"time"
)

// simEpoch is the fixed "big bang" of simulated time.
// Starting every run from the same instant keeps run
// transcripts byte-comparable across hosts; real wall
// time never leaks into the simulation.
var simEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// SimClock is the logical clock of a simulation. Time
// passes only when the scheduler calls advanceTo; code
// that merely executes sees a frozen Now(). That freeze
// is what makes the simulator deterministic regardless
// of how fast the host machine is.
//
// EpochOffset and StepMultiplier map simulated instants
// onto a pretend wall clock for code that wants to
// display or log "wall" times: each simulated nanosecond
// past the epoch counts StepMultiplier nanoseconds from
// epoch + EpochOffset.
type SimClock struct {
	mut sync.Mutex

	bigbang time.Time
	now     time.Time

	epochOffset    time.Duration
	stepMultiplier float64

	// count of advanceTo calls; cheap sanity metric.
	advances int64

	realTime bool
}

func NewSimClock() *SimClock {
	return &SimClock{
		bigbang:        simEpoch,
		now:            simEpoch,
		stepMultiplier: 1,
	}
}

// Now returns the current logical time. Two calls with
// no intervening scheduler advance return the same
// instant.
func (c *SimClock) Now() time.Time {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.realTime {
		return time.Now()
	}
	return c.now
}

// SimElapsed is the simulated time since the big bang.
func (c *SimClock) SimElapsed() time.Duration {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.now.Sub(c.bigbang)
}

// advanceTo moves logical time forward to tm. Only the
// scheduler calls this, and only when every runnable
// task is parked on a timer. Going backward is an
// invariant violation, not an error to tolerate.
func (c *SimClock) advanceTo(tm time.Time) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if tm.Before(c.now) {
		panicf("SimClock cannot go backward: now='%v' but advanceTo asked for '%v'", c.now, tm)
	}
	c.now = tm
	c.advances++
}

// SetEpochOffset and SetStepMultiplier configure the
// simulated wall time mapping. Call before the run
// starts; the mapping is not meant to change mid-run.
func (c *SimClock) SetEpochOffset(d time.Duration) {
	c.mut.Lock()
	c.epochOffset = d
	c.mut.Unlock()
}

func (c *SimClock) SetStepMultiplier(m float64) {
	if m <= 0 {
		panicf("step multiplier must be positive, got %v", m)
	}
	c.mut.Lock()
	c.stepMultiplier = m
	c.mut.Unlock()
}

// WallNow maps the current simulated instant onto the
// configured pretend wall clock.
func (c *SimClock) WallNow() time.Time {
	c.mut.Lock()
	defer c.mut.Unlock()
	elap := c.now.Sub(c.bigbang)
	scaled := time.Duration(float64(elap) * c.stepMultiplier)
	return c.bigbang.Add(c.epochOffset).Add(scaled)
}

// WithRealTime runs f with Now() answering from the real
// wall clock. Scoped override for tests that want to
// validate timeout plumbing against actual sleeping;
// everything else should stay on simulated time.
func (c *SimClock) WithRealTime(f func()) {
	c.mut.Lock()
	prev := c.realTime
	c.realTime = true
	c.mut.Unlock()
	defer func() {
		c.mut.Lock()
		c.realTime = prev
		c.mut.Unlock()
	}()
	f()
}
