package supervisor

import "time"

// State is the circuit breaker position for one (queue, task type) pair.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitPolicy parameterizes one breaker. DegradedRate and OpenRate are
// rolling failure-rate thresholds with DegradedRate < OpenRate.
type CircuitPolicy struct {
	DegradedRate        float64
	OpenRate            float64
	ConsecutiveFailures int
	WindowSize          int
	Cooldown            time.Duration
	CooldownMultiplier  float64
	CooldownMax         time.Duration
	HalfOpenTrials      int
	RecoveryRate        float64
}

// minRateSamples is the outcome volume required before the rolling failure
// rate can trip or degrade a circuit. Consecutive-failure trips are exempt.
const minRateSamples = 10

// circuit tracks outcomes for one (queue, task type) pair. Not goroutine
// safe; the supervisor serializes access.
type circuit struct {
	policy CircuitPolicy

	state State

	// Sliding outcome window, true = failure.
	window []bool
	head   int
	filled int

	consecutive int

	// OPEN bookkeeping. cooldownMs grows on each failed recovery and resets
	// on a successful one.
	reopenAtMs int64
	cooldownMs int64

	// HALF_OPEN trial bookkeeping.
	trialsStarted int
	trialsDone    int
	trialsOK      int
}

func newCircuit(p CircuitPolicy) *circuit {
	return &circuit{
		policy:     p,
		state:      StateHealthy,
		window:     make([]bool, p.WindowSize),
		cooldownMs: p.Cooldown.Milliseconds(),
	}
}

func (c *circuit) resetWindow() {
	c.head, c.filled, c.consecutive = 0, 0, 0
}

func (c *circuit) push(failed bool) {
	c.window[c.head] = failed
	c.head = (c.head + 1) % len(c.window)
	if c.filled < len(c.window) {
		c.filled++
	}
	if failed {
		c.consecutive++
	} else {
		c.consecutive = 0
	}
}

func (c *circuit) rateFloor() int {
	if len(c.window) < minRateSamples {
		return len(c.window)
	}
	return minRateSamples
}

func (c *circuit) failureRate() float64 {
	if c.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < c.filled; i++ {
		if c.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(c.filled)
}

// allow reports whether a new delivery may be dispatched. In OPEN it also
// performs the cooldown-elapsed transition to HALF_OPEN; in HALF_OPEN it
// admits at most the configured number of trials.
func (c *circuit) allow(nowMs int64) bool {
	switch c.state {
	case StateHealthy, StateDegraded:
		return true
	case StateOpen:
		if nowMs < c.reopenAtMs {
			return false
		}
		c.state = StateHalfOpen
		c.trialsStarted, c.trialsDone, c.trialsOK = 1, 0, 0
		return true
	case StateHalfOpen:
		if c.trialsStarted >= c.policy.HalfOpenTrials {
			return false
		}
		c.trialsStarted++
		return true
	}
	return false
}

// record feeds one delivery outcome and returns the resulting state.
func (c *circuit) record(ok bool, nowMs int64) State {
	switch c.state {
	case StateOpen:
		// A straggler finishing after the trip; the window restarts on
		// recovery, so the outcome is dropped.
		return c.state

	case StateHalfOpen:
		c.trialsDone++
		if ok {
			c.trialsOK++
		}
		if c.trialsDone < c.policy.HalfOpenTrials {
			return c.state
		}
		if float64(c.trialsOK)/float64(c.trialsDone) >= c.policy.RecoveryRate {
			c.state = StateHealthy
			c.cooldownMs = c.policy.Cooldown.Milliseconds()
			c.resetWindow()
			return c.state
		}
		c.trip(nowMs, true)
		return c.state

	default: // HEALTHY, DEGRADED
		c.push(!ok)
		rate := c.failureRate()
		rateReady := c.filled >= c.rateFloor()
		if c.consecutive >= c.policy.ConsecutiveFailures || (rateReady && rate >= c.policy.OpenRate) {
			c.trip(nowMs, false)
		} else if rateReady && rate >= c.policy.DegradedRate {
			c.state = StateDegraded
		} else {
			c.state = StateHealthy
		}
		return c.state
	}
}

// trip moves the circuit to OPEN. A failed recovery grows the cooldown by the
// backoff multiplier, capped.
func (c *circuit) trip(nowMs int64, recoveryFailed bool) {
	if recoveryFailed {
		grown := int64(float64(c.cooldownMs) * c.policy.CooldownMultiplier)
		if max := c.policy.CooldownMax.Milliseconds(); max > 0 && grown > max {
			grown = max
		}
		c.cooldownMs = grown
	}
	c.state = StateOpen
	c.reopenAtMs = nowMs + c.cooldownMs
}
