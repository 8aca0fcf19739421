package worker

import (
	"context"
	"sync"
	"time"
)

// gate holds the control-plane consumption state shared by every worker in a
// pool: pause and emergency-stop flags plus throttle rates, keyed by target
// queue. The empty target applies to all queues.
type gate struct {
	mu       sync.Mutex
	paused   map[string]bool
	stopped  map[string]bool
	rate     map[string]float64
	lastTake map[string]time.Time
}

func newGate() *gate {
	return &gate{
		paused:   make(map[string]bool),
		stopped:  make(map[string]bool),
		rate:     make(map[string]float64),
		lastTake: make(map[string]time.Time),
	}
}

func (g *gate) pause(target string) { g.mu.Lock(); g.paused[target] = true; g.mu.Unlock() }

func (g *gate) stop(target string) { g.mu.Lock(); g.stopped[target] = true; g.mu.Unlock() }

// resume lifts pause, stop and throttle for the target.
func (g *gate) resume(target string) {
	g.mu.Lock()
	delete(g.paused, target)
	delete(g.stopped, target)
	delete(g.rate, target)
	g.mu.Unlock()
}

func (g *gate) throttle(target string, ratePerSec float64) {
	g.mu.Lock()
	if ratePerSec > 0 {
		g.rate[target] = ratePerSec
	}
	g.mu.Unlock()
}

func (g *gate) blocked(queueName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused[""] || g.paused[queueName] || g.stopped[""] || g.stopped[queueName]
}

// wait blocks until the queue may take new work: pause and stop flags are
// polled, and an active throttle spaces takes to the configured rate.
// Returns ctx.Err() on cancellation.
func (g *gate) wait(ctx context.Context, queueName string) error {
	const poll = 25 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.mu.Lock()
		held := g.paused[""] || g.paused[queueName] || g.stopped[""] || g.stopped[queueName]
		var delay time.Duration
		if !held {
			rate := g.rate[queueName]
			if rate == 0 {
				rate = g.rate[""]
			}
			if rate > 0 {
				interval := time.Duration(float64(time.Second) / rate)
				if since := time.Since(g.lastTake[queueName]); since < interval {
					delay = interval - since
				}
			}
			if delay == 0 {
				g.lastTake[queueName] = time.Now()
			}
		}
		g.mu.Unlock()

		if !held && delay == 0 {
			return nil
		}
		sleep := poll
		if !held && delay < poll {
			sleep = delay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
