package queue

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the redelivery delay after a nack. The delay grows
// exponentially with retry_count and is capped, with a symmetric jitter so
// herds of retries spread out.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter is the fraction of the computed delay randomized in either
	// direction. 0.1 means ±10%.
	Jitter float64
}

// DefaultBackoff is the policy queues use unless configured otherwise.
var DefaultBackoff = BackoffPolicy{
	Base:       500 * time.Millisecond,
	Multiplier: 2.0,
	Max:        30 * time.Second,
	Jitter:     0.1,
}

func (p BackoffPolicy) orDefault() BackoffPolicy {
	if p.Base <= 0 {
		return DefaultBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoff.Multiplier
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoff.Max
	}
	return p
}

// Delay returns the redelivery delay for a message that has now failed
// retryCount times. retryCount counts the failure being scheduled, so the
// first nack passes 1.
func (p BackoffPolicy) Delay(retryCount int) time.Duration {
	p = p.orDefault()
	if retryCount < 1 {
		retryCount = 1
	}
	d := float64(p.Base)
	for i := 1; i < retryCount; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		// rand.Float64 in [0,1) mapped to [-jitter,+jitter].
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}
