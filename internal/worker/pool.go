package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/metrics"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

// ControlGroup is the pool's consumer group on the control queue.
const ControlGroup = "workers"

// Pool runs a set of workers plus one control listener sharing a gate, so a
// single PAUSE or EMERGENCY_STOP holds every worker for its target.
type Pool struct {
	workers []*Worker
	control queue.Queue
	gate    *gate
	logger  log.Logger
	wg      sync.WaitGroup
}

// NewPool builds the workers. The control queue may be nil; the pool then
// runs ungoverned.
func NewPool(configs []Config, control queue.Queue, logger log.Logger, m *metrics.Metrics) (*Pool, error) {
	p := &Pool{
		control: control,
		gate:    newGate(),
		logger:  logger.WithComponent("worker-pool"),
	}
	for _, cfg := range configs {
		w, err := newWorker(cfg, p.gate, logger, m)
		if err != nil {
			return nil, err
		}
		p.workers = append(p.workers, w)
	}
	return p, nil
}

// Run starts every worker and the control listener, then blocks until ctx is
// cancelled and all loops have drained.
func (p *Pool) Run(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}
	if p.control != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.controlLoop(ctx)
		}()
	}
	p.wg.Wait()
}

// controlLoop consumes the control queue and applies commands to the gate.
func (p *Pool) controlLoop(ctx context.Context) {
	for {
		env, err := p.control.Consume(ctx, ControlGroup, consumeTimeout)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
			return
		}
		if err != nil {
			p.logger.Error("Control consume failed", log.Err(err))
			continue
		}

		cmd, perr := queue.ParseControl(env)

		settleCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if aerr := p.control.Ack(settleCtx, ControlGroup, env.Header.MessageID); aerr != nil {
			p.logger.Error("Control ack failed", log.Err(aerr))
		}
		cancel()

		if perr != nil {
			p.logger.Error("Malformed control command dropped", log.Err(perr))
			continue
		}
		p.apply(cmd)
	}
}

// apply mutates the gate for one command. Producer-facing throttle cutoffs
// carry no consumption rate and leave the gate untouched.
func (p *Pool) apply(cmd queue.Command) {
	switch cmd.Kind {
	case queue.CommandPause:
		p.gate.pause(cmd.Target)
	case queue.CommandResume:
		p.gate.resume(cmd.Target)
	case queue.CommandThrottle:
		p.gate.throttle(cmd.Target, cmd.RatePerSec)
	case queue.CommandEmergencyStop:
		p.gate.stop(cmd.Target)
	}
	p.logger.Info("Control command applied",
		log.F("kind", string(cmd.Kind)),
		log.F("target", cmd.Target),
		log.F("reason", cmd.Reason))
}

// Paused reports whether consumption for the queue is currently held.
func (p *Pool) Paused(queueName string) bool { return p.gate.blocked(queueName) }
