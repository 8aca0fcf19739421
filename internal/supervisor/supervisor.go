// Package supervisor is the reliability policy engine. It watches delivery
// outcomes and queue depth across the registry and reacts on the control
// plane only: circuit breakers per (queue, task type), hysteresis admission
// control against depth watermarks, statistical anomaly alerts and operator
// emergency stop. It never touches payload data, and all of its state is
// recomputable from live queue metrics after a restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/metrics"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

// ErrAdmissionDeferred rejects a publish shed by backpressure. The producer
// should retry after depth drains below the low watermark.
var ErrAdmissionDeferred = errors.New("supervisor: publish deferred below priority cutoff")

type circuitKey struct {
	queue    string
	taskType string
}

// CircuitSnapshot is one breaker's externally visible state.
type CircuitSnapshot struct {
	Queue       string  `json:"queue"`
	TaskType    string  `json:"task_type"`
	State       string  `json:"state"`
	FailureRate float64 `json:"failure_rate"`
}

// Supervisor observes the registry and drives the control plane.
type Supervisor struct {
	cfg     config.SupervisorConfig
	reg     *queue.Registry
	control queue.Queue
	factory *envelope.Factory
	logger  log.Logger
	metrics *metrics.Metrics
	nowMs   func() int64

	mu       sync.Mutex
	circuits map[circuitKey]*circuit
	cutoffs  map[string]int
	stopped  map[string]bool
	detect   *detector
	rules    alertRules
	audit    *auditTrail

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a supervisor over the registry. The control queue carries the
// commands it issues; alert rules are compiled up front so a bad expression
// is a startup error.
func New(cfg config.SupervisorConfig, reg *queue.Registry, control queue.Queue,
	f *envelope.Factory, logger log.Logger, m *metrics.Metrics) (*Supervisor, error) {
	rules, err := compileAlertRules(cfg.AlertRules)
	if err != nil {
		return nil, fmt.Errorf("supervisor: alert rules: %w", err)
	}
	return &Supervisor{
		cfg:      cfg,
		reg:      reg,
		control:  control,
		factory:  f,
		logger:   logger.WithComponent("supervisor"),
		metrics:  m,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
		circuits: make(map[circuitKey]*circuit),
		cutoffs:  make(map[string]int),
		stopped:  make(map[string]bool),
		detect:   newDetector(cfg.ZScore),
		rules:    rules,
		audit:    newAuditTrail(cfg.AuditSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (s *Supervisor) policy() CircuitPolicy {
	return CircuitPolicy{
		DegradedRate:        s.cfg.DegradedRate,
		OpenRate:            s.cfg.OpenRate,
		ConsecutiveFailures: s.cfg.ConsecutiveFailures,
		WindowSize:          s.cfg.WindowSize,
		Cooldown:            time.Duration(s.cfg.CooldownMs) * time.Millisecond,
		CooldownMultiplier:  s.cfg.CooldownMultiplier,
		CooldownMax:         time.Duration(s.cfg.CooldownMaxMs) * time.Millisecond,
		HalfOpenTrials:      s.cfg.HalfOpenTrials,
		RecoveryRate:        s.cfg.RecoveryRate,
	}
}

func (s *Supervisor) circuitLocked(key circuitKey) *circuit {
	c, ok := s.circuits[key]
	if !ok {
		c = newCircuit(s.policy())
		s.circuits[key] = c
	}
	return c
}

// Run samples queue depth on the configured interval until ctx is cancelled
// or Stop is called.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)
	interval := time.Duration(s.cfg.SampleIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("Supervisor started", log.F("sample_interval", interval.String()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}

// Stop halts the sampling loop. Callers that never started Run must not call
// Stop.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Sample takes one depth reading across the registry and re-evaluates the
// admission watermarks.
func (s *Supervisor) Sample(ctx context.Context) {
	depths, err := s.reg.Depths(ctx)
	if err != nil {
		s.logger.Warn("Depth sample failed", log.Err(err))
	}
	for name, d := range depths {
		s.metrics.QueueDepth.WithLabelValues(name, "ready").Set(float64(d.Ready))
		s.metrics.QueueDepth.WithLabelValues(name, "in_flight").Set(float64(d.InFlight))
		s.metrics.QueueDepth.WithLabelValues(name, "delayed").Set(float64(d.Delayed))
		s.evaluateWatermarks(ctx, name, d.Total())
	}
}

// evaluateWatermarks applies hysteresis admission control for one queue:
// the cutoff engages above the high watermark and releases only below the
// low watermark, so depth hovering near either bound cannot oscillate.
func (s *Supervisor) evaluateWatermarks(ctx context.Context, queueName string, depth int) {
	s.mu.Lock()
	active := s.cutoffs[queueName]
	engage := active == 0 && depth > s.cfg.HighWatermark
	release := active != 0 && depth < s.cfg.LowWatermark
	if engage {
		s.cutoffs[queueName] = s.cfg.PriorityCutoff
	}
	if release {
		delete(s.cutoffs, queueName)
	}
	nowMs := s.nowMs()
	s.mu.Unlock()

	if engage {
		s.metrics.AdmissionCutoff.WithLabelValues(queueName).Set(float64(s.cfg.PriorityCutoff))
		detail := fmt.Sprintf("depth %d above high watermark %d; deferring below priority %d",
			depth, s.cfg.HighWatermark, s.cfg.PriorityCutoff)
		s.recordAudit(AuditEntry{TsMs: nowMs, Kind: auditBackpressure, Queue: queueName, Detail: detail})
		s.logger.Warn("Backpressure engaged", log.F("queue", queueName), log.F("depth", depth))
		s.publishControl(ctx, queue.Command{
			Kind:           queue.CommandThrottle,
			Target:         queueName,
			PriorityCutoff: s.cfg.PriorityCutoff,
			Reason:         detail,
		})
	}
	if release {
		s.metrics.AdmissionCutoff.WithLabelValues(queueName).Set(0)
		detail := fmt.Sprintf("depth %d below low watermark %d", depth, s.cfg.LowWatermark)
		s.recordAudit(AuditEntry{TsMs: nowMs, Kind: auditBackpressure, Queue: queueName, Detail: detail})
		s.logger.Info("Backpressure released", log.F("queue", queueName), log.F("depth", depth))
		s.publishControl(ctx, queue.Command{
			Kind:   queue.CommandResume,
			Target: queueName,
			Reason: detail,
		})
	}
}

// AdmitPublish gates a publish against the active cutoff for the queue.
func (s *Supervisor) AdmitPublish(queueName string, priority int) error {
	s.mu.Lock()
	cutoff := s.cutoffs[queueName]
	s.mu.Unlock()
	if cutoff > 0 && priority < cutoff {
		return fmt.Errorf("%w: queue %s admits priority >= %d", ErrAdmissionDeferred, queueName, cutoff)
	}
	return nil
}

// Allow reports whether a new delivery for the pair may be dispatched. An
// OPEN circuit denies until its cooldown elapses, then admits a bounded
// half-open trial. An emergency stop denies everything for its target.
func (s *Supervisor) Allow(queueName, taskType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped[""] || s.stopped[queueName] {
		return false
	}
	c := s.circuitLocked(circuitKey{queue: queueName, taskType: taskType})
	before := c.state
	allowed := c.allow(s.nowMs())
	if c.state != before {
		s.noteTransitionLocked(queueName, taskType, before, c.state, "cooldown elapsed")
	}
	return allowed
}

// ReportOutcome feeds one delivery outcome into the breaker for the pair and
// the anomaly detector. Circuit transitions publish control commands.
func (s *Supervisor) ReportOutcome(ctx context.Context, queueName, taskType string, ok bool, elapsed time.Duration) {
	var cmds []queue.Command

	s.mu.Lock()
	key := circuitKey{queue: queueName, taskType: taskType}
	c := s.circuitLocked(key)
	before := c.state
	after := c.record(ok, s.nowMs())
	rate := c.failureRate()
	if after != before {
		detail := fmt.Sprintf("failure rate %.2f", rate)
		s.noteTransitionLocked(queueName, taskType, before, after, detail)
		switch {
		case after == StateOpen:
			cmds = append(cmds, queue.Command{
				Kind:   queue.CommandPause,
				Target: queueName,
				Reason: fmt.Sprintf("circuit open for %s: %s", taskType, detail),
			})
		case before == StateHalfOpen && after == StateHealthy:
			cmds = append(cmds, queue.Command{
				Kind:   queue.CommandResume,
				Target: queueName,
				Reason: fmt.Sprintf("circuit recovered for %s", taskType),
			})
		}
	}

	latencyMs := float64(elapsed.Milliseconds())
	alerts := make([]AuditEntry, 0, 2)
	if flagged, z := s.detect.observe(taskType+"/latency_ms", latencyMs); flagged {
		if s.rules.admit(auditAnomaly, queueName, taskType, "latency_ms", latencyMs, z) {
			alerts = append(alerts, AuditEntry{
				TsMs: s.nowMs(), Kind: auditAnomaly, Queue: queueName, TaskType: taskType,
				Detail: fmt.Sprintf("latency_ms=%.0f z=%.2f", latencyMs, z),
			})
			s.metrics.AnomalyFlags.WithLabelValues(taskType, "latency_ms").Inc()
		}
	}
	if flagged, z := s.detect.observe(taskType+"/error_rate", rate); flagged {
		if s.rules.admit(auditAnomaly, queueName, taskType, "error_rate", rate, z) {
			alerts = append(alerts, AuditEntry{
				TsMs: s.nowMs(), Kind: auditAnomaly, Queue: queueName, TaskType: taskType,
				Detail: fmt.Sprintf("error_rate=%.2f z=%.2f", rate, z),
			})
			s.metrics.AnomalyFlags.WithLabelValues(taskType, "error_rate").Inc()
		}
	}
	for _, a := range alerts {
		s.audit.append(a)
	}
	s.mu.Unlock()

	for _, a := range alerts {
		s.logger.Warn("Anomaly flagged",
			log.F("queue", a.Queue), log.F("task_type", a.TaskType), log.F("detail", a.Detail))
	}
	for _, cmd := range cmds {
		s.publishControl(ctx, cmd)
	}
}

// noteTransitionLocked records a circuit transition in the audit trail, the
// log and the state gauge. Callers hold s.mu.
func (s *Supervisor) noteTransitionLocked(queueName, taskType string, from, to State, detail string) {
	s.audit.append(AuditEntry{
		TsMs:     s.nowMs(),
		Kind:     auditCircuit,
		Queue:    queueName,
		TaskType: taskType,
		Detail:   fmt.Sprintf("%s -> %s: %s", from, to, detail),
	})
	s.metrics.CircuitState.WithLabelValues(queueName, taskType).Set(float64(to))
	s.logger.Info("Circuit transition",
		log.F("queue", queueName),
		log.F("task_type", taskType),
		log.F("from", from.String()),
		log.F("to", to.String()),
		log.F("detail", detail))
}

// EmergencyStop pauses all consumption for the target queue, or for every
// queue when target is empty. Idempotent: stopping a stopped target records
// nothing new.
func (s *Supervisor) EmergencyStop(ctx context.Context, target, reason string) error {
	s.mu.Lock()
	already := s.stopped[target]
	if !already {
		s.stopped[target] = true
		s.recordAuditLocked(AuditEntry{
			TsMs: s.nowMs(), Kind: auditCommand, Queue: target,
			Detail: "emergency stop: " + reason,
		})
	}
	s.mu.Unlock()
	if already {
		return nil
	}
	s.logger.Error("Emergency stop", log.F("target", target), log.F("reason", reason))
	return s.publishControl(ctx, queue.Command{
		Kind:   queue.CommandEmergencyStop,
		Target: target,
		Reason: reason,
	})
}

// Resume lifts an emergency stop for the target. Idempotent.
func (s *Supervisor) Resume(ctx context.Context, target, reason string) error {
	s.mu.Lock()
	wasStopped := s.stopped[target]
	if wasStopped {
		delete(s.stopped, target)
		s.recordAuditLocked(AuditEntry{
			TsMs: s.nowMs(), Kind: auditCommand, Queue: target,
			Detail: "resume: " + reason,
		})
	}
	s.mu.Unlock()
	if !wasStopped {
		return nil
	}
	s.logger.Info("Resumed", log.F("target", target), log.F("reason", reason))
	return s.publishControl(ctx, queue.Command{
		Kind:   queue.CommandResume,
		Target: target,
		Reason: reason,
	})
}

// Stopped reports whether the target (or everything) is under emergency stop.
func (s *Supervisor) Stopped(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[""] || s.stopped[target]
}

// Circuits returns a snapshot of every breaker, sorted by map iteration at
// the caller's mercy; HTTP handlers sort before rendering.
func (s *Supervisor) Circuits() []CircuitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CircuitSnapshot, 0, len(s.circuits))
	for key, c := range s.circuits {
		out = append(out, CircuitSnapshot{
			Queue:       key.queue,
			TaskType:    key.taskType,
			State:       c.state.String(),
			FailureRate: c.failureRate(),
		})
	}
	return out
}

// Audit returns the retained audit trail, oldest first.
func (s *Supervisor) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audit.snapshot()
}

func (s *Supervisor) recordAudit(e AuditEntry) {
	s.mu.Lock()
	s.audit.append(e)
	s.mu.Unlock()
}

func (s *Supervisor) recordAuditLocked(e AuditEntry) { s.audit.append(e) }

// publishControl emits one command on the control queue. Control delivery is
// advisory; a publish failure is logged, never escalated into queue state.
func (s *Supervisor) publishControl(ctx context.Context, cmd queue.Command) error {
	if s.control == nil {
		return nil
	}
	env, err := queue.ControlEnvelope(s.factory, cmd)
	if err != nil {
		return err
	}
	if err := s.control.Publish(ctx, env); err != nil {
		s.logger.Error("Control publish failed", log.F("kind", string(cmd.Kind)), log.Err(err))
		return err
	}
	s.metrics.ControlCommands.WithLabelValues(string(cmd.Kind)).Inc()
	return nil
}
