package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/metrics"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue/memory"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

const controlGroup = "runtime"

func newTestSupervisor(t *testing.T, mutate func(*config.SupervisorConfig)) (*Supervisor, queue.Queue, *queue.Registry, *atomic.Int64) {
	t.Helper()
	logger := log.NewNopLogger()
	reg := queue.NewRegistry(logger)

	tasks := memory.New("tasks", queue.Options{Groups: []string{"workers"}}, logger)
	control := memory.New(queue.ControlQueueName, queue.Options{Groups: []string{controlGroup}}, logger)
	if err := reg.Add(tasks); err != nil {
		t.Fatalf("add tasks: %v", err)
	}
	if err := reg.Add(control); err != nil {
		t.Fatalf("add control: %v", err)
	}

	cfg := config.Default().Supervisor
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, reg, control, envelope.NewFactory(), logger, metrics.New())
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	clock := &atomic.Int64{}
	clock.Store(1_000_000)
	s.nowMs = clock.Load
	t.Cleanup(func() { reg.Close(context.Background()) })
	return s, control, reg, clock
}

func reportN(ctx context.Context, s *Supervisor, n int, ok bool) {
	for i := 0; i < n; i++ {
		s.ReportOutcome(ctx, "tasks", "EXTRACTION", ok, 10*time.Millisecond)
	}
}

func circuitState(t *testing.T, s *Supervisor, queueName, taskType string) string {
	t.Helper()
	for _, c := range s.Circuits() {
		if c.Queue == queueName && c.TaskType == taskType {
			return c.State
		}
	}
	t.Fatalf("no circuit for %s/%s", queueName, taskType)
	return ""
}

func drainControl(t *testing.T, control queue.Queue) []queue.Command {
	t.Helper()
	ctx := context.Background()
	var cmds []queue.Command
	for {
		env, err := control.Consume(ctx, controlGroup, 50*time.Millisecond)
		if errors.Is(err, queue.ErrNoMessage) {
			return cmds
		}
		if err != nil {
			t.Fatalf("consume control: %v", err)
		}
		cmd, err := queue.ParseControl(env)
		if err != nil {
			t.Fatalf("parse control: %v", err)
		}
		if err := control.Ack(ctx, controlGroup, env.Header.MessageID); err != nil {
			t.Fatalf("ack control: %v", err)
		}
		cmds = append(cmds, cmd)
	}
}

func TestConsecutiveFailuresOpenCircuit(t *testing.T) {
	s, control, _, clock := newTestSupervisor(t, nil)
	ctx := context.Background()

	reportN(ctx, s, 5, false)
	if got := circuitState(t, s, "tasks", "EXTRACTION"); got != "OPEN" {
		t.Fatalf("state = %s, want OPEN", got)
	}
	if s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("open circuit admitted a delivery")
	}

	cmds := drainControl(t, control)
	if len(cmds) != 1 || cmds[0].Kind != queue.CommandPause {
		t.Fatalf("commands = %+v, want one PAUSE", cmds)
	}

	// Cooldown elapsed: a bounded half-open trial is admitted.
	clock.Add(5_001)
	admitted := 0
	for i := 0; i < 10; i++ {
		if s.Allow("tasks", "EXTRACTION") {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("half-open admitted %d trials, want 3", admitted)
	}
}

func TestHalfOpenRecoversToHealthy(t *testing.T) {
	s, control, _, clock := newTestSupervisor(t, nil)
	ctx := context.Background()

	reportN(ctx, s, 5, false)
	clock.Add(5_001)
	for i := 0; i < 3; i++ {
		if !s.Allow("tasks", "EXTRACTION") {
			t.Fatalf("trial %d denied", i)
		}
		s.ReportOutcome(ctx, "tasks", "EXTRACTION", true, 10*time.Millisecond)
	}
	if got := circuitState(t, s, "tasks", "EXTRACTION"); got != "HEALTHY" {
		t.Fatalf("state = %s, want HEALTHY", got)
	}
	if !s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("healthy circuit denied a delivery")
	}

	cmds := drainControl(t, control)
	if len(cmds) != 2 || cmds[0].Kind != queue.CommandPause || cmds[1].Kind != queue.CommandResume {
		t.Fatalf("commands = %+v, want PAUSE then RESUME", cmds)
	}
}

func TestFailedRecoveryGrowsCooldown(t *testing.T) {
	s, _, _, clock := newTestSupervisor(t, nil)
	ctx := context.Background()

	reportN(ctx, s, 5, false)
	clock.Add(5_001)
	for i := 0; i < 3; i++ {
		if !s.Allow("tasks", "EXTRACTION") {
			t.Fatalf("trial %d denied", i)
		}
		s.ReportOutcome(ctx, "tasks", "EXTRACTION", false, 10*time.Millisecond)
	}
	if got := circuitState(t, s, "tasks", "EXTRACTION"); got != "OPEN" {
		t.Fatalf("state = %s, want OPEN after failed trial", got)
	}

	// The first cooldown was 5s; after a failed recovery it doubles.
	clock.Add(5_001)
	if s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("circuit reopened before the grown cooldown elapsed")
	}
	clock.Add(5_000)
	if !s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("circuit still closed after the grown cooldown")
	}
}

func TestErrorRateDegrades(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t, func(c *config.SupervisorConfig) {
		c.ConsecutiveFailures = 100
	})
	ctx := context.Background()

	// 3 failures in 10 outcomes: above the 0.25 degraded threshold, below
	// the 0.5 open threshold. Interleave so failures never run consecutive.
	for i := 0; i < 10; i++ {
		s.ReportOutcome(ctx, "tasks", "EXTRACTION", i%3 != 0, 10*time.Millisecond)
	}
	if got := circuitState(t, s, "tasks", "EXTRACTION"); got != "DEGRADED" {
		t.Fatalf("state = %s, want DEGRADED", got)
	}
	if !s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("degraded circuit must still admit deliveries")
	}
}

func TestBackpressureHysteresis(t *testing.T) {
	s, control, reg, _ := newTestSupervisor(t, func(c *config.SupervisorConfig) {
		c.HighWatermark = 5
		c.LowWatermark = 2
		c.PriorityCutoff = 7
	})
	ctx := context.Background()
	tasks, err := reg.Get("tasks")
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}

	f := envelope.NewFactory()
	schemas := envelope.DefaultRegistry()
	for i := 0; i < 6; i++ {
		env, err := f.New(envelope.TaskCustom, map[string]interface{}{"task_id": "t"}, schemas)
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		if err := tasks.Publish(ctx, env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	s.Sample(ctx)
	if err := s.AdmitPublish("tasks", 3); !errors.Is(err, ErrAdmissionDeferred) {
		t.Fatalf("low priority admitted above high watermark: %v", err)
	}
	if err := s.AdmitPublish("tasks", 8); err != nil {
		t.Fatalf("urgent publish deferred: %v", err)
	}
	cmds := drainControl(t, control)
	if len(cmds) != 1 || cmds[0].Kind != queue.CommandThrottle || cmds[0].PriorityCutoff != 7 {
		t.Fatalf("commands = %+v, want one THROTTLE with cutoff 7", cmds)
	}

	// Drain to 3: between the watermarks the cutoff must hold.
	for i := 0; i < 3; i++ {
		env, err := tasks.Consume(ctx, "workers", time.Second)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if err := tasks.Ack(ctx, "workers", env.Header.MessageID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	s.Sample(ctx)
	if err := s.AdmitPublish("tasks", 3); !errors.Is(err, ErrAdmissionDeferred) {
		t.Fatalf("cutoff released between the watermarks")
	}
	if got := drainControl(t, control); len(got) != 0 {
		t.Fatalf("unexpected commands between watermarks: %+v", got)
	}

	// Below the low watermark the cutoff lifts.
	for i := 0; i < 2; i++ {
		env, err := tasks.Consume(ctx, "workers", time.Second)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if err := tasks.Ack(ctx, "workers", env.Header.MessageID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	s.Sample(ctx)
	if err := s.AdmitPublish("tasks", 3); err != nil {
		t.Fatalf("publish still deferred below low watermark: %v", err)
	}
	cmds = drainControl(t, control)
	if len(cmds) != 1 || cmds[0].Kind != queue.CommandResume {
		t.Fatalf("commands = %+v, want one RESUME", cmds)
	}
}

func TestEmergencyStopIsIdempotent(t *testing.T) {
	s, control, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	if err := s.EmergencyStop(ctx, "tasks", "operator"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.EmergencyStop(ctx, "tasks", "operator again"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("stopped queue admitted a delivery")
	}
	if !s.Stopped("tasks") {
		t.Fatalf("Stopped() = false for stopped queue")
	}

	if err := s.Resume(ctx, "tasks", "cleared"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.Resume(ctx, "tasks", "cleared again"); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if !s.Allow("tasks", "EXTRACTION") {
		t.Fatalf("resumed queue denied a delivery")
	}

	cmds := drainControl(t, control)
	if len(cmds) != 2 || cmds[0].Kind != queue.CommandEmergencyStop || cmds[1].Kind != queue.CommandResume {
		t.Fatalf("commands = %+v, want EMERGENCY_STOP then RESUME", cmds)
	}

	commandEntries := 0
	for _, e := range s.Audit() {
		if e.Kind == auditCommand {
			commandEntries++
		}
	}
	if commandEntries != 2 {
		t.Fatalf("audit command entries = %d, want 2", commandEntries)
	}
}

func TestLatencyAnomalyIsFlagged(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t, nil)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		// Small spread keeps the variance finite without drowning the spike.
		s.ReportOutcome(ctx, "tasks", "ANALYSIS", true, time.Duration(100+i%3)*time.Millisecond)
	}
	s.ReportOutcome(ctx, "tasks", "ANALYSIS", true, 10*time.Second)

	found := false
	for _, e := range s.Audit() {
		if e.Kind == auditAnomaly && strings.Contains(e.Detail, "latency_ms") {
			found = true
		}
	}
	if !found {
		t.Fatalf("latency spike not flagged in audit trail")
	}
}

func TestAlertRulesFilterAnomalies(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t, func(c *config.SupervisorConfig) {
		c.AlertRules = []string{`value > 60000.0`}
	})
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		s.ReportOutcome(ctx, "tasks", "ANALYSIS", true, time.Duration(100+i%3)*time.Millisecond)
	}
	// Anomalous against the distribution but below the rule's floor.
	s.ReportOutcome(ctx, "tasks", "ANALYSIS", true, 10*time.Second)

	for _, e := range s.Audit() {
		if e.Kind == auditAnomaly {
			t.Fatalf("rule-rejected anomaly reached the audit trail: %+v", e)
		}
	}
}

func TestBadAlertRuleFailsConstruction(t *testing.T) {
	logger := log.NewNopLogger()
	reg := queue.NewRegistry(logger)
	cfg := config.Default().Supervisor
	cfg.AlertRules = []string{`value >`}
	if _, err := New(cfg, reg, nil, envelope.NewFactory(), logger, metrics.New()); err == nil {
		t.Fatalf("expected compile error for malformed rule")
	}
}
