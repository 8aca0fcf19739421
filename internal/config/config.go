// Package config loads and validates the process configuration: queue
// topology, per-task-type routing, backend selection and supervisor policy.
// Validation is exhaustive at load time so an unroutable task type is a
// startup error, never a runtime surprise.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
)

// Config is the top-level configuration loaded from file and env.
type Config struct {
	Server     ServerConfig           `json:"server" yaml:"server"`
	Log        LogConfig              `json:"log" yaml:"log"`
	Backend    BackendConfig          `json:"backend" yaml:"backend"`
	TaskQueue  string                 `json:"taskQueue" yaml:"taskQueue"`
	Queues     []QueueConfig          `json:"queues" yaml:"queues"`
	Routing    map[string]RouteConfig `json:"routing" yaml:"routing"`
	Supervisor SupervisorConfig       `json:"supervisor" yaml:"supervisor"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// BackendConfig selects and parameterizes the queue backend.
type BackendConfig struct {
	// Kind is one of "memory", "pebble", "redis".
	Kind      string `json:"kind" yaml:"kind"`
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	RedisAddr string `json:"redisAddr" yaml:"redisAddr"`
	// FsyncAlways forces a WAL sync per commit on the pebble backend.
	FsyncAlways bool `json:"fsyncAlways" yaml:"fsyncAlways"`
}

// QueueConfig declares one queue.
type QueueConfig struct {
	Name                string        `json:"name" yaml:"name"`
	Capacity            int           `json:"capacity" yaml:"capacity"`
	Groups              []string      `json:"groups" yaml:"groups"`
	VisibilityTimeoutMs int64         `json:"visibilityTimeoutMs" yaml:"visibilityTimeoutMs"`
	Backoff             BackoffConfig `json:"backoff" yaml:"backoff"`
}

// VisibilityTimeout returns the configured window as a duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutMs) * time.Millisecond
}

// BackoffConfig parameterizes redelivery delay.
type BackoffConfig struct {
	BaseMs     int64   `json:"baseMs" yaml:"baseMs"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	MaxMs      int64   `json:"maxMs" yaml:"maxMs"`
	Jitter     float64 `json:"jitter" yaml:"jitter"`
}

// RouteConfig fixes the interpreter's enrichment for one task type.
type RouteConfig struct {
	TargetQueue string `json:"targetQueue" yaml:"targetQueue"`
	Priority    int    `json:"priority" yaml:"priority"`
	TTLMs       int64  `json:"ttlMs" yaml:"ttlMs"`
	MaxRetries  int    `json:"maxRetries" yaml:"maxRetries"`
}

// SupervisorConfig parameterizes the reliability policy engine.
type SupervisorConfig struct {
	SampleIntervalMs int64 `json:"sampleIntervalMs" yaml:"sampleIntervalMs"`

	// Circuit thresholds: DegradedRate < OpenRate, both in (0,1].
	DegradedRate        float64 `json:"degradedRate" yaml:"degradedRate"`
	OpenRate            float64 `json:"openRate" yaml:"openRate"`
	ConsecutiveFailures int     `json:"consecutiveFailures" yaml:"consecutiveFailures"`
	WindowSize          int     `json:"windowSize" yaml:"windowSize"`
	CooldownMs          int64   `json:"cooldownMs" yaml:"cooldownMs"`
	CooldownMultiplier  float64 `json:"cooldownMultiplier" yaml:"cooldownMultiplier"`
	CooldownMaxMs       int64   `json:"cooldownMaxMs" yaml:"cooldownMaxMs"`
	HalfOpenTrials      int     `json:"halfOpenTrials" yaml:"halfOpenTrials"`
	RecoveryRate        float64 `json:"recoveryRate" yaml:"recoveryRate"`

	// Backpressure watermarks, in messages.
	HighWatermark  int `json:"highWatermark" yaml:"highWatermark"`
	LowWatermark   int `json:"lowWatermark" yaml:"lowWatermark"`
	PriorityCutoff int `json:"priorityCutoff" yaml:"priorityCutoff"`

	// Anomaly flagging: deviations beyond ZScore standard deviations alert.
	ZScore float64 `json:"zScore" yaml:"zScore"`
	// AlertRules are CEL expressions over alert fields; an alert fires only
	// if every rule admits it. Empty means all alerts fire.
	AlertRules []string `json:"alertRules" yaml:"alertRules"`

	// AuditSize bounds the in-memory audit trail ring.
	AuditSize int `json:"auditSize" yaml:"auditSize"`
}

// Default returns the built-in configuration: a memory backend with one raw
// task queue and one structured queue per domain task type.
func Default() Config {
	queues := []QueueConfig{
		{Name: "tasks", Capacity: 10_000, Groups: []string{"interpreter"}},
	}
	routing := make(map[string]RouteConfig)
	for _, t := range envelope.AllTaskTypes() {
		name := "structured." + string(t)
		queues = append(queues, QueueConfig{
			Name:     name,
			Capacity: 10_000,
			Groups:   []string{"workers"},
		})
		routing[string(t)] = RouteConfig{
			TargetQueue: name,
			Priority:    envelope.DefaultPriority,
			TTLMs:       envelope.DefaultTTLMs,
			MaxRetries:  envelope.DefaultMaxRetries,
		}
	}
	return Config{
		Server:    ServerConfig{Addr: ":8080"},
		Log:       LogConfig{Level: "info", Format: "json"},
		Backend:   BackendConfig{Kind: "memory", DataDir: "data"},
		TaskQueue: "tasks",
		Queues:    queues,
		Routing:   routing,
		Supervisor: SupervisorConfig{
			SampleIntervalMs:    1_000,
			DegradedRate:        0.25,
			OpenRate:            0.5,
			ConsecutiveFailures: 5,
			WindowSize:          50,
			CooldownMs:          5_000,
			CooldownMultiplier:  2,
			CooldownMaxMs:       300_000,
			HalfOpenTrials:      3,
			RecoveryRate:        0.8,
			HighWatermark:       5_000,
			LowWatermark:        2_500,
			PriorityCutoff:      7,
			ZScore:              3,
			AuditSize:           1_024,
		},
	}
}

// Load reads configuration from a JSON or YAML file, overlays PIDGEON_* env
// variables and validates the result. An empty path loads defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: %w", err)
			}
		default:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: %w", err)
			}
		}
	}
	FromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks internal consistency. Every routing entry must name a
// known task type and an existing queue; the supervisor watermarks and
// thresholds must be ordered.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "memory", "pebble", "redis":
	default:
		return fmt.Errorf("config: unknown backend kind %q", c.Backend.Kind)
	}
	if c.Backend.Kind == "pebble" && c.Backend.DataDir == "" {
		return fmt.Errorf("config: pebble backend requires dataDir")
	}
	if c.Backend.Kind == "redis" && c.Backend.RedisAddr == "" {
		return fmt.Errorf("config: redis backend requires redisAddr")
	}

	names := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("config: queue with empty name")
		}
		if names[q.Name] {
			return fmt.Errorf("config: duplicate queue %q", q.Name)
		}
		names[q.Name] = true
	}
	if c.TaskQueue == "" || !names[c.TaskQueue] {
		return fmt.Errorf("config: taskQueue %q is not a declared queue", c.TaskQueue)
	}

	// Exhaustive routing: every declared route names a known task type and
	// queue, and every domain task type has a route.
	for raw, route := range c.Routing {
		t, err := envelope.ParseTaskType(raw)
		if err != nil {
			return fmt.Errorf("config: routing: %w", err)
		}
		if t.IsControl() {
			return fmt.Errorf("config: routing must not cover control envelopes")
		}
		if !names[route.TargetQueue] {
			return fmt.Errorf("config: routing for %s targets unknown queue %q", t, route.TargetQueue)
		}
		if route.Priority != 0 && (route.Priority < envelope.PriorityMin || route.Priority > envelope.PriorityMax) {
			return fmt.Errorf("config: routing for %s has priority %d outside [%d,%d]",
				t, route.Priority, envelope.PriorityMin, envelope.PriorityMax)
		}
	}
	for _, t := range envelope.AllTaskTypes() {
		if _, ok := c.Routing[string(t)]; !ok {
			return fmt.Errorf("config: no routing entry for task type %s", t)
		}
	}

	s := c.Supervisor
	if s.DegradedRate <= 0 || s.OpenRate <= s.DegradedRate || s.OpenRate > 1 {
		return fmt.Errorf("config: supervisor rates must satisfy 0 < degradedRate < openRate <= 1")
	}
	if s.LowWatermark >= s.HighWatermark {
		return fmt.Errorf("config: lowWatermark must be below highWatermark")
	}
	if s.RecoveryRate <= 0 || s.RecoveryRate > 1 {
		return fmt.Errorf("config: recoveryRate must be in (0,1]")
	}
	return nil
}

// QueueByName returns the declared queue config.
func (c *Config) QueueByName(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}
