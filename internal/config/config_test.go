package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, ok := cfg.Routing["EXTRACTION"]; !ok {
		t.Fatalf("default routing missing EXTRACTION")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pidgeon.yaml")
	doc := `
server:
  addr: ":9090"
backend:
  kind: memory
taskQueue: tasks
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q, want :9090", cfg.Server.Addr)
	}
	// Defaults survive a partial file.
	if len(cfg.Queues) == 0 || cfg.Supervisor.HighWatermark == 0 {
		t.Fatalf("partial file dropped defaults")
	}
}

func TestValidateRejectsUnknownTaskType(t *testing.T) {
	cfg := Default()
	cfg.Routing["REFORMAT"] = RouteConfig{TargetQueue: "tasks"}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Fatalf("expected unknown task type error, got %v", err)
	}
}

func TestValidateRejectsUnknownTargetQueue(t *testing.T) {
	cfg := Default()
	r := cfg.Routing["ANALYSIS"]
	r.TargetQueue = "nonexistent"
	cfg.Routing["ANALYSIS"] = r
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown queue") {
		t.Fatalf("expected unknown queue error, got %v", err)
	}
}

func TestValidateRejectsMissingRoute(t *testing.T) {
	cfg := Default()
	delete(cfg.Routing, "SUMMARIZATION")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "no routing entry") {
		t.Fatalf("expected missing route error, got %v", err)
	}
}

func TestValidateWatermarkOrdering(t *testing.T) {
	cfg := Default()
	cfg.Supervisor.LowWatermark = cfg.Supervisor.HighWatermark
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected watermark ordering error")
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("PIDGEON_SERVER_ADDR", ":7070")
	t.Setenv("PIDGEON_HIGH_WATERMARK", "42000")
	cfg := Default()
	FromEnv(&cfg)
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("env addr not applied")
	}
	if cfg.Supervisor.HighWatermark != 42000 {
		t.Fatalf("env watermark not applied")
	}
}
