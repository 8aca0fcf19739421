package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CalBearKen/ProjectPidgeon/internal/config"
	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/runtime"
	"github.com/CalBearKen/ProjectPidgeon/pkg/log"
)

func newTestServer(t *testing.T) (*httptest.Server, *runtime.Runtime) {
	t.Helper()
	rt, err := runtime.Open(config.Default(), log.NewNopLogger())
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	ts := httptest.NewServer(New(rt).Handler())
	t.Cleanup(func() {
		ts.Close()
		rt.Close(context.Background())
	})
	return ts, rt
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPublishConsumeAckRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/queues/publish", map[string]any{
		"task_type": "CUSTOM",
		"priority":  8,
		"payload":   map[string]any{"task_id": "t-1"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("publish status = %d", resp.StatusCode)
	}
	var pub struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pub); err != nil {
		t.Fatalf("decode publish: %v", err)
	}
	if pub.MessageID == "" {
		t.Fatalf("publish returned no message_id")
	}

	resp = postJSON(t, ts.URL+"/v1/queues/consume", map[string]any{
		"queue":      "tasks",
		"group":      "interpreter",
		"timeout_ms": 1000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume status = %d", resp.StatusCode)
	}
	var env envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Header.MessageID != pub.MessageID {
		t.Fatalf("consumed %s, want %s", env.Header.MessageID, pub.MessageID)
	}
	if env.Header.Priority != 8 {
		t.Fatalf("priority = %d, want 8", env.Header.Priority)
	}

	resp = postJSON(t, ts.URL+"/v1/queues/ack", map[string]any{
		"queue":      "tasks",
		"group":      "interpreter",
		"message_id": pub.MessageID,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}

	// Consume again: nothing left.
	resp = postJSON(t, ts.URL+"/v1/queues/consume", map[string]any{
		"queue":      "tasks",
		"group":      "interpreter",
		"timeout_ms": 50,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty consume status = %d", resp.StatusCode)
	}
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	ts, _ := newTestServer(t)

	// EXTRACTION requires input_data.
	resp := postJSON(t, ts.URL+"/v1/queues/publish", map[string]any{
		"task_type": "EXTRACTION",
		"payload":   map[string]any{"task_id": "t-1"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Fields []envelope.FieldError `json:"fields"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Fields) == 0 {
		t.Fatalf("validation response lists no fields")
	}
}

func TestDepthUnknownQueue(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/queues/depth?queue=nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEmergencyStopAndResume(t *testing.T) {
	ts, rt := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/supervisor/stop", map[string]any{
		"target": "tasks",
		"reason": "operator drill",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if !rt.Supervisor().Stopped("tasks") {
		t.Fatalf("supervisor not stopped after endpoint call")
	}

	resp = postJSON(t, ts.URL+"/v1/supervisor/resume", map[string]any{
		"target": "tasks",
		"reason": "drill complete",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if rt.Supervisor().Stopped("tasks") {
		t.Fatalf("supervisor still stopped after resume")
	}

	resp2, err := http.Get(ts.URL + "/v1/supervisor/audit")
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	defer resp2.Body.Close()
	var audit struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&audit); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(audit.Entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(audit.Entries))
	}
}

func TestMetricsExposition(t *testing.T) {
	ts, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/v1/queues/publish", map[string]any{
			"task_type": "CUSTOM",
			"payload":   map[string]any{"task_id": fmt.Sprintf("t-%d", i)},
		})
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("publish status = %d", resp.StatusCode)
		}
	}
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
