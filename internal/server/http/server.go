// Package httpserver is the admin and producer boundary: publish, consume,
// ack, nack, depth, dead-letter triage, supervisor control and Prometheus
// exposition over plain HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
	"github.com/CalBearKen/ProjectPidgeon/internal/queue"
	"github.com/CalBearKen/ProjectPidgeon/internal/runtime"
	"github.com/CalBearKen/ProjectPidgeon/internal/supervisor"
)

type Server struct {
	rt  *runtime.Runtime
	srv *http.Server
	lis net.Listener
}

func New(rt *runtime.Runtime) *Server {
	mux := http.NewServeMux()
	s := &Server{rt: rt, srv: &http.Server{Handler: mux}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/queues", s.handleQueues)
	mux.HandleFunc("/v1/queues/publish", s.handlePublish)
	mux.HandleFunc("/v1/queues/consume", s.handleConsume)
	mux.HandleFunc("/v1/queues/ack", s.handleAck)
	mux.HandleFunc("/v1/queues/nack", s.handleNack)
	mux.HandleFunc("/v1/queues/depth", s.handleDepth)
	mux.HandleFunc("/v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/v1/deadletters/replay", s.handleReplay)
	mux.HandleFunc("/v1/deadletters/discard", s.handleDiscard)
	mux.HandleFunc("/v1/supervisor/circuits", s.handleCircuits)
	mux.HandleFunc("/v1/supervisor/audit", s.handleAudit)
	mux.HandleFunc("/v1/supervisor/stop", s.handleStop)
	mux.HandleFunc("/v1/supervisor/resume", s.handleResume)
	mux.Handle("/metrics", rt.Metrics().Handler())
	return s
}

// Handler exposes the mux for in-process tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrUnknownQueue), errors.Is(err, queue.ErrUnknownGroup):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, supervisor.ErrAdmissionDeferred):
		status = http.StatusTooManyRequests
	case errors.Is(err, queue.ErrNoMessage):
		status = http.StatusNoContent
	case errors.Is(err, queue.ErrNotInFlight):
		status = http.StatusConflict
	}
	var verr *envelope.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": s.rt.Registry().Names()})
}

type publishReq struct {
	Queue    string                 `json:"queue"`
	TaskType string                 `json:"task_type"`
	Priority int                    `json:"priority"`
	TTLMs    int64                  `json:"ttl_ms"`
	Payload  map[string]interface{} `json:"payload"`
}

// handlePublish constructs an envelope and publishes it to the intake queue
// (or an explicit queue). Backpressure defers publishes below the active
// priority cutoff with 429.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.Queue == "" {
		req.Queue = s.rt.Config().TaskQueue
	}
	taskType, err := envelope.ParseTaskType(req.TaskType)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	env, err := s.rt.Factory().New(taskType, req.Payload, s.rt.Schemas())
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Priority != 0 {
		env.Header.Priority = req.Priority
	}
	if req.TTLMs > 0 {
		env.Header.TTLMs = req.TTLMs
	}
	if err := envelope.Validate(env, s.rt.Schemas()); err != nil {
		writeError(w, err)
		return
	}
	if err := s.rt.Supervisor().AdmitPublish(req.Queue, env.Header.Priority); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.rt.Registry().Get(req.Queue)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := q.Publish(r.Context(), env); err != nil {
		writeError(w, err)
		return
	}
	s.rt.Metrics().PublishedTotal.WithLabelValues(req.Queue).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message_id":     env.Header.MessageID,
		"correlation_id": env.Header.CorrelationID,
	})
}

type consumeReq struct {
	Queue     string `json:"queue"`
	Group     string `json:"group"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req consumeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	q, err := s.rt.Registry().Get(req.Queue)
	if err != nil {
		writeError(w, err)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	env, err := q.Consume(r.Context(), req.Group, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	s.rt.Metrics().ConsumedTotal.WithLabelValues(req.Queue, req.Group).Inc()
	writeJSON(w, http.StatusOK, env)
}

type settleReq struct {
	Queue     string `json:"queue"`
	Group     string `json:"group"`
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req settleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	q, err := s.rt.Registry().Get(req.Queue)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := q.Ack(r.Context(), req.Group, req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req settleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	q, err := s.rt.Registry().Get(req.Queue)
	if err != nil {
		writeError(w, err)
		return
	}
	cause := errors.New("nacked by consumer")
	if req.Reason != "" {
		cause = errors.New(req.Reason)
	}
	if err := q.Nack(r.Context(), req.Group, req.MessageID, cause); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("queue")
	if name == "" {
		depths, err := s.rt.Registry().Depths(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, depths)
		return
	}
	q, err := s.rt.Registry().Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := q.Depth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("queue")
	recs, err := s.rt.Registry().ListDeadLetters(r.Context(), name, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type dlrReq struct {
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req dlrReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.rt.Registry().ReplayDeadLetter(r.Context(), req.Queue, req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req dlrReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.rt.Registry().DiscardDeadLetter(r.Context(), req.Queue, req.MessageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": s.rt.Supervisor().Circuits()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.rt.Supervisor().Audit()})
}

type controlReq struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req controlReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.rt.Supervisor().EmergencyStop(r.Context(), req.Target, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req controlReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := s.rt.Supervisor().Resume(r.Context(), req.Target, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
