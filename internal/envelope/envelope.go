package envelope

import (
	"github.com/google/uuid"

	"github.com/CalBearKen/ProjectPidgeon/pkg/id"
)

// Default header values applied by the Factory.
const (
	DefaultPriority      = 5
	DefaultTTLMs         = 30_000
	DefaultMaxRetries    = 3
	DefaultSchemaVersion = "v1.0"

	// PriorityMin and PriorityMax bound the priority ordinal. Larger numbers
	// are more urgent.
	PriorityMin = 1
	PriorityMax = 9
)

// Route is the enrichment metadata the interpreter attaches once per
// envelope. Its presence marks an envelope as enriched.
type Route struct {
	TargetQueue   string `json:"target_queue"`
	InterpreterID string `json:"interpreter_id,omitempty"`
	EnrichedAtMs  int64  `json:"enriched_at_ms"`
}

// Header carries identity, routing and retry state for one envelope.
type Header struct {
	MessageID     string   `json:"message_id"`
	CorrelationID string   `json:"correlation_id"`
	TaskType      TaskType `json:"task_type"`
	Priority      int      `json:"priority"`
	TTLMs         int64    `json:"ttl_ms"`
	EnqueueTs     int64    `json:"enqueue_ts"`
	RetryCount    int      `json:"retry_count"`
	MaxRetries    int      `json:"max_retries"`
	SchemaVersion string   `json:"schema_version"`
	Route         *Route   `json:"route,omitempty"`
}

// Envelope is the complete message: header, opaque payload and an optional
// signature carried end to end without interpretation.
type Envelope struct {
	Header    Header                 `json:"header"`
	Payload   map[string]interface{} `json:"payload"`
	Signature string                 `json:"signature,omitempty"`
}

// Factory assigns message identity. One factory per process; the underlying
// generator guarantees message_id uniqueness for the process lifetime.
type Factory struct {
	gen *id.Generator
}

// NewFactory creates an envelope factory.
func NewFactory() *Factory { return &Factory{gen: id.NewGenerator()} }

// New builds an envelope with a fresh message_id, a fresh correlation_id and
// default header values, then validates it against the registry schema for
// its task type. The returned error, when non-nil, is a *ValidationError
// listing every failing field.
func (f *Factory) New(taskType TaskType, payload map[string]interface{}, reg *SchemaRegistry) (*Envelope, error) {
	env := &Envelope{
		Header: Header{
			MessageID:     f.gen.Next().String(),
			CorrelationID: uuid.NewString(),
			TaskType:      taskType,
			Priority:      DefaultPriority,
			TTLMs:         DefaultTTLMs,
			MaxRetries:    DefaultMaxRetries,
			SchemaVersion: DefaultSchemaVersion,
		},
		Payload: payload,
	}
	if err := Validate(env, reg); err != nil {
		return nil, err
	}
	return env, nil
}

// Derive builds a follow-up envelope in the same workflow: fresh message_id,
// the parent's correlation_id propagated unchanged.
func (f *Factory) Derive(parent *Envelope, taskType TaskType, payload map[string]interface{}, reg *SchemaRegistry) (*Envelope, error) {
	env, err := f.New(taskType, payload, reg)
	if err != nil {
		return nil, err
	}
	env.Header.CorrelationID = parent.Header.CorrelationID
	return env, nil
}

// Enriched reports whether routing metadata is already present. Enrichment is
// additive and idempotent: callers must not re-apply defaults when this is
// true.
func (e *Envelope) Enriched() bool { return e.Header.Route != nil }

// Expired reports whether the envelope's TTL budget has elapsed relative to
// its enqueue timestamp. An envelope that was never enqueued cannot expire.
func (e *Envelope) Expired(nowMs int64) bool {
	if e.Header.EnqueueTs <= 0 || e.Header.TTLMs <= 0 {
		return false
	}
	return nowMs-e.Header.EnqueueTs > e.Header.TTLMs
}

// CanRetry reports whether another redelivery stays within max_retries.
func (e *Envelope) CanRetry() bool { return e.Header.RetryCount < e.Header.MaxRetries }

// Clone returns a deep copy. Backends hand out clones so concurrent consumer
// groups never share payload maps.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.Header.Route != nil {
		r := *e.Header.Route
		cp.Header.Route = &r
	}
	cp.Payload = clonePayload(e.Payload)
	return &cp
}

func clonePayload(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return clonePayload(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
