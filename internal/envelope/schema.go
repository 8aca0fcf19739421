package envelope

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldError describes one failing field in a validation pass.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries the complete set of failing fields, never just the
// first. Validation failures are permanent: callers route them to the
// dead-letter record rather than retrying.
type ValidationError struct {
	Fields []FieldError
}

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "envelope: validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "envelope: validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// FieldKind constrains a payload field's JSON shape.
type FieldKind int

const (
	KindAny FieldKind = iota
	KindString
	KindNumber
	KindObject
	KindArray
	KindBool
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindBool:
		return "bool"
	default:
		return "any"
	}
}

// FieldSpec names one required payload field.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

// Schema lists the payload fields a task type requires.
type Schema struct {
	Required []FieldSpec
}

type schemaKey struct {
	taskType TaskType
	version  string
}

// SchemaRegistry maps task_type + schema_version to a payload schema.
// Registration happens at startup; lookups are concurrent.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaKey]Schema)}
}

// DefaultRegistry registers the v1.0 schemas for every domain task type.
// Every task payload names its task_id; the document-work types additionally
// require input_data.
func DefaultRegistry() *SchemaRegistry {
	r := NewSchemaRegistry()
	withInput := Schema{Required: []FieldSpec{
		{Name: "task_id", Kind: KindString},
		{Name: "input_data", Kind: KindObject},
	}}
	r.Register(TaskExtraction, DefaultSchemaVersion, withInput)
	r.Register(TaskSummarization, DefaultSchemaVersion, withInput)
	r.Register(TaskAnalysis, DefaultSchemaVersion, withInput)
	r.Register(TaskFactCheck, DefaultSchemaVersion, withInput)
	r.Register(TaskCustom, DefaultSchemaVersion, Schema{Required: []FieldSpec{
		{Name: "task_id", Kind: KindString},
	}})
	return r
}

// Register installs a schema for task_type + version, replacing any previous
// registration.
func (r *SchemaRegistry) Register(t TaskType, version string, s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey{taskType: t, version: version}] = s
}

// Lookup returns the schema for task_type + version.
func (r *SchemaRegistry) Lookup(t TaskType, version string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[schemaKey{taskType: t, version: version}]
	return s, ok
}

// Validate checks header completeness and the payload against the registered
// schema. It returns nil on success or a *ValidationError enumerating every
// failing field. A nil registry skips payload schema checks.
func Validate(e *Envelope, reg *SchemaRegistry) error {
	verr := &ValidationError{}

	if e.Header.MessageID == "" {
		verr.add("header.message_id", "required")
	}
	if e.Header.CorrelationID == "" {
		verr.add("header.correlation_id", "required")
	}
	if e.Header.TaskType == "" {
		verr.add("header.task_type", "required")
	} else if _, err := ParseTaskType(string(e.Header.TaskType)); err != nil {
		verr.add("header.task_type", "unknown task type")
	}
	if e.Header.Priority < PriorityMin || e.Header.Priority > PriorityMax {
		verr.add("header.priority", fmt.Sprintf("must be in [%d,%d]", PriorityMin, PriorityMax))
	}
	if e.Header.TTLMs <= 0 {
		verr.add("header.ttl_ms", "must be positive")
	}
	if e.Header.MaxRetries < 0 {
		verr.add("header.max_retries", "must be non-negative")
	}
	if e.Header.RetryCount < 0 {
		verr.add("header.retry_count", "must be non-negative")
	} else if e.Header.RetryCount > e.Header.MaxRetries {
		verr.add("header.retry_count", "exceeds max_retries")
	}
	if e.Header.SchemaVersion == "" {
		verr.add("header.schema_version", "required")
	}

	// Control envelopes carry command payloads, not domain schemas.
	if e.Header.TaskType.IsControl() || reg == nil {
		return verr.orNil()
	}

	schema, ok := reg.Lookup(e.Header.TaskType, e.Header.SchemaVersion)
	if !ok {
		verr.add("header.schema_version",
			fmt.Sprintf("no schema registered for %s %s", e.Header.TaskType, e.Header.SchemaVersion))
		return verr.orNil()
	}

	if e.Payload == nil {
		verr.add("payload", "required")
		return verr.orNil()
	}
	validatePayload(e.Payload, schema, verr)
	return verr.orNil()
}

func validatePayload(payload map[string]interface{}, schema Schema, verr *ValidationError) {
	// Deterministic error ordering for callers that render the full set.
	specs := append([]FieldSpec(nil), schema.Required...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	for _, spec := range specs {
		v, present := payload[spec.Name]
		if !present {
			verr.add("payload."+spec.Name, "required")
			continue
		}
		if !kindMatches(v, spec.Kind) {
			verr.add("payload."+spec.Name, "expected "+spec.Kind.String())
		}
	}
}

func kindMatches(v interface{}, k FieldKind) bool {
	switch k {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case KindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case KindArray:
		_, ok := v.([]interface{})
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	}
	return false
}
