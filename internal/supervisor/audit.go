package supervisor

// AuditEntry records one supervisor decision: a circuit transition,
// a backpressure engage/release, an anomaly alert or an operator command.
type AuditEntry struct {
	TsMs     int64  `json:"ts_ms"`
	Kind     string `json:"kind"`
	Queue    string `json:"queue,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Audit entry kinds.
const (
	auditCircuit      = "circuit"
	auditBackpressure = "backpressure"
	auditAnomaly      = "anomaly"
	auditCommand      = "command"
)

// auditTrail is a bounded ring of the most recent entries. Oldest entries are
// overwritten once the ring is full.
type auditTrail struct {
	entries []AuditEntry
	head    int
	filled  int
}

func newAuditTrail(size int) *auditTrail {
	if size <= 0 {
		size = 1
	}
	return &auditTrail{entries: make([]AuditEntry, size)}
}

func (a *auditTrail) append(e AuditEntry) {
	a.entries[a.head] = e
	a.head = (a.head + 1) % len(a.entries)
	if a.filled < len(a.entries) {
		a.filled++
	}
}

// snapshot returns the retained entries oldest first.
func (a *auditTrail) snapshot() []AuditEntry {
	out := make([]AuditEntry, 0, a.filled)
	start := a.head - a.filled
	if start < 0 {
		start += len(a.entries)
	}
	for i := 0; i < a.filled; i++ {
		out = append(out, a.entries[(start+i)%len(a.entries)])
	}
	return out
}
