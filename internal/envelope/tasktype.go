package envelope

import "fmt"

// TaskType tags an envelope with the kind of work it carries. The tag selects
// the payload schema, the target queue and the reliability policy.
type TaskType string

const (
	TaskExtraction    TaskType = "EXTRACTION"
	TaskSummarization TaskType = "SUMMARIZATION"
	TaskAnalysis      TaskType = "ANALYSIS"
	TaskFactCheck     TaskType = "FACT_CHECK"
	TaskCustom        TaskType = "CUSTOM"

	// TaskControl is reserved for control-plane commands (pause, resume,
	// throttle, emergency stop). Domain workers never consume it.
	TaskControl TaskType = "CONTROL"
)

// AllTaskTypes lists every domain task type. Configuration loading checks
// routing entries against this set so an unmatched type fails at startup
// rather than at dispatch time.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskExtraction, TaskSummarization, TaskAnalysis, TaskFactCheck, TaskCustom}
}

// ParseTaskType resolves a string to a known TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskExtraction, TaskSummarization, TaskAnalysis, TaskFactCheck, TaskCustom, TaskControl:
		return TaskType(s), nil
	}
	return "", fmt.Errorf("envelope: unknown task type %q", s)
}

// IsControl reports whether the type is the reserved control-plane type.
func (t TaskType) IsControl() bool { return t == TaskControl }
