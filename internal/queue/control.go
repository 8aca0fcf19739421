package queue

import (
	"fmt"

	"github.com/CalBearKen/ProjectPidgeon/internal/envelope"
)

// ControlQueueName is the reserved queue carrying control commands from the
// supervisor to workers. Workers subscribe alongside their work queues and
// obey commands before taking new work.
const ControlQueueName = "control"

// CommandKind enumerates the control-plane verbs.
type CommandKind string

const (
	CommandPause         CommandKind = "PAUSE"
	CommandResume        CommandKind = "RESUME"
	CommandThrottle      CommandKind = "THROTTLE"
	CommandEmergencyStop CommandKind = "EMERGENCY_STOP"
)

// Command is a control instruction addressed to the consumers of one queue,
// or to all consumers when Target is empty.
type Command struct {
	Kind   CommandKind `json:"kind"`
	Target string      `json:"target,omitempty"`
	// RatePerSec bounds consumption for THROTTLE. Ignored otherwise.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// PriorityCutoff, when set on THROTTLE, tells producers to defer
	// publishes below this priority until a RESUME arrives.
	PriorityCutoff int    `json:"priority_cutoff,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Validate checks the command shape.
func (c Command) Validate() error {
	switch c.Kind {
	case CommandPause, CommandResume, CommandEmergencyStop:
		return nil
	case CommandThrottle:
		if c.RatePerSec <= 0 && c.PriorityCutoff <= 0 {
			return fmt.Errorf("queue: throttle command requires a positive rate or priority cutoff")
		}
		return nil
	default:
		return fmt.Errorf("queue: unknown command kind %q", c.Kind)
	}
}

// ControlEnvelope wraps a command in a CONTROL envelope at maximum priority
// so it overtakes queued work.
func ControlEnvelope(f *envelope.Factory, cmd Command) (*envelope.Envelope, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"kind": string(cmd.Kind),
	}
	if cmd.Target != "" {
		payload["target"] = cmd.Target
	}
	if cmd.RatePerSec > 0 {
		payload["rate_per_sec"] = cmd.RatePerSec
	}
	if cmd.PriorityCutoff > 0 {
		payload["priority_cutoff"] = cmd.PriorityCutoff
	}
	if cmd.Reason != "" {
		payload["reason"] = cmd.Reason
	}
	env, err := f.New(envelope.TaskControl, payload, nil)
	if err != nil {
		return nil, err
	}
	env.Header.Priority = envelope.PriorityMax
	return env, nil
}

// ParseControl extracts the command from a CONTROL envelope.
func ParseControl(env *envelope.Envelope) (Command, error) {
	var cmd Command
	if !env.Header.TaskType.IsControl() {
		return cmd, fmt.Errorf("queue: %s envelope is not a control command", env.Header.TaskType)
	}
	kind, _ := env.Payload["kind"].(string)
	cmd.Kind = CommandKind(kind)
	cmd.Target, _ = env.Payload["target"].(string)
	cmd.Reason, _ = env.Payload["reason"].(string)
	if rate, ok := env.Payload["rate_per_sec"].(float64); ok {
		cmd.RatePerSec = rate
	}
	switch cutoff := env.Payload["priority_cutoff"].(type) {
	case float64:
		cmd.PriorityCutoff = int(cutoff)
	case int:
		cmd.PriorityCutoff = cutoff
	}
	if err := cmd.Validate(); err != nil {
		return cmd, err
	}
	return cmd, nil
}
