package supervisor

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// alertRules is a conjunction of compiled CEL expressions evaluated against
// each candidate alert. An alert fires only when every rule admits it; an
// empty rule list admits everything.
type alertRules struct {
	progs []cel.Program
}

func compileAlertRules(exprs []string) (alertRules, error) {
	var rules alertRules
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("queue", cel.StringType),
		cel.Variable("task_type", cel.StringType),
		cel.Variable("signal", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("zscore", cel.DoubleType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return rules, err
	}
	for _, expr := range exprs {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ast, iss := env.Parse(expr)
		if iss != nil && iss.Err() != nil {
			return rules, iss.Err()
		}
		checked, iss2 := env.Check(ast)
		if iss2 != nil && iss2.Err() != nil {
			return rules, iss2.Err()
		}
		prog, err := env.Program(checked)
		if err != nil {
			return rules, err
		}
		rules.progs = append(rules.progs, prog)
	}
	return rules, nil
}

// admit evaluates every rule against the alert fields. An evaluation error
// counts as a rejection.
func (r alertRules) admit(kind, queueName, taskType, signal string, value, zscore float64) bool {
	if len(r.progs) == 0 {
		return true
	}
	vars := map[string]any{
		"kind":      kind,
		"queue":     queueName,
		"task_type": taskType,
		"signal":    signal,
		"value":     value,
		"zscore":    zscore,
		"now_ms":    time.Now().UnixMilli(),
	}
	for _, prog := range r.progs {
		out, _, err := prog.Eval(vars)
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		if !ok || !b {
			return false
		}
	}
	return true
}
