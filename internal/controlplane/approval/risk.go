package approval

import "strings"

// Trigger names. The set is closed; custom-rule is reserved and never
// emitted.
const (
	TriggerProductionEnvironment = "production-environment"
	TriggerTargetCountThreshold  = "target-count-threshold"
	TriggerHighRiskCommand       = "high-risk-command"
	TriggerCriticalGroup         = "critical-group"
	TriggerCustomRule            = "custom-rule"
)

// DefaultTargetThreshold is the target count above which approval is
// required.
const DefaultTargetThreshold = 10

// highRiskCommands is the closed substring list, matched case-insensitively.
// Extending it is a policy change, not a code path.
var highRiskCommands = []string{
	"rm -rf",
	"dd if",
	"mkfs",
	":(){ :|:& };:",
	"format",
	"del /q",
	"shutdown",
	"reboot",
	"> /dev/",
	"truncate -s 0",
}

// TargetHost is the view of a resolved target the evaluator needs.
type TargetHost struct {
	Environment   string
	GroupID       string
	GroupCritical bool
}

// Evaluator is a pure predicate over a job's command and its resolved
// targets.
type Evaluator struct {
	TargetThreshold int
}

// NewEvaluator creates an evaluator with the configured target threshold.
func NewEvaluator(targetThreshold int) *Evaluator {
	if targetThreshold <= 0 {
		targetThreshold = DefaultTargetThreshold
	}
	return &Evaluator{TargetThreshold: targetThreshold}
}

// Evaluate returns whether the job requires approval and the triggering
// reasons. Deterministic: same inputs, same trigger set in the same order.
func (e *Evaluator) Evaluate(command string, targets []TargetHost) (bool, []string) {
	var triggers []string

	for _, h := range targets {
		if strings.EqualFold(h.Environment, "production") {
			triggers = append(triggers, TriggerProductionEnvironment)
			break
		}
	}

	if len(targets) > e.TargetThreshold {
		triggers = append(triggers, TriggerTargetCountThreshold)
	}

	lowered := strings.ToLower(command)
	for _, pattern := range highRiskCommands {
		if strings.Contains(lowered, pattern) {
			triggers = append(triggers, TriggerHighRiskCommand)
			break
		}
	}

	for _, h := range targets {
		if h.GroupCritical {
			triggers = append(triggers, TriggerCriticalGroup)
			break
		}
	}

	return len(triggers) > 0, triggers
}
