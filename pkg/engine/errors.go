package engine

import "fmt"

// ConfigurationError means the run cannot proceed because of missing or
// invalid setup, such as an absent credential or an untriggerable entity.
// Configuration failures are fatal for the run; they are never retried.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// RecursionLimitError means a child invocation would exceed the maximum
// nesting depth. It guards against definition cycles.
type RecursionLimitError struct {
	Depth    int
	MaxDepth int
	EntityID string
}

func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit reached at depth %d (max %d) invoking entity %s",
		e.Depth, e.MaxDepth, e.EntityID)
}

// CostCeilingError means the run's accumulated spend crossed the entity's
// configured ceiling and execution was stopped.
type CostCeilingError struct {
	SpentUSD   float64
	CeilingUSD float64
}

func (e *CostCeilingError) Error() string {
	return fmt.Sprintf("cost ceiling exceeded: spent $%.6f of $%.6f", e.SpentUSD, e.CeilingUSD)
}

// EscalationError means an exit condition with the escalate directive
// matched a step's output and stopped the plan.
type EscalationError struct {
	StepName  string
	Predicate string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("step %s escalated on predicate %q", e.StepName, e.Predicate)
}

// ApprovalRejectedError means a human checkpoint declined a step
type ApprovalRejectedError struct {
	StepName string
	Approver string
	Reason   string
}

func (e *ApprovalRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("step %s rejected by %s: %s", e.StepName, e.Approver, e.Reason)
	}
	return fmt.Sprintf("step %s rejected by %s", e.StepName, e.Approver)
}

// StepError attributes a failure to the plan step that raised it
type StepError struct {
	StepName string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepName, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
