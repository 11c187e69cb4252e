package engine

import (
	"context"

	"github.com/arbor-run/arbor/pkg/entity"
	"github.com/arbor-run/arbor/pkg/run"
)

// ApprovalGate decides whether a step flagged requires_approval may run.
// The decision is recorded on the run regardless of outcome.
type ApprovalGate interface {
	Decide(ctx context.Context, r *run.Run, step *entity.PlanStep) (run.ApprovalDecision, string, error)
}

// AutoApproveGate approves every checkpoint. It is the default gate for
// unattended deployments; interactive frontends supply their own.
type AutoApproveGate struct{}

// Decide approves the step
func (AutoApproveGate) Decide(ctx context.Context, r *run.Run, step *entity.PlanStep) (run.ApprovalDecision, string, error) {
	return run.ApprovalApproved, "auto", nil
}
