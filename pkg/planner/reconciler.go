package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/arbor-run/arbor/pkg/entity"
)

// Reconciler produces the executable plan for a run. Reconciliation is
// deterministic for a given entity and input: the static path returns the
// entity's declared steps ordered by Order, and repeated calls yield the
// same plan.
type Reconciler struct {
	logger zerolog.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(logger zerolog.Logger) *Reconciler {
	return &Reconciler{logger: logger}
}

// Reconcile resolves the plan to execute. Entities with dynamic planning
// enabled still receive the static plan; dynamic strategies are a declared
// contract whose generation step is not implemented, and the strategy
// selection only decides how a generated plan would merge.
func (r *Reconciler) Reconcile(ctx context.Context, e *entity.Entity, input json.RawMessage) (*entity.Plan, error) {
	if e == nil {
		return nil, fmt.Errorf("entity is required")
	}

	static := orderedCopy(&e.Plan)

	if !e.Planning.Dynamic {
		return static, nil
	}

	strategy := e.Planning.Strategy
	if strategy == "" {
		strategy = entity.StrategyStaticPriority
	}
	switch strategy {
	case entity.StrategyStaticPriority, entity.StrategyDynamicPriority, entity.StrategyHybrid:
	default:
		return nil, fmt.Errorf("unknown reconcile strategy: %s", strategy)
	}

	r.logger.Debug().
		Str("entity_id", e.ID).
		Str("strategy", string(strategy)).
		Msg("Dynamic planning requested, serving static plan")

	return static, nil
}

// orderedCopy returns the steps sorted by Order without mutating the
// entity's declared plan. Ties keep declaration order.
func orderedCopy(p *entity.Plan) *entity.Plan {
	steps := make([]entity.PlanStep, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return &entity.Plan{Steps: steps}
}
