package run

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an execution run. Transitions are
// forward-only: pending -> running -> completed | failed.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo checks the forward-only state machine
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Metrics is the cost and token rollup carried by every run. A parent's
// totals are its own model-call usage plus the totals of its direct
// children; grandchildren are never added twice.
type Metrics struct {
	TotalCostUSD     float64 `json:"total_cost_usd"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// Add accumulates another metrics block into m
func (m *Metrics) Add(other Metrics) {
	m.TotalCostUSD += other.TotalCostUSD
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
}

// TotalTokens is the combined prompt and completion count
func (m Metrics) TotalTokens() int64 {
	return m.PromptTokens + m.CompletionTokens
}

// Run is one node of a recursive execution tree. Root runs have an empty
// ParentRunID; every node in a tree shares the root's TraceID.
type Run struct {
	ID          string `json:"id"`
	TraceID     string `json:"trace_id"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	TenantID    string `json:"tenant_id"`
	Depth       int    `json:"depth"`

	Status Status          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	// ResolvedPlan is the reconciled plan snapshot, persisted before the
	// first step executes so failed runs show what was attempted.
	ResolvedPlan json.RawMessage `json:"resolved_plan,omitempty"`

	Metrics Metrics `json:"metrics"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Duration is the wall time between start and completion, zero until both
// timestamps exist.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// InvalidTransitionError reports a disallowed status change
type InvalidTransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunID, e.From, e.To)
}

// NotFoundError reports a missing run
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.ID)
}

// ModelCallLog records one model invocation made while executing a run.
// Raw provider payloads are preserved for audit.
type ModelCallLog struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	StepName         string          `json:"step_name"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	Prompt           string          `json:"prompt"`
	Output           string          `json:"output"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostUSD          float64         `json:"cost_usd"`
	LatencyMs        int64           `json:"latency_ms"`
	Error            string          `json:"error,omitempty"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ToolCallLog records one tool invocation made while executing a run
type ToolCallLog struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  string          `json:"step_name"`
	ToolID    string          `json:"tool_id"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ApprovalDecision is the outcome of a human approval checkpoint
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "APPROVED"
	ApprovalRejected ApprovalDecision = "REJECTED"
)

// Approval records a checkpoint decision on a run step
type Approval struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	StepName  string           `json:"step_name"`
	Decision  ApprovalDecision `json:"decision"`
	Approver  string           `json:"approver,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// UsageRecord is one billable line item attributed to a tenant
type UsageRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	RunID     string    `json:"run_id"`
	SKU       string    `json:"sku"`
	Quantity  int64     `json:"quantity"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}
