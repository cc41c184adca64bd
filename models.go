package stagewise

import (
	"encoding/json"
	"time"
)

type ParticipantStatus string

const (
	StatusPending    ParticipantStatus = "PENDING"
	StatusInProgress ParticipantStatus = "IN_PROGRESS"
	StatusApproved   ParticipantStatus = "APPROVED"
)

type StepType string

const (
	StepTypeNormal StepType = "NORMAL"
	StepTypeReview StepType = "REVIEW"
	StepTypeFork   StepType = "FORK"
	StepTypeJoin   StepType = "JOIN"
)

type WorkflowAction string

const (
	ActionApprove  WorkflowAction = "APPROVE"
	ActionReject   WorkflowAction = "REJECT"
	ActionBypass   WorkflowAction = "BYPASS"
	ActionEscalate WorkflowAction = "ESCALATE"
	ActionPrint    WorkflowAction = "PRINT"
	ActionReturn   WorkflowAction = "RETURN"
)

type BranchStatus string

const (
	BranchStatusPending  BranchStatus = "PENDING"
	BranchStatusApproved BranchStatus = "APPROVED"
	BranchStatusRejected BranchStatus = "REJECTED"
)

type JoinStrategy string

const (
	JoinStrategyAll      JoinStrategy = "ALL"
	JoinStrategyAny      JoinStrategy = "ANY"
	JoinStrategyMajority JoinStrategy = "MAJORITY"
)

type SLAAction string

const (
	SLAActionNotify      SLAAction = "NOTIFY"
	SLAActionEscalate    SLAAction = "ESCALATE"
	SLAActionAutoApprove SLAAction = "AUTO_APPROVE"
	SLAActionAutoReject  SLAAction = "AUTO_REJECT"
	SLAActionReassign    SLAAction = "REASSIGN"
)

// ConditionalRoute is a priority-ordered, condition-gated alternative
// transition target. Lower priority values are evaluated first.
type ConditionalRoute struct {
	Condition    string `json:"condition"`
	TargetStepID string `json:"targetStepId"`
	Priority     int    `json:"priority"`
}

type ForkBranch struct {
	BranchStepID string `json:"branchStepId"`
	Label        string `json:"label,omitempty"`
}

type ForkConfig struct {
	Branches   []ForkBranch `json:"branches"`
	JoinStepID string       `json:"joinStepId"`
}

type JoinConfig struct {
	Strategy       JoinStrategy   `json:"strategy"`
	TimeoutMinutes *int           `json:"timeoutMinutes,omitempty"`
	TimeoutAction  WorkflowAction `json:"timeoutAction,omitempty"`
}

// StepSnapshot is the immutable per-step shape inside a WorkflowSnapshot.
// The JSON field names below are the persisted snapshot wire format and are
// part of the content hash; renaming a tag changes every hash.
type StepSnapshot struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	SortOrder          int      `json:"sortOrder"`
	StepType           StepType `json:"stepType"`
	IsEntryPoint       bool     `json:"isEntryPoint"`
	IsFinalStep        bool     `json:"isFinalStep"`
	NextStepID         *string  `json:"nextStepId,omitempty"`
	RejectionTargetID  *string  `json:"rejectionTargetId,omitempty"`
	BypassTargetID     *string  `json:"bypassTargetId,omitempty"`
	EscalationTargetID *string  `json:"escalationTargetId,omitempty"`

	SLADurationMinutes *int      `json:"slaDurationMinutes,omitempty"`
	SLAWarningMinutes  *int      `json:"slaWarningMinutes,omitempty"`
	SLAAction          SLAAction `json:"slaAction,omitempty"`

	ConditionalRoutes          []ConditionalRoute `json:"conditionalRoutes,omitempty"`
	RejectionConditionalRoutes []ConditionalRoute `json:"rejectionConditionalRoutes,omitempty"`

	ForkConfig *ForkConfig `json:"forkConfig,omitempty"`
	JoinConfig *JoinConfig `json:"joinConfig,omitempty"`
}

func (s *StepSnapshot) HasSLA() bool {
	return s.SLADurationMinutes != nil && *s.SLADurationMinutes > 0
}

type WorkflowSnapshot struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Steps []StepSnapshot `json:"steps"`
}

// Step returns the step with the given id, or nil.
func (s *WorkflowSnapshot) Step(id string) *StepSnapshot {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}

	return nil
}

// EntryStep returns the step marked as the entry point, or nil.
func (s *WorkflowSnapshot) EntryStep() *StepSnapshot {
	for i := range s.Steps {
		if s.Steps[i].IsEntryPoint {
			return &s.Steps[i]
		}
	}

	return nil
}

// WorkflowDefinition is the mutable authoring entity. Steps may be edited
// freely; executions never read it directly, they read a WorkflowVersion.
type WorkflowDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Steps     []StepSnapshot `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WorkflowVersion is an immutable, append-only capture of a definition.
// Once a participant references a version it must remain resolvable forever.
type WorkflowVersion struct {
	ID          int64            `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	Version     int              `json:"version"`
	Snapshot    WorkflowSnapshot `json:"snapshot"`
	ContentHash string           `json:"content_hash"`
	Description *string          `json:"description,omitempty"`
	CreatedBy   string           `json:"created_by"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Participant is the tracked entity moving through a workflow. Extras is the
// flat record conditional routes are evaluated against. UpdatedAt doubles as
// the optimistic-lock token.
type Participant struct {
	ID                int64             `json:"id"`
	TenantID          string            `json:"tenant_id"`
	WorkflowID        string            `json:"workflow_id"`
	WorkflowVersionID *int64            `json:"workflow_version_id"`
	CurrentStepID     *string           `json:"current_step_id"`
	Status            ParticipantStatus `json:"status"`
	Extras            map[string]any    `json:"extras"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ParticipantState is the authoritative state returned to a caller on an
// optimistic-lock conflict.
type ParticipantState struct {
	ID            int64             `json:"id"`
	Status        ParticipantStatus `json:"status"`
	CurrentStepID *string           `json:"current_step_id"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Approval is the append-only audit record of one action taken on a step.
type Approval struct {
	ID             int64          `json:"id"`
	ParticipantID  int64          `json:"participant_id"`
	StepID         string         `json:"step_id"`
	UserID         string         `json:"user_id"`
	Action         WorkflowAction `json:"action"`
	Remarks        *string        `json:"remarks"`
	IsBranchAction bool           `json:"is_branch_action"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ParallelBranch is one fan-out sub-task of a FORK. It resolves exactly once
// and is never deleted; the full row set per (participant, fork step) is what
// the join evaluator reads.
type ParallelBranch struct {
	ID            int64           `json:"id"`
	ParticipantID int64           `json:"participant_id"`
	ForkStepID    string          `json:"fork_step_id"`
	BranchStepID  string          `json:"branch_step_id"`
	Status        BranchStatus    `json:"status"`
	Action        *WorkflowAction `json:"action"`
	Remarks       *string         `json:"remarks"`
	CompletedBy   *string         `json:"completed_by"`
	CompletedAt   *time.Time      `json:"completed_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

type AuditEvent struct {
	ID            int64           `json:"id"`
	ParticipantID int64           `json:"participant_id"`
	StepID        *string         `json:"step_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

type TransitionResult struct {
	PreviousStepID string  `json:"previousStepId"`
	NextStepID     *string `json:"nextStepId"`
	IsComplete     bool    `json:"isComplete"`
}

type EnterResult struct {
	VersionID int64  `json:"versionId"`
	StepID    string `json:"stepId"`
}

type JoinSummary struct {
	TotalBranches    int `json:"total_branches"`
	ApprovedBranches int `json:"approved_branches"`
	RejectedBranches int `json:"rejected_branches"`
	PendingBranches  int `json:"pending_branches"`
}

type JoinEvaluation struct {
	Satisfied bool        `json:"satisfied"`
	Failed    bool        `json:"failed"`
	Summary   JoinSummary `json:"summary"`
}

// Resolved reports whether the join outcome is decided either way.
func (e JoinEvaluation) Resolved() bool {
	return e.Satisfied || e.Failed
}

// ResultAction maps a resolved evaluation to the action that resumes the
// main flow from the JOIN step.
func (e JoinEvaluation) ResultAction() WorkflowAction {
	if e.Satisfied {
		return ActionApprove
	}

	return ActionReject
}

type BranchActionResult struct {
	BranchID            int64          `json:"branchId"`
	BranchStatus        BranchStatus   `json:"branchStatus"`
	JoinEvaluation      JoinEvaluation `json:"joinEvaluation"`
	ParticipantAdvanced bool           `json:"participantAdvanced"`
}

// VersionDiff lists step ids added, removed or modified between two versions.
// Modified means present in both but not byte-identical in canonical form.
type VersionDiff struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

type SLAActionRecord struct {
	ParticipantID int64     `json:"participant_id"`
	StepID        string    `json:"step_id"`
	Action        SLAAction `json:"action"`
	Error         string    `json:"error,omitempty"`
}

type SLAReport struct {
	Checked  int               `json:"checked"`
	Warnings int               `json:"warnings"`
	Breached int               `json:"breached"`
	Actions  []SLAActionRecord `json:"actions"`
}

type BranchSweepReport struct {
	Checked  int `json:"checked"`
	TimedOut int `json:"timedOut"`
	Errors   int `json:"errors"`
}
