package stagewise

import (
	"context"
	"time"
)

type Store interface {
	SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	// Versions are append-only: created, never mutated or deleted.
	CreateVersion(ctx context.Context, version *WorkflowVersion) error
	GetVersion(ctx context.Context, versionID int64) (*WorkflowVersion, error)
	GetLatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error)

	CreateParticipant(ctx context.Context, participant *Participant) error
	GetParticipant(ctx context.Context, participantID int64) (*Participant, error)
	// BindParticipantVersion sets the version reference only when it is still
	// unset; the bool reports whether this call performed the write.
	BindParticipantVersion(ctx context.Context, participantID, versionID int64) (bool, error)
	// UpdateParticipantState is the optimistic-lock mutation: the predicate
	// includes updated_at = expectedUpdatedAt and a zero-row match returns
	// ErrStaleVersion. A nil versionID leaves the binding unchanged.
	UpdateParticipantState(
		ctx context.Context,
		participantID int64,
		status ParticipantStatus,
		currentStepID *string,
		versionID *int64,
		expectedUpdatedAt time.Time,
	) (*Participant, error)

	CreateApproval(ctx context.Context, approval *Approval) error
	LatestApproval(ctx context.Context, participantID int64) (*Approval, error)
	ListApprovals(ctx context.Context, participantID int64) ([]*Approval, error)

	CreateBranches(ctx context.Context, branches []*ParallelBranch) error
	GetPendingBranch(
		ctx context.Context,
		participantID int64,
		forkStepID, branchStepID string,
	) (*ParallelBranch, error)
	// CompleteBranch resolves a branch exactly once: it matches only PENDING
	// rows and returns ErrEntityNotFound when the branch is already resolved.
	CompleteBranch(
		ctx context.Context,
		branchID int64,
		status BranchStatus,
		action WorkflowAction,
		completedBy string,
		remarks *string,
	) (*ParallelBranch, error)
	ListBranches(ctx context.Context, participantID int64, forkStepID string) ([]*ParallelBranch, error)
	ListPendingBranches(ctx context.Context) ([]*ParallelBranch, error)

	// ListActiveParticipants returns participants the sweeper must examine:
	// PENDING or IN_PROGRESS with a current step and a bound version.
	ListActiveParticipants(ctx context.Context) ([]*Participant, error)

	LogEvent(ctx context.Context, participantID int64, stepID *string, eventType string, payload any) error
	ListEvents(ctx context.Context, participantID int64) ([]*AuditEvent, error)
}
