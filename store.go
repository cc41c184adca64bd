package stagewise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*StoreImpl)(nil)

type StoreImpl struct {
	db Tx
}

func NewStore(pool *pgxpool.Pool) *StoreImpl {
	return &StoreImpl{db: pool}
}

func (store *StoreImpl) SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.workflow_definitions (id, name, steps, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, steps = EXCLUDED.steps, updated_at = EXCLUDED.updated_at
RETURNING created_at, updated_at`

	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	return executor.QueryRow(ctx, query,
		def.ID, def.Name, stepsJSON, time.Now(),
	).Scan(&def.CreatedAt, &def.UpdatedAt)
}

func (store *StoreImpl) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, name, steps, created_at, updated_at
FROM approvals.workflow_definitions
WHERE id = $1`

	var def WorkflowDefinition
	var stepsJSON []byte

	err := executor.QueryRow(ctx, query, id).Scan(
		&def.ID, &def.Name, &stepsJSON, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}

	return &def, nil
}

func (store *StoreImpl) CreateVersion(ctx context.Context, version *WorkflowVersion) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.workflow_versions
(workflow_id, version, snapshot, content_hash, description, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`

	snapshotJSON, err := CanonicalJSON(&version.Snapshot)
	if err != nil {
		return fmt.Errorf("canonicalize snapshot: %w", err)
	}

	return executor.QueryRow(ctx, query,
		version.WorkflowID, version.Version, snapshotJSON,
		version.ContentHash, version.Description, version.CreatedBy, time.Now(),
	).Scan(&version.ID, &version.CreatedAt)
}

func (store *StoreImpl) GetVersion(ctx context.Context, versionID int64) (*WorkflowVersion, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, workflow_id, version, snapshot, content_hash, description, created_by, created_at
FROM approvals.workflow_versions
WHERE id = $1`

	return scanVersion(executor.QueryRow(ctx, query, versionID))
}

func (store *StoreImpl) GetLatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, workflow_id, version, snapshot, content_hash, description, created_by, created_at
FROM approvals.workflow_versions
WHERE workflow_id = $1
ORDER BY version DESC
LIMIT 1`

	return scanVersion(executor.QueryRow(ctx, query, workflowID))
}

func (store *StoreImpl) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, workflow_id, version, snapshot, content_hash, description, created_by, created_at
FROM approvals.workflow_versions
WHERE workflow_id = $1
ORDER BY version`

	rows, err := executor.Query(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*WorkflowVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}

		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func (store *StoreImpl) CreateParticipant(ctx context.Context, participant *Participant) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.participants
(tenant_id, workflow_id, workflow_version_id, current_step_id, status, extras, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
RETURNING id, created_at, updated_at`

	extrasJSON, err := json.Marshal(participant.Extras)
	if err != nil {
		return fmt.Errorf("marshal extras: %w", err)
	}

	if participant.Status == "" {
		participant.Status = StatusPending
	}

	return executor.QueryRow(ctx, query,
		participant.TenantID, participant.WorkflowID, participant.WorkflowVersionID,
		participant.CurrentStepID, participant.Status, extrasJSON, time.Now(),
	).Scan(&participant.ID, &participant.CreatedAt, &participant.UpdatedAt)
}

func (store *StoreImpl) GetParticipant(ctx context.Context, participantID int64) (*Participant, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, workflow_id, workflow_version_id, current_step_id, status, extras, created_at, updated_at
FROM approvals.participants
WHERE id = $1`

	return scanParticipant(executor.QueryRow(ctx, query, participantID))
}

func (store *StoreImpl) BindParticipantVersion(ctx context.Context, participantID, versionID int64) (bool, error) {
	executor := store.getExecutor(ctx)

	const query = `
UPDATE approvals.participants
SET workflow_version_id = $2
WHERE id = $1 AND workflow_version_id IS NULL`

	tag, err := executor.Exec(ctx, query, participantID, versionID)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

func (store *StoreImpl) UpdateParticipantState(
	ctx context.Context,
	participantID int64,
	status ParticipantStatus,
	currentStepID *string,
	versionID *int64,
	expectedUpdatedAt time.Time,
) (*Participant, error) {
	executor := store.getExecutor(ctx)

	// updated_at in the predicate is the optimistic lock. Zero rows means a
	// concurrent writer won; the caller decides how to surface that.
	const query = `
UPDATE approvals.participants
SET status = $2,
	current_step_id = $3,
	workflow_version_id = COALESCE($4, workflow_version_id),
	updated_at = clock_timestamp()
WHERE id = $1 AND updated_at = $5
RETURNING id, tenant_id, workflow_id, workflow_version_id, current_step_id, status, extras, created_at, updated_at`

	participant, err := scanParticipant(executor.QueryRow(ctx, query,
		participantID, status, currentStepID, versionID, expectedUpdatedAt,
	))
	if errors.Is(err, ErrEntityNotFound) {
		return nil, ErrStaleVersion
	}

	return participant, err
}

func (store *StoreImpl) CreateApproval(ctx context.Context, approval *Approval) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.approvals
(participant_id, step_id, user_id, action, remarks, is_branch_action, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`

	return executor.QueryRow(ctx, query,
		approval.ParticipantID, approval.StepID, approval.UserID,
		approval.Action, approval.Remarks, approval.IsBranchAction, time.Now(),
	).Scan(&approval.ID, &approval.CreatedAt)
}

func (store *StoreImpl) LatestApproval(ctx context.Context, participantID int64) (*Approval, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, participant_id, step_id, user_id, action, remarks, is_branch_action, created_at
FROM approvals.approvals
WHERE participant_id = $1 AND is_branch_action = FALSE
ORDER BY created_at DESC, id DESC
LIMIT 1`

	return scanApproval(executor.QueryRow(ctx, query, participantID))
}

func (store *StoreImpl) ListApprovals(ctx context.Context, participantID int64) ([]*Approval, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, participant_id, step_id, user_id, action, remarks, is_branch_action, created_at
FROM approvals.approvals
WHERE participant_id = $1
ORDER BY created_at, id`

	rows, err := executor.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}

		approvals = append(approvals, approval)
	}

	return approvals, rows.Err()
}

func (store *StoreImpl) CreateBranches(ctx context.Context, branches []*ParallelBranch) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.parallel_branches
(participant_id, fork_step_id, branch_step_id, status, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`

	now := time.Now()
	for _, branch := range branches {
		if branch.Status == "" {
			branch.Status = BranchStatusPending
		}

		err := executor.QueryRow(ctx, query,
			branch.ParticipantID, branch.ForkStepID, branch.BranchStepID, branch.Status, now,
		).Scan(&branch.ID, &branch.CreatedAt)
		if err != nil {
			return err
		}
	}

	return nil
}

func (store *StoreImpl) GetPendingBranch(
	ctx context.Context,
	participantID int64,
	forkStepID, branchStepID string,
) (*ParallelBranch, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, participant_id, fork_step_id, branch_step_id, status, action, remarks, completed_by, completed_at, created_at
FROM approvals.parallel_branches
WHERE participant_id = $1 AND fork_step_id = $2 AND branch_step_id = $3 AND status = $4`

	return scanBranch(executor.QueryRow(ctx, query, participantID, forkStepID, branchStepID, BranchStatusPending))
}

func (store *StoreImpl) CompleteBranch(
	ctx context.Context,
	branchID int64,
	status BranchStatus,
	action WorkflowAction,
	completedBy string,
	remarks *string,
) (*ParallelBranch, error) {
	executor := store.getExecutor(ctx)

	// Matching only PENDING rows makes resolution exactly-once.
	const query = `
UPDATE approvals.parallel_branches
SET status = $2, action = $3, completed_by = $4, remarks = $5, completed_at = $6
WHERE id = $1 AND status = $7
RETURNING id, participant_id, fork_step_id, branch_step_id, status, action, remarks, completed_by, completed_at, created_at`

	return scanBranch(executor.QueryRow(ctx, query,
		branchID, status, action, completedBy, remarks, time.Now(), BranchStatusPending,
	))
}

func (store *StoreImpl) ListBranches(
	ctx context.Context,
	participantID int64,
	forkStepID string,
) ([]*ParallelBranch, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, participant_id, fork_step_id, branch_step_id, status, action, remarks, completed_by, completed_at, created_at
FROM approvals.parallel_branches
WHERE participant_id = $1 AND fork_step_id = $2
ORDER BY id`

	rows, err := executor.Query(ctx, query, participantID, forkStepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectBranches(rows)
}

func (store *StoreImpl) ListPendingBranches(ctx context.Context) ([]*ParallelBranch, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, participant_id, fork_step_id, branch_step_id, status, action, remarks, completed_by, completed_at, created_at
FROM approvals.parallel_branches
WHERE status = $1
ORDER BY id`

	rows, err := executor.Query(ctx, query, BranchStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectBranches(rows)
}

func (store *StoreImpl) ListActiveParticipants(ctx context.Context) ([]*Participant, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, tenant_id, workflow_id, workflow_version_id, current_step_id, status, extras, created_at, updated_at
FROM approvals.participants
WHERE status IN ($1, $2) AND current_step_id IS NOT NULL AND workflow_version_id IS NOT NULL
ORDER BY id`

	rows, err := executor.Query(ctx, query, StatusPending, StatusInProgress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}

		participants = append(participants, participant)
	}

	return participants, rows.Err()
}

func (store *StoreImpl) LogEvent(
	ctx context.Context,
	participantID int64,
	stepID *string,
	eventType string,
	payload any,
) error {
	executor := store.getExecutor(ctx)

	const query = `
INSERT INTO approvals.audit_events (participant_id, step_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = executor.Exec(ctx, query, participantID, stepID, eventType, payloadJSON, time.Now())

	return err
}

func (store *StoreImpl) ListEvents(ctx context.Context, participantID int64) ([]*AuditEvent, error) {
	executor := store.getExecutor(ctx)

	const query = `
SELECT id, participant_id, step_id, event_type, payload, created_at
FROM approvals.audit_events
WHERE participant_id = $1
ORDER BY created_at, id`

	rows, err := executor.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event := &AuditEvent{}
		err := rows.Scan(
			&event.ID, &event.ParticipantID, &event.StepID,
			&event.EventType, &event.Payload, &event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (store *StoreImpl) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*WorkflowVersion, error) {
	version := &WorkflowVersion{}
	var snapshotJSON []byte

	err := row.Scan(
		&version.ID, &version.WorkflowID, &version.Version, &snapshotJSON,
		&version.ContentHash, &version.Description, &version.CreatedBy, &version.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	snapshot, err := DeserializeSnapshot(snapshotJSON)
	if err != nil {
		return nil, err
	}
	version.Snapshot = *snapshot

	return version, nil
}

func scanParticipant(row rowScanner) (*Participant, error) {
	participant := &Participant{}
	var extrasJSON []byte

	err := row.Scan(
		&participant.ID, &participant.TenantID, &participant.WorkflowID,
		&participant.WorkflowVersionID, &participant.CurrentStepID, &participant.Status,
		&extrasJSON, &participant.CreatedAt, &participant.UpdatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	if len(extrasJSON) > 0 {
		if err := json.Unmarshal(extrasJSON, &participant.Extras); err != nil {
			return nil, fmt.Errorf("unmarshal extras: %w", err)
		}
	}

	return participant, nil
}

func scanApproval(row rowScanner) (*Approval, error) {
	approval := &Approval{}

	err := row.Scan(
		&approval.ID, &approval.ParticipantID, &approval.StepID, &approval.UserID,
		&approval.Action, &approval.Remarks, &approval.IsBranchAction, &approval.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	return approval, nil
}

func scanBranch(row rowScanner) (*ParallelBranch, error) {
	branch := &ParallelBranch{}

	err := row.Scan(
		&branch.ID, &branch.ParticipantID, &branch.ForkStepID, &branch.BranchStepID,
		&branch.Status, &branch.Action, &branch.Remarks, &branch.CompletedBy,
		&branch.CompletedAt, &branch.CreatedAt,
	)
	if err != nil {
		return nil, mapNoRows(err)
	}

	return branch, nil
}

func collectBranches(rows pgx.Rows) ([]*ParallelBranch, error) {
	var branches []*ParallelBranch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}

		branches = append(branches, branch)
	}

	return branches, rows.Err()
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEntityNotFound
	}

	return err
}
