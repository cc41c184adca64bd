package stagewise

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is the in-memory Store used by tests and examples. It mirrors
// the SQL store's semantics exactly, including the optimistic lock on
// participants and exactly-once branch resolution.
type MemoryStore struct {
	mu            sync.RWMutex
	definitions   map[string]*WorkflowDefinition
	versions      map[int64]*WorkflowVersion
	participants  map[int64]*Participant
	approvals     map[int64]*Approval
	branches      map[int64]*ParallelBranch
	events        []*AuditEvent
	nextVersionID int64
	nextPartID    int64
	nextApprID    int64
	nextBranchID  int64
	nextEventID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:   make(map[string]*WorkflowDefinition),
		versions:      make(map[int64]*WorkflowVersion),
		participants:  make(map[int64]*Participant),
		approvals:     make(map[int64]*Approval),
		branches:      make(map[int64]*ParallelBranch),
		events:        make([]*AuditEvent, 0),
		nextVersionID: 1,
		nextPartID:    1,
		nextApprID:    1,
		nextBranchID:  1,
		nextEventID:   1,
	}
}

func (s *MemoryStore) SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, exists := s.definitions[def.ID]; exists && existing != nil {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	stored := *def
	s.definitions[def.ID] = &stored

	return nil
}

func (s *MemoryStore) GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.definitions[id]
	if !exists {
		return nil, ErrEntityNotFound
	}

	result := *def

	return &result, nil
}

func (s *MemoryStore) CreateVersion(ctx context.Context, version *WorkflowVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.versions {
		if existing.WorkflowID == version.WorkflowID && existing.Version == version.Version {
			return fmt.Errorf("version %d of workflow %q already exists", version.Version, version.WorkflowID)
		}
	}

	version.ID = s.nextVersionID
	s.nextVersionID++
	version.CreatedAt = time.Now()

	stored := *version
	s.versions[version.ID] = &stored

	return nil
}

func (s *MemoryStore) GetVersion(ctx context.Context, versionID int64) (*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, exists := s.versions[versionID]
	if !exists {
		return nil, ErrEntityNotFound
	}

	result := *version

	return &result, nil
}

func (s *MemoryStore) GetLatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *WorkflowVersion
	for _, version := range s.versions {
		if version.WorkflowID != workflowID {
			continue
		}
		if latest == nil || version.Version > latest.Version {
			latest = version
		}
	}

	if latest == nil {
		return nil, ErrEntityNotFound
	}

	result := *latest

	return &result, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var versions []*WorkflowVersion
	for _, version := range s.versions {
		if version.WorkflowID != workflowID {
			continue
		}

		result := *version
		versions = append(versions, &result)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})

	return versions, nil
}

func (s *MemoryStore) CreateParticipant(ctx context.Context, participant *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participant.ID = s.nextPartID
	s.nextPartID++

	now := time.Now()
	participant.CreatedAt = now
	participant.UpdatedAt = now
	if participant.Status == "" {
		participant.Status = StatusPending
	}

	stored := *participant
	s.participants[participant.ID] = &stored

	return nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, participantID int64) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participant, exists := s.participants[participantID]
	if !exists {
		return nil, ErrEntityNotFound
	}

	result := *participant

	return &result, nil
}

func (s *MemoryStore) BindParticipantVersion(ctx context.Context, participantID, versionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, exists := s.participants[participantID]
	if !exists {
		return false, ErrEntityNotFound
	}

	if participant.WorkflowVersionID != nil {
		return false, nil
	}

	participant.WorkflowVersionID = &versionID

	return true, nil
}

func (s *MemoryStore) UpdateParticipantState(
	ctx context.Context,
	participantID int64,
	status ParticipantStatus,
	currentStepID *string,
	versionID *int64,
	expectedUpdatedAt time.Time,
) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	participant, exists := s.participants[participantID]
	if !exists {
		return nil, ErrEntityNotFound
	}

	if !participant.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, ErrStaleVersion
	}

	participant.Status = status
	participant.CurrentStepID = currentStepID
	if versionID != nil {
		participant.WorkflowVersionID = versionID
	}

	// The token must move on every write or a second CAS with the old
	// expectation could still match.
	now := time.Now()
	if !now.After(participant.UpdatedAt) {
		now = participant.UpdatedAt.Add(time.Nanosecond)
	}
	participant.UpdatedAt = now

	result := *participant

	return &result, nil
}

func (s *MemoryStore) CreateApproval(ctx context.Context, approval *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval.ID = s.nextApprID
	s.nextApprID++
	approval.CreatedAt = time.Now()

	stored := *approval
	s.approvals[approval.ID] = &stored

	return nil
}

func (s *MemoryStore) LatestApproval(ctx context.Context, participantID int64) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Approval
	for _, approval := range s.approvals {
		if approval.ParticipantID != participantID || approval.IsBranchAction {
			continue
		}
		if latest == nil || approval.ID > latest.ID {
			latest = approval
		}
	}

	if latest == nil {
		return nil, ErrEntityNotFound
	}

	result := *latest

	return &result, nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, participantID int64) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var approvals []*Approval
	for _, approval := range s.approvals {
		if approval.ParticipantID != participantID {
			continue
		}

		result := *approval
		approvals = append(approvals, &result)
	}

	sort.Slice(approvals, func(i, j int) bool {
		return approvals[i].ID < approvals[j].ID
	})

	return approvals, nil
}

func (s *MemoryStore) CreateBranches(ctx context.Context, branches []*ParallelBranch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, branch := range branches {
		branch.ID = s.nextBranchID
		s.nextBranchID++
		branch.CreatedAt = now
		if branch.Status == "" {
			branch.Status = BranchStatusPending
		}

		stored := *branch
		s.branches[branch.ID] = &stored
	}

	return nil
}

func (s *MemoryStore) GetPendingBranch(
	ctx context.Context,
	participantID int64,
	forkStepID, branchStepID string,
) (*ParallelBranch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, branch := range s.branches {
		if branch.ParticipantID == participantID &&
			branch.ForkStepID == forkStepID &&
			branch.BranchStepID == branchStepID &&
			branch.Status == BranchStatusPending {
			result := *branch

			return &result, nil
		}
	}

	return nil, ErrEntityNotFound
}

func (s *MemoryStore) CompleteBranch(
	ctx context.Context,
	branchID int64,
	status BranchStatus,
	action WorkflowAction,
	completedBy string,
	remarks *string,
) (*ParallelBranch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, exists := s.branches[branchID]
	if !exists || branch.Status != BranchStatusPending {
		return nil, ErrEntityNotFound
	}

	now := time.Now()
	branch.Status = status
	branch.Action = &action
	branch.CompletedBy = &completedBy
	branch.Remarks = remarks
	branch.CompletedAt = &now

	result := *branch

	return &result, nil
}

func (s *MemoryStore) ListBranches(
	ctx context.Context,
	participantID int64,
	forkStepID string,
) ([]*ParallelBranch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var branches []*ParallelBranch
	for _, branch := range s.branches {
		if branch.ParticipantID != participantID || branch.ForkStepID != forkStepID {
			continue
		}

		result := *branch
		branches = append(branches, &result)
	}

	sort.Slice(branches, func(i, j int) bool {
		return branches[i].ID < branches[j].ID
	})

	return branches, nil
}

func (s *MemoryStore) ListPendingBranches(ctx context.Context) ([]*ParallelBranch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var branches []*ParallelBranch
	for _, branch := range s.branches {
		if branch.Status != BranchStatusPending {
			continue
		}

		result := *branch
		branches = append(branches, &result)
	}

	sort.Slice(branches, func(i, j int) bool {
		return branches[i].ID < branches[j].ID
	})

	return branches, nil
}

func (s *MemoryStore) ListActiveParticipants(ctx context.Context) ([]*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var participants []*Participant
	for _, participant := range s.participants {
		if participant.Status != StatusPending && participant.Status != StatusInProgress {
			continue
		}
		if participant.CurrentStepID == nil || participant.WorkflowVersionID == nil {
			continue
		}

		result := *participant
		participants = append(participants, &result)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})

	return participants, nil
}

func (s *MemoryStore) LogEvent(
	ctx context.Context,
	participantID int64,
	stepID *string,
	eventType string,
	payload any,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	event := &AuditEvent{
		ID:            s.nextEventID,
		ParticipantID: participantID,
		StepID:        stepID,
		EventType:     eventType,
		Payload:       payloadJSON,
		CreatedAt:     time.Now(),
	}
	s.nextEventID++

	s.events = append(s.events, event)

	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, participantID int64) ([]*AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*AuditEvent
	for _, event := range s.events {
		if event.ParticipantID != participantID {
			continue
		}

		result := *event
		events = append(events, &result)
	}

	return events, nil
}
