package stagewise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// VersionService creates and resolves immutable workflow versions. A new
// version is cut only when the definition's content hash differs from the
// latest stored one; otherwise the stored version is reused.
type VersionService struct {
	txManager TxManager
	store     Store
}

func NewVersionService(txManager TxManager, store Store) *VersionService {
	return &VersionService{
		txManager: txManager,
		store:     store,
	}
}

// EnsureCurrentVersion returns a version whose snapshot matches the current
// definition, creating one only on content change. Two concurrent callers may
// race on the insert; the loser falls back to the row the winner created.
func (svc *VersionService) EnsureCurrentVersion(
	ctx context.Context,
	workflowID, userID string,
) (*WorkflowVersion, error) {
	var result *WorkflowVersion

	err := svc.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		def, err := svc.store.GetWorkflowDefinition(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("get workflow definition %q: %w", workflowID, err)
		}

		hash, err := ComputeHash(def)
		if err != nil {
			return fmt.Errorf("compute content hash: %w", err)
		}

		latest, err := svc.store.GetLatestVersion(ctx, workflowID)
		if err != nil && !errors.Is(err, ErrEntityNotFound) {
			return fmt.Errorf("get latest version: %w", err)
		}

		if latest != nil && latest.ContentHash == hash {
			result = latest

			return nil
		}

		result, err = svc.createVersion(ctx, def, hash, userID, nil)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetParticipantVersion resolves the version a participant is running,
// binding it lazily on first access. Repeated calls are idempotent: the bind
// is written only while the reference is unset.
func (svc *VersionService) GetParticipantVersion(
	ctx context.Context,
	participantID int64,
) (*WorkflowVersion, error) {
	var result *WorkflowVersion

	err := svc.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		participant, err := svc.store.GetParticipant(ctx, participantID)
		if err != nil {
			return fmt.Errorf("get participant %d: %w", participantID, err)
		}

		if participant.WorkflowVersionID != nil {
			result, err = svc.store.GetVersion(ctx, *participant.WorkflowVersionID)
			if err != nil {
				return fmt.Errorf("get version %d: %w", *participant.WorkflowVersionID, err)
			}

			return nil
		}

		version, err := svc.EnsureCurrentVersion(ctx, participant.WorkflowID, SystemActor)
		if err != nil {
			return err
		}

		if _, err := svc.store.BindParticipantVersion(ctx, participantID, version.ID); err != nil {
			return fmt.Errorf("bind participant version: %w", err)
		}

		// Re-read in case a concurrent caller bound a different row first.
		participant, err = svc.store.GetParticipant(ctx, participantID)
		if err != nil {
			return fmt.Errorf("get participant %d: %w", participantID, err)
		}
		if participant.WorkflowVersionID != nil && *participant.WorkflowVersionID != version.ID {
			result, err = svc.store.GetVersion(ctx, *participant.WorkflowVersionID)

			return err
		}

		result = version

		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PublishWorkflowVersion cuts a new version unconditionally, capturing an
// intentional release point with a human description.
func (svc *VersionService) PublishWorkflowVersion(
	ctx context.Context,
	workflowID, userID string,
	description *string,
) (*WorkflowVersion, error) {
	var result *WorkflowVersion

	err := svc.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		def, err := svc.store.GetWorkflowDefinition(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("get workflow definition %q: %w", workflowID, err)
		}

		hash, err := ComputeHash(def)
		if err != nil {
			return fmt.Errorf("compute content hash: %w", err)
		}

		result, err = svc.createVersion(ctx, def, hash, userID, description)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (svc *VersionService) ListWorkflowVersions(
	ctx context.Context,
	workflowID string,
) ([]*WorkflowVersion, error) {
	return svc.store.ListVersions(ctx, workflowID)
}

// CompareVersions diffs two snapshots' step sets by id. A step counts as
// modified when present in both versions but not byte-identical in canonical
// form.
func (svc *VersionService) CompareVersions(ctx context.Context, idA, idB int64) (*VersionDiff, error) {
	versionA, err := svc.store.GetVersion(ctx, idA)
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", idA, err)
	}

	versionB, err := svc.store.GetVersion(ctx, idB)
	if err != nil {
		return nil, fmt.Errorf("get version %d: %w", idB, err)
	}

	stepsA := make(map[string][]byte, len(versionA.Snapshot.Steps))
	for i := range versionA.Snapshot.Steps {
		step := &versionA.Snapshot.Steps[i]

		canonical, err := CanonicalJSON(step)
		if err != nil {
			return nil, fmt.Errorf("canonicalize step %q: %w", step.ID, err)
		}
		stepsA[step.ID] = canonical
	}

	diff := &VersionDiff{}
	seen := make(map[string]bool, len(versionB.Snapshot.Steps))

	for i := range versionB.Snapshot.Steps {
		step := &versionB.Snapshot.Steps[i]
		seen[step.ID] = true

		canonicalA, exists := stepsA[step.ID]
		if !exists {
			diff.Added = append(diff.Added, step.ID)

			continue
		}

		canonicalB, err := CanonicalJSON(step)
		if err != nil {
			return nil, fmt.Errorf("canonicalize step %q: %w", step.ID, err)
		}

		if !bytes.Equal(canonicalA, canonicalB) {
			diff.Modified = append(diff.Modified, step.ID)
		}
	}

	for i := range versionA.Snapshot.Steps {
		if !seen[versionA.Snapshot.Steps[i].ID] {
			diff.Removed = append(diff.Removed, versionA.Snapshot.Steps[i].ID)
		}
	}

	return diff, nil
}

func (svc *VersionService) createVersion(
	ctx context.Context,
	def *WorkflowDefinition,
	hash, userID string,
	description *string,
) (*WorkflowVersion, error) {
	snapshot := Serialize(def)
	if err := ValidateSnapshot(&snapshot); err != nil {
		return nil, err
	}

	latest, err := svc.store.GetLatestVersion(ctx, def.ID)
	if err != nil && !errors.Is(err, ErrEntityNotFound) {
		return nil, fmt.Errorf("get latest version: %w", err)
	}

	next := 1
	if latest != nil {
		next = latest.Version + 1
	}

	version := &WorkflowVersion{
		WorkflowID:  def.ID,
		Version:     next,
		Snapshot:    snapshot,
		ContentHash: hash,
		Description: description,
		CreatedBy:   userID,
	}

	if err := svc.store.CreateVersion(ctx, version); err != nil {
		// A concurrent caller may have inserted the same version number.
		// Any stored version matching the current hash is as good as ours.
		current, readErr := svc.store.GetLatestVersion(ctx, def.ID)
		if readErr == nil && current.ContentHash == hash {
			return current, nil
		}

		return nil, fmt.Errorf("create version %d of workflow %q: %w", next, def.ID, err)
	}

	return version, nil
}
