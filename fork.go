package stagewise

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// mainFlowResumer is the narrow capability the coordinator needs to hand
// control back to the navigation engine once a join resolves. Injected at
// construction so the dependency stays one-way.
type mainFlowResumer interface {
	ProcessWorkflowAction(
		ctx context.Context,
		participantID int64,
		userID string,
		action WorkflowAction,
		comment *string,
		expectedVersion *time.Time,
	) (*TransitionResult, error)
}

// ForkCoordinator fans a participant out into parallel branches, tracks
// branch completion and resumes the main flow once the join strategy is
// decided either way.
type ForkCoordinator struct {
	txManager TxManager
	store     Store
	versions  *VersionService
	resumer   mainFlowResumer
	notify    func(Notification)
	metrics   *Metrics
	logger    zerolog.Logger
}

func newForkCoordinator(
	txManager TxManager,
	store Store,
	versions *VersionService,
	resumer mainFlowResumer,
	notify func(Notification),
	metrics *Metrics,
	logger zerolog.Logger,
) *ForkCoordinator {
	return &ForkCoordinator{
		txManager: txManager,
		store:     store,
		versions:  versions,
		resumer:   resumer,
		notify:    notify,
		metrics:   metrics,
		logger:    logger,
	}
}

// ParseForkConfig validates a FORK step's fan-out configuration.
func ParseForkConfig(step *StepSnapshot) (*ForkConfig, error) {
	if step.ForkConfig == nil || len(step.ForkConfig.Branches) == 0 {
		return nil, invalidConfigf("FORK step %q has no branches configured", step.Name)
	}

	if step.ForkConfig.JoinStepID == "" {
		return nil, invalidConfigf("FORK step %q has no join step configured", step.Name)
	}

	return step.ForkConfig, nil
}

// EvaluateStrategy is the pure join decision table over the branch counts.
// MAJORITY fails early once a majority is mathematically unreachable, so the
// join can resolve before every branch reports in.
func EvaluateStrategy(strategy JoinStrategy, summary JoinSummary) JoinEvaluation {
	eval := JoinEvaluation{Summary: summary}

	if summary.TotalBranches == 0 {
		return eval
	}

	switch strategy {
	case JoinStrategyAll:
		eval.Satisfied = summary.ApprovedBranches == summary.TotalBranches
		eval.Failed = summary.RejectedBranches > 0
	case JoinStrategyAny:
		eval.Satisfied = summary.ApprovedBranches > 0
		eval.Failed = summary.RejectedBranches == summary.TotalBranches
	case JoinStrategyMajority:
		eval.Satisfied = summary.ApprovedBranches*2 > summary.TotalBranches
		unreachable := (summary.ApprovedBranches+summary.PendingBranches)*2 <= summary.TotalBranches
		eval.Failed = summary.RejectedBranches*2 > summary.TotalBranches || unreachable
	}

	return eval
}

// executeFork is the fan-out: one PENDING branch row per configured branch,
// participant parked at the FORK step. Branch steps themselves advance
// independently through ProcessBranchAction.
func (coordinator *ForkCoordinator) executeFork(
	ctx context.Context,
	participant *Participant,
	forkStep *StepSnapshot,
	userID string,
	expectedUpdatedAt time.Time,
) error {
	config, err := ParseForkConfig(forkStep)
	if err != nil {
		return err
	}

	branches := make([]*ParallelBranch, 0, len(config.Branches))
	for _, branch := range config.Branches {
		branches = append(branches, &ParallelBranch{
			ParticipantID: participant.ID,
			ForkStepID:    forkStep.ID,
			BranchStepID:  branch.BranchStepID,
			Status:        BranchStatusPending,
		})
	}

	if err := coordinator.store.CreateBranches(ctx, branches); err != nil {
		return fmt.Errorf("create parallel branches: %w", err)
	}

	if _, err := coordinator.store.UpdateParticipantState(
		ctx, participant.ID, StatusInProgress, &forkStep.ID, nil, expectedUpdatedAt,
	); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			coordinator.metrics.ConflictDetected()

			return stateConflictError(ctx, coordinator.store, participant.ID)
		}

		return fmt.Errorf("park participant %d at fork: %w", participant.ID, err)
	}

	_ = coordinator.store.LogEvent(ctx, participant.ID, &forkStep.ID, EventForkStarted, map[string]any{
		KeyBranchCount: len(branches),
		KeyJoinStepID:  config.JoinStepID,
		KeyActor:       userID,
	})

	coordinator.metrics.ForkStarted()
	coordinator.notify(Notification{
		Type:          NotificationForkStarted,
		ParticipantID: participant.ID,
		WorkflowID:    participant.WorkflowID,
		StepID:        forkStep.ID,
		Actor:         userID,
	})

	return nil
}

// ProcessBranchAction resolves one PENDING branch exactly once, then
// re-evaluates the join. When the join is decided either way, the participant
// moves to the JOIN step and the main flow resumes with the join's resulting
// action - once per fork, however many branch actions raced to the decision.
func (coordinator *ForkCoordinator) ProcessBranchAction(
	ctx context.Context,
	participantID int64,
	forkStepID, branchStepID string,
	userID string,
	action WorkflowAction,
	remarks *string,
) (*BranchActionResult, error) {
	var branchStatus BranchStatus
	switch action {
	case ActionApprove:
		branchStatus = BranchStatusApproved
	case ActionReject:
		branchStatus = BranchStatusRejected
	default:
		return nil, invalidConfigf("branch action must be APPROVE or REJECT, got %q", action)
	}

	var result *BranchActionResult

	err := coordinator.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		pending, err := coordinator.store.GetPendingBranch(ctx, participantID, forkStepID, branchStepID)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return fmt.Errorf("no pending branch %q of fork %q for participant %d: %w",
					branchStepID, forkStepID, participantID, ErrEntityNotFound)
			}

			return fmt.Errorf("get pending branch: %w", err)
		}

		branch, err := coordinator.store.CompleteBranch(ctx, pending.ID, branchStatus, action, userID, remarks)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return fmt.Errorf("branch %q of fork %q was already resolved: %w",
					branchStepID, forkStepID, ErrEntityNotFound)
			}

			return fmt.Errorf("complete branch: %w", err)
		}

		approval := &Approval{
			ParticipantID:  participantID,
			StepID:         branchStepID,
			UserID:         userID,
			Action:         action,
			Remarks:        remarks,
			IsBranchAction: true,
		}
		if err := coordinator.store.CreateApproval(ctx, approval); err != nil {
			return fmt.Errorf("create branch approval: %w", err)
		}

		_ = coordinator.store.LogEvent(ctx, participantID, &branchStepID, EventBranchResolved, map[string]any{
			KeyForkStepID:   forkStepID,
			KeyBranchStepID: branchStepID,
			KeyBranchStatus: branch.Status,
			KeyAction:       action,
			KeyActor:        userID,
		})

		version, err := coordinator.versions.GetParticipantVersion(ctx, participantID)
		if err != nil {
			return err
		}

		forkStep := version.Snapshot.Step(forkStepID)
		if forkStep == nil || forkStep.StepType != StepTypeFork {
			return invalidConfigf("step %q is not a FORK step of workflow version %d", forkStepID, version.ID)
		}

		config, err := ParseForkConfig(forkStep)
		if err != nil {
			return err
		}

		joinStep := version.Snapshot.Step(config.JoinStepID)
		if joinStep == nil || joinStep.StepType != StepTypeJoin || joinStep.JoinConfig == nil {
			return invalidConfigf("FORK step %q references join step %q which is not a configured JOIN step",
				forkStep.Name, config.JoinStepID)
		}

		evaluation, err := coordinator.EvaluateJoin(ctx, participantID, forkStepID, joinStep.JoinConfig.Strategy)
		if err != nil {
			return err
		}

		advanced := false
		if evaluation.Resolved() {
			advanced, err = coordinator.resumeMainFlow(ctx, participantID, forkStepID, joinStep.ID, evaluation)
			if err != nil {
				return err
			}
		}

		result = &BranchActionResult{
			BranchID:            branch.ID,
			BranchStatus:        branch.Status,
			JoinEvaluation:      evaluation,
			ParticipantAdvanced: advanced,
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	coordinator.metrics.BranchResolved(string(result.BranchStatus))
	coordinator.notify(Notification{
		Type:          NotificationBranchResolved,
		ParticipantID: participantID,
		StepID:        branchStepID,
		Action:        action,
		Actor:         userID,
	})

	return result, nil
}

// EvaluateJoin reads the durable branch rows and applies the strategy table.
// Safe to invoke redundantly: same rows, same decision.
func (coordinator *ForkCoordinator) EvaluateJoin(
	ctx context.Context,
	participantID int64,
	forkStepID string,
	strategy JoinStrategy,
) (JoinEvaluation, error) {
	branches, err := coordinator.store.ListBranches(ctx, participantID, forkStepID)
	if err != nil {
		return JoinEvaluation{}, fmt.Errorf("list branches: %w", err)
	}

	summary := JoinSummary{TotalBranches: len(branches)}
	for _, branch := range branches {
		switch branch.Status {
		case BranchStatusApproved:
			summary.ApprovedBranches++
		case BranchStatusRejected:
			summary.RejectedBranches++
		case BranchStatusPending:
			summary.PendingBranches++
		}
	}

	return EvaluateStrategy(strategy, summary), nil
}

// resumeMainFlow moves the participant from the FORK step to the JOIN step
// and replays the join's resulting action through the navigation engine. The
// current-step check plus the CAS predicate guarantee a single resume even
// when two branch actions observe "resolved" simultaneously; the loser simply
// reports participantAdvanced = false.
func (coordinator *ForkCoordinator) resumeMainFlow(
	ctx context.Context,
	participantID int64,
	forkStepID, joinStepID string,
	evaluation JoinEvaluation,
) (bool, error) {
	participant, err := coordinator.store.GetParticipant(ctx, participantID)
	if err != nil {
		return false, fmt.Errorf("get participant %d: %w", participantID, err)
	}

	if participant.CurrentStepID == nil || *participant.CurrentStepID != forkStepID {
		coordinator.logger.Debug().
			Int64("participant_id", participantID).
			Str("fork_step_id", forkStepID).
			Msg("join already resumed by a concurrent branch action")

		return false, nil
	}

	if _, err := coordinator.store.UpdateParticipantState(
		ctx, participantID, StatusInProgress, &joinStepID, nil, participant.UpdatedAt,
	); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			// Lost the race to a concurrent resume.
			return false, nil
		}

		return false, fmt.Errorf("move participant %d to join step: %w", participantID, err)
	}

	_ = coordinator.store.LogEvent(ctx, participantID, &joinStepID, EventJoinResolved, map[string]any{
		KeyForkStepID: forkStepID,
		KeyJoinStepID: joinStepID,
		KeySatisfied:  evaluation.Satisfied,
		KeyFailed:     evaluation.Failed,
		KeyAction:     evaluation.ResultAction(),
	})

	coordinator.metrics.JoinResolved(evaluation.Satisfied)
	coordinator.notify(Notification{
		Type:          NotificationJoinResolved,
		ParticipantID: participantID,
		StepID:        joinStepID,
		Action:        evaluation.ResultAction(),
		Actor:         SystemActor,
	})

	if _, err := coordinator.resumer.ProcessWorkflowAction(
		ctx, participantID, SystemActor, evaluation.ResultAction(), nil, nil,
	); err != nil {
		return false, fmt.Errorf("resume main flow from join %q: %w", joinStepID, err)
	}

	return true, nil
}

// stateConflictError builds the Conflict payload from the authoritative row.
func stateConflictError(ctx context.Context, store Store, participantID int64) error {
	current, err := store.GetParticipant(ctx, participantID)
	if err != nil {
		return fmt.Errorf("participant %d changed concurrently and could not be re-read: %w", participantID, err)
	}

	return &ConflictError{Current: ParticipantState{
		ID:            current.ID,
		Status:        current.Status,
		CurrentStepID: current.CurrentStepID,
		UpdatedAt:     current.UpdatedAt,
	}}
}
