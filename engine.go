package stagewise

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// SystemActor is the synthetic user recorded for engine-initiated actions
// (lazy version binding, SLA remediation, join resumption).
const SystemActor = "system"

// Engine is the navigation state machine: it decides the next step per
// action, applies the transition under the concurrency guard and hands FORK
// targets over to the fork coordinator.
type Engine struct {
	txManager TxManager
	store     Store
	versions  *VersionService
	evaluator ConditionEvaluator
	flags     FeatureFlags
	notifier  *Notifier
	metrics   *Metrics
	logger    zerolog.Logger

	forks *ForkCoordinator
}

func NewEngine(txManager TxManager, store Store, opts ...EngineOption) *Engine {
	engine := &Engine{
		txManager: txManager,
		store:     store,
		evaluator: NewExprEvaluator(),
		flags:     StaticFlags{Parallel: true, Conditional: true},
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	if engine.versions == nil {
		engine.versions = NewVersionService(engine.txManager, engine.store)
	}

	engine.forks = newForkCoordinator(
		engine.txManager, engine.store, engine.versions,
		engine, engine.notify, engine.metrics, engine.logger,
	)

	return engine
}

// Versions exposes the authoring/versioning surface.
func (engine *Engine) Versions() *VersionService {
	return engine.versions
}

// EnterWorkflow binds a fresh participant to the current version of the
// workflow and parks it at the entry step.
func (engine *Engine) EnterWorkflow(
	ctx context.Context,
	participantID int64,
	workflowID, userID string,
) (*EnterResult, error) {
	var result *EnterResult

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		participant, err := engine.store.GetParticipant(ctx, participantID)
		if err != nil {
			return fmt.Errorf("get participant %d: %w", participantID, err)
		}

		version, err := engine.versions.EnsureCurrentVersion(ctx, workflowID, userID)
		if err != nil {
			return err
		}

		entry := version.Snapshot.EntryStep()
		if entry == nil {
			return invalidConfigf("workflow %q has no entry point step", version.Snapshot.Name)
		}

		if _, err := engine.store.UpdateParticipantState(
			ctx, participantID, StatusPending, &entry.ID, &version.ID, participant.UpdatedAt,
		); err != nil {
			return engine.wrapStateUpdateErr(ctx, participantID, err)
		}

		_ = engine.store.LogEvent(ctx, participantID, &entry.ID, EventWorkflowEntered, map[string]any{
			KeyWorkflowID: workflowID,
			KeyVersionID:  version.ID,
			KeyActor:      userID,
		})

		result = &EnterResult{VersionID: version.ID, StepID: entry.ID}

		return nil
	})
	if err != nil {
		return nil, err
	}

	engine.notify(Notification{
		Type:          NotificationStatusChanged,
		ParticipantID: participantID,
		WorkflowID:    workflowID,
		StepID:        result.StepID,
		Actor:         userID,
	})

	return result, nil
}

// ProcessWorkflowAction advances a participant by one action. expectedVersion
// is the caller's last-known updated_at token; nil means "trust the state
// read inside this call". comment travels into the approval audit row.
func (engine *Engine) ProcessWorkflowAction(
	ctx context.Context,
	participantID int64,
	userID string,
	action WorkflowAction,
	comment *string,
	expectedVersion *time.Time,
) (*TransitionResult, error) {
	switch action {
	case ActionApprove, ActionReject, ActionBypass, ActionEscalate, ActionPrint, ActionReturn:
	default:
		return nil, invalidConfigf("unknown workflow action %q", action)
	}

	var (
		result   *TransitionResult
		notified []Notification
	)

	err := engine.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		participant, err := engine.store.GetParticipant(ctx, participantID)
		if err != nil {
			return fmt.Errorf("get participant %d: %w", participantID, err)
		}

		version, err := engine.versions.GetParticipantVersion(ctx, participantID)
		if err != nil {
			return err
		}

		if participant.CurrentStepID == nil {
			return invalidConfigf("participant %d has no current step; call EnterWorkflow first", participantID)
		}

		currentStep := version.Snapshot.Step(*participant.CurrentStepID)
		if currentStep == nil {
			return invalidConfigf("participant %d references step %q which does not exist in workflow version %d",
				participantID, *participant.CurrentStepID, version.ID)
		}

		if currentStep.StepType == StepTypeFork {
			return invalidConfigf("participant %d is parked at FORK step %q. Use ProcessBranchAction to resolve its branches",
				participantID, currentStep.Name)
		}

		expected := participant.UpdatedAt
		if expectedVersion != nil {
			expected = *expectedVersion
		}

		nextStepID, err := engine.resolveAction(ctx, participant, currentStep, action)
		if err != nil {
			return err
		}

		if nextStepID != nil {
			nextStep := version.Snapshot.Step(*nextStepID)
			if nextStep == nil {
				return invalidConfigf("step %q routes action %s to unknown step %q",
					currentStep.Name, action, *nextStepID)
			}

			// FORK targets are fanned out by the coordinator instead of a
			// normal transition. Approval for the current step is recorded
			// first so the audit trail shows who triggered the fork.
			if nextStep.StepType == StepTypeFork &&
				engine.flags.ParallelWorkflowsEnabled(ctx, participant.TenantID) {
				if err := engine.recordApproval(ctx, participant.ID, currentStep.ID, userID, action, comment, false); err != nil {
					return err
				}

				if err := engine.forks.executeFork(ctx, participant, nextStep, userID, expected); err != nil {
					return err
				}

				result = &TransitionResult{
					PreviousStepID: currentStep.ID,
					NextStepID:     nextStepID,
					IsComplete:     false,
				}
				notified = engine.actionNotifications(participant, currentStep.ID, action, userID)

				return nil
			}
		}

		var (
			status     ParticipantStatus
			newStepID  *string
			isComplete bool
		)

		switch {
		case nextStepID == nil && currentStep.IsFinalStep:
			isComplete = true
			status = StatusApproved
			newStepID = participant.CurrentStepID
		case nextStepID != nil:
			status = StatusInProgress
			newStepID = nextStepID
		default:
			return invalidConfigf("step %q has no target step for action %s", currentStep.Name, action)
		}

		if _, err := engine.store.UpdateParticipantState(
			ctx, participant.ID, status, newStepID, nil, expected,
		); err != nil {
			return engine.wrapStateUpdateErr(ctx, participant.ID, err)
		}

		if err := engine.recordApproval(ctx, participant.ID, currentStep.ID, userID, action, comment, false); err != nil {
			return err
		}

		_ = engine.store.LogEvent(ctx, participant.ID, &currentStep.ID, EventStepTransition, map[string]any{
			KeyPreviousStepID: currentStep.ID,
			KeyNextStepID:     nextStepID,
			KeyIsComplete:     isComplete,
			KeyAction:         action,
			KeyActor:          userID,
		})

		result = &TransitionResult{
			PreviousStepID: currentStep.ID,
			NextStepID:     nextStepID,
			IsComplete:     isComplete,
		}
		notified = engine.actionNotifications(participant, currentStep.ID, action, userID)

		return nil
	})
	if err != nil {
		engine.metrics.TransitionFailed(string(action))

		return nil, err
	}

	for _, notification := range notified {
		engine.notify(notification)
	}
	engine.metrics.TransitionApplied(string(action))

	return result, nil
}

// ProcessBranchAction resolves one parallel branch of a fork; see
// ForkCoordinator.ProcessBranchAction.
func (engine *Engine) ProcessBranchAction(
	ctx context.Context,
	participantID int64,
	forkStepID, branchStepID string,
	userID string,
	action WorkflowAction,
	remarks *string,
) (*BranchActionResult, error) {
	return engine.forks.ProcessBranchAction(ctx, participantID, forkStepID, branchStepID, userID, action, remarks)
}

// ResolveNextStep applies the routing rules for a single step and action
// against the participant's extras record. It does not resolve RETURN (the
// caller replays the latest approval) and yields nil for unknown actions.
func (engine *Engine) ResolveNextStep(
	step *StepSnapshot,
	action WorkflowAction,
	record map[string]any,
	conditionalRoutingEnabled bool,
) (*string, error) {
	switch action {
	case ActionApprove, ActionPrint:
		return engine.resolveRoutes(step.ConditionalRoutes, step.NextStepID, record, conditionalRoutingEnabled)
	case ActionReject:
		return engine.resolveRoutes(step.RejectionConditionalRoutes, step.RejectionTargetID, record, conditionalRoutingEnabled)
	case ActionBypass:
		return step.BypassTargetID, nil
	case ActionEscalate:
		return step.EscalationTargetID, nil
	default:
		return nil, nil
	}
}

func (engine *Engine) resolveAction(
	ctx context.Context,
	participant *Participant,
	currentStep *StepSnapshot,
	action WorkflowAction,
) (*string, error) {
	if action == ActionReturn {
		last, err := engine.store.LatestApproval(ctx, participant.ID)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) {
				return nil, invalidConfigf("participant %d has no previous approval to return to", participant.ID)
			}

			return nil, fmt.Errorf("get latest approval: %w", err)
		}

		return &last.StepID, nil
	}

	enabled := engine.flags.ConditionalRoutingEnabled(ctx, participant.TenantID)

	return engine.ResolveNextStep(currentStep, action, participant.Extras, enabled)
}

func (engine *Engine) resolveRoutes(
	routes []ConditionalRoute,
	fallback *string,
	record map[string]any,
	enabled bool,
) (*string, error) {
	if !enabled || len(routes) == 0 {
		return fallback, nil
	}

	ordered := make([]ConditionalRoute, len(routes))
	copy(ordered, routes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for _, route := range ordered {
		matched, err := engine.evaluator.Evaluate(route.Condition, record)
		if err != nil {
			return nil, invalidConfigf("conditional route to %q: %v", route.TargetStepID, err)
		}

		if matched {
			targetID := route.TargetStepID

			return &targetID, nil
		}
	}

	return fallback, nil
}

func (engine *Engine) recordApproval(
	ctx context.Context,
	participantID int64,
	stepID, userID string,
	action WorkflowAction,
	remarks *string,
	isBranch bool,
) error {
	approval := &Approval{
		ParticipantID:  participantID,
		StepID:         stepID,
		UserID:         userID,
		Action:         action,
		Remarks:        remarks,
		IsBranchAction: isBranch,
	}

	if err := engine.store.CreateApproval(ctx, approval); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}

	return nil
}

// wrapStateUpdateErr converts a stale-token update into a Conflict carrying
// the authoritative state the caller needs to merge and retry.
func (engine *Engine) wrapStateUpdateErr(ctx context.Context, participantID int64, err error) error {
	if !errors.Is(err, ErrStaleVersion) {
		return fmt.Errorf("update participant %d: %w", participantID, err)
	}

	engine.metrics.ConflictDetected()

	return stateConflictError(ctx, engine.store, participantID)
}

func (engine *Engine) actionNotifications(
	participant *Participant,
	stepID string,
	action WorkflowAction,
	userID string,
) []Notification {
	notifications := make([]Notification, 0, 2)

	switch action {
	case ActionApprove, ActionBypass, ActionReject:
		notifications = append(notifications, Notification{
			Type:          NotificationActionTaken,
			ParticipantID: participant.ID,
			WorkflowID:    participant.WorkflowID,
			StepID:        stepID,
			Action:        action,
			Actor:         userID,
		})
	}

	notifications = append(notifications, Notification{
		Type:          NotificationStatusChanged,
		ParticipantID: participant.ID,
		WorkflowID:    participant.WorkflowID,
		StepID:        stepID,
		Action:        action,
		Actor:         userID,
	})

	return notifications
}

func (engine *Engine) notify(notification Notification) {
	if engine.notifier == nil {
		return
	}

	engine.notifier.Emit(notification)
}
