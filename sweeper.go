package stagewise

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper is the periodic batch process enforcing per-step SLAs and per-branch
// join timeouts. It never runs in a request path; an external scheduler (or
// the Worker in this package) drives it.
type Sweeper struct {
	store    Store
	versions *VersionService
	engine   *Engine
	notifier *Notifier
	metrics  *Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type SweeperOption func(sweeper *Sweeper)

func WithSweeperLogger(logger zerolog.Logger) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.logger = logger
	}
}

// WithSweeperNow overrides the clock, for tests.
func WithSweeperNow(now func() time.Time) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.now = now
	}
}

func NewSweeper(engine *Engine, opts ...SweeperOption) *Sweeper {
	sweeper := &Sweeper{
		store:    engine.store,
		versions: engine.versions,
		engine:   engine,
		notifier: engine.notifier,
		metrics:  engine.metrics,
		logger:   engine.logger,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	return sweeper
}

// CheckOverdueSLAs scans every active participant, warns inside the warning
// window and applies the configured remedial action on breach. A failure on
// one participant is recorded and never aborts the sweep. Warnings repeat on
// every sweep while the window holds; that is intentional.
func (sweeper *Sweeper) CheckOverdueSLAs(ctx context.Context) (*SLAReport, error) {
	participants, err := sweeper.store.ListActiveParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active participants: %w", err)
	}

	report := &SLAReport{}

	for _, participant := range participants {
		if participant.CurrentStepID == nil || participant.WorkflowVersionID == nil {
			continue
		}

		version, err := sweeper.store.GetVersion(ctx, *participant.WorkflowVersionID)
		if err != nil {
			sweeper.logger.Warn().Err(err).
				Int64("participant_id", participant.ID).
				Msg("sla sweep: cannot resolve bound version")

			continue
		}

		step := version.Snapshot.Step(*participant.CurrentStepID)
		if step == nil {
			sweeper.logger.Warn().
				Int64("participant_id", participant.ID).
				Str("step_id", *participant.CurrentStepID).
				Msg("sla sweep: current step missing from snapshot")

			continue
		}

		if !step.HasSLA() {
			continue
		}

		report.Checked++

		enteredAt := participant.CreatedAt
		if last, err := sweeper.store.LatestApproval(ctx, participant.ID); err == nil {
			enteredAt = last.CreatedAt
		}

		deadline := enteredAt.Add(time.Duration(*step.SLADurationMinutes) * time.Minute)
		now := sweeper.now()

		if now.After(deadline) {
			report.Breached++
			record := sweeper.applyBreach(ctx, participant, step, deadline)
			report.Actions = append(report.Actions, record)

			continue
		}

		if step.SLAWarningMinutes != nil &&
			now.After(deadline.Add(-time.Duration(*step.SLAWarningMinutes)*time.Minute)) {
			report.Warnings++
			sweeper.metrics.SLAWarning()
			_ = sweeper.store.LogEvent(ctx, participant.ID, &step.ID, EventSLAWarning, map[string]any{
				KeyDeadline: deadline,
			})
			sweeper.emit(Notification{
				Type:          NotificationSLAWarning,
				ParticipantID: participant.ID,
				WorkflowID:    participant.WorkflowID,
				StepID:        step.ID,
				Actor:         SystemActor,
				Detail:        map[string]any{KeyDeadline: deadline},
			})
		}
	}

	return report, nil
}

func (sweeper *Sweeper) applyBreach(
	ctx context.Context,
	participant *Participant,
	step *StepSnapshot,
	deadline time.Time,
) SLAActionRecord {
	sweeper.emit(Notification{
		Type:          NotificationSLABreached,
		ParticipantID: participant.ID,
		WorkflowID:    participant.WorkflowID,
		StepID:        step.ID,
		Actor:         SystemActor,
		Detail:        map[string]any{KeyDeadline: deadline, KeySLAAction: step.SLAAction},
	})

	_ = sweeper.store.LogEvent(ctx, participant.ID, &step.ID, EventSLABreached, map[string]any{
		KeyDeadline:  deadline,
		KeySLAAction: step.SLAAction,
	})

	record := SLAActionRecord{
		ParticipantID: participant.ID,
		StepID:        step.ID,
		Action:        step.SLAAction,
	}

	remark := fmt.Sprintf("SLA of %d minutes exceeded on step %q", *step.SLADurationMinutes, step.Name)

	var err error
	switch step.SLAAction {
	case SLAActionNotify, "":
		// Notification only, no state change.
	case SLAActionEscalate:
		_, err = sweeper.engine.ProcessWorkflowAction(ctx, participant.ID, SystemActor, ActionEscalate, &remark, nil)
	case SLAActionAutoApprove:
		_, err = sweeper.engine.ProcessWorkflowAction(ctx, participant.ID, SystemActor, ActionApprove, &remark, nil)
	case SLAActionAutoReject:
		_, err = sweeper.engine.ProcessWorkflowAction(ctx, participant.ID, SystemActor, ActionReject, &remark, nil)
	case SLAActionReassign:
		// Reassignment is not wired yet; the breach is audited and the
		// participant stays put until it ships.
		_ = sweeper.store.LogEvent(ctx, participant.ID, &step.ID, EventSLABreached, map[string]any{
			KeySLAAction:       SLAActionReassign,
			KeyReassignPending: true,
		})
	default:
		err = invalidConfigf("step %q has unknown SLA action %q", step.Name, step.SLAAction)
	}

	if err != nil {
		record.Error = err.Error()
		_ = sweeper.store.LogEvent(ctx, participant.ID, &step.ID, EventSLABreached, map[string]any{
			KeySLAAction: step.SLAAction,
			KeyError:     err.Error(),
		})
		sweeper.logger.Warn().Err(err).
			Int64("participant_id", participant.ID).
			Str("step_id", step.ID).
			Str("sla_action", string(step.SLAAction)).
			Msg("sla sweep: remedial action failed")
	} else {
		sweeper.metrics.SLABreach(string(step.SLAAction))
	}

	return record
}

// ProcessTimedOutBranches applies the JOIN step's timeout policy per pending
// branch: APPROVE approves the branch, everything else rejects it, ESCALATE
// rejects with an escalated remark. One branch failing never short-circuits
// the rest of the sweep.
func (sweeper *Sweeper) ProcessTimedOutBranches(ctx context.Context) (*BranchSweepReport, error) {
	branches, err := sweeper.store.ListPendingBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending branches: %w", err)
	}

	report := &BranchSweepReport{}

	for _, branch := range branches {
		report.Checked++

		version, err := sweeper.versions.GetParticipantVersion(ctx, branch.ParticipantID)
		if err != nil {
			report.Errors++
			sweeper.logger.Warn().Err(err).
				Int64("participant_id", branch.ParticipantID).
				Msg("branch sweep: cannot resolve version")

			continue
		}

		joinConfig, err := joinConfigForFork(version, branch.ForkStepID)
		if err != nil {
			report.Errors++
			sweeper.logger.Warn().Err(err).
				Int64("participant_id", branch.ParticipantID).
				Str("fork_step_id", branch.ForkStepID).
				Msg("branch sweep: invalid fork configuration")

			continue
		}

		if joinConfig.TimeoutMinutes == nil || *joinConfig.TimeoutMinutes <= 0 {
			continue
		}

		deadline := branch.CreatedAt.Add(time.Duration(*joinConfig.TimeoutMinutes) * time.Minute)
		if !sweeper.now().After(deadline) {
			continue
		}

		report.TimedOut++

		action := ActionReject
		remark := "branch timed out"
		switch joinConfig.TimeoutAction {
		case ActionApprove:
			action = ActionApprove
		case ActionEscalate:
			remark = "branch timed out (escalated)"
		}

		_ = sweeper.store.LogEvent(ctx, branch.ParticipantID, &branch.BranchStepID, EventBranchTimedOut, map[string]any{
			KeyForkStepID:   branch.ForkStepID,
			KeyBranchStepID: branch.BranchStepID,
			KeyDeadline:     deadline,
			KeyAction:       action,
		})

		if _, err := sweeper.engine.ProcessBranchAction(
			ctx, branch.ParticipantID, branch.ForkStepID, branch.BranchStepID, SystemActor, action, &remark,
		); err != nil {
			report.Errors++
			sweeper.logger.Warn().Err(err).
				Int64("participant_id", branch.ParticipantID).
				Str("branch_step_id", branch.BranchStepID).
				Msg("branch sweep: timeout action failed")

			continue
		}

		sweeper.metrics.BranchTimedOut()
	}

	return report, nil
}

func (sweeper *Sweeper) emit(notification Notification) {
	if sweeper.notifier == nil {
		return
	}

	sweeper.notifier.Emit(notification)
}

func joinConfigForFork(version *WorkflowVersion, forkStepID string) (*JoinConfig, error) {
	forkStep := version.Snapshot.Step(forkStepID)
	if forkStep == nil || forkStep.StepType != StepTypeFork {
		return nil, invalidConfigf("step %q is not a FORK step of workflow version %d", forkStepID, version.ID)
	}

	config, err := ParseForkConfig(forkStep)
	if err != nil {
		return nil, err
	}

	joinStep := version.Snapshot.Step(config.JoinStepID)
	if joinStep == nil || joinStep.JoinConfig == nil {
		return nil, invalidConfigf("FORK step %q references join step %q which has no join config",
			forkStep.Name, config.JoinStepID)
	}

	return joinStep.JoinConfig, nil
}
