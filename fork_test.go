package stagewise

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// enterFork drives a participant through entry approval so it is parked at
// the fork step with three pending branches.
func enterFork(t *testing.T, engine *Engine, store Store, strategy JoinStrategy) *Participant {
	t.Helper()

	ctx := context.Background()
	participant := enterParticipant(t, engine, store, forkDefinition(strategy), nil)

	_, err := engine.ProcessWorkflowAction(ctx, participant.ID, "alice", ActionApprove, nil, nil)
	require.NoError(t, err)

	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.CurrentStepID)
	require.Equal(t, "fork", *fresh.CurrentStepID)

	branches, err := store.ListBranches(ctx, participant.ID, "fork")
	require.NoError(t, err)
	require.Len(t, branches, 3)

	return fresh
}

func TestEvaluateStrategyTable(t *testing.T) {
	tests := []struct {
		name      string
		strategy  JoinStrategy
		summary   JoinSummary
		satisfied bool
		failed    bool
	}{
		{"all approved", JoinStrategyAll, JoinSummary{3, 3, 0, 0}, true, false},
		{"all one rejected", JoinStrategyAll, JoinSummary{3, 2, 1, 0}, false, true},
		{"all still pending", JoinStrategyAll, JoinSummary{3, 2, 0, 1}, false, false},
		{"any one approved", JoinStrategyAny, JoinSummary{3, 1, 0, 2}, true, false},
		{"any all rejected", JoinStrategyAny, JoinSummary{3, 0, 3, 0}, false, true},
		{"any undecided", JoinStrategyAny, JoinSummary{3, 0, 2, 1}, false, false},
		{"majority reached", JoinStrategyMajority, JoinSummary{5, 3, 0, 2}, true, false},
		{"majority rejected", JoinStrategyMajority, JoinSummary{5, 0, 3, 2}, false, true},
		{"majority undecided", JoinStrategyMajority, JoinSummary{5, 2, 1, 2}, false, false},
		{"majority unreachable", JoinStrategyMajority, JoinSummary{4, 1, 2, 1}, false, true},
		{"zero branches", JoinStrategyAll, JoinSummary{0, 0, 0, 0}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := EvaluateStrategy(tt.strategy, tt.summary)
			assert.Equal(t, tt.satisfied, eval.Satisfied, "satisfied")
			assert.Equal(t, tt.failed, eval.Failed, "failed")
		})
	}
}

func TestParseForkConfig(t *testing.T) {
	step := &StepSnapshot{Name: "Fan-Out", StepType: StepTypeFork}

	_, err := ParseForkConfig(step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no branches configured")

	step.ForkConfig = &ForkConfig{Branches: []ForkBranch{{BranchStepID: "legal"}}}
	_, err = ParseForkConfig(step)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no join step configured")

	step.ForkConfig.JoinStepID = "join"
	config, err := ParseForkConfig(step)
	require.NoError(t, err)
	assert.Equal(t, "join", config.JoinStepID)
}

func TestAllStrategyResolvesAfterEveryApproval(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAll)

	first, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionApprove, nil)
	require.NoError(t, err)
	assert.False(t, first.JoinEvaluation.Resolved())
	assert.False(t, first.ParticipantAdvanced)

	second, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "finance", "cfo", ActionApprove, nil)
	require.NoError(t, err)
	assert.False(t, second.JoinEvaluation.Resolved())

	third, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "security", "ciso", ActionApprove, nil)
	require.NoError(t, err)
	assert.True(t, third.JoinEvaluation.Satisfied)
	assert.True(t, third.ParticipantAdvanced)

	// The join approved, so the main flow moved join -> final.
	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.CurrentStepID)
	assert.Equal(t, "final", *fresh.CurrentStepID)
}

func TestAllStrategyFailsFastOnRejection(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAll)

	result, err := engine.ProcessBranchAction(
		ctx, participant.ID, "fork", "legal", "lawyer", ActionReject, strPtr("missing contract"),
	)
	require.NoError(t, err)

	assert.True(t, result.JoinEvaluation.Failed)
	assert.Equal(t, ActionReject, result.JoinEvaluation.ResultAction())
	assert.True(t, result.ParticipantAdvanced)

	// Join rejected: the main flow followed the join's rejection target.
	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.CurrentStepID)
	assert.Equal(t, "entry", *fresh.CurrentStepID)

	// The other branches stay pending; they were not force-resolved.
	branches, err := store.ListBranches(ctx, participant.ID, "fork")
	require.NoError(t, err)

	pending := 0
	for _, branch := range branches {
		if branch.Status == BranchStatusPending {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
}

func TestAnyStrategyResolvesOnFirstApproval(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAny)

	result, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "finance", "cfo", ActionApprove, nil)
	require.NoError(t, err)

	assert.True(t, result.JoinEvaluation.Satisfied)
	assert.True(t, result.ParticipantAdvanced)

	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", *fresh.CurrentStepID)
}

func TestMajorityStrategyResolvesAtTwoOfThree(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyMajority)

	first, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionApprove, nil)
	require.NoError(t, err)
	assert.False(t, first.JoinEvaluation.Resolved())

	second, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "finance", "cfo", ActionApprove, nil)
	require.NoError(t, err)
	assert.True(t, second.JoinEvaluation.Satisfied)
	assert.True(t, second.ParticipantAdvanced)
}

func TestBranchResolvesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAll)

	_, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionApprove, nil)
	require.NoError(t, err)

	_, err = engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionReject, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestBranchActionValidatesAction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAll)

	_, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionBypass, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch action must be APPROVE or REJECT")
}

func TestBranchActionUnknownBranch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAll)

	_, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "marketing", "cmo", ActionApprove, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestJoinResumesOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAny)

	first, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionApprove, nil)
	require.NoError(t, err)
	assert.True(t, first.ParticipantAdvanced)

	// A later branch action still resolves its branch but must not resume
	// the main flow a second time.
	second, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "finance", "cfo", ActionApprove, nil)
	require.NoError(t, err)
	assert.True(t, second.JoinEvaluation.Satisfied)
	assert.False(t, second.ParticipantAdvanced)

	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", *fresh.CurrentStepID)
}

func TestBranchApprovalsAreMarked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store)
	participant := enterFork(t, engine, store, JoinStrategyAll)

	_, err := engine.ProcessBranchAction(ctx, participant.ID, "fork", "legal", "lawyer", ActionApprove, nil)
	require.NoError(t, err)

	approvals, err := store.ListApprovals(ctx, participant.ID)
	require.NoError(t, err)

	var branchApprovals int
	for _, approval := range approvals {
		if approval.IsBranchAction {
			branchApprovals++
			assert.Equal(t, "legal", approval.StepID)
		}
	}
	assert.Equal(t, 1, branchApprovals)
}

func TestParallelFlagDisablesForkExecution(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	engine := newTestEngine(store, WithFeatureFlags(StaticFlags{Parallel: false, Conditional: true}))
	participant := enterParticipant(t, engine, store, forkDefinition(JoinStrategyAll), nil)

	// With parallel workflows off, the fork target is treated as a plain
	// transition and no branches are created.
	_, err := engine.ProcessWorkflowAction(ctx, participant.ID, "alice", ActionApprove, nil, nil)
	require.NoError(t, err)

	branches, err := store.ListBranches(ctx, participant.ID, "fork")
	require.NoError(t, err)
	assert.Empty(t, branches)
}
