package stagewise

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpdateParticipantStateCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	participant := &Participant{WorkflowID: "wf-1"}
	require.NoError(t, store.CreateParticipant(ctx, participant))

	token := participant.UpdatedAt

	updated, err := store.UpdateParticipantState(ctx, participant.ID, StatusInProgress, strPtr("review"), nil, token)
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(token))

	// The old token must no longer match.
	_, err = store.UpdateParticipantState(ctx, participant.ID, StatusApproved, strPtr("final"), nil, token)
	require.ErrorIs(t, err, ErrStaleVersion)

	// The fresh token does.
	_, err = store.UpdateParticipantState(ctx, participant.ID, StatusApproved, strPtr("final"), nil, updated.UpdatedAt)
	require.NoError(t, err)
}

func TestMemoryStoreBindParticipantVersionOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	participant := &Participant{WorkflowID: "wf-1"}
	require.NoError(t, store.CreateParticipant(ctx, participant))

	bound, err := store.BindParticipantVersion(ctx, participant.ID, 7)
	require.NoError(t, err)
	assert.True(t, bound)

	bound, err = store.BindParticipantVersion(ctx, participant.ID, 8)
	require.NoError(t, err)
	assert.False(t, bound)

	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.WorkflowVersionID)
	assert.EqualValues(t, 7, *fresh.WorkflowVersionID)
}

func TestMemoryStoreCompleteBranchOnlyPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	branches := []*ParallelBranch{
		{ParticipantID: 1, ForkStepID: "fork", BranchStepID: "legal"},
	}
	require.NoError(t, store.CreateBranches(ctx, branches))

	completed, err := store.CompleteBranch(ctx, branches[0].ID, BranchStatusApproved, ActionApprove, "lawyer", nil)
	require.NoError(t, err)
	assert.Equal(t, BranchStatusApproved, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	_, err = store.CompleteBranch(ctx, branches[0].ID, BranchStatusRejected, ActionReject, "lawyer", nil)
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestMemoryStoreVersionUniqueness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := &WorkflowVersion{WorkflowID: "wf-1", Version: 1, ContentHash: "a", CreatedBy: "alice"}
	require.NoError(t, store.CreateVersion(ctx, first))

	duplicate := &WorkflowVersion{WorkflowID: "wf-1", Version: 1, ContentHash: "b", CreatedBy: "bob"}
	require.Error(t, store.CreateVersion(ctx, duplicate))
}

func TestMemoryStoreLatestApprovalSkipsBranchActions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.CreateApproval(ctx, &Approval{
		ParticipantID: 1, StepID: "entry", UserID: "alice", Action: ActionApprove,
	}))
	require.NoError(t, store.CreateApproval(ctx, &Approval{
		ParticipantID: 1, StepID: "legal", UserID: "lawyer", Action: ActionApprove, IsBranchAction: true,
	}))

	latest, err := store.LatestApproval(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "entry", latest.StepID)
}
