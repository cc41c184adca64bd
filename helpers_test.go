package stagewise

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// linearDefinition is the canonical entry -> review -> final chain. Rejecting
// at review sends the participant back to entry.
func linearDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   "wf-approval",
		Name: "Approval Workflow",
		Steps: []StepSnapshot{
			{
				ID:           "entry",
				Name:         "Entry",
				SortOrder:    1,
				StepType:     StepTypeReview,
				IsEntryPoint: true,
				NextStepID:   strPtr("review"),
			},
			{
				ID:                "review",
				Name:              "Review",
				SortOrder:         2,
				StepType:          StepTypeReview,
				NextStepID:        strPtr("final"),
				RejectionTargetID: strPtr("entry"),
				BypassTargetID:    strPtr("final"),
			},
			{
				ID:          "final",
				Name:        "Final",
				SortOrder:   3,
				StepType:    StepTypeNormal,
				IsFinalStep: true,
			},
		},
	}
}

// forkDefinition fans out from a FORK step into three branches joined by the
// given strategy, then continues to a final step.
func forkDefinition(strategy JoinStrategy) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   "wf-parallel",
		Name: "Parallel Approval Workflow",
		Steps: []StepSnapshot{
			{
				ID:           "entry",
				Name:         "Entry",
				SortOrder:    1,
				StepType:     StepTypeReview,
				IsEntryPoint: true,
				NextStepID:   strPtr("fork"),
			},
			{
				ID:        "fork",
				Name:      "Department Fan-Out",
				SortOrder: 2,
				StepType:  StepTypeFork,
				ForkConfig: &ForkConfig{
					Branches: []ForkBranch{
						{BranchStepID: "legal", Label: "Legal"},
						{BranchStepID: "finance", Label: "Finance"},
						{BranchStepID: "security", Label: "Security"},
					},
					JoinStepID: "join",
				},
			},
			{ID: "legal", Name: "Legal Review", SortOrder: 3, StepType: StepTypeReview},
			{ID: "finance", Name: "Finance Review", SortOrder: 4, StepType: StepTypeReview},
			{ID: "security", Name: "Security Review", SortOrder: 5, StepType: StepTypeReview},
			{
				ID:                "join",
				Name:              "Join",
				SortOrder:         6,
				StepType:          StepTypeJoin,
				NextStepID:        strPtr("final"),
				RejectionTargetID: strPtr("entry"),
				JoinConfig:        &JoinConfig{Strategy: strategy},
			},
			{
				ID:          "final",
				Name:        "Final",
				SortOrder:   7,
				StepType:    StepTypeNormal,
				IsFinalStep: true,
			},
		},
	}
}

func newTestEngine(store Store, opts ...EngineOption) *Engine {
	return NewEngine(NewMemoryTxManager(), store, opts...)
}

// enterParticipant saves the definition, creates a participant with the given
// extras and enters it into the workflow.
func enterParticipant(
	t *testing.T,
	engine *Engine,
	store Store,
	def *WorkflowDefinition,
	extras map[string]any,
) *Participant {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	participant := &Participant{
		TenantID:   "tenant-1",
		WorkflowID: def.ID,
		Extras:     extras,
	}
	require.NoError(t, store.CreateParticipant(ctx, participant))

	_, err := engine.EnterWorkflow(ctx, participant.ID, def.ID, "alice")
	require.NoError(t, err)

	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)

	return fresh
}
