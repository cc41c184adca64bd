package stagewise

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVersionService(store Store) *VersionService {
	return NewVersionService(NewMemoryTxManager(), store)
}

func TestEnsureCurrentVersionReusesOnSameHash(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestVersionService(store)

	require.NoError(t, store.SaveWorkflowDefinition(ctx, linearDefinition()))

	first, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	versions, err := svc.ListWorkflowVersions(ctx, "wf-approval")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestEnsureCurrentVersionCutsNewOnChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestVersionService(store)

	require.NoError(t, store.SaveWorkflowDefinition(ctx, linearDefinition()))

	first, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "alice")
	require.NoError(t, err)

	changed := linearDefinition()
	changed.Steps[1].Name = "Second Review"
	require.NoError(t, store.SaveWorkflowDefinition(ctx, changed))

	second, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ContentHash, second.ContentHash)
}

func TestPublishAlwaysCutsNewVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestVersionService(store)

	require.NoError(t, store.SaveWorkflowDefinition(ctx, linearDefinition()))

	first, err := svc.PublishWorkflowVersion(ctx, "wf-approval", "alice", strPtr("initial release"))
	require.NoError(t, err)
	require.NotNil(t, first.Description)
	assert.Equal(t, "initial release", *first.Description)

	second, err := svc.PublishWorkflowVersion(ctx, "wf-approval", "alice", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.ContentHash, second.ContentHash)
}

func TestGetParticipantVersionBindsLazilyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestVersionService(store)

	require.NoError(t, store.SaveWorkflowDefinition(ctx, linearDefinition()))

	participant := &Participant{WorkflowID: "wf-approval"}
	require.NoError(t, store.CreateParticipant(ctx, participant))

	bound, err := svc.GetParticipantVersion(ctx, participant.ID)
	require.NoError(t, err)

	fresh, err := store.GetParticipant(ctx, participant.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.WorkflowVersionID)
	assert.Equal(t, bound.ID, *fresh.WorkflowVersionID)

	// The definition changes afterwards; the participant keeps its binding.
	changed := linearDefinition()
	changed.Steps[1].Name = "Second Review"
	require.NoError(t, store.SaveWorkflowDefinition(ctx, changed))

	again, err := svc.GetParticipantVersion(ctx, participant.ID)
	require.NoError(t, err)
	assert.Equal(t, bound.ID, again.ID)
}

func TestGetParticipantVersionNotFound(t *testing.T) {
	svc := newTestVersionService(NewMemoryStore())

	_, err := svc.GetParticipantVersion(context.Background(), 404)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestEnsureCurrentVersionRejectsInvalidDefinition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestVersionService(store)

	def := linearDefinition()
	def.Steps[0].IsEntryPoint = false
	require.NoError(t, store.SaveWorkflowDefinition(ctx, def))

	_, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "alice")
	require.Error(t, err)

	var invalidConfig *InvalidConfigError
	assert.ErrorAs(t, err, &invalidConfig)
}

func TestCompareVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := newTestVersionService(store)

	require.NoError(t, store.SaveWorkflowDefinition(ctx, linearDefinition()))
	first, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "alice")
	require.NoError(t, err)

	changed := linearDefinition()
	changed.Steps[1].Name = "Second Review"
	changed.Steps = append(changed.Steps, StepSnapshot{
		ID:        "archive",
		Name:      "Archive",
		SortOrder: 4,
		StepType:  StepTypeNormal,
	})
	changed.Steps = append(changed.Steps[:0], changed.Steps[1:]...) // drop "entry"
	changed.Steps[0].IsEntryPoint = true                            // "review" becomes the entry
	require.NoError(t, store.SaveWorkflowDefinition(ctx, changed))

	second, err := svc.EnsureCurrentVersion(ctx, "wf-approval", "alice")
	require.NoError(t, err)

	diff, err := svc.CompareVersions(ctx, first.ID, second.ID)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"archive"}, diff.Added)
	assert.ElementsMatch(t, []string{"entry"}, diff.Removed)
	assert.ElementsMatch(t, []string{"review"}, diff.Modified)
}
