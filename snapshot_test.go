package stagewise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeOrdersStepsBySortOrder(t *testing.T) {
	def := linearDefinition()
	def.Steps[0], def.Steps[2] = def.Steps[2], def.Steps[0]

	snapshot := Serialize(def)

	require.Len(t, snapshot.Steps, 3)
	assert.Equal(t, "entry", snapshot.Steps[0].ID)
	assert.Equal(t, "review", snapshot.Steps[1].ID)
	assert.Equal(t, "final", snapshot.Steps[2].ID)

	// The input definition must not be reordered.
	assert.Equal(t, "final", def.Steps[0].ID)
}

func TestComputeHashIsDeterministic(t *testing.T) {
	hashA, err := ComputeHash(linearDefinition())
	require.NoError(t, err)

	hashB, err := ComputeHash(linearDefinition())
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestComputeHashIgnoresStepOrderInDefinition(t *testing.T) {
	ordered := linearDefinition()

	shuffled := linearDefinition()
	shuffled.Steps[0], shuffled.Steps[2] = shuffled.Steps[2], shuffled.Steps[0]

	hashA, err := ComputeHash(ordered)
	require.NoError(t, err)

	hashB, err := ComputeHash(shuffled)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
}

func TestComputeHashChangesOnContentChange(t *testing.T) {
	base := linearDefinition()

	changed := linearDefinition()
	changed.Steps[1].Name = "Second Review"

	hashA, err := ComputeHash(base)
	require.NoError(t, err)

	hashB, err := ComputeHash(changed)
	require.NoError(t, err)

	assert.NotEqual(t, hashA, hashB)
}

func TestDeserializeSnapshotFromJSON(t *testing.T) {
	blob := []byte(`{"id":"wf-1","name":"Test","steps":[{"id":"a","name":"A","sortOrder":1,"stepType":"NORMAL","isEntryPoint":true,"isFinalStep":true}]}`)

	snapshot, err := DeserializeSnapshot(blob)
	require.NoError(t, err)

	assert.Equal(t, "wf-1", snapshot.ID)
	require.Len(t, snapshot.Steps, 1)
	assert.Equal(t, StepTypeNormal, snapshot.Steps[0].StepType)
	assert.True(t, snapshot.Steps[0].IsEntryPoint)
}

func TestDeserializeSnapshotFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		blob any
	}{
		{"corrupt json", []byte(`{"id":"wf-1",`)},
		{"missing id", []byte(`{"name":"Test","steps":[]}`)},
		{"missing name", []byte(`{"id":"wf-1","steps":[]}`)},
		{"missing steps", []byte(`{"id":"wf-1","name":"Test"}`)},
		{"nil pointer", (*WorkflowSnapshot)(nil)},
		{"unsupported type", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeSnapshot(tt.blob)
			require.Error(t, err)

			var deserialization *DeserializationError
			assert.ErrorAs(t, err, &deserialization)
		})
	}
}

func TestValidateSnapshotRequiresSingleEntryPoint(t *testing.T) {
	def := linearDefinition()
	def.Steps[1].IsEntryPoint = true
	snapshot := Serialize(def)

	err := ValidateSnapshot(&snapshot)
	require.Error(t, err)

	var invalidConfig *InvalidConfigError
	assert.ErrorAs(t, err, &invalidConfig)

	def = linearDefinition()
	def.Steps[0].IsEntryPoint = false
	snapshot = Serialize(def)
	require.Error(t, ValidateSnapshot(&snapshot))
}

func TestValidateSnapshotForkWithoutBranches(t *testing.T) {
	def := forkDefinition(JoinStrategyAll)
	def.Steps[1].ForkConfig = &ForkConfig{JoinStepID: "join"}
	snapshot := Serialize(def)

	err := ValidateSnapshot(&snapshot)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no branches configured")
}

func TestValidateSnapshotForkNeedsRealJoin(t *testing.T) {
	def := forkDefinition(JoinStrategyAll)
	def.Steps[1].ForkConfig.JoinStepID = "final"
	snapshot := Serialize(def)

	require.Error(t, ValidateSnapshot(&snapshot))
}

func TestValidateSnapshotJoinStrategy(t *testing.T) {
	def := forkDefinition(JoinStrategy("QUORUM"))
	snapshot := Serialize(def)

	err := ValidateSnapshot(&snapshot)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")

	for _, strategy := range []JoinStrategy{JoinStrategyAll, JoinStrategyAny, JoinStrategyMajority} {
		snapshot := Serialize(forkDefinition(strategy))
		assert.NoError(t, ValidateSnapshot(&snapshot))
	}
}
