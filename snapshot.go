package stagewise

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Serialize produces the immutable snapshot of a definition. Steps are
// ordered by sortOrder so that two logically identical definitions always
// serialize to the same canonical form. Pure function, no I/O.
func Serialize(def *WorkflowDefinition) WorkflowSnapshot {
	steps := make([]StepSnapshot, len(def.Steps))
	copy(steps, def.Steps)

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].SortOrder < steps[j].SortOrder
	})

	return WorkflowSnapshot{
		ID:    def.ID,
		Name:  def.Name,
		Steps: steps,
	}
}

// ComputeHash digests the canonical form of the definition's snapshot.
// This is the versioning system's change-detection primitive: equal hashes
// mean no new version is needed.
func ComputeHash(def *WorkflowDefinition) (string, error) {
	snapshot := Serialize(def)

	canonical, err := CanonicalJSON(snapshot)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes v as JSON with recursively sorted object keys and
// arrays preserved in order. encoding/json sorts map keys, so a round trip
// through a generic value yields the canonical form.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}

// DeserializeSnapshot accepts a structured snapshot, its JSON bytes, or its
// string form, and fails closed with a DeserializationError on corrupt or
// partially written data.
func DeserializeSnapshot(blob any) (*WorkflowSnapshot, error) {
	var snapshot WorkflowSnapshot

	switch v := blob.(type) {
	case WorkflowSnapshot:
		snapshot = v
	case *WorkflowSnapshot:
		if v == nil {
			return nil, deserializationf("snapshot is nil")
		}
		snapshot = *v
	case []byte:
		if err := json.Unmarshal(v, &snapshot); err != nil {
			return nil, deserializationf("invalid snapshot JSON: %v", err)
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &snapshot); err != nil {
			return nil, deserializationf("invalid snapshot JSON: %v", err)
		}
	case string:
		if err := json.Unmarshal([]byte(v), &snapshot); err != nil {
			return nil, deserializationf("invalid snapshot JSON: %v", err)
		}
	default:
		return nil, deserializationf("unsupported snapshot type %T", blob)
	}

	if snapshot.ID == "" {
		return nil, deserializationf("snapshot has no id")
	}
	if snapshot.Name == "" {
		return nil, deserializationf("snapshot %q has no name", snapshot.ID)
	}
	if snapshot.Steps == nil {
		return nil, deserializationf("snapshot %q has no steps array", snapshot.Name)
	}

	return &snapshot, nil
}

// ValidateSnapshot checks the structural invariants once at snapshot-build
// time so downstream code never re-checks shape: exactly one entry point,
// FORK steps reference an existing JOIN in the same snapshot, JOIN strategies
// are one of the enumerated values.
func ValidateSnapshot(snapshot *WorkflowSnapshot) error {
	entryPoints := 0
	for i := range snapshot.Steps {
		if snapshot.Steps[i].IsEntryPoint {
			entryPoints++
		}
	}
	if entryPoints != 1 {
		return invalidConfigf("workflow %q must have exactly one entry point, found %d",
			snapshot.Name, entryPoints)
	}

	for i := range snapshot.Steps {
		step := &snapshot.Steps[i]

		switch step.StepType {
		case StepTypeFork:
			if step.ForkConfig == nil || len(step.ForkConfig.Branches) == 0 {
				return invalidConfigf("FORK step %q has no branches configured", step.Name)
			}

			joinStep := snapshot.Step(step.ForkConfig.JoinStepID)
			if joinStep == nil || joinStep.StepType != StepTypeJoin {
				return invalidConfigf("FORK step %q references join step %q which is not a JOIN step in this workflow",
					step.Name, step.ForkConfig.JoinStepID)
			}
		case StepTypeJoin:
			if step.JoinConfig == nil {
				return invalidConfigf("JOIN step %q has no join config", step.Name)
			}

			switch step.JoinConfig.Strategy {
			case JoinStrategyAll, JoinStrategyAny, JoinStrategyMajority:
			default:
				return invalidConfigf("JOIN step %q has unknown strategy %q",
					step.Name, step.JoinConfig.Strategy)
			}
		}
	}

	return nil
}
