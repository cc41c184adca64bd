package stagewise

import (
	"errors"
	"fmt"
)

// ErrEntityNotFound is returned by stores when a row does not exist.
var ErrEntityNotFound = errors.New("entity not found")

// ErrStaleVersion is returned by stores when a conditional update matched
// zero rows because the optimistic-lock token was stale. The engine converts
// it into a ConflictError carrying the authoritative state.
var ErrStaleVersion = errors.New("stale version token")

// InvalidConfigError indicates authoring or data corruption: bad fork/join
// config, missing entry point, unresolved routing target, stale step
// reference. It is surfaced immediately and never auto-corrected.
type InvalidConfigError struct {
	Msg string
}

func (e *InvalidConfigError) Error() string {
	return e.Msg
}

func invalidConfigf(format string, args ...any) *InvalidConfigError {
	return &InvalidConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an optimistic-lock mismatch. Current holds the fresh
// authoritative state so the caller can merge and retry.
type ConflictError struct {
	Current ParticipantState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("participant %d was modified concurrently (current step %v, status %s)",
		e.Current.ID, stringOrNull(e.Current.CurrentStepID), e.Current.Status)
}

// DeserializationError indicates a corrupt or structurally invalid persisted
// snapshot. The engine fails closed rather than operate on unreadable state.
type DeserializationError struct {
	Msg string
}

func (e *DeserializationError) Error() string {
	return e.Msg
}

func deserializationf(format string, args ...any) *DeserializationError {
	return &DeserializationError{Msg: fmt.Sprintf(format, args...)}
}

func stringOrNull(s *string) string {
	if s == nil {
		return "<null>"
	}

	return *s
}
