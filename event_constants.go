package stagewise

const (
	// Audit event types
	EventWorkflowEntered = "workflow_entered"
	EventStepTransition  = "step_transition"
	EventForkStarted     = "fork_started"
	EventBranchResolved  = "branch_resolved"
	EventJoinResolved    = "join_resolved"
	EventSLAWarning     = "sla_warning"
	EventSLABreached    = "sla_breached"
	EventBranchTimedOut = "branch_timed_out"

	// Audit payload keys
	KeyWorkflowID      = "workflow_id"
	KeyVersionID       = "version_id"
	KeyPreviousStepID  = "previous_step_id"
	KeyNextStepID      = "next_step_id"
	KeyIsComplete      = "is_complete"
	KeyAction          = "action"
	KeyActor           = "actor"
	KeyForkStepID      = "fork_step_id"
	KeyJoinStepID      = "join_step_id"
	KeyBranchStepID    = "branch_step_id"
	KeyBranchCount     = "branch_count"
	KeyBranchStatus    = "branch_status"
	KeySatisfied       = "satisfied"
	KeyFailed          = "failed"
	KeySLAAction       = "sla_action"
	KeyDeadline        = "deadline"
	KeyReassignPending = "reassign_pending"
	KeyError           = "error"
)
