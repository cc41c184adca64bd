package api

import (
	"time"

	"github.com/rom8726/stagewise"
)

type enterWorkflowRequest struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
}

type workflowActionRequest struct {
	UserID          string     `json:"userId"`
	Action          string     `json:"action"`
	Comment         *string    `json:"comment,omitempty"`
	ExpectedVersion *time.Time `json:"expectedVersion,omitempty"`
}

type branchActionRequest struct {
	UserID       string  `json:"userId"`
	ForkStepID   string  `json:"forkStepId"`
	BranchStepID string  `json:"branchStepId"`
	Action       string  `json:"action"`
	Remarks      *string `json:"remarks,omitempty"`
}

type createParticipantRequest struct {
	TenantID   string         `json:"tenantId"`
	WorkflowID string         `json:"workflowId"`
	Extras     map[string]any `json:"extras,omitempty"`
}

type publishVersionRequest struct {
	UserID      string  `json:"userId"`
	Description *string `json:"description,omitempty"`
}

type conflictResponse struct {
	Error   string                     `json:"error"`
	Current stagewise.ParticipantState `json:"current"`
}

type errorResponse struct {
	Error string `json:"error"`
}
