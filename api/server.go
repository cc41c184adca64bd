package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rom8726/stagewise"
)

type Server struct {
	engine *stagewise.Engine
	store  stagewise.Store
}

func NewServer(engine *stagewise.Engine, store stagewise.Store) *Server {
	return &Server{
		engine: engine,
		store:  store,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Participants
	mux.HandleFunc("POST /api/participants", s.HandleCreateParticipant)
	mux.HandleFunc("GET /api/participants/{id}", s.HandleGetParticipant)
	mux.HandleFunc("POST /api/participants/{id}/enter", s.HandleEnterWorkflow)
	mux.HandleFunc("POST /api/participants/{id}/actions", s.HandleWorkflowAction)
	mux.HandleFunc("POST /api/participants/{id}/branch-actions", s.HandleBranchAction)
	mux.HandleFunc("GET /api/participants/{id}/approvals", s.HandleListApprovals)
	mux.HandleFunc("GET /api/participants/{id}/events", s.HandleListEvents)

	// Workflow definitions and versions
	mux.HandleFunc("PUT /api/workflows/{id}", s.HandleSaveWorkflowDefinition)
	mux.HandleFunc("GET /api/workflows/{id}", s.HandleGetWorkflowDefinition)
	mux.HandleFunc("GET /api/workflows/{id}/versions", s.HandleListVersions)
	mux.HandleFunc("POST /api/workflows/{id}/versions", s.HandlePublishVersion)
	mux.HandleFunc("GET /api/versions/{a}/diff/{b}", s.HandleCompareVersions)

	return mux
}

func (s *Server) HandleCreateParticipant(w http.ResponseWriter, r *http.Request) {
	var req createParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	participant := &stagewise.Participant{
		TenantID:   req.TenantID,
		WorkflowID: req.WorkflowID,
		Extras:     req.Extras,
	}

	if err := s.store.CreateParticipant(r.Context(), participant); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, participant)
}

func (s *Server) HandleGetParticipant(w http.ResponseWriter, r *http.Request) {
	participantID, ok := parseID(w, r)
	if !ok {
		return
	}

	participant, err := s.store.GetParticipant(r.Context(), participantID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, participant)
}

func (s *Server) HandleEnterWorkflow(w http.ResponseWriter, r *http.Request) {
	participantID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req enterWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	result, err := s.engine.EnterWorkflow(r.Context(), participantID, req.WorkflowID, req.UserID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) HandleWorkflowAction(w http.ResponseWriter, r *http.Request) {
	participantID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req workflowActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	result, err := s.engine.ProcessWorkflowAction(
		r.Context(), participantID, req.UserID,
		stagewise.WorkflowAction(req.Action), req.Comment, req.ExpectedVersion,
	)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) HandleBranchAction(w http.ResponseWriter, r *http.Request) {
	participantID, ok := parseID(w, r)
	if !ok {
		return
	}

	var req branchActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	result, err := s.engine.ProcessBranchAction(
		r.Context(), participantID, req.ForkStepID, req.BranchStepID,
		req.UserID, stagewise.WorkflowAction(req.Action), req.Remarks,
	)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	participantID, ok := parseID(w, r)
	if !ok {
		return
	}

	approvals, err := s.store.ListApprovals(r.Context(), participantID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, approvals)
}

func (s *Server) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	participantID, ok := parseID(w, r)
	if !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), participantID)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *Server) HandleSaveWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var def stagewise.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}
	def.ID = workflowID

	if err := s.store.SaveWorkflowDefinition(r.Context(), &def); err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, def)
}

func (s *Server) HandleGetWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetWorkflowDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, def)
}

func (s *Server) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.Versions().ListWorkflowVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) HandlePublishVersion(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	var req publishVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	version, err := s.engine.Versions().PublishWorkflowVersion(r.Context(), workflowID, req.UserID, req.Description)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) HandleCompareVersions(w http.ResponseWriter, r *http.Request) {
	idA, err := strconv.ParseInt(r.PathValue("a"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version ID"})

		return
	}

	idB, err := strconv.ParseInt(r.PathValue("b"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version ID"})

		return
	}

	diff, err := s.engine.Versions().CompareVersions(r.Context(), idA, idB)
	if err != nil {
		writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, diff)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid participant ID"})

		return 0, false
	}

	return id, true
}
