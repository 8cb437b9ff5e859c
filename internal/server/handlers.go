package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"pipescope/internal/approvals"
	"pipescope/internal/filters"
	"pipescope/internal/timeline"
	"pipescope/pkg/azdo"
)

var errNoProject = errors.New("no project selected")

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"nodes": nonNilNodes(s.opts.Tree.Runs(r.Context()))})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": nonNilNodes(s.opts.Tree.Children(r.Context(), runID, ""))})
}

func (s *Server) handleRecordChildren(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	recordID := strings.TrimSpace(chi.URLParam(r, "recordID"))
	if recordID == "" {
		respondError(w, http.StatusBadRequest, errors.New("record id is required"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": nonNilNodes(s.opts.Tree.Children(r.Context(), runID, recordID))})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	project, err := s.runProject(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	pending, err := s.opts.Approvals.ListPending(r.Context(), project, runID)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	if pending == nil {
		pending = []azdo.Approval{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	runID, err := runIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	project, err := s.runProject(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	decisions, err := s.opts.Decisions.Decisions(r.Context(), project, runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if decisions == nil {
		decisions = []approvals.Decision{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

type decideRequest struct {
	Comment string `json:"comment"`
	Project string `json:"project"`
}

func (s *Server) handleDecide(next azdo.ApprovalStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decideRequest
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		project, err := s.project(r.Context(), req.Project)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}

		approvalID := chi.URLParam(r, "approvalID")
		decide := s.opts.Approvals.Approve
		if next == azdo.ApprovalRejected {
			decide = s.opts.Approvals.Reject
		}
		updated, err := decide(r.Context(), approvalID, project, req.Comment)
		if err != nil {
			respondError(w, statusFor(err), err)
			return
		}

		if runID := updated.OwnerID(); runID > 0 {
			s.opts.Notifier.TreeChanged(azdo.RunKey(runID))
		} else {
			s.opts.Notifier.TreeChanged("")
		}
		respondJSON(w, http.StatusOK, map[string]any{"approval": updated})
	}
}

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	state, err := s.opts.Filters.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	project := s.selected(state, r.URL.Query().Get("project"))
	if project == "" {
		respondError(w, http.StatusBadRequest, errNoProject)
		return
	}
	folders, err := s.opts.Definitions.Folders(r.Context(), project, state.AllowedFolders)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"project": project, "folders": folders})
}

func (s *Server) handleGetFilters(w http.ResponseWriter, r *http.Request) {
	state, err := s.opts.Filters.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handlePutFilters(w http.ResponseWriter, r *http.Request) {
	var req filters.State
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	current, err := s.opts.Filters.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	next := filters.State{
		SelectedProject: strings.TrimSpace(req.SelectedProject),
		AllowedProjects: req.AllowedProjects,
	}
	// Folder names belong to the previously selected project; switching
	// projects starts with no folder filter.
	if current.SelectedProject == "" || current.SelectedProject == next.SelectedProject {
		next = next.WithFolders(req.AllowedFolders)
	}
	if next.SelectedProject != "" && !next.ProjectAllowed(next.SelectedProject) {
		respondError(w, http.StatusBadRequest, errors.New("selected project is not in the allowed projects"))
		return
	}
	s.saveFilters(w, r, next)
}

func (s *Server) handleSelectProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.opts.Filters.Load(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	next := state.SelectProject(req.Project)
	if next.SelectedProject == "" {
		respondError(w, http.StatusBadRequest, errNoProject)
		return
	}
	if !next.ProjectAllowed(next.SelectedProject) {
		respondError(w, http.StatusBadRequest, errors.New("project is not allowed"))
		return
	}
	s.saveFilters(w, r, next)
}

func (s *Server) saveFilters(w http.ResponseWriter, r *http.Request, next filters.State) {
	if err := s.opts.Filters.Save(r.Context(), next); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.opts.Notifier.TreeChanged("")
	respondJSON(w, http.StatusOK, next)
}

func (s *Server) handleRefreshState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"state": s.opts.Refresh.State()})
}

func (s *Server) handleRefresh(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if start {
			s.opts.Refresh.Start()
		} else {
			s.opts.Refresh.Stop()
		}
		respondJSON(w, http.StatusOK, map[string]any{"state": s.opts.Refresh.State()})
	}
}

// runProject prefers the project the run was listed under.
func (s *Server) runProject(ctx context.Context, runID int) (string, error) {
	if project, ok := s.opts.Tree.Project(runID); ok && project != "" {
		return project, nil
	}
	return s.project(ctx, "")
}

func (s *Server) project(ctx context.Context, explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		return p, nil
	}
	state, err := s.opts.Filters.Load(ctx)
	if err != nil {
		return "", err
	}
	if p := s.selected(state, ""); p != "" {
		return p, nil
	}
	return "", errNoProject
}

func (s *Server) selected(state filters.State, explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if state.SelectedProject != "" {
		return state.SelectedProject
	}
	return s.opts.Project
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, approvals.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, approvals.ErrNotPending):
		return http.StatusConflict
	case azdo.IsAuthFailure(err):
		return http.StatusUnauthorized
	}
	var remote *azdo.RemoteError
	if errors.As(err, &remote) && remote.Status == http.StatusNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func nonNilNodes(nodes []timeline.Node) []timeline.Node {
	if nodes == nil {
		return []timeline.Node{}
	}
	return nodes
}
