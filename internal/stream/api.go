package stream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/gate"
	"github.com/loomworks/entsync/internal/job"
	"github.com/loomworks/entsync/internal/planner"
	"github.com/loomworks/entsync/internal/repo"
)

// executeRequest is the body of POST /jobs/execute. The report to
// apply is referenced by its preview job; the server never accepts a
// caller-constructed report.
type executeRequest struct {
	PreviewJobID          string                       `json:"preview_job_id"`
	ConflictResolutions   map[string]entity.Resolution `json:"conflict_resolutions"`
	ConfirmOrphans        bool                         `json:"confirm_orphans"`
	ConfirmUnresolvedRefs bool                         `json:"confirm_unresolved_refs"`
}

type jobIDResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

func (s *Server) handleSubmitPreview(w http.ResponseWriter, _ *http.Request) {
	id, err := s.source.SubmitPreview(s.workspace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDResponse{JobID: id})
}

func (s *Server) handleSubmitExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	preview, err := s.source.Job(req.PreviewJobID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if preview.Report == nil {
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: "preview job has no report; it must have succeeded first",
		})
		return
	}

	id, err := s.source.SubmitExecute(s.workspace, preview.Report, entity.ResolutionRequest{
		ConflictResolutions:   req.ConflictResolutions,
		ConfirmOrphans:        req.ConfirmOrphans,
		ConfirmUnresolvedRefs: req.ConfirmUnresolvedRefs,
	})
	if err != nil {
		var rejection *gate.RejectionError
		if errors.As(err, &rejection) {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error: rejection.Detail,
				Rule:  string(rejection.Rule),
			})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Jobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Job(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.source.Cancel(r.PathValue("id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	source := planner.Source(r.URL.Query().Get("source"))
	if path == "" || (source != planner.SourceLocal && source != planner.SourceRemote) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "path and source=local|remote query parameters are required",
		})
		return
	}

	content, err := s.content.FetchContent(r.Context(), path, source)
	if err != nil {
		if errors.Is(err, repo.ErrBlobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write([]byte(content))
}

// statusFor maps manager errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, job.ErrWorkspaceBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
