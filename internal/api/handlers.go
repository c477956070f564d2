// Package api provides HTTP handlers for psynudge endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/szb37/psynudge/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("psynudge is healthy", nil))
}

// triggerPassHandler runs one reconciliation pass immediately (POST /passes).
func (s *Server) triggerPassHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.triggerPassHandler: processing trigger request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.triggerPassHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.driver.RunPass(r.Context()); err != nil {
		slog.Error("Server.triggerPassHandler: pass failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Reconciliation pass failed"))
		return
	}
	slog.Info("Server.triggerPassHandler: pass completed")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Reconciliation pass completed", nil))
}

// studiesHandler returns all configured studies (GET /studies).
func (s *Server) studiesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.studiesHandler: processing list request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.studiesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	studies, err := s.store.GetStudies()
	if err != nil {
		slog.Error("Server.studiesHandler: failed to list studies", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list studies"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(studies))
}

// studyScopedHandler routes /studies/{id}/... subresources.
func (s *Server) studyScopedHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/studies/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	studyID := parts[0]

	switch {
	case len(parts) == 1:
		s.getStudyHandler(w, r, studyID)
	case len(parts) == 2 && parts[1] == "participants":
		s.listParticipantsHandler(w, r, studyID)
	case len(parts) == 2 && parts[1] == "completions":
		s.listCompletionsHandler(w, r, studyID)
	case len(parts) == 3 && parts[1] == "nudges" && parts[2] == "due":
		s.dueNudgesHandler(w, r, studyID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) getStudyHandler(w http.ResponseWriter, r *http.Request, studyID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	study, err := s.store.GetStudy(studyID)
	if err != nil {
		if errors.Is(err, models.ErrStudyNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Study not found"))
			return
		}
		slog.Error("Server.getStudyHandler: failed to load study", "error", err, "study", studyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load study"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(study))
}

func (s *Server) listParticipantsHandler(w http.ResponseWriter, r *http.Request, studyID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.store.GetStudy(studyID); errors.Is(err, models.ErrStudyNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Study not found"))
		return
	}
	participants, err := s.store.GetParticipants(studyID)
	if err != nil {
		slog.Error("Server.listParticipantsHandler: failed to list participants", "error", err, "study", studyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list participants"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(participants))
}

func (s *Server) listCompletionsHandler(w http.ResponseWriter, r *http.Request, studyID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.store.GetStudy(studyID); errors.Is(err, models.ErrStudyNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Study not found"))
		return
	}
	completions, err := s.store.GetCompletions(studyID)
	if err != nil {
		slog.Error("Server.listCompletionsHandler: failed to list completions", "error", err, "study", studyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list completions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(completions))
}

// dueNudgesHandler previews the reminder batches a pass would dispatch right
// now, without sending or stamping anything (GET /studies/{id}/nudges/due).
func (s *Server) dueNudgesHandler(w http.ResponseWriter, r *http.Request, studyID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	study, err := s.store.GetStudy(studyID)
	if err != nil {
		if errors.Is(err, models.ErrStudyNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Study not found"))
			return
		}
		slog.Error("Server.dueNudgesHandler: failed to load study", "error", err, "study", studyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load study"))
		return
	}

	batches, err := s.driver.PreviewDue(study)
	if err != nil {
		slog.Error("Server.dueNudgesHandler: failed to collect due nudges", "error", err, "study", studyID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to collect due nudges"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(batches))
}
