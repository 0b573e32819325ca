package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/clinscope/audit/pkg/auth"
	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/common/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
	runner  *Runner
}

func NewHandler(service *Service, runner *Runner) *Handler {
	return &Handler{service: service, runner: runner}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/runs", h.handleStartRun).Methods(http.MethodPost)
	r.HandleFunc("/runs", h.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/findings", h.handleListFindings).Methods(http.MethodGet)
	r.HandleFunc("/datasets/{name}/summary", h.handleDatasetSummary).Methods(http.MethodGet)
}

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req models.StartAuditRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Dataset) == "" {
		http.Error(w, "dataset is required", http.StatusBadRequest)
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = resolveActor(r)
	}
	if _, err := NormalizeChecks(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := h.runner.Enqueue(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to enqueue audit run")
		http.Error(w, "failed to enqueue run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"run": run})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	limit := parseLimit(r, 50)

	runs, err := h.service.ListRuns(r.Context(), dataset, limit)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to list audit runs")
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.service.GetRun(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("Failed to load audit run")
		http.Error(w, "failed to load run", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

func (h *Handler) handleListFindings(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r, 200)

	findings, err := h.service.ListFindings(r.Context(), id, limit)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to list findings")
		http.Error(w, "failed to list findings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":   id,
		"findings": findings,
		"count":    len(findings),
	})
}

func (h *Handler) handleDatasetSummary(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if strings.TrimSpace(name) == "" {
		http.Error(w, "dataset name is required", http.StatusBadRequest)
		return
	}

	summary, err := h.service.DatasetSummary(r.Context(), name)
	if err != nil {
		if IsNotFound(err) {
			http.Error(w, "no completed run for dataset", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("Failed to load dataset summary")
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func resolveActor(r *http.Request) string {
	if principal, ok := auth.FromContext(r.Context()); ok {
		if principal.Email != "" {
			return principal.Email
		}
		return principal.Subject
	}
	return ""
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("Failed to encode response")
	}
}
