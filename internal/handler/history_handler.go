package handler

import (
	"net/http"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/service"

	"github.com/gorilla/mux"
)

type HistoryHandler struct {
	monitorService service.IMonitorService
	log            *logger.Logger
}

func NewHistoryHandler(monitorService service.IMonitorService, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{
		monitorService: monitorService,
		log:            log,
	}
}

func (h *HistoryHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/sessions/{id}/incidents", h.ListIncidents).Methods("GET")
}

func (h *HistoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	sessions, err := h.monitorService.ListSessions(r.Context(), limit, offset)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			h.log.Error("Failed to list sessions: %v", err)
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sessions)
}

func (h *HistoryHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	incidents, err := h.monitorService.SessionIncidents(r.Context(), id, limit, offset)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			h.log.Error("Failed to get incidents for session %s: %v", id, err)
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, incidents)
}
