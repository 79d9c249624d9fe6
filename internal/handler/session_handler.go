package handler

import (
	"net/http"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/service"

	"github.com/gorilla/mux"
)

type SessionHandler struct {
	monitorService service.IMonitorService
	log            *logger.Logger
}

func NewSessionHandler(monitorService service.IMonitorService, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		monitorService: monitorService,
		log:            log,
	}
}

func (h *SessionHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/session", h.GetSession).Methods("GET")
	r.HandleFunc("/session/start", h.StartSession).Methods("POST")
	r.HandleFunc("/session/end", h.EndSession).Methods("POST")
	r.HandleFunc("/score", h.GetScore).Methods("GET")
	r.HandleFunc("/polling/start", h.StartPolling).Methods("POST")
	r.HandleFunc("/polling/stop", h.StopPolling).Methods("POST")
	r.HandleFunc("/polling", h.GetPolling).Methods("GET")
}

func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitorService.Summary()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitorService.StartSession(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, summary)
}

func (h *SessionHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	record, err := h.monitorService.EndSession(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, record)
}

func (h *SessionHandler) GetScore(w http.ResponseWriter, r *http.Request) {
	sess, err := h.monitorService.Current()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sess.Score())
}

func (h *SessionHandler) StartPolling(w http.ResponseWriter, r *http.Request) {
	var req models.StartPollingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	summary, err := h.monitorService.StartPolling(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("Failed to start polling: %v", err)
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (h *SessionHandler) StopPolling(w http.ResponseWriter, r *http.Request) {
	if err := h.monitorService.StopPolling(r.Context()); err != nil {
		h.log.Error("Failed to stop polling: %v", err)
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, h.monitorService.PollStats())
}

func (h *SessionHandler) GetPolling(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitorService.PollStats())
}
