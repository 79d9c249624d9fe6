package handler

import (
	"net/http"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/service"

	"github.com/gorilla/mux"
)

type NotificationHandler struct {
	monitorService service.IMonitorService
	log            *logger.Logger
}

func NewNotificationHandler(monitorService service.IMonitorService, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		monitorService: monitorService,
		log:            log,
	}
}

func (h *NotificationHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/notifications/recipient", h.SetRecipient).Methods("PUT")
	r.HandleFunc("/notifications/send", h.Send).Methods("POST")
	r.HandleFunc("/notifications/status", h.GetStatus).Methods("GET")
}

func (h *NotificationHandler) SetRecipient(w http.ResponseWriter, r *http.Request) {
	var req models.RecipientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	status, err := h.monitorService.SetRecipient(req.Recipient)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	h.log.Info("Notification recipient set to %q", status.Recipient)
	respondJSON(w, http.StatusOK, status)
}

// Send starts a manual notification. The send itself completes in the
// background; its outcome is visible through the status endpoint.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req models.ManualNotificationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	status, err := h.monitorService.RequestNotification(req.Recipient)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, status)
}

func (h *NotificationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitorService.NotificationStatus())
}
