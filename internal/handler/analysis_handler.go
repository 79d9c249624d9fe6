package handler

import (
	"io"
	"net/http"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/service"

	"github.com/gorilla/mux"
)

type AnalysisHandler struct {
	monitorService service.IMonitorService
	log            *logger.Logger
}

func NewAnalysisHandler(monitorService service.IMonitorService, log *logger.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		monitorService: monitorService,
		log:            log,
	}
}

func (h *AnalysisHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/analyze", h.Analyze).Methods("POST")
	r.HandleFunc("/evidence/{ref}", h.GetEvidence).Methods("GET")
}

func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Image == "" {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}

	resp, err := h.monitorService.Analyze(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("Image analysis failed: %v", err)
		}
		respondError(w, status, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *AnalysisHandler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]

	img, err := h.monitorService.OpenEvidence(ref)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	defer img.Close()

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if _, err := io.Copy(w, img); err != nil {
		h.log.Warn("Failed to stream evidence %s: %v", ref, err)
	}
}
