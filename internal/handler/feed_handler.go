package handler

import (
	"net/http"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/service"

	"github.com/gorilla/mux"
)

const defaultTopSeats = 5

type FeedHandler struct {
	monitorService service.IMonitorService
	log            *logger.Logger
}

func NewFeedHandler(monitorService service.IMonitorService, log *logger.Logger) *FeedHandler {
	return &FeedHandler{
		monitorService: monitorService,
		log:            log,
	}
}

func (h *FeedHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/feed", h.GetFeed).Methods("GET")
	r.HandleFunc("/feed/by-seat", h.GetBySeat).Methods("GET")
	r.HandleFunc("/feed/by-type", h.GetByType).Methods("GET")
	r.HandleFunc("/feed/top-seats", h.GetTopSeats).Methods("GET")
}

// GetFeed returns the feed newest first; ?sort=observed orders it by
// observation time instead of insertion.
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	sess, err := h.monitorService.Current()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	switch r.URL.Query().Get("sort") {
	case "", "inserted":
		respondJSON(w, http.StatusOK, sess.CurrentFeed())
	case "observed":
		respondJSON(w, http.StatusOK, sess.SortedByObserved())
	default:
		respondError(w, http.StatusBadRequest, "sort must be 'inserted' or 'observed'")
	}
}

func (h *FeedHandler) GetBySeat(w http.ResponseWriter, r *http.Request) {
	sess, err := h.monitorService.Current()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sess.GroupedBySeat())
}

func (h *FeedHandler) GetByType(w http.ResponseWriter, r *http.Request) {
	sess, err := h.monitorService.Current()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sess.GroupedByType())
}

func (h *FeedHandler) GetTopSeats(w http.ResponseWriter, r *http.Request) {
	sess, err := h.monitorService.Current()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, sess.TopBySeat(queryInt(r, "limit", defaultTopSeats)))
}
