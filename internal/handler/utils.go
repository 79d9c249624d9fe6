package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"ExamShieldAPI/internal/evidence"
	"ExamShieldAPI/internal/notify"
	"ExamShieldAPI/internal/poller"
	"ExamShieldAPI/internal/service"
	"ExamShieldAPI/internal/session"
	"ExamShieldAPI/internal/vision"

	"github.com/goccy/go-json"
)

// maxBodyBytes bounds request bodies; analyze requests carry a base64 frame.
const maxBodyBytes = 16 << 20

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		return
	}
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

// statusFor maps service and pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var visionErr *vision.StatusError
	switch {
	case errors.Is(err, service.ErrNoActiveSession),
		errors.Is(err, evidence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionActive),
		errors.Is(err, poller.ErrAlreadyRunning),
		errors.Is(err, notify.ErrEmptyFeed),
		errors.Is(err, notify.ErrSendInProgress),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, notify.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidImage),
		errors.Is(err, notify.ErrNoRecipient),
		errors.Is(err, notify.ErrBadRecipient):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrHistoryDisabled),
		errors.Is(err, vision.ErrAnalyzerDisabled):
		return http.StatusServiceUnavailable
	case errors.As(err, &visionErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
