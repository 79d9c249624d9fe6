package handler

import (
	"context"
	"net/http"
	"time"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"

	"github.com/gorilla/mux"
)

type VisionChecker interface {
	Health(ctx context.Context) (*models.VisionHealth, error)
}

type DatabaseChecker interface {
	Health(ctx context.Context) error
}

type BrokerChecker interface {
	IsConnected() bool
}

type breakerReporter interface {
	BreakerState() string
}

// HealthHandler reports the detection backend and, when enabled, the
// database and MQTT broker. A nil checker marks that subsystem disabled.
type HealthHandler struct {
	vision VisionChecker
	db     DatabaseChecker
	broker BrokerChecker
	log    *logger.Logger
}

func NewHealthHandler(vision VisionChecker, db DatabaseChecker, broker BrokerChecker, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		vision: vision,
		db:     db,
		broker: broker,
		log:    log,
	}
}

func (h *HealthHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/health/live", h.Liveness).Methods("GET")
	r.HandleFunc("/health/ready", h.Readiness).Methods("GET")
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	if h.vision != nil {
		vh, err := h.vision.Health(ctx)
		response.Services.Vision = err == nil && vh != nil && vh.ModelLoaded
		if br, ok := h.vision.(breakerReporter); ok {
			response.VisionBreaker = br.BreakerState()
		}
	}

	degraded := !response.Services.Vision
	if h.db != nil {
		response.Services.Database = h.db.Health(ctx) == nil
		degraded = degraded || !response.Services.Database
	} else {
		response.Disabled = append(response.Disabled, "database")
	}
	if h.broker != nil {
		response.Services.MQTT = h.broker.IsConnected()
		degraded = degraded || !response.Services.MQTT
	} else {
		response.Disabled = append(response.Disabled, "mqtt")
	}

	statusCode := http.StatusOK
	if degraded {
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
		h.log.Warn("Health check degraded - Vision: %v, DB: %v, MQTT: %v",
			response.Services.Vision, response.Services.Database, response.Services.MQTT)
	}

	respondJSON(w, statusCode, response)
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// Readiness only depends on the enabled persistence and broker; a missing
// detection backend surfaces as poll errors, not as an unready API.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var dbErr error
	if h.db != nil {
		dbErr = h.db.Health(ctx)
	}
	mqttConnected := h.broker == nil || h.broker.IsConnected()

	if dbErr != nil || !mqttConnected {
		h.log.Warn("Readiness check failed - DB error: %v, MQTT connected: %v", dbErr, mqttConnected)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
