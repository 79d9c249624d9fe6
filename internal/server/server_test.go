package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ExamShieldAPI/internal/config"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}).Methods("GET")
}

type liveRoutes struct{}

func (liveRoutes) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
}

func TestRoutesAndMetrics(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORSAllowedOrigins = []string{"*"}
	cfg.Security.CORSAllowedMethods = []string{"GET"}
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(cfg, m, logger.Discard())
	srv.RegisterHandlers(ctx, liveRoutes{}, pingRoutes{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `examshield_http_requests_total{code="200",method="GET"} 1`)
}
