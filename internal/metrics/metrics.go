package metrics

import (
	"net/http"

	"ExamShieldAPI/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Polls            *prometheus.CounterVec
	Incidents        *prometheus.CounterVec
	EvidenceCaptured prometheus.Counter
	Notifications    *prometheus.CounterVec
	WSClients        prometheus.Gauge
	TotalSeverity    prometheus.Gauge
	IntegrityScore   prometheus.Gauge
	FeedSize         prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examshield_polls_total",
			Help: "Detection backend polls by outcome (frame, empty, duplicate, error)",
		}, []string{"outcome"}),
		Incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examshield_incidents_total",
			Help: "Incidents recorded by kind",
		}, []string{"kind"}),
		EvidenceCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examshield_evidence_captured_total",
			Help: "Frames stored as evidence",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examshield_notifications_total",
			Help: "Finished notification attempts by trigger and result",
		}, []string{"trigger", "result"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examshield_websocket_clients",
			Help: "Connected dashboard clients",
		}),
		TotalSeverity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examshield_total_severity",
			Help: "Severity points currently in the feed",
		}),
		IntegrityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examshield_integrity_score",
			Help: "Running integrity score of the active session",
		}),
		FeedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "examshield_feed_incidents",
			Help: "Incidents currently retained in the feed",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examshield_http_requests_total",
			Help: "HTTP requests by method and status code",
		}, []string{"method", "code"}),
	}

	m.registry.MustRegister(
		m.Polls,
		m.Incidents,
		m.EvidenceCaptured,
		m.Notifications,
		m.WSClients,
		m.TotalSeverity,
		m.IntegrityScore,
		m.FeedSize,
		m.HTTPRequests,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObservePoll(outcome string) {
	m.Polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveIncident(inc models.Incident) {
	m.Incidents.WithLabelValues(string(inc.Kind)).Inc()
}

func (m *Metrics) ObserveScore(u models.ScoreUpdate) {
	m.TotalSeverity.Set(float64(u.TotalSeverity))
	m.IntegrityScore.Set(float64(u.IntegrityScore))
	m.FeedSize.Set(float64(u.IncidentCount))
}

func (m *Metrics) ObserveNotification(trigger string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.Notifications.WithLabelValues(trigger, result).Inc()
}

// ResetScore clears the session gauges when no session is active.
func (m *Metrics) ResetScore() {
	m.TotalSeverity.Set(0)
	m.IntegrityScore.Set(100)
	m.FeedSize.Set(0)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
