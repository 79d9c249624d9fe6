package service

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/metrics"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/notify"
	"ExamShieldAPI/internal/session"
	"ExamShieldAPI/internal/vision"
	"ExamShieldAPI/internal/websocket"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVision struct {
	mu       sync.Mutex
	frames   []*models.RawFrame
	detected *models.RawFrame
	source   vision.Source
	started  []vision.Source
	stopped  int
}

func (f *fakeVision) FetchLatest(ctx context.Context) (*models.RawFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, vision.ErrNoFrame
	}
	fr := f.frames[0]
	f.frames = f.frames[1:]
	return fr, nil
}

func (f *fakeVision) Source() vision.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

func (f *fakeVision) StartCapture(ctx context.Context, src vision.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, src)
	f.source = src
	return nil
}

func (f *fakeVision) StopCapture(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeVision) DetectImage(ctx context.Context, image []byte) (*models.RawFrame, error) {
	if f.detected == nil {
		return nil, errors.New("no detector")
	}
	return f.detected, nil
}

type fakeAnalyzer struct {
	result *models.AnalyzerResult
}

func (f *fakeAnalyzer) Enabled() bool { return f.result != nil }

func (f *fakeAnalyzer) Analyze(ctx context.Context, image []byte) (*models.AnalyzerResult, error) {
	return f.result, nil
}

type recordingHub struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (h *recordingHub) Broadcast(msgType string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, websocket.Message{Type: msgType, Payload: payload})
}

func (h *recordingHub) count(msgType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu        sync.Mutex
	incidents []models.Incident
	scores    int
}

func (p *recordingPublisher) PublishIncident(inc models.Incident) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incidents = append(p.incidents, inc)
}

func (p *recordingPublisher) PublishScore(u models.ScoreUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores++
}

func (p *recordingPublisher) PublishNotification(sessionID string, st models.NotificationStatus) {}

type memSessions struct {
	mu       sync.Mutex
	records  map[string]models.SessionRecord
	finished map[string]models.ScoreUpdate
}

func (m *memSessions) Create(ctx context.Context, s *models.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[s.ID] = *s
	return nil
}

func (m *memSessions) Finish(ctx context.Context, id string, endedAt time.Time, summary models.ScoreUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[id] = summary
	return nil
}

func (m *memSessions) GetByID(ctx context.Context, id string) (*models.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memSessions) List(ctx context.Context, limit int, offset int) ([]models.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.SessionRecord{}
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

type memIncidents struct {
	mu   sync.Mutex
	incs []models.Incident
}

func (m *memIncidents) Create(ctx context.Context, inc *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incs = append(m.incs, *inc)
	return nil
}

func (m *memIncidents) ListBySession(ctx context.Context, sessionID string, limit int, offset int) ([]models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Incident{}
	for _, inc := range m.incs {
		if inc.SessionID == sessionID {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (m *memIncidents) CountBySession(ctx context.Context, sessionID string) (int, error) {
	list, _ := m.ListBySession(ctx, sessionID, 0, 0)
	return len(list), nil
}

type fixture struct {
	svc       *MonitorService
	vision    *fakeVision
	hub       *recordingHub
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	sessions  *memSessions
	incidents *memIncidents
}

func newFixture(t *testing.T, analyzer ImageAnalyzer, withHistory bool) *fixture {
	t.Helper()
	log := logger.Discard()
	f := &fixture{
		vision:    &fakeVision{source: vision.ParseSource("webcam", 0)},
		hub:       &recordingHub{},
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
	}

	deps := MonitorDeps{
		Session: session.Deps{
			Normalizer: detection.NewNormalizer(detection.DefaultTables(), 0.2, nil, log),
			Sender:     notify.NewLocalSender(f.hub),
			Builder:    notify.NewReportBuilder(nil),
		},
		Vision:    f.vision,
		Analyzer:  analyzer,
		Hub:       f.hub,
		Publisher: f.publisher,
		Metrics:   f.metrics,
	}
	if withHistory {
		f.sessions = &memSessions{records: map[string]models.SessionRecord{}, finished: map[string]models.ScoreUpdate{}}
		f.incidents = &memIncidents{}
		deps.History = &History{Sessions: f.sessions, Incidents: f.incidents}
	}

	f.svc = NewMonitorService(MonitorConfig{
		Session: session.Config{
			Capacity:       50,
			CooldownWindow: 10 * time.Second,
			Threshold:      50,
			AutoNotify:     true,
		},
		PollInterval: 5 * time.Millisecond,
	}, deps, log)
	t.Cleanup(func() { f.svc.Shutdown(context.Background()) })
	return f
}

func phoneFrame(number int64, seat string) *models.RawFrame {
	item, _ := json.Marshal(map[string]interface{}{
		"class":      "cell phone",
		"confidence": 0.9,
		"seat":       seat,
	})
	return &models.RawFrame{
		FrameNumber:     number,
		ProhibitedItems: []json.RawMessage{item},
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	_, err := f.svc.Summary()
	assert.ErrorIs(t, err, ErrNoActiveSession)

	summary, err := f.svc.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, summary.IntegrityScore)
	assert.Equal(t, 50, summary.Capacity)

	_, err = f.svc.StartSession(ctx)
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, f.svc.IngestFrame(ctx, phoneFrame(1, "B1"), time.Now()))

	summary, err = f.svc.Summary()
	require.NoError(t, err)
	assert.Equal(t, map[models.Kind]int{models.KindPhone: 1}, summary.KindCounts)

	rec, err := f.svc.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SessionEnded, rec.Status)
	assert.Equal(t, 1, rec.IncidentCount)
	assert.Equal(t, 30, rec.TotalSeverity)
	assert.Equal(t, 30, f.sessions.finished[rec.ID].TotalSeverity)
	assert.Equal(t, 2, f.hub.count(websocket.MessageSession))

	_, err = f.svc.EndSession(ctx)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestIngestFrameFansOut(t *testing.T) {
	f := newFixture(t, nil, true)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.IngestFrame(ctx, phoneFrame(1, "B1"), time.Now()), ErrNoActiveSession)

	summary, err := f.svc.StartSession(ctx)
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, f.svc.IngestFrame(ctx, phoneFrame(1, "B1"), at))
	require.NoError(t, f.svc.IngestFrame(ctx, phoneFrame(2, "B2"), at))
	// Inside the cooldown window for B1: recorded, but without evidence.
	require.NoError(t, f.svc.IngestFrame(ctx, phoneFrame(3, "B1"), at.Add(time.Second)))

	assert.Equal(t, 3, f.hub.count(websocket.MessageIncident))
	assert.Equal(t, 3, f.hub.count(websocket.MessageScore))
	assert.Len(t, f.publisher.incidents, 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Incidents.WithLabelValues(string(models.KindPhone))))
	assert.Equal(t, 90.0, testutil.ToFloat64(f.metrics.TotalSeverity))
	assert.Equal(t, 55.0, testutil.ToFloat64(f.metrics.IntegrityScore))

	require.NoError(t, f.svc.Shutdown(ctx))
	archived, err := f.svc.SessionIncidents(ctx, summary.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, archived, 3)
}

func TestAnalyzeFallsBackToDetector(t *testing.T) {
	f := newFixture(t, &fakeAnalyzer{}, false)
	f.vision.detected = phoneFrame(0, "A1")
	ctx := context.Background()
	img := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff})

	resp, err := f.svc.Analyze(ctx, models.AnalyzeRequest{Image: img})
	require.NoError(t, err)
	require.Len(t, resp.Result.Incidents, 1)
	assert.Equal(t, string(models.KindPhone), resp.Result.Incidents[0].Type)
	assert.Equal(t, 85, resp.Result.OverallIntegrityScore)
	assert.Equal(t, 1, resp.Result.Stats["phone"])
	assert.Empty(t, resp.Ingested)

	_, err = f.svc.Analyze(ctx, models.AnalyzeRequest{Image: img, Ingest: true})
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.svc.StartSession(ctx)
	require.NoError(t, err)
	resp, err = f.svc.Analyze(ctx, models.AnalyzeRequest{Image: img, Ingest: true})
	require.NoError(t, err)
	require.Len(t, resp.Ingested, 1)
	assert.False(t, resp.Ingested[0].HasEvidence(), "no evidence store configured")

	_, err = f.svc.Analyze(ctx, models.AnalyzeRequest{Image: "%%%"})
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestAnalyzeUsesAnalyzerWhenEnabled(t *testing.T) {
	analyzer := &fakeAnalyzer{result: &models.AnalyzerResult{
		Incidents: []models.AnalyzerIncident{
			{Type: "DEVICE", Seat: "C2", Confidence: 0.8},
			{Type: "NOT_A_KIND", Seat: "C3", Confidence: 0.8},
		},
		OverallIntegrityScore: 70,
	}}
	f := newFixture(t, analyzer, false)
	ctx := context.Background()
	_, err := f.svc.StartSession(ctx)
	require.NoError(t, err)

	img := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8})
	resp, err := f.svc.Analyze(ctx, models.AnalyzeRequest{Image: img, Ingest: true})
	require.NoError(t, err)
	assert.Equal(t, 70, resp.Result.OverallIntegrityScore)
	require.Len(t, resp.Ingested, 1)
	assert.Equal(t, models.KindDevice, resp.Ingested[0].Kind)
	assert.Equal(t, "C2", resp.Ingested[0].Seat)
}

func TestRecipientOutlivesSession(t *testing.T) {
	f := newFixture(t, nil, false)
	ctx := context.Background()

	_, err := f.svc.SetRecipient("not an address")
	assert.ErrorIs(t, err, notify.ErrBadRecipient)

	st, err := f.svc.SetRecipient("proctor@school.edu")
	require.NoError(t, err)
	assert.Equal(t, "proctor@school.edu", st.Recipient)
	assert.Equal(t, models.NotifyIdle, st.State)

	_, err = f.svc.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "proctor@school.edu", f.svc.NotificationStatus().Recipient)

	_, err = f.svc.RequestNotification("")
	assert.ErrorIs(t, err, notify.ErrEmptyFeed)
}

func TestPollingFeedsSession(t *testing.T) {
	f := newFixture(t, nil, false)
	f.vision.frames = []*models.RawFrame{phoneFrame(1, "A1"), phoneFrame(1, "A1"), phoneFrame(2, "A2")}
	ctx := context.Background()

	idx := 2
	summary, err := f.svc.StartPolling(ctx, models.StartPollingRequest{CameraIndex: &idx})
	require.NoError(t, err)
	assert.True(t, summary.Polling)
	require.Len(t, f.vision.started, 1)
	assert.Equal(t, vision.SourceWebcam, f.vision.started[0].Kind)
	assert.Equal(t, 2, f.vision.started[0].CameraIndex)

	sess, err := f.svc.Current()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(sess.CurrentFeed()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.StopPolling(ctx))
	assert.False(t, f.svc.PollStats().Running)
	assert.Equal(t, 1, f.vision.stopped)
	assert.GreaterOrEqual(t, f.svc.PollStats().Duplicates, uint64(1))
}

func TestHistoryDisabled(t *testing.T) {
	f := newFixture(t, nil, false)
	_, err := f.svc.ListSessions(context.Background(), 10, 0)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = f.svc.SessionIncidents(context.Background(), "x", 10, 0)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
}
