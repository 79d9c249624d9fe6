package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/evidence"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/notify"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string][]byte
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string][]byte)}
}

func (m *memStore) Save(image []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errors.New("disk full")
	}
	ref := "ev-" + strconv.Itoa(len(m.saved)+1)
	m.saved[ref] = image
	return ref, nil
}

func (m *memStore) Open(ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.saved[ref]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(img)), nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type recordingSender struct {
	mu      sync.Mutex
	reports []*models.Report
}

func (r *recordingSender) Send(ctx context.Context, rep *models.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recordingSender) sent() []*models.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Report(nil), r.reports...)
}

func newTestSession(t *testing.T, cfg Config, store evidence.Store, sender notify.Sender) *Session {
	t.Helper()
	log := logger.Discard()
	s := New("sess-1", cfg, Deps{
		Normalizer: detection.NewNormalizer(detection.DefaultTables(), 0.2, nil, log),
		Store:      store,
		Sender:     sender,
		Builder:    notify.NewReportBuilder(nil),
	}, log)
	t.Cleanup(s.Close)
	return s
}

func phoneFrame(seat string) *models.RawFrame {
	item, _ := json.Marshal(map[string]interface{}{
		"class":      "cell phone",
		"confidence": 0.9,
		"seat":       seat,
	})
	return &models.RawFrame{
		FrameNumber:     1,
		ProhibitedItems: []json.RawMessage{item},
		Image:           []byte{0xff, 0xd8},
	}
}

func TestThresholdScenarioSendsOnce(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSession(t, Config{
		Capacity:   50,
		Threshold:  50,
		AutoNotify: true,
		Recipient:  "proctor@school.edu",
	}, nil, sender)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ingest := func(kind string, seat string) {
		_, err := s.IngestAnalysis(context.Background(), []models.AnalyzerIncident{
			{Type: kind, Seat: seat, Confidence: 0.9},
		}, nil, at)
		require.NoError(t, err)
		at = at.Add(time.Second)
	}

	ingest("DEVICE", "A1")
	ingest("MULTIPLE_PEOPLE", "B2")
	s.Wait()
	assert.Equal(t, 40, s.TotalSeverity())
	assert.Empty(t, sender.sent())

	ingest("HEAD_TURN", "C3")
	s.Wait()

	reports := sender.sent()
	require.Len(t, reports, 1)
	assert.Equal(t, 55, reports[0].TotalSeverity)
	assert.Len(t, reports[0].Incidents, 3)
	assert.Equal(t, models.TriggerAutomatic, reports[0].Trigger)

	ingest("PHONE", "D4")
	s.Wait()
	assert.Len(t, sender.sent(), 1, "the same recipient is notified automatically only once")

	st := s.NotificationStatus()
	assert.Equal(t, models.NotifySent, st.State)
	assert.True(t, st.SentForThresholdCrossing)
}

func TestEvidenceCooldownScenario(t *testing.T) {
	store := newMemStore()
	s := newTestSession(t, Config{Capacity: 50, CooldownWindow: 10 * time.Second, Threshold: 1000}, store, nil)

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var got []string
	for _, offset := range []time.Duration{0, 5 * time.Second, 11 * time.Second} {
		res, err := s.ProcessFrame(context.Background(), phoneFrame("B1"), t0.Add(offset))
		require.NoError(t, err)
		require.Len(t, res.Added, 1)
		got = append(got, res.Added[0].Evidence)
	}

	assert.NotEmpty(t, got[0])
	assert.Empty(t, got[1], "incident recorded without evidence inside the window")
	assert.NotEmpty(t, got[2])
	assert.Equal(t, 2, store.count())
	assert.Len(t, s.CurrentFeed(), 3)
}

func TestEvidenceSavedOncePerFrame(t *testing.T) {
	store := newMemStore()
	s := newTestSession(t, Config{Capacity: 50, CooldownWindow: 10 * time.Second, Threshold: 1000}, store, nil)

	phone, _ := json.Marshal(map[string]interface{}{"class": "cell phone", "confidence": 0.8, "seat": "A1"})
	book, _ := json.Marshal(map[string]interface{}{"class": "book", "confidence": 0.7, "seat": "A2"})
	frame := &models.RawFrame{
		FrameNumber:     4,
		ProhibitedItems: []json.RawMessage{phone, book},
		Image:           []byte{0xff, 0xd8},
	}

	res, err := s.ProcessFrame(context.Background(), frame, time.Now())
	require.NoError(t, err)
	require.Len(t, res.Added, 2)
	assert.Equal(t, res.Evidence, res.Added[0].Evidence)
	assert.Equal(t, res.Evidence, res.Added[1].Evidence)
	assert.Equal(t, 1, store.count())
}

func TestStoreFailureStillRecordsIncident(t *testing.T) {
	store := newMemStore()
	store.fail = true
	s := newTestSession(t, Config{Capacity: 50, Threshold: 1000}, store, nil)

	res, err := s.ProcessFrame(context.Background(), phoneFrame("B1"), time.Now())

	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	assert.Empty(t, res.Added[0].Evidence)
	assert.Equal(t, 30, s.TotalSeverity())
}

func TestHooksReceiveIncidentsAndScore(t *testing.T) {
	s := newTestSession(t, Config{Capacity: 2, Threshold: 1000}, nil, nil)

	var incidents []models.Incident
	var scores []models.ScoreUpdate
	s.OnNewIncident(func(inc models.Incident) { incidents = append(incidents, inc) })
	s.OnScoreChanged(func(u models.ScoreUpdate) { scores = append(scores, u) })

	for _, seat := range []string{"A1", "A2", "A3"} {
		_, err := s.ProcessFrame(context.Background(), phoneFrame(seat), time.Now())
		require.NoError(t, err)
	}

	require.Len(t, incidents, 3)
	assert.Equal(t, "A3", incidents[2].Seat)
	assert.NotEmpty(t, incidents[2].ID)
	assert.Equal(t, "sess-1", incidents[2].SessionID)

	require.Len(t, scores, 3)
	assert.Equal(t, 60, scores[2].TotalSeverity, "the evicted incident no longer counts")
	assert.Equal(t, 2, scores[2].IncidentCount)
	assert.Equal(t, 70, scores[2].IntegrityScore)

	feed := s.CurrentFeed()
	require.Len(t, feed, 2)
	assert.Equal(t, "A3", feed[0].Seat)
	assert.Equal(t, "A2", feed[1].Seat)
}

func TestCancelledFrameLeavesSessionUntouched(t *testing.T) {
	store := newMemStore()
	s := newTestSession(t, Config{Capacity: 50, CooldownWindow: 10 * time.Second, Threshold: 1000}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	at := time.Now()
	_, err := s.ProcessFrame(ctx, phoneFrame("B1"), at)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.CurrentFeed())
	assert.Equal(t, 0, store.count())

	res, err := s.ProcessFrame(context.Background(), phoneFrame("B1"), at)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Added[0].Evidence, "the ledger was not touched by the cancelled frame")
}

func TestMalformedObservationsAreSkipped(t *testing.T) {
	s := newTestSession(t, Config{Capacity: 50, Threshold: 1000}, nil, nil)

	good, _ := json.Marshal(map[string]interface{}{"class": "cell phone", "confidence": 0.9})
	frame := &models.RawFrame{
		ProhibitedItems: []json.RawMessage{json.RawMessage(`{"class": 12}`), good},
		Behaviors:       []json.RawMessage{json.RawMessage(`{"type":"HEAD_TURN"}`)},
	}

	res, err := s.ProcessFrame(context.Background(), frame, time.Now())

	require.NoError(t, err)
	assert.Len(t, res.Added, 1)
	assert.Equal(t, 2, res.Malformed)
	assert.Equal(t, "A1", res.Added[0].Seat)
}

func TestManualNotificationRequiresIncidents(t *testing.T) {
	sender := &recordingSender{}
	s := newTestSession(t, Config{Capacity: 50, Threshold: 1000, Recipient: "proctor@school.edu"}, nil, sender)

	assert.ErrorIs(t, s.RequestManualNotification(""), notify.ErrEmptyFeed)

	_, err := s.ProcessFrame(context.Background(), phoneFrame("B1"), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.RequestManualNotification(""))
	s.Wait()

	reports := sender.sent()
	require.Len(t, reports, 1)
	assert.Equal(t, models.TriggerManual, reports[0].Trigger)
	assert.False(t, s.NotificationStatus().SentForThresholdCrossing)
}

func TestClosedSessionRejectsFrames(t *testing.T) {
	s := newTestSession(t, Config{Capacity: 50, Threshold: 1000}, nil, nil)
	s.Close()

	_, err := s.ProcessFrame(context.Background(), phoneFrame("B1"), time.Now())
	assert.ErrorIs(t, err, ErrClosed)
}
