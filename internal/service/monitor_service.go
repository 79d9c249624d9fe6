package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/evidence"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/metrics"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/notify"
	"ExamShieldAPI/internal/poller"
	"ExamShieldAPI/internal/repository"
	"ExamShieldAPI/internal/session"
	"ExamShieldAPI/internal/vision"
	"ExamShieldAPI/internal/websocket"

	"github.com/google/uuid"
)

var (
	ErrNoActiveSession = errors.New("no active monitoring session")
	ErrSessionActive   = errors.New("a monitoring session is already active")
	ErrHistoryDisabled = errors.New("session history is not enabled")
	ErrInvalidImage    = errors.New("invalid image")
)

// VisionBackend is the detection backend as the service uses it.
type VisionBackend interface {
	poller.FrameSource
	Source() vision.Source
	StartCapture(ctx context.Context, src vision.Source) error
	StopCapture(ctx context.Context) error
	DetectImage(ctx context.Context, image []byte) (*models.RawFrame, error)
}

type ImageAnalyzer interface {
	Enabled() bool
	Analyze(ctx context.Context, image []byte) (*models.AnalyzerResult, error)
}

// EventPublisher mirrors session events to an external broker.
type EventPublisher interface {
	PublishIncident(inc models.Incident)
	PublishScore(u models.ScoreUpdate)
	PublishNotification(sessionID string, st models.NotificationStatus)
}

// History groups the optional session history repositories.
type History struct {
	Sessions      repository.ISessionRepository
	Incidents     repository.IIncidentRepository
	Notifications repository.INotificationRepository
}

type MonitorConfig struct {
	Session      session.Config
	PollInterval time.Duration
	// StoreTimeout bounds each history write.
	StoreTimeout time.Duration
}

type MonitorDeps struct {
	Session   session.Deps
	Vision    VisionBackend
	Analyzer  ImageAnalyzer
	Hub       notify.Broadcaster
	Publisher EventPublisher
	History   *History
	Metrics   *metrics.Metrics
}

// IMonitorService is the outward-facing surface of the pipeline.
type IMonitorService interface {
	StartSession(ctx context.Context) (*models.SessionSummary, error)
	EndSession(ctx context.Context) (*models.SessionRecord, error)
	Current() (*session.Session, error)
	Summary() (*models.SessionSummary, error)
	StartPolling(ctx context.Context, req models.StartPollingRequest) (*models.SessionSummary, error)
	StopPolling(ctx context.Context) error
	PollStats() poller.Stats
	SetRecipient(recipient string) (models.NotificationStatus, error)
	RequestNotification(recipient string) (models.NotificationStatus, error)
	NotificationStatus() models.NotificationStatus
	Analyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResponse, error)
	IngestFrame(ctx context.Context, frame *models.RawFrame, observedAt time.Time) error
	OpenEvidence(ref string) (io.ReadCloser, error)
	ListSessions(ctx context.Context, limit, offset int) ([]models.SessionRecord, error)
	SessionIncidents(ctx context.Context, id string, limit, offset int) ([]models.Incident, error)
	Shutdown(ctx context.Context) error
}

type MonitorService struct {
	cfg   MonitorConfig
	deps  MonitorDeps
	log   *logger.Logger
	drv   *poller.Driver
	store evidence.Store

	mu        sync.RWMutex
	current   *session.Session
	recipient string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitorService(cfg MonitorConfig, deps MonitorDeps, log *logger.Logger) *MonitorService {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &MonitorService{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		store:     deps.Session.Store,
		recipient: strings.TrimSpace(cfg.Session.Recipient),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.drv = poller.NewDriver(deps.Vision, s.handlePolledFrame, cfg.PollInterval, log.WithComponent("poller"))
	if deps.Metrics != nil {
		s.drv.OnPoll = deps.Metrics.ObservePoll
	}
	return s
}

// StartSession creates a fresh feed, ledger and notification state.
func (s *MonitorService) StartSession(ctx context.Context) (*models.SessionSummary, error) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	sess := s.newSession()
	s.current = sess
	s.mu.Unlock()

	s.log.Info("Monitoring session %s started", sess.ID())

	if h := s.deps.History; h != nil && h.Sessions != nil {
		rec := &models.SessionRecord{
			ID:             sess.ID(),
			Status:         models.SessionActive,
			StartedAt:      sess.StartedAt(),
			IntegrityScore: 100,
		}
		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		if err := h.Sessions.Create(sctx, rec); err != nil {
			s.log.Error("Failed to record session %s: %v", sess.ID(), err)
		}
		cancel()
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ResetScore()
	}
	summary := s.summaryOf(sess)
	s.broadcast(websocket.MessageSession, summary)
	return summary, nil
}

func (s *MonitorService) newSession() *session.Session {
	cfg := s.cfg.Session
	cfg.Recipient = s.recipient

	sess := session.New(uuid.NewString(), cfg, s.deps.Session, s.log.WithComponent("session"))
	id := sess.ID()

	sess.OnNewIncident(func(inc models.Incident) {
		s.broadcast(websocket.MessageIncident, inc)
		if s.deps.Publisher != nil {
			s.deps.Publisher.PublishIncident(inc)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveIncident(inc)
		}
		if h := s.deps.History; h != nil && h.Incidents != nil {
			s.background(func(ctx context.Context) {
				if err := h.Incidents.Create(ctx, &inc); err != nil {
					s.log.Warn("Incident %s not archived: %v", inc.ID, err)
				}
			})
		}
	})

	sess.OnScoreChanged(func(u models.ScoreUpdate) {
		s.broadcast(websocket.MessageScore, u)
		if s.deps.Publisher != nil {
			s.deps.Publisher.PublishScore(u)
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveScore(u)
		}
	})

	sess.OnNotificationStatus(func(st models.NotificationStatus) {
		s.broadcast(websocket.MessageNotification, st)
		if s.deps.Publisher != nil {
			s.deps.Publisher.PublishNotification(id, st)
		}
	})

	sess.OnNotificationResult(func(res notify.Result) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveNotification(res.Report.Trigger, res.Err)
		}
		if h := s.deps.History; h != nil && h.Notifications != nil {
			rec := &models.NotificationRecord{
				SessionID: id,
				Recipient: strings.Join(res.Report.Recipients, ","),
				Trigger:   res.Report.Trigger,
				Subject:   res.Report.Subject,
				Status:    string(models.NotifySent),
			}
			if res.Err != nil {
				rec.Status = string(models.NotifyFailed)
				rec.Error = res.Err.Error()
			}
			s.background(func(ctx context.Context) {
				if err := h.Notifications.Create(ctx, rec); err != nil {
					s.log.Warn("Notification attempt not logged: %v", err)
				}
			})
		}
	})

	return sess
}

// EndSession stops polling, abandons any in-flight send and stores the
// session's final totals. The feed itself is discarded.
func (s *MonitorService) EndSession(ctx context.Context) (*models.SessionRecord, error) {
	s.stopPolling(ctx)

	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()

	if sess == nil {
		return nil, ErrNoActiveSession
	}

	sess.Close()
	final := sess.Score()
	endedAt := time.Now()

	rec := &models.SessionRecord{
		ID:             sess.ID(),
		Status:         models.SessionEnded,
		StartedAt:      sess.StartedAt(),
		EndedAt:        &endedAt,
		IncidentCount:  final.IncidentCount,
		TotalSeverity:  final.TotalSeverity,
		IntegrityScore: final.IntegrityScore,
	}

	if h := s.deps.History; h != nil && h.Sessions != nil {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
		if err := h.Sessions.Finish(sctx, sess.ID(), endedAt, final); err != nil {
			s.log.Error("Failed to store summary of session %s: %v", sess.ID(), err)
		}
		cancel()
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ResetScore()
	}
	s.log.Info("Monitoring session %s ended: %d incidents, %d severity points, integrity %d",
		rec.ID, rec.IncidentCount, rec.TotalSeverity, rec.IntegrityScore)
	s.broadcast(websocket.MessageSession, rec)
	return rec, nil
}

func (s *MonitorService) Current() (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoActiveSession
	}
	return s.current, nil
}

func (s *MonitorService) Summary() (*models.SessionSummary, error) {
	sess, err := s.Current()
	if err != nil {
		return nil, err
	}
	return s.summaryOf(sess), nil
}

func (s *MonitorService) summaryOf(sess *session.Session) *models.SessionSummary {
	score := sess.Score()
	stats := s.drv.Stats()
	return &models.SessionSummary{
		ID:             sess.ID(),
		StartedAt:      sess.StartedAt(),
		Polling:        stats.Running,
		IncidentCount:  score.IncidentCount,
		TotalSeverity:  score.TotalSeverity,
		IntegrityScore: score.IntegrityScore,
		Capacity:       sess.Capacity(),
		KindCounts:     sess.KindCounts(),
		Notification:   sess.NotificationStatus(),
		LastPollError:  stats.LastError,
	}
}

// StartPolling opens the requested capture source on the backend and starts
// the polling loop. A session is started first if none is active.
func (s *MonitorService) StartPolling(ctx context.Context, req models.StartPollingRequest) (*models.SessionSummary, error) {
	if s.drv.Running() {
		return nil, poller.ErrAlreadyRunning
	}

	if _, err := s.Current(); errors.Is(err, ErrNoActiveSession) {
		if _, err := s.StartSession(ctx); err != nil && !errors.Is(err, ErrSessionActive) {
			return nil, err
		}
	}

	src := s.deps.Vision.Source()
	if req.Source != "" || req.CameraIndex != nil {
		idx := src.CameraIndex
		if req.CameraIndex != nil {
			idx = *req.CameraIndex
		}
		value := req.Source
		if value == "" {
			value = vision.SourceWebcam
		}
		src = vision.ParseSource(value, idx)
	}

	if err := s.deps.Vision.StartCapture(ctx, src); err != nil {
		return nil, err
	}
	if err := s.drv.Start(s.ctx); err != nil {
		return nil, err
	}

	s.log.Info("Polling %s", src)
	s.broadcast(websocket.MessagePolling, map[string]interface{}{"running": true, "source": src.String()})
	return s.Summary()
}

func (s *MonitorService) StopPolling(ctx context.Context) error {
	if !s.drv.Running() {
		return nil
	}
	s.stopPolling(ctx)
	return nil
}

func (s *MonitorService) stopPolling(ctx context.Context) {
	if !s.drv.Running() {
		return
	}
	s.drv.Stop()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.deps.Vision.StopCapture(cctx); err != nil {
		s.log.Warn("Detection backend did not stop capture: %v", err)
	}
	s.broadcast(websocket.MessagePolling, map[string]interface{}{"running": false})
}

func (s *MonitorService) PollStats() poller.Stats {
	return s.drv.Stats()
}

func (s *MonitorService) handlePolledFrame(ctx context.Context, frame *models.RawFrame) error {
	return s.IngestFrame(ctx, frame, frameTime(frame))
}

// IngestFrame runs a frame through the active session. It is the sink for
// both the poller and frames pushed over MQTT.
func (s *MonitorService) IngestFrame(ctx context.Context, frame *models.RawFrame, observedAt time.Time) error {
	sess, err := s.Current()
	if err != nil {
		return err
	}
	res, err := sess.ProcessFrame(ctx, frame, observedAt)
	if err != nil {
		return err
	}
	if res.Evidence != "" && s.deps.Metrics != nil {
		s.deps.Metrics.EvidenceCaptured.Inc()
	}
	return nil
}

// frameTime prefers the backend's capture timestamp.
func frameTime(frame *models.RawFrame) time.Time {
	if frame != nil && frame.Timestamp > 0 {
		sec := int64(frame.Timestamp)
		return time.Unix(sec, int64((frame.Timestamp-float64(sec))*1e9))
	}
	return time.Now()
}

// SetRecipient changes who is notified. The choice outlives the session.
func (s *MonitorService) SetRecipient(recipient string) (models.NotificationStatus, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient != "" {
		if err := notify.ValidateRecipient(recipient); err != nil {
			return models.NotificationStatus{}, err
		}
	}

	s.mu.Lock()
	s.recipient = recipient
	sess := s.current
	s.mu.Unlock()

	if sess == nil {
		return s.idleStatus(), nil
	}
	if err := sess.SetRecipient(recipient); err != nil {
		return models.NotificationStatus{}, err
	}
	return sess.NotificationStatus(), nil
}

func (s *MonitorService) RequestNotification(recipient string) (models.NotificationStatus, error) {
	sess, err := s.Current()
	if err != nil {
		return models.NotificationStatus{}, err
	}
	if err := sess.RequestManualNotification(recipient); err != nil {
		return sess.NotificationStatus(), err
	}

	if r := strings.TrimSpace(recipient); r != "" {
		s.mu.Lock()
		s.recipient = r
		s.mu.Unlock()
	}
	return sess.NotificationStatus(), nil
}

func (s *MonitorService) NotificationStatus() models.NotificationStatus {
	sess, err := s.Current()
	if err != nil {
		return s.idleStatus()
	}
	return sess.NotificationStatus()
}

func (s *MonitorService) idleStatus() models.NotificationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.NotificationStatus{
		Recipient:   s.recipient,
		State:       models.NotifyIdle,
		AutoEnabled: s.cfg.Session.AutoNotify,
		Threshold:   s.cfg.Session.Threshold,
	}
}

// Analyze runs a single image through the generative analyzer, or through
// the detection backend when no analyzer is configured. With Ingest set the
// findings are added to the active session.
func (s *MonitorService) Analyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResponse, error) {
	image, err := vision.DecodeImage(req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	var sess *session.Session
	if req.Ingest {
		if sess, err = s.Current(); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	resp := &models.AnalyzeResponse{}

	if s.deps.Analyzer != nil && s.deps.Analyzer.Enabled() {
		result, err := s.deps.Analyzer.Analyze(ctx, image)
		if err != nil {
			return nil, err
		}
		resp.Result = result
		if sess != nil {
			res, err := sess.IngestAnalysis(ctx, result.Incidents, image, now)
			if err != nil {
				return nil, err
			}
			resp.Ingested = res.Added
		}
		return resp, nil
	}

	frame, err := s.deps.Vision.DetectImage(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(frame.Image) == 0 {
		frame.Image = image
	}
	resp.Result = s.summarizeFrame(frame, now)
	if sess != nil {
		res, err := sess.ProcessFrame(ctx, frame, now)
		if err != nil {
			return nil, err
		}
		resp.Ingested = res.Added
	}
	return resp, nil
}

// summarizeFrame renders a detector frame in the analyzer's result shape.
func (s *MonitorService) summarizeFrame(frame *models.RawFrame, at time.Time) *models.AnalyzerResult {
	norm := s.deps.Session.Normalizer
	tables := norm.Tables()
	cands := detection.NewSeatResolver().Resolve(norm.Normalize(frame, at).Candidates)

	out := &models.AnalyzerResult{
		Incidents: make([]models.AnalyzerIncident, 0, len(cands)),
		Stats:     make(map[string]int),
	}
	score := 100
	for _, c := range cands {
		out.Incidents = append(out.Incidents, models.AnalyzerIncident{
			Type:        string(c.Kind),
			Seat:        c.Seat,
			Level:       c.Level.String(),
			Description: c.Description,
			Confidence:  c.Confidence,
			Severity:    c.Severity,
		})
		out.Stats[strings.ToLower(string(c.Kind))]++
		score -= tables.DeductionOf(c.Kind)
	}
	if score < 0 {
		score = 0
	}
	out.OverallIntegrityScore = score
	return out
}

func (s *MonitorService) OpenEvidence(ref string) (io.ReadCloser, error) {
	if s.store == nil {
		return nil, evidence.ErrNotFound
	}
	return s.store.Open(ref)
}

func (s *MonitorService) ListSessions(ctx context.Context, limit, offset int) ([]models.SessionRecord, error) {
	h := s.deps.History
	if h == nil || h.Sessions == nil {
		return nil, ErrHistoryDisabled
	}
	return h.Sessions.List(ctx, limit, offset)
}

func (s *MonitorService) SessionIncidents(ctx context.Context, id string, limit, offset int) ([]models.Incident, error) {
	h := s.deps.History
	if h == nil || h.Incidents == nil {
		return nil, ErrHistoryDisabled
	}
	return h.Incidents.ListBySession(ctx, id, limit, offset)
}

// Shutdown ends the active session and waits for pending history writes.
func (s *MonitorService) Shutdown(ctx context.Context) error {
	if _, err := s.EndSession(ctx); err != nil && !errors.Is(err, ErrNoActiveSession) {
		return err
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MonitorService) broadcast(msgType string, payload interface{}) {
	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast(msgType, payload)
	}
}

// background runs a history write off the frame pipeline.
func (s *MonitorService) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		fn(ctx)
	}()
}
