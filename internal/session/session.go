package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/evidence"
	"ExamShieldAPI/internal/feed"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/notify"
)

var ErrClosed = errors.New("session is closed")

type Config struct {
	Capacity       int
	CooldownWindow time.Duration
	Threshold      int
	AutoNotify     bool
	NotifyTimeout  time.Duration
	Recipient      string
}

// Deps are the collaborators shared by every session of the process.
type Deps struct {
	Normalizer *detection.Normalizer
	Store      evidence.Store
	Sender     notify.Sender
	Builder    *notify.ReportBuilder
}

// FrameResult describes what one processed frame changed.
type FrameResult struct {
	Added     []models.Incident
	Evicted   []models.Incident
	Malformed int
	Filtered  int
	Evidence  string
}

// Session owns the feed, the cooldown ledger and the notification state of
// one monitoring session. Frames are processed one at a time; each either
// updates the feed completely or not at all.
type Session struct {
	id        string
	startedAt time.Time

	feed       *feed.Feed
	gate       *evidence.Gate
	normalizer *detection.Normalizer
	resolver   *detection.SeatResolver
	store      evidence.Store
	trigger    *notify.Trigger
	threshold  int
	log        *logger.Logger
	now        func() time.Time

	// mu serializes frame processing and hook delivery.
	mu     sync.Mutex
	closed bool

	hooksMu    sync.RWMutex
	onIncident []func(models.Incident)
	onScore    []func(models.ScoreUpdate)
}

func New(id string, cfg Config, deps Deps, log *logger.Logger) *Session {
	f := feed.New(id, cfg.Capacity, deps.Normalizer.Tables())
	s := &Session{
		id:         id,
		feed:       f,
		gate:       evidence.NewGate(cfg.CooldownWindow),
		normalizer: deps.Normalizer,
		resolver:   detection.NewSeatResolver(),
		store:      deps.Store,
		threshold:  cfg.Threshold,
		log:        log,
		now:        time.Now,
	}
	s.startedAt = s.now()
	s.trigger = notify.NewTrigger(notify.TriggerConfig{
		Threshold:   cfg.Threshold,
		AutoEnabled: cfg.AutoNotify,
		Timeout:     cfg.NotifyTimeout,
		Recipient:   cfg.Recipient,
	}, deps.Sender, deps.Builder, f, log.WithComponent("notify"))
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// OnNewIncident registers fn to receive every appended incident, oldest of
// a frame first.
func (s *Session) OnNewIncident(fn func(models.Incident)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onIncident = append(s.onIncident, fn)
}

// OnScoreChanged registers fn to receive the totals after every append.
func (s *Session) OnScoreChanged(fn func(models.ScoreUpdate)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onScore = append(s.onScore, fn)
}

// OnNotificationStatus registers fn for notification state changes.
func (s *Session) OnNotificationStatus(fn func(models.NotificationStatus)) {
	s.trigger.OnStatus(fn)
}

// OnNotificationResult registers fn for finished send attempts.
func (s *Session) OnNotificationResult(fn func(notify.Result)) {
	s.trigger.OnResult(fn)
}

// ProcessFrame runs one detection result through the pipeline. A context
// cancelled before the ledger is touched leaves the session unchanged.
func (s *Session) ProcessFrame(ctx context.Context, frame *models.RawFrame, observedAt time.Time) (*FrameResult, error) {
	if frame == nil {
		return &FrameResult{}, nil
	}
	res := s.normalizer.Normalize(frame, observedAt)
	if res.Malformed > 0 {
		s.log.Debug("Frame %d: %d malformed observations skipped", frame.FrameNumber, res.Malformed)
	}

	image := frame.Image
	out, err := s.record(ctx, res.Candidates, image, observedAt)
	if err != nil {
		return nil, err
	}
	out.Malformed = res.Malformed
	out.Filtered = res.Filtered
	return out, nil
}

// IngestAnalysis feeds single-image analyzer findings through the same
// pipeline as polled frames. image, when present, is offered as evidence.
func (s *Session) IngestAnalysis(ctx context.Context, items []models.AnalyzerIncident, image []byte, observedAt time.Time) (*FrameResult, error) {
	res := s.normalizer.FromAnalyzer(items, observedAt)
	out, err := s.record(ctx, res.Candidates, image, observedAt)
	if err != nil {
		return nil, err
	}
	out.Malformed = res.Malformed
	out.Filtered = res.Filtered
	return out, nil
}

func (s *Session) record(ctx context.Context, cands []models.Candidate, image []byte, at time.Time) (*FrameResult, error) {
	cands = s.resolver.Resolve(cands)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return &FrameResult{}, nil
	}

	admitted := make([]bool, len(cands))
	capture := false
	for i, c := range cands {
		admitted[i] = s.gate.Admit(c.Kind, c.Seat, at)
		capture = capture || admitted[i]
	}

	var ref string
	if capture && len(image) > 0 && s.store != nil {
		r, err := s.store.Save(image)
		if err != nil {
			s.log.Warn("Evidence not captured: %v", err)
		} else {
			ref = r
		}
	}

	incs := make([]models.Incident, len(cands))
	for i, c := range cands {
		incs[i] = models.Incident{
			ObservedAt:  c.ObservedAt,
			Kind:        c.Kind,
			Seat:        c.Seat,
			Confidence:  c.Confidence,
			Severity:    c.Severity,
			Level:       c.Level,
			Description: c.Description,
			Source:      c.Source,
		}
		if admitted[i] {
			incs[i].Evidence = ref
		}
	}

	added, evicted := s.feed.AppendBatch(incs)
	update := s.score()

	s.hooksMu.RLock()
	incHooks := s.onIncident
	scoreHooks := s.onScore
	s.hooksMu.RUnlock()

	for _, inc := range added {
		for _, fn := range incHooks {
			fn(inc)
		}
	}
	for _, fn := range scoreHooks {
		fn(update)
	}

	s.trigger.Observe(update.TotalSeverity)

	return &FrameResult{Added: added, Evicted: evicted, Evidence: ref}, nil
}

// RequestManualNotification sends the report now. A non-empty recipient
// replaces the configured one.
func (s *Session) RequestManualNotification(recipient string) error {
	return s.trigger.RequestManual(recipient)
}

func (s *Session) SetRecipient(recipient string) error {
	return s.trigger.SetRecipient(recipient)
}

func (s *Session) NotificationStatus() models.NotificationStatus {
	return s.trigger.Status()
}

func (s *Session) CurrentFeed() []models.Incident {
	return s.feed.Snapshot()
}

func (s *Session) SortedByObserved() []models.Incident {
	return s.feed.SortedByObserved()
}

func (s *Session) GroupedBySeat() []models.SeatGroup {
	return s.feed.GroupedBySeat()
}

func (s *Session) GroupedByType() []models.TypeGroup {
	return s.feed.GroupedByType()
}

func (s *Session) TopBySeat(limit int) []models.SeatGroup {
	return s.feed.TopBySeat(limit)
}

func (s *Session) TotalSeverity() int {
	return s.feed.TotalSeverity()
}

func (s *Session) RunningIntegrityScore() int {
	return s.feed.IntegrityScore()
}

func (s *Session) Capacity() int {
	return s.feed.Capacity()
}

// KindCounts counts the retained incidents per kind.
func (s *Session) KindCounts() map[models.Kind]int {
	return s.feed.KindCounts()
}

// Score returns the current totals.
func (s *Session) Score() models.ScoreUpdate {
	return s.score()
}

func (s *Session) score() models.ScoreUpdate {
	count, total, integrity := s.feed.Totals()
	return models.ScoreUpdate{
		SessionID:      s.id,
		TotalSeverity:  total,
		IntegrityScore: integrity,
		IncidentCount:  count,
		Threshold:      s.threshold,
		UpdatedAt:      s.now(),
	}
}

// Close stops accepting frames and abandons any in-flight notification.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.trigger.Close()
}

// Wait blocks until in-flight notification sends have finished.
func (s *Session) Wait() {
	s.trigger.Wait()
}
