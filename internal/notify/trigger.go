package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
)

// Sender is the outbound transport contract.
type Sender interface {
	Send(ctx context.Context, r *models.Report) error
}

// FeedReader is the part of the feed a report is built from.
type FeedReader interface {
	SessionID() string
	Totals() (count, totalSeverity, integrity int)
	SnapshotTotals() (items []models.Incident, totalSeverity, integrity int)
}

const DefaultTimeout = 10 * time.Second

type TriggerConfig struct {
	Threshold   int
	AutoEnabled bool
	Timeout     time.Duration
	Recipient   string
}

// Result describes one finished send attempt.
type Result struct {
	Report *models.Report
	Err    error
}

// Trigger owns the notification state machine for the configured recipient:
// IDLE -> SENDING -> SENT | FAILED. Sends run in their own goroutine and
// never block the caller. An automatic send fires at most once per
// recipient; a failed automatic send is not retried until the total drops
// below the threshold and crosses it again, or an operator asks for it.
type Trigger struct {
	mu      sync.Mutex
	cfg     TriggerConfig
	sender  Sender
	builder *ReportBuilder
	feed    FeedReader
	log     *logger.Logger
	now     func() time.Time

	status     models.NotificationStatus
	armed      bool
	generation uint64
	cancel     context.CancelFunc
	closed     bool

	root     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	onStatus []func(models.NotificationStatus)
	onResult []func(Result)

	// seq orders status events; hooks never see an older state after a
	// newer one.
	seq       uint64
	pubMu     sync.Mutex
	published uint64
}

type statusEvent struct {
	status models.NotificationStatus
	seq    uint64
}

func NewTrigger(cfg TriggerConfig, sender Sender, builder *ReportBuilder, feed FeedReader, log *logger.Logger) *Trigger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	root, stop := context.WithCancel(context.Background())
	t := &Trigger{
		cfg:     cfg,
		sender:  sender,
		builder: builder,
		feed:    feed,
		log:     log,
		now:     time.Now,
		armed:   true,
		root:    root,
		stop:    stop,
	}
	t.status = models.NotificationStatus{
		Recipient:   strings.TrimSpace(cfg.Recipient),
		State:       models.NotifyIdle,
		AutoEnabled: cfg.AutoEnabled,
		Threshold:   cfg.Threshold,
		UpdatedAt:   t.now(),
	}
	return t
}

// OnStatus registers fn to be called after every state change.
func (t *Trigger) OnStatus(fn func(models.NotificationStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = append(t.onStatus, fn)
}

// OnResult registers fn to be called when a send attempt finishes.
func (t *Trigger) OnResult(fn func(Result)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResult = append(t.onResult, fn)
}

func (t *Trigger) Status() models.NotificationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Observe is called with the running total after every append. It is a
// read of the total plus, at most, the start of one asynchronous send.
func (t *Trigger) Observe(totalSeverity int) {
	t.mu.Lock()
	ev, started := t.observeLocked(totalSeverity)
	t.mu.Unlock()

	if started {
		t.publish(ev)
	}
}

func (t *Trigger) observeLocked(total int) (statusEvent, bool) {
	if t.closed || !t.cfg.AutoEnabled || t.status.Recipient == "" {
		return statusEvent{}, false
	}
	if total < t.cfg.Threshold {
		t.armed = true
		return statusEvent{}, false
	}
	if !t.armed || t.status.SentForThresholdCrossing || t.status.State == models.NotifySending {
		return statusEvent{}, false
	}

	if err := t.startLocked(models.TriggerAutomatic); err != nil {
		t.log.Error("Automatic notification not started: %v", err)
		return statusEvent{}, false
	}
	t.armed = false
	t.log.Info("Severity total %d reached threshold %d, notifying %s", total, t.cfg.Threshold, t.status.Recipient)
	return t.eventLocked(), true
}

// RequestManual starts a send at the operator's request. A non-empty
// recipient different from the configured one replaces it first.
func (t *Trigger) RequestManual(recipient string) error {
	recipient = strings.TrimSpace(recipient)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if recipient != "" && recipient != t.status.Recipient {
		if err := ValidateRecipient(recipient); err != nil {
			t.mu.Unlock()
			return err
		}
		t.resetLocked(recipient)
	}
	if t.status.Recipient == "" {
		t.mu.Unlock()
		return ErrNoRecipient
	}
	if t.status.State == models.NotifySending {
		t.mu.Unlock()
		return ErrSendInProgress
	}
	if count, _, _ := t.feed.Totals(); count == 0 {
		t.mu.Unlock()
		return ErrEmptyFeed
	}
	if err := t.startLocked(models.TriggerManual); err != nil {
		t.mu.Unlock()
		return err
	}
	ev := t.eventLocked()
	t.mu.Unlock()

	t.publish(ev)
	return nil
}

// SetRecipient replaces the configured recipient. The per-recipient flag is
// cleared and any in-flight send is abandoned; if the current total is
// already at the threshold the new recipient is notified right away.
func (t *Trigger) SetRecipient(recipient string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient != "" {
		if err := ValidateRecipient(recipient); err != nil {
			return err
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if recipient == t.status.Recipient {
		t.mu.Unlock()
		return nil
	}
	t.resetLocked(recipient)
	ev := t.eventLocked()
	_, total, _ := t.feed.Totals()
	if next, started := t.observeLocked(total); started {
		ev = next
	}
	t.mu.Unlock()

	t.publish(ev)
	return nil
}

func (t *Trigger) resetLocked(recipient string) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.generation++
	t.armed = true
	t.status = models.NotificationStatus{
		Recipient:   recipient,
		State:       models.NotifyIdle,
		AutoEnabled: t.cfg.AutoEnabled,
		Threshold:   t.cfg.Threshold,
		UpdatedAt:   t.now(),
	}
}

func (t *Trigger) startLocked(trigger string) error {
	incidents, total, integrity := t.feed.SnapshotTotals()
	if len(incidents) == 0 {
		return ErrEmptyFeed
	}

	report, err := t.builder.Build(ReportInput{
		SessionID:      t.feed.SessionID(),
		Recipient:      t.status.Recipient,
		Trigger:        trigger,
		Incidents:      incidents,
		TotalSeverity:  total,
		IntegrityScore: integrity,
		Threshold:      t.cfg.Threshold,
	})
	if err != nil {
		return err
	}

	t.generation++
	gen := t.generation
	ctx, cancel := context.WithTimeout(t.root, t.cfg.Timeout)
	t.cancel = cancel

	t.status.State = models.NotifySending
	t.status.LastTrigger = trigger
	t.status.LastError = ""
	t.status.Retryable = false
	t.status.Attempts++
	t.status.UpdatedAt = t.now()

	t.wg.Add(1)
	go t.run(ctx, cancel, gen, trigger, report)
	return nil
}

func (t *Trigger) run(ctx context.Context, cancel context.CancelFunc, gen uint64, trigger string, report *models.Report) {
	defer t.wg.Done()

	err := t.sender.Send(ctx, report)
	cancel()

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		t.log.Debug("Discarding result of superseded %s notification", strings.ToLower(trigger))
		return
	}
	t.cancel = nil
	now := t.now()
	if err == nil {
		t.status.State = models.NotifySent
		t.status.LastSentAt = &now
		if trigger == models.TriggerAutomatic {
			t.status.SentForThresholdCrossing = true
		}
		t.log.Info("Report with %d incidents sent to %s", report.TotalIncidents, t.status.Recipient)
	} else {
		t.status.State = models.NotifyFailed
		t.status.LastError = err.Error()
		t.status.Retryable = IsRetryable(err)
		t.log.Error("Failed to send report to %s (retryable=%t): %v", t.status.Recipient, t.status.Retryable, err)
	}
	t.status.UpdatedAt = now
	ev := t.eventLocked()
	hooks := append([]func(Result){}, t.onResult...)
	t.mu.Unlock()

	t.publish(ev)
	for _, fn := range hooks {
		fn(Result{Report: report, Err: err})
	}
}

func (t *Trigger) snapshotLocked() models.NotificationStatus {
	st := t.status
	if st.LastSentAt != nil {
		at := *st.LastSentAt
		st.LastSentAt = &at
	}
	return st
}

func (t *Trigger) eventLocked() statusEvent {
	t.seq++
	return statusEvent{status: t.snapshotLocked(), seq: t.seq}
}

func (t *Trigger) publish(ev statusEvent) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if ev.seq <= t.published {
		return
	}
	t.published = ev.seq

	t.mu.Lock()
	hooks := append([]func(models.NotificationStatus){}, t.onStatus...)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(ev.status)
	}
}

// Wait blocks until every started send has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Close abandons any in-flight send and waits for its goroutine.
func (t *Trigger) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.stop()
	t.wg.Wait()
}
