package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/feed"
	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu      sync.Mutex
	reports []*models.Report
	err     error
	// block makes Send wait until it is closed or the context ends.
	block chan struct{}
}

func (s *fakeSender) Send(ctx context.Context, r *models.Report) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	block, err := s.block, s.err
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *fakeSender) last() *models.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[len(s.reports)-1]
}

func newFeed() *feed.Feed {
	return feed.New("session-1", 50, detection.DefaultTables())
}

func push(f *feed.Feed, severity int) int {
	f.Append(models.Incident{
		Kind:       models.KindPhone,
		Seat:       "A1",
		Severity:   severity,
		Level:      detection.DefaultTables().LevelOf(severity),
		Confidence: 0.9,
		ObservedAt: time.Now(),
	})
	return f.TotalSeverity()
}

func newTrigger(s Sender, f FeedReader, recipient string) *Trigger {
	return NewTrigger(TriggerConfig{
		Threshold:   50,
		AutoEnabled: true,
		Timeout:     time.Second,
		Recipient:   recipient,
	}, s, NewReportBuilder(nil), f, logger.Discard())
}

func TestAutomaticSendOnThresholdCrossing(t *testing.T) {
	s := &fakeSender{}
	f := newFeed()
	tr := newTrigger(s, f, "invigilator@example.com")
	defer tr.Close()

	tr.Observe(push(f, 20))
	tr.Observe(push(f, 20))
	tr.Wait()
	assert.Equal(t, 0, s.count(), "total 40 stays below the threshold")

	tr.Observe(push(f, 15))
	tr.Wait()

	require.Equal(t, 1, s.count())
	r := s.last()
	assert.Len(t, r.Incidents, 3)
	assert.Equal(t, 55, r.TotalSeverity)
	assert.Equal(t, models.TriggerAutomatic, r.Trigger)
	assert.Equal(t, []string{"invigilator@example.com"}, r.Recipients)

	st := tr.Status()
	assert.Equal(t, models.NotifySent, st.State)
	assert.True(t, st.SentForThresholdCrossing)
	assert.NotNil(t, st.LastSentAt)
}

func TestAutomaticSendAtMostOncePerRecipient(t *testing.T) {
	s := &fakeSender{}
	f := newFeed()
	push(f, 30)
	push(f, 30)
	tr := newTrigger(s, f, "first@example.com")
	defer tr.Close()

	for _, total := range []int{60, 70, 10, 80, 20, 90} {
		tr.Observe(total)
		tr.Wait()
	}
	assert.Equal(t, 1, s.count())

	require.NoError(t, tr.SetRecipient("second@example.com"))
	tr.Wait()
	require.Equal(t, 2, s.count(), "a new recipient already above the threshold is notified once")
	assert.Equal(t, []string{"second@example.com"}, s.last().Recipients)

	for _, total := range []int{60, 10, 95} {
		tr.Observe(total)
		tr.Wait()
	}
	assert.Equal(t, 2, s.count())
}

func TestFailedAutomaticSendWaitsForNewCrossing(t *testing.T) {
	s := &fakeSender{err: &SendError{StatusCode: 503, Message: "unavailable", Retryable: true}}
	f := newFeed()
	push(f, 60)
	tr := newTrigger(s, f, "invigilator@example.com")
	defer tr.Close()

	tr.Observe(60)
	tr.Wait()

	st := tr.Status()
	assert.Equal(t, models.NotifyFailed, st.State)
	assert.True(t, st.Retryable)
	assert.Contains(t, st.LastError, "unavailable")
	assert.False(t, st.SentForThresholdCrossing)

	tr.Observe(65)
	tr.Observe(70)
	tr.Wait()
	assert.Equal(t, 1, s.count(), "no silent retry on later ticks")

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	tr.Observe(40)
	tr.Observe(55)
	tr.Wait()
	assert.Equal(t, 2, s.count())
	assert.Equal(t, models.NotifySent, tr.Status().State)
}

func TestRejectionIsNotRetryable(t *testing.T) {
	s := &fakeSender{err: &SendError{StatusCode: 400, Message: "invalid email"}}
	f := newFeed()
	push(f, 60)
	tr := newTrigger(s, f, "invigilator@example.com")
	defer tr.Close()

	tr.Observe(60)
	tr.Wait()

	st := tr.Status()
	assert.Equal(t, models.NotifyFailed, st.State)
	assert.False(t, st.Retryable)
}

func TestManualRequestValidation(t *testing.T) {
	s := &fakeSender{}
	f := newFeed()
	tr := newTrigger(s, f, "")
	defer tr.Close()

	assert.ErrorIs(t, tr.RequestManual(""), ErrNoRecipient)
	assert.ErrorIs(t, tr.RequestManual("invigilator@example.com"), ErrEmptyFeed)
	assert.Error(t, tr.RequestManual("not-an-address"))
	assert.Equal(t, 0, s.count())
}

// growingFeed appends an incident every time Totals is read, so any report
// assembled from more than one feed read would disagree with itself.
type growingFeed struct {
	*feed.Feed
}

func (g growingFeed) Totals() (int, int, int) {
	push(g.Feed, 10)
	return g.Feed.Totals()
}

func TestReportTotalsMatchListedIncidents(t *testing.T) {
	s := &fakeSender{}
	f := growingFeed{newFeed()}
	tr := newTrigger(s, f, "")
	defer tr.Close()

	require.NoError(t, tr.RequestManual("invigilator@example.com"))
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)

	report := s.last()
	sum := 0
	for _, inc := range report.Incidents {
		sum += inc.Severity
	}
	assert.Equal(t, sum, report.TotalSeverity)
	assert.Len(t, report.Incidents, report.TotalIncidents)
}

func TestManualSendDoesNotConsumeAutomaticSend(t *testing.T) {
	s := &fakeSender{}
	f := newFeed()
	push(f, 10)
	tr := newTrigger(s, f, "invigilator@example.com")
	defer tr.Close()

	require.NoError(t, tr.RequestManual(""))
	tr.Wait()

	st := tr.Status()
	assert.Equal(t, models.NotifySent, st.State)
	assert.Equal(t, models.TriggerManual, st.LastTrigger)
	assert.False(t, st.SentForThresholdCrossing)

	tr.Observe(push(f, 45))
	tr.Wait()
	assert.Equal(t, 2, s.count())
	assert.True(t, tr.Status().SentForThresholdCrossing)
}

func TestManualRequestRejectedWhileSending(t *testing.T) {
	s := &fakeSender{block: make(chan struct{})}
	f := newFeed()
	push(f, 10)
	tr := newTrigger(s, f, "invigilator@example.com")
	defer tr.Close()

	require.NoError(t, tr.RequestManual(""))
	assert.Equal(t, models.NotifySending, tr.Status().State)
	assert.ErrorIs(t, tr.RequestManual(""), ErrSendInProgress)

	close(s.block)
	tr.Wait()
	assert.Equal(t, models.NotifySent, tr.Status().State)
	assert.Equal(t, 1, tr.Status().Attempts)
}

func TestRecipientChangeAbandonsInFlightSend(t *testing.T) {
	s := &fakeSender{block: make(chan struct{})}
	f := newFeed()
	push(f, 10)
	tr := newTrigger(s, f, "first@example.com")
	defer tr.Close()

	require.NoError(t, tr.RequestManual(""))
	require.NoError(t, tr.SetRecipient("second@example.com"))
	tr.Wait()

	st := tr.Status()
	assert.Equal(t, "second@example.com", st.Recipient)
	assert.Equal(t, models.NotifyIdle, st.State, "stale result must not overwrite the new recipient's state")
	assert.Empty(t, st.LastError)
}

func TestSendTimeoutIsRetryable(t *testing.T) {
	s := &fakeSender{block: make(chan struct{})}
	f := newFeed()
	push(f, 60)
	tr := NewTrigger(TriggerConfig{
		Threshold:   50,
		AutoEnabled: true,
		Timeout:     20 * time.Millisecond,
		Recipient:   "invigilator@example.com",
	}, s, NewReportBuilder(nil), f, logger.Discard())
	defer tr.Close()

	tr.Observe(60)
	tr.Wait()

	st := tr.Status()
	assert.Equal(t, models.NotifyFailed, st.State)
	assert.True(t, st.Retryable)
}

func TestAutoDisabledNeverSendsOnItsOwn(t *testing.T) {
	s := &fakeSender{}
	f := newFeed()
	push(f, 60)
	tr := NewTrigger(TriggerConfig{Threshold: 50, Recipient: "invigilator@example.com"},
		s, NewReportBuilder(nil), f, logger.Discard())
	defer tr.Close()

	tr.Observe(60)
	tr.Wait()
	assert.Equal(t, 0, s.count())
}

func TestStatusHooksSeeEveryTransition(t *testing.T) {
	s := &fakeSender{block: make(chan struct{})}
	f := newFeed()
	push(f, 60)
	tr := newTrigger(s, f, "invigilator@example.com")
	defer tr.Close()

	var mu sync.Mutex
	var states []models.NotificationState
	tr.OnStatus(func(st models.NotificationStatus) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})
	results := make(chan Result, 1)
	tr.OnResult(func(r Result) { results <- r })

	tr.Observe(60)
	close(s.block)
	tr.Wait()

	mu.Lock()
	assert.Equal(t, []models.NotificationState{models.NotifySending, models.NotifySent}, states)
	mu.Unlock()

	r := <-results
	assert.NoError(t, r.Err)
	assert.Equal(t, 1, r.Report.TotalIncidents)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(&SendError{Retryable: true}))
	assert.False(t, IsRetryable(&SendError{StatusCode: 401}))
	assert.False(t, IsRetryable(errors.New("boom")))
}
