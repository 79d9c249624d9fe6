package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"
	"ExamShieldAPI/internal/vision"
)

var ErrAlreadyRunning = errors.New("polling is already running")

// Poll outcomes reported to OnPoll.
const (
	OutcomeFrame     = "frame"
	OutcomeEmpty     = "empty"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

type FrameSource interface {
	FetchLatest(ctx context.Context) (*models.RawFrame, error)
}

// FrameHandler processes one frame to completion before the next poll.
type FrameHandler func(ctx context.Context, frame *models.RawFrame) error

type Stats struct {
	Running    bool      `json:"running"`
	Polls      uint64    `json:"polls"`
	Frames     uint64    `json:"frames"`
	Empty      uint64    `json:"empty"`
	Duplicates uint64    `json:"duplicates"`
	Errors     uint64    `json:"errors"`
	LastError  string    `json:"last_error,omitempty"`
	LastPollAt time.Time `json:"last_poll_at"`
}

// Driver polls the source on a fixed interval. The next poll is scheduled
// only after the previous fetch and its processing returned, so polls never
// overlap however slow the backend is.
type Driver struct {
	source   FrameSource
	handle   FrameHandler
	interval time.Duration
	log      *logger.Logger

	// OnPoll, when set, is told the outcome of every poll.
	OnPoll func(outcome string)

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastFrame int64
	stats     Stats
}

func NewDriver(source FrameSource, handle FrameHandler, interval time.Duration, log *logger.Logger) *Driver {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Driver{
		source:   source,
		handle:   handle,
		interval: interval,
		log:      log,
	}
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.lastFrame = 0
	d.stats.Running = true

	go d.loop(ctx, d.done)

	d.log.Info("Polling started (every %s)", d.interval)
	return nil
}

// Stop cancels the timer and waits for an in-flight poll to return. It is
// a no-op when the driver is not running.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	d.mu.Lock()
	if d.done == done && d.cancel != nil {
		d.cancel = nil
		d.stats.Running = false
		d.log.Info("Polling stopped")
	}
	d.mu.Unlock()
}

func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Driver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.poll(ctx)
		timer.Reset(d.interval)
	}
}

func (d *Driver) poll(ctx context.Context) {
	frame, err := d.source.FetchLatest(ctx)

	d.mu.Lock()
	d.stats.Polls++
	d.stats.LastPollAt = time.Now()
	d.mu.Unlock()

	switch {
	case errors.Is(err, vision.ErrNoFrame):
		d.record(OutcomeEmpty, nil)
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		d.log.Warn("Poll failed: %v", err)
		d.record(OutcomeError, err)
		return
	case frame == nil:
		d.record(OutcomeEmpty, nil)
		return
	}

	d.mu.Lock()
	dup := frame.FrameNumber > 0 && frame.FrameNumber == d.lastFrame
	if !dup {
		d.lastFrame = frame.FrameNumber
	}
	d.mu.Unlock()

	if dup {
		d.record(OutcomeDuplicate, nil)
		return
	}

	if err := d.handle(ctx, frame); err != nil {
		d.log.Error("Failed to process frame %d: %v", frame.FrameNumber, err)
		d.record(OutcomeError, err)
		return
	}
	d.record(OutcomeFrame, nil)
}

func (d *Driver) record(outcome string, err error) {
	d.mu.Lock()
	switch outcome {
	case OutcomeFrame:
		d.stats.Frames++
		d.stats.LastError = ""
	case OutcomeEmpty:
		d.stats.Empty++
	case OutcomeDuplicate:
		d.stats.Duplicates++
	case OutcomeError:
		d.stats.Errors++
		d.stats.LastError = err.Error()
	}
	hook := d.OnPoll
	d.mu.Unlock()

	if hook != nil {
		hook(outcome)
	}
}
