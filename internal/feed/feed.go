package feed

import (
	"sort"
	"sync"

	"ExamShieldAPI/internal/detection"
	"ExamShieldAPI/internal/models"

	"github.com/google/uuid"
)

const DefaultCapacity = 50

// Feed is the bounded incident store of one session. The newest incident is
// at index 0; when the feed is full the entry at the tail (the oldest by
// insertion) is evicted. totalSeverity always equals the sum over the
// retained entries.
type Feed struct {
	mu            sync.RWMutex
	sessionID     string
	capacity      int
	tables        detection.Tables
	items         []models.Incident
	totalSeverity int
	newID         func() string
}

type Option func(*Feed)

// WithIDGenerator replaces the uuid generator, used by tests.
func WithIDGenerator(fn func() string) Option {
	return func(f *Feed) {
		f.newID = fn
	}
}

func New(sessionID string, capacity int, tables detection.Tables, opts ...Option) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	f := &Feed{
		sessionID: sessionID,
		capacity:  capacity,
		tables:    tables,
		items:     make([]models.Incident, 0, capacity),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Append stores inc at the head and returns it with its id assigned, plus
// the entry evicted to make room, if any.
func (f *Feed) Append(inc models.Incident) (models.Incident, *models.Incident) {
	added, evicted := f.AppendBatch([]models.Incident{inc})
	var ev *models.Incident
	if len(evicted) > 0 {
		ev = &evicted[0]
	}
	return added[0], ev
}

// AppendBatch stores incs under a single lock, in order, so a frame's
// incidents land together or not at all. The last element of incs ends up
// at the head.
func (f *Feed) AppendBatch(incs []models.Incident) ([]models.Incident, []models.Incident) {
	if len(incs) == 0 {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	added := make([]models.Incident, len(incs))
	for i, inc := range incs {
		inc.ID = f.newID()
		inc.SessionID = f.sessionID
		added[i] = inc
	}

	var evicted []models.Incident
	for _, inc := range added {
		if len(f.items) == f.capacity {
			old := f.items[len(f.items)-1]
			f.items = f.items[:len(f.items)-1]
			f.totalSeverity -= old.Severity
			evicted = append(evicted, old)
		}
		f.items = append(f.items, models.Incident{})
		copy(f.items[1:], f.items[:len(f.items)-1])
		f.items[0] = inc
		f.totalSeverity += inc.Severity
	}

	return added, evicted
}

// Snapshot returns the feed in canonical order, newest first.
func (f *Feed) Snapshot() []models.Incident {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]models.Incident, len(f.items))
	copy(out, f.items)
	return out
}

// SortedByObserved returns a copy ordered by observedAt descending. Ties
// keep canonical order, so repeated calls agree.
func (f *Feed) SortedByObserved() []models.Incident {
	out := f.Snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.After(out[j].ObservedAt)
	})
	return out
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

func (f *Feed) Capacity() int {
	return f.capacity
}

func (f *Feed) SessionID() string {
	return f.sessionID
}

func (f *Feed) TotalSeverity() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalSeverity
}

// IntegrityScore is 100 minus the deductions of the retained incidents,
// clamped to [0, 100].
func (f *Feed) IntegrityScore() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.integrityLocked()
}

func (f *Feed) integrityLocked() int {
	score := 100
	for _, inc := range f.items {
		score -= f.tables.DeductionOf(inc.Kind)
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Totals reads count, total severity and integrity under one lock.
func (f *Feed) Totals() (count, totalSeverity, integrity int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items), f.totalSeverity, f.integrityLocked()
}

// SnapshotTotals returns a copy of the feed together with the totals of
// exactly those incidents.
func (f *Feed) SnapshotTotals() (items []models.Incident, totalSeverity, integrity int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	items = make([]models.Incident, len(f.items))
	copy(items, f.items)
	return items, f.totalSeverity, f.integrityLocked()
}
