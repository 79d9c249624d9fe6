package evidence

import (
	"sync"
	"time"

	"ExamShieldAPI/internal/models"
)

type ledgerKey struct {
	kind models.Kind
	seat string
}

// Gate debounces evidence capture per (kind, seat). It only decides whether
// a frame is attached; incidents are recorded regardless.
type Gate struct {
	mu     sync.Mutex
	window time.Duration
	ledger map[ledgerKey]time.Time
}

func NewGate(window time.Duration) *Gate {
	return &Gate{
		window: window,
		ledger: make(map[ledgerKey]time.Time),
	}
}

// Admit reports whether evidence may be captured for the pair at now and,
// if so, records now as the last capture. Check and update happen under
// one lock.
func (g *Gate) Admit(kind models.Kind, seat string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := ledgerKey{kind: kind, seat: seat}
	if last, ok := g.ledger[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.ledger[key] = now
	return true
}

func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ledger)
}
