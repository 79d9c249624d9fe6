package feed

import (
	"sort"
	"time"

	"ExamShieldAPI/internal/models"
)

// GroupedBySeat returns one group per seat, ordered by seat label. History
// is newest first and Latest is its first element.
func (f *Feed) GroupedBySeat() []models.SeatGroup {
	f.mu.RLock()
	defer f.mu.RUnlock()

	index := make(map[string]int)
	var groups []models.SeatGroup
	for _, inc := range f.items {
		i, ok := index[inc.Seat]
		if !ok {
			i = len(groups)
			index[inc.Seat] = i
			groups = append(groups, models.SeatGroup{Seat: inc.Seat, Latest: inc})
		}
		g := &groups[i]
		g.Count++
		g.TotalSeverity += inc.Severity
		g.History = append(g.History, inc)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Seat < groups[j].Seat })
	return groups
}

// GroupedByType returns one group per kind present, in models.AllKinds order.
func (f *Feed) GroupedByType() []models.TypeGroup {
	f.mu.RLock()
	defer f.mu.RUnlock()

	byKind := make(map[models.Kind]*models.TypeGroup)
	for _, inc := range f.items {
		g, ok := byKind[inc.Kind]
		if !ok {
			g = &models.TypeGroup{Kind: inc.Kind, Latest: inc}
			byKind[inc.Kind] = g
		}
		g.Count++
	}

	groups := make([]models.TypeGroup, 0, len(byKind))
	for _, k := range models.AllKinds {
		if g, ok := byKind[k]; ok {
			groups = append(groups, *g)
		}
	}
	return groups
}

// TopBySeat returns up to limit seat groups by summed severity, highest
// first. Ties go to the seat with the most recent observation, then to the
// lower seat label.
func (f *Feed) TopBySeat(limit int) []models.SeatGroup {
	groups := f.GroupedBySeat()

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.TotalSeverity != b.TotalSeverity {
			return a.TotalSeverity > b.TotalSeverity
		}
		la, lb := latestObserved(a), latestObserved(b)
		if !la.Equal(lb) {
			return la.After(lb)
		}
		return a.Seat < b.Seat
	})

	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups
}

// KindCounts counts retained incidents per kind.
func (f *Feed) KindCounts() map[models.Kind]int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	counts := make(map[models.Kind]int)
	for _, inc := range f.items {
		counts[inc.Kind]++
	}
	return counts
}

func latestObserved(g models.SeatGroup) time.Time {
	var latest time.Time
	for _, inc := range g.History {
		if inc.ObservedAt.After(latest) {
			latest = inc.ObservedAt
		}
	}
	return latest
}
