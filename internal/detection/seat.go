package detection

import (
	"fmt"

	"ExamShieldAPI/internal/models"
)

// SeatResolver fills in seats the backend did not supply. Placeholders are
// handed out in candidate order as A1, B1 ... Z1, A2 ..., skipping any label
// the backend already used in the same frame, so two observations never
// share a seat unless the upstream data said so.
type SeatResolver struct{}

func NewSeatResolver() *SeatResolver {
	return &SeatResolver{}
}

// Resolve returns a copy of cands with every seat populated.
func (r *SeatResolver) Resolve(cands []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, len(cands))
	copy(out, cands)

	taken := make(map[string]bool, len(out))
	for _, c := range out {
		if c.Seat != "" {
			taken[c.Seat] = true
		}
	}

	next := 0
	for i := range out {
		if out[i].Seat != "" {
			continue
		}
		label := placeholder(next)
		next++
		for taken[label] {
			label = placeholder(next)
			next++
		}
		taken[label] = true
		out[i].Seat = label
	}
	return out
}

func placeholder(n int) string {
	return fmt.Sprintf("%c%d", 'A'+rune(n%26), n/26+1)
}
