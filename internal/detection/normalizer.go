package detection

import (
	"fmt"
	"math"
	"time"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"

	"github.com/goccy/go-json"
)

// Result is the outcome of normalizing one frame.
type Result struct {
	Candidates []models.Candidate
	// Malformed counts observations that could not be decoded or lacked
	// required fields.
	Malformed int
	// Filtered counts observations dropped by the confidence floor or the
	// exclusion list.
	Filtered int
}

// Normalizer turns raw detector output into incident candidates. It holds
// no mutable state; Normalize is safe for concurrent use.
type Normalizer struct {
	tables   Tables
	floor    float64
	excluded map[models.Kind]bool
	log      *logger.Logger
}

func NewNormalizer(tables Tables, confidenceFloor float64, excluded []models.Kind, log *logger.Logger) *Normalizer {
	ex := make(map[models.Kind]bool, len(excluded))
	for _, k := range excluded {
		ex[k] = true
	}
	return &Normalizer{
		tables:   tables,
		floor:    confidenceFloor,
		excluded: ex,
		log:      log,
	}
}

func (n *Normalizer) Tables() Tables {
	return n.tables
}

// Normalize maps every item and behavior observation of frame to at most one
// candidate. Items come first, in input order, then behaviors. Seats are
// copied from the observation when the backend supplied one and are left
// empty otherwise.
func (n *Normalizer) Normalize(frame *models.RawFrame, observedAt time.Time) Result {
	var res Result
	if frame == nil {
		return res
	}

	for i, raw := range frame.ProhibitedItems {
		var obs models.ItemObservation
		if err := json.Unmarshal(raw, &obs); err != nil {
			n.log.Debug("Skipping malformed item observation %d: %v", i, err)
			res.Malformed++
			continue
		}
		conf, ok := confidence(obs.Confidence)
		if !ok || (obs.Class == "" && obs.ExamType == "") {
			n.log.Debug("Skipping item observation %d: missing class or confidence", i)
			res.Malformed++
			continue
		}

		kind := n.kindForItem(obs)
		if !n.admit(kind, conf) {
			res.Filtered++
			continue
		}

		label := obs.Class
		if label == "" {
			label = obs.ExamType
		}
		res.Candidates = append(res.Candidates, n.candidate(kind, conf, obs.Seat, label, observedAt,
			fmt.Sprintf("%s detected with %.0f%% confidence", label, conf*100)))
	}

	for i, raw := range frame.Behaviors {
		var obs models.BehaviorObservation
		if err := json.Unmarshal(raw, &obs); err != nil {
			n.log.Debug("Skipping malformed behavior observation %d: %v", i, err)
			res.Malformed++
			continue
		}
		conf, ok := confidence(obs.Confidence)
		if !ok || obs.Type == "" {
			n.log.Debug("Skipping behavior observation %d: missing type or confidence", i)
			res.Malformed++
			continue
		}

		kind, known := n.tables.KindForBehavior(obs.Type)
		if !known {
			n.log.Debug("Skipping behavior observation %d: unknown type %q", i, obs.Type)
			res.Malformed++
			continue
		}
		if !n.admit(kind, conf) {
			res.Filtered++
			continue
		}

		res.Candidates = append(res.Candidates, n.candidate(kind, conf, obs.Seat, obs.Type, observedAt,
			describeBehavior(obs)))
	}

	return res
}

// FromAnalyzer converts single-image analyzer findings. The analyzer's own
// level and severity are ignored so scoring stays a function of kind.
func (n *Normalizer) FromAnalyzer(items []models.AnalyzerIncident, observedAt time.Time) Result {
	var res Result
	for i, item := range items {
		kind, err := models.ParseKind(item.Type)
		conf := item.Confidence
		if err != nil || math.IsNaN(conf) || conf < 0 {
			n.log.Debug("Skipping analyzer finding %d (%q): %v", i, item.Type, err)
			res.Malformed++
			continue
		}
		if conf > 1 {
			conf = 1
		}
		if !n.admit(kind, conf) {
			res.Filtered++
			continue
		}
		desc := item.Description
		if desc == "" {
			desc = fmt.Sprintf("%s reported by image analysis", kind.Label())
		}
		res.Candidates = append(res.Candidates, n.candidate(kind, conf, item.Seat, "analyzer", observedAt, desc))
	}
	return res
}

func (n *Normalizer) kindForItem(obs models.ItemObservation) models.Kind {
	if obs.ExamType != "" {
		if k, err := models.ParseKind(obs.ExamType); err == nil {
			return k
		}
	}
	return n.tables.KindForClass(obs.Class)
}

func (n *Normalizer) admit(kind models.Kind, conf float64) bool {
	return conf >= n.floor && !n.excluded[kind]
}

func (n *Normalizer) candidate(kind models.Kind, conf float64, seat, source string, at time.Time, desc string) models.Candidate {
	sev := n.tables.SeverityOf(kind)
	return models.Candidate{
		ObservedAt:  at,
		Kind:        kind,
		Seat:        seat,
		Confidence:  conf,
		Severity:    sev,
		Level:       n.tables.LevelOf(sev),
		Description: desc,
		Source:      source,
	}
}

// confidence rejects missing, NaN and negative values and clamps values
// above 1, which the detector produces after its confidence boosts.
func confidence(c *float64) (float64, bool) {
	if c == nil || math.IsNaN(*c) || *c < 0 {
		return 0, false
	}
	if *c > 1 {
		return 1, true
	}
	return *c, true
}

func describeBehavior(obs models.BehaviorObservation) string {
	switch obs.Type {
	case "HEAD_TURN":
		return fmt.Sprintf("Head turned away (yaw: %s°)", angle(obs.Yaw))
	case "LOOKING_AWAY":
		return fmt.Sprintf("Looking away (yaw: %s°)", angle(obs.Yaw))
	case "LOOKING_DOWN":
		return fmt.Sprintf("Looking down (pitch: %s°)", angle(obs.Pitch))
	case "PROXIMITY_ALERT":
		return "Students sitting too close together"
	case "NO_PERSON":
		return "No person detected in zone"
	default:
		return fmt.Sprintf("%s behavior detected", obs.Type)
	}
}

func angle(v *float64) string {
	if v == nil {
		return "?"
	}
	return fmt.Sprintf("%.0f", *v)
}
