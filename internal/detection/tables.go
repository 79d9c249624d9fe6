package detection

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"ExamShieldAPI/internal/models"

	"gopkg.in/yaml.v3"
)

// LevelCuts are the minimum severities for each level. A severity below Low
// is STABLE.
type LevelCuts struct {
	Critical int `yaml:"critical" json:"critical"`
	High     int `yaml:"high" json:"high"`
	Medium   int `yaml:"medium" json:"medium"`
	Low      int `yaml:"low" json:"low"`
}

// Tables is the static scoring configuration. It is loaded once at startup
// and never mutated afterwards.
type Tables struct {
	Severity         map[models.Kind]int    `yaml:"severity" json:"severity"`
	Deduction        map[models.Kind]int    `yaml:"deduction" json:"deduction"`
	Classes          map[string]models.Kind `yaml:"classes" json:"classes"`
	Behaviors        map[string]models.Kind `yaml:"behaviors" json:"behaviors"`
	Levels           LevelCuts              `yaml:"levels" json:"levels"`
	DefaultSeverity  int                    `yaml:"default_severity" json:"default_severity"`
	DefaultDeduction int                    `yaml:"default_deduction" json:"default_deduction"`
}

func DefaultTables() Tables {
	return Tables{
		Severity: map[models.Kind]int{
			models.KindPhone:          30,
			models.KindChit:           25,
			models.KindTextbook:       30,
			models.KindNotebook:       25,
			models.KindDevice:         20,
			models.KindHeadTurn:       15,
			models.KindLeaning:        10,
			models.KindMultiplePeople: 20,
			models.KindNoPerson:       15,
		},
		Deduction: map[models.Kind]int{
			models.KindPhone:          15,
			models.KindChit:           15,
			models.KindTextbook:       15,
			models.KindNotebook:       15,
			models.KindDevice:         15,
			models.KindHeadTurn:       12,
			models.KindLeaning:        5,
			models.KindMultiplePeople: 10,
			models.KindNoPerson:       5,
		},
		Classes: map[string]models.Kind{
			"cell phone": models.KindPhone,
			"phone":      models.KindPhone,
			"book":       models.KindTextbook,
			"textbook":   models.KindTextbook,
			"notebook":   models.KindNotebook,
			"chit":       models.KindChit,
			"paper":      models.KindChit,
			"laptop":     models.KindDevice,
			"remote":     models.KindDevice,
			"keyboard":   models.KindDevice,
			"mouse":      models.KindDevice,
			"tv":         models.KindDevice,
		},
		Behaviors: map[string]models.Kind{
			"HEAD_TURN":       models.KindHeadTurn,
			"LOOKING_AWAY":    models.KindHeadTurn,
			"LOOKING_DOWN":    models.KindLeaning,
			"PROXIMITY_ALERT": models.KindMultiplePeople,
			"MULTIPLE_PEOPLE": models.KindMultiplePeople,
			"NO_PERSON":       models.KindNoPerson,
		},
		Levels: LevelCuts{
			Critical: 45,
			High:     30,
			Medium:   20,
			Low:      1,
		},
		DefaultSeverity:  15,
		DefaultDeduction: 5,
	}
}

// LoadTables reads a YAML file and overlays it onto DefaultTables. Map
// entries and level cut points present in the file replace the default for
// that key; anything the file leaves out keeps its default.
func LoadTables(path string) (Tables, error) {
	t := DefaultTables()
	if path == "" {
		return t, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("failed to read scoring tables: %w", err)
	}

	var overlay Tables
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Tables{}, fmt.Errorf("failed to parse scoring tables %s: %w", path, err)
	}

	for k, v := range overlay.Severity {
		t.Severity[k] = v
	}
	for k, v := range overlay.Deduction {
		t.Deduction[k] = v
	}
	for k, v := range overlay.Classes {
		t.Classes[strings.ToLower(k)] = v
	}
	for k, v := range overlay.Behaviors {
		t.Behaviors[strings.ToUpper(k)] = v
	}
	if overlay.Levels.Low != 0 {
		t.Levels.Low = overlay.Levels.Low
	}
	if overlay.Levels.Medium != 0 {
		t.Levels.Medium = overlay.Levels.Medium
	}
	if overlay.Levels.High != 0 {
		t.Levels.High = overlay.Levels.High
	}
	if overlay.Levels.Critical != 0 {
		t.Levels.Critical = overlay.Levels.Critical
	}
	if overlay.DefaultSeverity != 0 {
		t.DefaultSeverity = overlay.DefaultSeverity
	}
	if overlay.DefaultDeduction != 0 {
		t.DefaultDeduction = overlay.DefaultDeduction
	}

	return t, nil
}

// Validate rejects tables that would corrupt scoring: unknown kinds,
// negative points and non-increasing level cut points.
func (t Tables) Validate() error {
	var problems []string

	for _, k := range sortedKinds(t.Severity) {
		if !k.Valid() {
			problems = append(problems, fmt.Sprintf("severity table references unknown kind %q", k))
		} else if t.Severity[k] < 0 {
			problems = append(problems, fmt.Sprintf("severity for %s must be >= 0", k))
		}
	}
	for _, k := range sortedKinds(t.Deduction) {
		if !k.Valid() {
			problems = append(problems, fmt.Sprintf("deduction table references unknown kind %q", k))
		} else if t.Deduction[k] < 0 {
			problems = append(problems, fmt.Sprintf("deduction for %s must be >= 0", k))
		}
	}
	for class, k := range t.Classes {
		if !k.Valid() {
			problems = append(problems, fmt.Sprintf("class %q maps to unknown kind %q", class, k))
		}
	}
	for behavior, k := range t.Behaviors {
		if !k.Valid() {
			problems = append(problems, fmt.Sprintf("behavior %q maps to unknown kind %q", behavior, k))
		}
	}

	lv := t.Levels
	if lv.Low < 1 || lv.Medium <= lv.Low || lv.High <= lv.Medium || lv.Critical <= lv.High {
		problems = append(problems, fmt.Sprintf(
			"level cut points must satisfy 1 <= low < medium < high < critical (got %d/%d/%d/%d)",
			lv.Low, lv.Medium, lv.High, lv.Critical))
	}
	if t.DefaultSeverity < 0 || t.DefaultDeduction < 0 {
		problems = append(problems, "default severity and deduction must be >= 0")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid scoring tables:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// SeverityOf returns the points for k, or the baseline when k has no entry.
func (t Tables) SeverityOf(k models.Kind) int {
	if v, ok := t.Severity[k]; ok {
		return v
	}
	return t.DefaultSeverity
}

func (t Tables) DeductionOf(k models.Kind) int {
	if v, ok := t.Deduction[k]; ok {
		return v
	}
	return t.DefaultDeduction
}

// LevelOf is monotonic in severity.
func (t Tables) LevelOf(severity int) models.Level {
	switch {
	case severity >= t.Levels.Critical:
		return models.LevelCritical
	case severity >= t.Levels.High:
		return models.LevelHigh
	case severity >= t.Levels.Medium:
		return models.LevelMedium
	case severity >= t.Levels.Low:
		return models.LevelLow
	default:
		return models.LevelStable
	}
}

// KindForClass maps a raw detector class. Unrecognized classes are DEVICE.
func (t Tables) KindForClass(class string) models.Kind {
	if k, ok := t.Classes[strings.ToLower(strings.TrimSpace(class))]; ok {
		return k
	}
	return models.KindDevice
}

func (t Tables) KindForBehavior(behavior string) (models.Kind, bool) {
	k, ok := t.Behaviors[strings.ToUpper(strings.TrimSpace(behavior))]
	return k, ok
}

func sortedKinds(m map[models.Kind]int) []models.Kind {
	out := make([]models.Kind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
