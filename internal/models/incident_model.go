package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of violation/behavior types an Incident can carry.
type Kind string

const (
	KindPhone          Kind = "PHONE"
	KindChit           Kind = "CHIT"
	KindTextbook       Kind = "TEXTBOOK"
	KindNotebook       Kind = "NOTEBOOK"
	KindDevice         Kind = "DEVICE"
	KindHeadTurn       Kind = "HEAD_TURN"
	KindLeaning        Kind = "LEANING"
	KindMultiplePeople Kind = "MULTIPLE_PEOPLE"
	KindNoPerson       Kind = "NO_PERSON"
)

// AllKinds lists every Kind in a stable order.
var AllKinds = []Kind{
	KindPhone,
	KindChit,
	KindTextbook,
	KindNotebook,
	KindDevice,
	KindHeadTurn,
	KindLeaning,
	KindMultiplePeople,
	KindNoPerson,
}

var kindLabels = map[Kind]string{
	KindPhone:          "Mobile Phone",
	KindChit:           "Chit / Paper Note",
	KindTextbook:       "Textbook",
	KindNotebook:       "Notebook",
	KindDevice:         "Electronic Device",
	KindHeadTurn:       "Head Turn",
	KindLeaning:        "Looking Down",
	KindMultiplePeople: "Multiple People",
	KindNoPerson:       "No Person Detected",
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kindLabels[k]
	return ok
}

// Label is the human readable name used in reports.
func (k Kind) Label() string {
	if l, ok := kindLabels[k]; ok {
		return l
	}
	return string(k)
}

// ParseKind accepts any casing and surrounding whitespace.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown incident kind %q", s)
	}
	return k, nil
}

// Level is the ordinal derived from an incident's severity.
type Level int

const (
	LevelStable Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = map[Level]string{
	LevelStable:   "STABLE",
	LevelLow:      "LOW",
	LevelMedium:   "MEDIUM",
	LevelHigh:     "HIGH",
	LevelCritical: "CRITICAL",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return "UNKNOWN"
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	for lv, name := range levelNames {
		if name == s {
			*l = lv
			return nil
		}
	}
	return fmt.Errorf("unknown level %q", string(b))
}

// Candidate is a normalized detection that has not yet been stored.
// It carries no id and no evidence.
type Candidate struct {
	ObservedAt  time.Time `json:"observed_at"`
	Kind        Kind      `json:"kind"`
	Seat        string    `json:"seat"`
	Confidence  float64   `json:"confidence"`
	Severity    int       `json:"severity"`
	Level       Level     `json:"level"`
	Description string    `json:"description"`
	// Source names the raw class or behavior type the candidate came from.
	Source string `json:"source"`
}

// Incident is one recorded violation in a session feed.
type Incident struct {
	ID          string    `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	ObservedAt  time.Time `json:"observed_at" db:"observed_at"`
	Kind        Kind      `json:"kind" db:"kind"`
	Seat        string    `json:"seat" db:"seat"`
	Confidence  float64   `json:"confidence" db:"confidence"`
	Severity    int       `json:"severity" db:"severity"`
	Level       Level     `json:"level" db:"level"`
	Description string    `json:"description" db:"description"`
	Source      string    `json:"source" db:"source"`
	Evidence    string    `json:"evidence,omitempty" db:"evidence"`
}

// HasEvidence reports whether a frame was captured for this incident.
func (i Incident) HasEvidence() bool {
	return i.Evidence != ""
}

// SeatGroup is the per-seat view over the feed.
type SeatGroup struct {
	Seat          string     `json:"seat"`
	Latest        Incident   `json:"latest"`
	Count         int        `json:"count"`
	TotalSeverity int        `json:"total_severity"`
	History       []Incident `json:"history"`
}

// TypeGroup is the per-kind view over the feed.
type TypeGroup struct {
	Kind   Kind     `json:"kind"`
	Latest Incident `json:"latest"`
	Count  int      `json:"count"`
}

// ScoreUpdate is emitted whenever the aggregate totals change.
type ScoreUpdate struct {
	SessionID      string    `json:"session_id"`
	TotalSeverity  int       `json:"total_severity"`
	IntegrityScore int       `json:"integrity_score"`
	IncidentCount  int       `json:"incident_count"`
	Threshold      int       `json:"threshold"`
	UpdatedAt      time.Time `json:"updated_at"`
}
