// internal/models/models.go

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// RawFrame is one detection result as served by the vision backend.
// Observations stay undecoded so a single malformed entry can be skipped
// without losing the rest of the frame.
type RawFrame struct {
	FrameNumber     int64             `json:"frame_number"`
	Timestamp       float64           `json:"timestamp"`
	PersonCount     int               `json:"person_count"`
	ProhibitedItems []json.RawMessage `json:"prohibited_items"`
	Behaviors       []json.RawMessage `json:"behaviors"`

	// Image is the decoded JPEG the detections were computed on, if any.
	Image []byte `json:"-"`
}

type ItemObservation struct {
	Class      string    `json:"class"`
	ExamType   string    `json:"exam_type,omitempty"`
	Confidence *float64  `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
	Seat       string    `json:"seat,omitempty"`
}

type BehaviorObservation struct {
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence"`
	Yaw        *float64 `json:"yaw,omitempty"`
	Pitch      *float64 `json:"pitch,omitempty"`
	Distance   *float64 `json:"distance,omitempty"`
	Seat       string   `json:"seat,omitempty"`
}

// FrameEnvelope is the body of GET /webcam/frame and /stream/frame.
type FrameEnvelope struct {
	Frame     string    `json:"frame"`
	Result    *RawFrame `json:"result"`
	Timestamp float64   `json:"timestamp"`
}

type VisionHealth struct {
	Status          string  `json:"status"`
	ModelLoaded     bool    `json:"model_loaded"`
	MediapipeLoaded bool    `json:"mediapipe_loaded"`
	StreamActive    bool    `json:"stream_active"`
	WebcamActive    bool    `json:"webcam_active"`
	CurrentStream   *string `json:"current_stream"`
}

// AnalyzerIncident is one finding of the single-image analyzer.
type AnalyzerIncident struct {
	Type        string  `json:"type"`
	Seat        string  `json:"seat"`
	Level       string  `json:"level"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Severity    int     `json:"severity"`
}

type AnalyzerResult struct {
	Incidents             []AnalyzerIncident `json:"incidents"`
	OverallIntegrityScore int                `json:"overallIntegrityScore"`
	Stats                 map[string]int     `json:"stats"`
}

type AnalyzeRequest struct {
	Image  string `json:"image"`
	Ingest bool   `json:"ingest"`
}

type AnalyzeResponse struct {
	Result   *AnalyzerResult `json:"result"`
	Ingested []Incident      `json:"ingested,omitempty"`
}

// Notification trigger values.
const (
	TriggerAutomatic = "AUTOMATIC"
	TriggerManual    = "MANUAL"
)

// Report is the payload handed to a notification transport.
type Report struct {
	SessionID      string       `json:"session_id"`
	Recipients     []string     `json:"recipients"`
	Subject        string       `json:"subject"`
	Trigger        string       `json:"trigger"`
	GeneratedAt    time.Time    `json:"generated_at"`
	Incidents      []Incident   `json:"incidents"`
	TotalIncidents int          `json:"total_incidents"`
	TotalSeverity  int          `json:"total_severity"`
	DistinctSeats  int          `json:"distinct_seats"`
	HighOrCritical int          `json:"high_or_critical"`
	KindCounts     map[Kind]int `json:"kind_counts"`
	IntegrityScore int          `json:"integrity_score"`
	Threshold      int          `json:"threshold"`
	TextBody       string       `json:"text_body"`
	HTMLBody       string       `json:"-"`
	Attachment     *Attachment  `json:"-"`
}

type Attachment struct {
	Name    string
	Content []byte
}

type NotificationState string

const (
	NotifyIdle    NotificationState = "IDLE"
	NotifySending NotificationState = "SENDING"
	NotifySent    NotificationState = "SENT"
	NotifyFailed  NotificationState = "FAILED"
)

// NotificationStatus is the observable state of the notification trigger.
type NotificationStatus struct {
	Recipient                string            `json:"recipient"`
	State                    NotificationState `json:"state"`
	SentForThresholdCrossing bool              `json:"sent_for_threshold_crossing"`
	AutoEnabled              bool              `json:"auto_enabled"`
	Threshold                int               `json:"threshold"`
	LastTrigger              string            `json:"last_trigger,omitempty"`
	LastSentAt               *time.Time        `json:"last_sent_at,omitempty"`
	LastError                string            `json:"last_error,omitempty"`
	Retryable                bool              `json:"retryable"`
	Attempts                 int               `json:"attempts"`
	UpdatedAt                time.Time         `json:"updated_at"`
}

type RecipientRequest struct {
	Recipient string `json:"recipient"`
}

type ManualNotificationRequest struct {
	Recipient string `json:"recipient,omitempty"`
}

type StartPollingRequest struct {
	Source      string `json:"source,omitempty"`
	CameraIndex *int   `json:"camera_index,omitempty"`
}

const (
	SessionActive = "ACTIVE"
	SessionEnded  = "ENDED"
)

// SessionRecord is the persisted summary of a monitoring session.
type SessionRecord struct {
	ID             string     `json:"id" db:"id"`
	Status         string     `json:"status" db:"status"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at" db:"ended_at"`
	IncidentCount  int        `json:"incident_count" db:"incident_count"`
	TotalSeverity  int        `json:"total_severity" db:"total_severity"`
	IntegrityScore int        `json:"integrity_score" db:"integrity_score"`
}

type NotificationRecord struct {
	ID        int       `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Recipient string    `json:"recipient" db:"recipient"`
	Trigger   string    `json:"trigger" db:"trigger"`
	Subject   string    `json:"subject" db:"subject"`
	Status    string    `json:"status" db:"status"`
	Error     string    `json:"error" db:"error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// SessionSummary is the live view of the current session.
type SessionSummary struct {
	ID             string             `json:"id"`
	StartedAt      time.Time          `json:"started_at"`
	Polling        bool               `json:"polling"`
	IncidentCount  int                `json:"incident_count"`
	TotalSeverity  int                `json:"total_severity"`
	IntegrityScore int                `json:"integrity_score"`
	Capacity       int                `json:"capacity"`
	KindCounts     map[Kind]int       `json:"kind_counts"`
	Notification   NotificationStatus `json:"notification"`
	LastPollError  string             `json:"last_poll_error,omitempty"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  struct {
		Vision   bool `json:"vision"`
		Database bool `json:"database"`
		MQTT     bool `json:"mqtt"`
	} `json:"services"`
	VisionBreaker string   `json:"vision_breaker,omitempty"`
	Disabled      []string `json:"disabled,omitempty"`
}
