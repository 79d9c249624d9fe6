package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"ExamShieldAPI/internal/models"
)

// ReportInput is the feed state a report is built from.
type ReportInput struct {
	SessionID      string
	Recipient      string
	Trigger        string
	Incidents      []models.Incident
	TotalSeverity  int
	IntegrityScore int
	Threshold      int
}

type ReportBuilder struct {
	pdf *PDFRenderer
	now func() time.Time
}

// NewReportBuilder returns a builder. A nil renderer disables the PDF
// attachment.
func NewReportBuilder(pdf *PDFRenderer) *ReportBuilder {
	return &ReportBuilder{pdf: pdf, now: time.Now}
}

func (b *ReportBuilder) Build(in ReportInput) (*models.Report, error) {
	incidents := make([]models.Incident, len(in.Incidents))
	copy(incidents, in.Incidents)
	sort.SliceStable(incidents, func(i, j int) bool {
		return incidents[i].ObservedAt.After(incidents[j].ObservedAt)
	})

	seats := make(map[string]bool)
	kinds := make(map[models.Kind]int)
	high := 0
	for _, inc := range incidents {
		seats[inc.Seat] = true
		kinds[inc.Kind]++
		if inc.Level >= models.LevelHigh {
			high++
		}
	}

	r := &models.Report{
		SessionID:      in.SessionID,
		Recipients:     []string{in.Recipient},
		Trigger:        in.Trigger,
		GeneratedAt:    b.now(),
		Incidents:      incidents,
		TotalIncidents: len(incidents),
		TotalSeverity:  in.TotalSeverity,
		DistinctSeats:  len(seats),
		HighOrCritical: high,
		KindCounts:     kinds,
		IntegrityScore: in.IntegrityScore,
		Threshold:      in.Threshold,
	}
	r.Subject = fmt.Sprintf("Exam Violation Report: %d violations, %d severity points", r.TotalIncidents, r.TotalSeverity)
	r.TextBody = textBody(r)

	html, err := htmlBody(r)
	if err != nil {
		return nil, err
	}
	r.HTMLBody = html

	if b.pdf != nil {
		content, err := b.pdf.Render(r)
		if err != nil {
			return nil, fmt.Errorf("failed to render report PDF: %w", err)
		}
		r.Attachment = &models.Attachment{
			Name:    fmt.Sprintf("examshield-report-%s.pdf", r.GeneratedAt.Format("20060102-150405")),
			Content: content,
		}
	}

	return r, nil
}

type kindCount struct {
	Label string
	Count int
}

// sortedKindCounts orders by count descending, then by kind order.
func sortedKindCounts(counts map[models.Kind]int) []kindCount {
	var out []kindCount
	for _, k := range models.AllKinds {
		if n := counts[k]; n > 0 {
			out = append(out, kindCount{Label: k.Label(), Count: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func textBody(r *models.Report) string {
	var sb strings.Builder

	sb.WriteString("ExamShield Exam Violation Report\n")
	fmt.Fprintf(&sb, "Session:          %s\n", r.SessionID)
	fmt.Fprintf(&sb, "Generated:        %s\n", r.GeneratedAt.Format(time.RFC1123))
	fmt.Fprintf(&sb, "Trigger:          %s\n\n", r.Trigger)
	fmt.Fprintf(&sb, "Total violations: %d\n", r.TotalIncidents)
	fmt.Fprintf(&sb, "Severity points:  %d (threshold %d)\n", r.TotalSeverity, r.Threshold)
	fmt.Fprintf(&sb, "Seats flagged:    %d\n", r.DistinctSeats)
	fmt.Fprintf(&sb, "High severity:    %d\n", r.HighOrCritical)
	fmt.Fprintf(&sb, "Integrity score:  %d/100\n", r.IntegrityScore)

	sb.WriteString("\nDetected violations:\n")
	for _, kc := range sortedKindCounts(r.KindCounts) {
		fmt.Fprintf(&sb, "  %-20s %d\n", kc.Label, kc.Count)
	}

	sb.WriteString("\nComplete violation log:\n")
	for _, inc := range r.Incidents {
		fmt.Fprintf(&sb, "  [%s] %-20s seat %-6s %-8s %3.0f%%  +%d  %s\n",
			inc.ObservedAt.Format("15:04:05"), inc.Kind.Label(), inc.Seat, inc.Level,
			inc.Confidence*100, inc.Severity, inc.Description)
	}

	return sb.String()
}

var levelColors = map[models.Level]string{
	models.LevelCritical: "#EA2027",
	models.LevelHigh:     "#FF6B6B",
	models.LevelMedium:   "#FFA502",
	models.LevelLow:      "#6C5CE7",
	models.LevelStable:   "#00B894",
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"label":   func(k models.Kind) string { return k.Label() },
	"color":   func(l models.Level) string { return levelColors[l] },
	"percent": func(c float64) string { return fmt.Sprintf("%.0f%%", c*100) },
	"clock":   func(t time.Time) string { return t.Format("15:04:05") },
}).Parse(`<div style="font-family:'Segoe UI',Arial,sans-serif;max-width:700px;margin:0 auto;background:#F5F0EB;padding:24px;">
  <div style="background:#6C5CE7;border-radius:16px;padding:28px 32px;margin-bottom:20px;">
    <h1 style="color:white;margin:0;font-size:22px;">Exam Violation Report</h1>
    <p style="color:#EEE;margin:6px 0 0;font-size:13px;">ExamShield Proctoring System &bull; {{.Report.GeneratedAt.Format "2006-01-02 15:04:05"}}</p>
  </div>
  <table style="width:100%;background:white;border-radius:12px;margin-bottom:16px;">
    <tr>
      <td style="text-align:center;padding:8px;"><div style="font-size:28px;font-weight:700;color:#FF6B6B;">{{.Report.TotalIncidents}}</div><div style="font-size:10px;color:#636E72;">TOTAL VIOLATIONS</div></td>
      <td style="text-align:center;padding:8px;"><div style="font-size:28px;font-weight:700;color:#6C5CE7;">{{.Report.TotalSeverity}}</div><div style="font-size:10px;color:#636E72;">SEVERITY POINTS</div></td>
      <td style="text-align:center;padding:8px;"><div style="font-size:28px;font-weight:700;color:#2D3436;">{{.Report.DistinctSeats}}</div><div style="font-size:10px;color:#636E72;">SEATS FLAGGED</div></td>
      <td style="text-align:center;padding:8px;"><div style="font-size:28px;font-weight:700;color:#EA2027;">{{.Report.HighOrCritical}}</div><div style="font-size:10px;color:#636E72;">HIGH SEVERITY</div></td>
      <td style="text-align:center;padding:8px;"><div style="font-size:28px;font-weight:700;color:#00B894;">{{.Report.IntegrityScore}}</div><div style="font-size:10px;color:#636E72;">INTEGRITY</div></td>
    </tr>
  </table>
  <div style="background:white;border-radius:12px;padding:16px 20px;margin-bottom:16px;">
    {{range .Kinds}}<span style="display:inline-block;background:#F5F0EB;border-radius:6px;padding:4px 10px;margin:2px 4px;font-size:12px;font-weight:600;">{{.Label}}: <strong>{{.Count}}</strong></span>{{end}}
  </div>
  <table style="width:100%;border-collapse:collapse;background:white;">
    <thead>
      <tr style="background:#F5F0EB;font-size:10px;color:#636E72;">
        <th style="padding:10px 12px;text-align:left;">VIOLATION</th><th>SEAT</th><th>LEVEL</th><th>CONF.</th><th>POINTS</th><th>TIME</th>
      </tr>
    </thead>
    <tbody>
    {{range .Report.Incidents}}
      <tr>
        <td style="padding:10px 12px;font-size:13px;"><strong>{{label .Kind}}</strong></td>
        <td style="text-align:center;font-size:13px;"><strong>{{.Seat}}</strong></td>
        <td style="text-align:center;font-size:11px;font-weight:700;color:{{color .Level}};">{{.Level}}</td>
        <td style="text-align:center;font-size:13px;">{{percent .Confidence}}</td>
        <td style="text-align:center;font-size:13px;font-weight:600;color:#FF6B6B;">+{{.Severity}}</td>
        <td style="font-size:12px;color:#636E72;">{{clock .ObservedAt}}</td>
      </tr>
      <tr><td colspan="6" style="padding:4px 12px 10px 12px;border-bottom:1px solid #E8E2DC;font-size:11px;color:#636E72;">{{.Description}}</td></tr>
    {{end}}
    </tbody>
  </table>
  <p style="font-size:12px;color:#636E72;text-align:center;">This is an automated alert from ExamShield Proctoring System.</p>
</div>`))

func htmlBody(r *models.Report) (string, error) {
	var buf bytes.Buffer
	err := reportTemplate.Execute(&buf, struct {
		Report *models.Report
		Kinds  []kindCount
	}{r, sortedKindCounts(r.KindCounts)})
	if err != nil {
		return "", fmt.Errorf("failed to render report HTML: %w", err)
	}
	return buf.String(), nil
}
