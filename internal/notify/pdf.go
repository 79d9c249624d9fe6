package notify

import (
	"bytes"
	"fmt"

	"ExamShieldAPI/internal/models"

	"github.com/jung-kurt/gofpdf"
)

// PDFRenderer lays a report out as a single A4 document.
type PDFRenderer struct {
	Title string
}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{Title: "ExamShield Exam Violation Report"}
}

var pdfColumns = []struct {
	header string
	width  float64
}{
	{"Time", 22},
	{"Violation", 44},
	{"Seat", 18},
	{"Level", 24},
	{"Conf.", 18},
	{"Points", 18},
	{"Description", 46},
}

func (p *PDFRenderer) Render(r *models.Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(p.Title, true)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(108, 92, 231)
	pdf.CellFormat(0, 10, tr(p.Title), "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(99, 110, 114)
	pdf.CellFormat(0, 6, tr(fmt.Sprintf("Session %s | generated %s | trigger %s",
		r.SessionID, r.GeneratedAt.Format("2006-01-02 15:04:05"), r.Trigger)), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetTextColor(45, 52, 54)
	pdf.SetFont("Arial", "B", 11)
	summary := []struct {
		label string
		value int
	}{
		{"Total violations", r.TotalIncidents},
		{"Severity points", r.TotalSeverity},
		{"Seats flagged", r.DistinctSeats},
		{"High severity", r.HighOrCritical},
		{"Integrity score", r.IntegrityScore},
	}
	for _, s := range summary {
		pdf.CellFormat(50, 7, s.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(20, 7, fmt.Sprintf("%d", s.value), "", 1, "R", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(245, 240, 235)
	for _, c := range pdfColumns {
		pdf.CellFormat(c.width, 7, c.header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, inc := range r.Incidents {
		desc := inc.Description
		if runes := []rune(desc); len(runes) > 40 {
			desc = string(runes[:37]) + "..."
		}
		cells := []string{
			inc.ObservedAt.Format("15:04:05"),
			inc.Kind.Label(),
			inc.Seat,
			inc.Level.String(),
			fmt.Sprintf("%.0f%%", inc.Confidence*100),
			fmt.Sprintf("+%d", inc.Severity),
			desc,
		}
		for i, c := range pdfColumns {
			align := "C"
			if i == 1 || i == 6 {
				align = "L"
			}
			pdf.CellFormat(c.width, 6, tr(cells[i]), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
