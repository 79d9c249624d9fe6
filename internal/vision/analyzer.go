package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ExamShieldAPI/internal/models"

	"github.com/goccy/go-json"
)

var ErrAnalyzerDisabled = errors.New("image analyzer is not configured")

const (
	DefaultAnalyzerBaseURL = "https://generativelanguage.googleapis.com"
	DefaultAnalyzerModel   = "gemini-2.5-flash"
)

type AnalyzerConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Analyzer sends a single image to a generative vision model and asks for
// structured proctoring findings.
type Analyzer struct {
	cfg  AnalyzerConfig
	http *http.Client
}

func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.Model == "" {
		cfg.Model = DefaultAnalyzerModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnalyzerBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Analyzer{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (a *Analyzer) Enabled() bool {
	return a != nil && a.cfg.APIKey != ""
}

const analyzerPrompt = `Perform a high-stakes exam proctoring analysis on this image.
Report every occurrence of: phones or tablets, chits or small slips of paper, textbooks,
notebooks, other electronic devices, sudden head turns, excessive leaning or looking down,
multiple people in one seat, and empty seats.
Use one of PHONE, CHIT, TEXTBOOK, NOTEBOOK, DEVICE, HEAD_TURN, LEANING, MULTIPLE_PEOPLE,
NO_PERSON as the incident type and a seat label such as B3 for its location.
Return an overall integrity score between 0 and 100 and per-type counts.`

type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inline_data,omitempty"`
}

type genInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type genRequest struct {
	Contents []struct {
		Parts []genPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string                 `json:"responseMimeType"`
		ResponseSchema   map[string]interface{} `json:"responseSchema"`
	} `json:"generationConfig"`
}

type genResponse struct {
	Candidates []struct {
		Content struct {
			Parts []genPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func analyzerSchema() map[string]interface{} {
	str := map[string]interface{}{"type": "STRING"}
	num := map[string]interface{}{"type": "NUMBER"}
	integer := map[string]interface{}{"type": "INTEGER"}
	statProps := map[string]interface{}{}
	for _, k := range models.AllKinds {
		statProps[strings.ToLower(string(k))] = integer
	}
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"incidents": map[string]interface{}{
				"type": "ARRAY",
				"items": map[string]interface{}{
					"type": "OBJECT",
					"properties": map[string]interface{}{
						"type":        str,
						"seat":        str,
						"level":       str,
						"description": str,
						"confidence":  num,
						"severity":    integer,
					},
					"required": []string{"type", "seat", "level", "description", "confidence", "severity"},
				},
			},
			"overallIntegrityScore": integer,
			"stats": map[string]interface{}{
				"type":       "OBJECT",
				"properties": statProps,
			},
		},
		"required": []string{"incidents", "overallIntegrityScore", "stats"},
	}
}

func (a *Analyzer) Analyze(ctx context.Context, image []byte) (*models.AnalyzerResult, error) {
	if !a.Enabled() {
		return nil, ErrAnalyzerDisabled
	}
	if len(image) == 0 {
		return nil, errors.New("empty image")
	}

	var req genRequest
	req.Contents = make([]struct {
		Parts []genPart `json:"parts"`
	}, 1)
	req.Contents[0].Parts = []genPart{
		{InlineData: &genInlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(image)}},
		{Text: analyzerPrompt},
	}
	req.GenerationConfig.ResponseMimeType = "application/json"
	req.GenerationConfig.ResponseSchema = analyzerSchema()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyzer request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(a.cfg.BaseURL, "/"), a.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.cfg.APIKey)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("analyzer request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read analyzer response: %w", err)
	}

	var gr genResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("failed to decode analyzer response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if gr.Error != nil && gr.Error.Message != "" {
			msg = gr.Error.Message
		}
		return nil, fmt.Errorf("analyzer returned HTTP %d: %s", resp.StatusCode, msg)
	}

	var text strings.Builder
	for _, c := range gr.Candidates {
		for _, p := range c.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("analyzer returned no content")
	}

	var result models.AnalyzerResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text.String())), &result); err != nil {
		return nil, fmt.Errorf("analyzer returned malformed JSON: %w", err)
	}
	return &result, nil
}
