package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"ExamShieldAPI/internal/models"

	"github.com/goccy/go-json"
)

const DefaultBrevoBaseURL = "https://api.brevo.com"

type BrevoConfig struct {
	APIKey      string
	BaseURL     string
	SenderEmail string
	SenderName  string
	Timeout     time.Duration
}

// BrevoSender delivers reports through the Brevo transactional email API.
type BrevoSender struct {
	cfg    BrevoConfig
	client *http.Client
}

func NewBrevoSender(cfg BrevoConfig) *BrevoSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBrevoBaseURL
	}
	if cfg.SenderName == "" {
		cfg.SenderName = "ExamShield AI"
	}
	return &BrevoSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoAttachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type brevoRequest struct {
	Sender      brevoContact      `json:"sender"`
	To          []brevoContact    `json:"to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent"`
	TextContent string            `json:"textContent"`
	Attachment  []brevoAttachment `json:"attachment,omitempty"`
}

type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *BrevoSender) Send(ctx context.Context, r *models.Report) error {
	to := make([]brevoContact, 0, len(r.Recipients))
	for _, addr := range r.Recipients {
		if err := ValidateRecipient(addr); err != nil {
			return &SendError{Message: err.Error(), Err: err}
		}
		to = append(to, brevoContact{Email: addr})
	}

	body := brevoRequest{
		Sender:      brevoContact{Email: s.cfg.SenderEmail, Name: s.cfg.SenderName},
		To:          to,
		Subject:     r.Subject,
		HTMLContent: r.HTMLBody,
		TextContent: r.TextBody,
	}
	if r.Attachment != nil {
		body.Attachment = []brevoAttachment{{
			Name:    r.Attachment.Name,
			Content: base64.StdEncoding.EncodeToString(r.Attachment.Content),
		}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &SendError{Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/v3/smtp/email", bytes.NewReader(payload))
	if err != nil {
		return &SendError{Message: "failed to build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendError{Message: err.Error(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var be brevoError
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if json.Unmarshal(raw, &be) == nil && be.Message != "" {
		msg = be.Message
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		msg = "invalid email API key: " + msg
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "sender"):
		msg = "sender address not verified: " + msg
	}

	return &SendError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

// ValidateRecipient accepts a single bare address.
func ValidateRecipient(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ErrNoRecipient
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr || !strings.Contains(addr[strings.LastIndex(addr, "@")+1:], ".") {
		return fmt.Errorf("%w %q", ErrBadRecipient, addr)
	}
	return nil
}
