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
	"sync"
	"time"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrNoFrame means the backend has nothing new to offer. Callers treat it
// as a silent no-op.
var ErrNoFrame = errors.New("no frame available")

const (
	SourceWebcam = "webcam"
	SourceStream = "stream"
)

type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Source      string
	CameraIndex int
	// Breaker opens after this many consecutive failed fetches and stays
	// open for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Source selects which capture pipeline of the backend is polled.
type Source struct {
	Kind        string
	CameraIndex int
	StreamURL   string
}

// ParseSource maps the configured value: "webcam" (or empty) selects the
// local camera, anything else is taken as a stream URL.
func ParseSource(value string, cameraIndex int) Source {
	v := strings.TrimSpace(value)
	if v == "" || strings.EqualFold(v, SourceWebcam) {
		return Source{Kind: SourceWebcam, CameraIndex: cameraIndex}
	}
	return Source{Kind: SourceStream, StreamURL: v}
}

func (s Source) String() string {
	if s.Kind == SourceStream {
		return s.StreamURL
	}
	return fmt.Sprintf("webcam #%d", s.CameraIndex)
}

// Client talks to the detection backend.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*models.RawFrame]
	log     *logger.Logger

	mu     sync.RWMutex
	source Source
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		log:    log,
		source: ParseSource(cfg.Source, cfg.CameraIndex),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*models.RawFrame](gobreaker.Settings{
		Name:        "vision-backend",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoFrame)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return c
}

func (c *Client) Source() Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) Health(ctx context.Context) (*models.VisionHealth, error) {
	var h models.VisionHealth
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StartCapture asks the backend to open src and makes it the source
// FetchLatest polls.
func (c *Client) StartCapture(ctx context.Context, src Source) error {
	var path string
	var body interface{}
	switch src.Kind {
	case SourceWebcam:
		path, body = "/webcam/start", map[string]int{"camera_index": src.CameraIndex}
	case SourceStream:
		if src.StreamURL == "" {
			return errors.New("stream source requires a URL")
		}
		path, body = "/stream/start", map[string]string{"stream_url": src.StreamURL}
	default:
		return fmt.Errorf("unknown capture source %q", src.Kind)
	}

	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to start %s: %w", src, err)
	}

	c.mu.Lock()
	c.source = src
	c.mu.Unlock()
	return nil
}

func (c *Client) StopCapture(ctx context.Context) error {
	path := "/webcam/stop"
	if c.Source().Kind == SourceStream {
		path = "/stream/stop"
	}
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// FetchLatest returns the newest processed frame of the active source, or
// ErrNoFrame when the backend has none yet.
func (c *Client) FetchLatest(ctx context.Context) (*models.RawFrame, error) {
	path := "/webcam/frame"
	if c.Source().Kind == SourceStream {
		path = "/stream/frame"
	}

	frame, err := c.breaker.Execute(func() (*models.RawFrame, error) {
		var env models.FrameEnvelope
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &env); err != nil {
			return nil, err
		}
		if env.Result == nil {
			return nil, ErrNoFrame
		}
		if env.Frame != "" {
			img, err := DecodeImage(env.Frame)
			if err != nil {
				c.log.Debug("Dropping undecodable frame image: %v", err)
			} else {
				env.Result.Image = img
			}
		}
		return env.Result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("detection backend unavailable: %w", err)
		}
		return nil, err
	}
	return frame, nil
}

type detectResponse struct {
	models.RawFrame
	AnnotatedFrame string `json:"annotated_frame"`
}

// DetectImage runs detection on a single JPEG.
func (c *Client) DetectImage(ctx context.Context, image []byte) (*models.RawFrame, error) {
	body := map[string]string{"image": base64.StdEncoding.EncodeToString(image)}

	var resp detectResponse
	if err := c.doJSON(ctx, http.MethodPost, "/detect/frame", body, &resp); err != nil {
		return nil, err
	}

	frame := resp.RawFrame
	frame.Image = image
	if resp.AnnotatedFrame != "" {
		if img, err := DecodeImage(resp.AnnotatedFrame); err == nil {
			frame.Image = img
		}
	}
	return &frame, nil
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detection backend returned HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("detection backend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet && path != "/health" {
		io.Copy(io.Discard, resp.Body)
		return ErrNoFrame
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode detection backend response: %w", err)
	}
	return nil
}

// DecodeImage accepts raw base64 or a data URL.
func DecodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	if len(img) == 0 {
		return nil, errors.New("empty image")
	}
	return img, nil
}
