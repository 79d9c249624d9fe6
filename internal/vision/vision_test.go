package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ExamShieldAPI/internal/logger"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpeg = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}

func newTestClient(url string, src string) *Client {
	return NewClient(Config{
		BaseURL:         url,
		Timeout:         time.Second,
		Source:          src,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, logger.Discard())
}

func TestFetchLatestDecodesFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webcam/frame", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"frame": "` + base64.StdEncoding.EncodeToString(jpeg) + `",
			"timestamp": 1718000000.5,
			"result": {
				"frame_number": 12,
				"person_count": 1,
				"prohibited_items": [{"class": "cell phone", "confidence": 0.9}],
				"behaviors": []
			}
		}`))
	}))
	defer srv.Close()

	frame, err := newTestClient(srv.URL, "webcam").FetchLatest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(12), frame.FrameNumber)
	assert.Len(t, frame.ProhibitedItems, 1)
	assert.Equal(t, jpeg, frame.Image)
}

func TestFetchLatestNoFrameIsSilent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"No frame available","waiting":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")
	for i := 0; i < 5; i++ {
		_, err := c.FetchLatest(context.Background())
		assert.ErrorIs(t, err, ErrNoFrame)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "no-frame answers never trip the breaker")
	assert.Equal(t, "closed", c.BreakerState())
}

func TestFetchLatestBreakerOpensOnFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"model crashed"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "")

	_, err := c.FetchLatest(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 500, se.StatusCode)
	assert.Equal(t, "model crashed", se.Message)

	_, err = c.FetchLatest(context.Background())
	require.Error(t, err)

	_, err = c.FetchLatest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detection backend unavailable")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStartCaptureSwitchesSource(t *testing.T) {
	var paths []string
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Method == http.MethodPost && r.URL.Path == "/stream/start" {
			raw, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(raw, &body))
		}
		if r.URL.Path == "/stream/frame" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"status":"started"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "webcam")
	src := ParseSource("http://192.168.1.20:4747/video", 0)
	require.NoError(t, c.StartCapture(context.Background(), src))

	assert.Equal(t, "http://192.168.1.20:4747/video", body["stream_url"])
	assert.Equal(t, SourceStream, c.Source().Kind)

	_, err := c.FetchLatest(context.Background())
	assert.ErrorIs(t, err, ErrNoFrame)
	require.NoError(t, c.StopCapture(context.Background()))

	assert.Equal(t, []string{"/stream/start", "/stream/frame", "/stream/stop"}, paths)
}

func TestStartCaptureFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Failed to open webcam"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "webcam")
	err := c.StartCapture(context.Background(), Source{Kind: SourceWebcam, CameraIndex: 1})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to open webcam")
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","model_loaded":true,"webcam_active":true,"current_stream":null}`))
	}))
	defer srv.Close()

	h, err := newTestClient(srv.URL, "").Health(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.ModelLoaded)
	assert.Nil(t, h.CurrentStream)
}

func TestDetectImage(t *testing.T) {
	annotated := []byte{0xff, 0xd8, 0x01}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &in))
		assert.Equal(t, base64.StdEncoding.EncodeToString(jpeg), in["image"])

		w.Write([]byte(`{"frame_number": 0, "person_count": 2,
			"behaviors": [{"type": "PROXIMITY_ALERT", "confidence": 0.75}],
			"annotated_frame": "` + base64.StdEncoding.EncodeToString(annotated) + `"}`))
	}))
	defer srv.Close()

	frame, err := newTestClient(srv.URL, "").DetectImage(context.Background(), jpeg)

	require.NoError(t, err)
	assert.Equal(t, 2, frame.PersonCount)
	assert.Len(t, frame.Behaviors, 1)
	assert.Equal(t, annotated, frame.Image)
}

func TestDecodeImage(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString(jpeg)

	got, err := DecodeImage("data:image/jpeg;base64," + enc)
	require.NoError(t, err)
	assert.Equal(t, jpeg, got)

	got, err = DecodeImage(enc)
	require.NoError(t, err)
	assert.Equal(t, jpeg, got)

	_, err = DecodeImage("%%%")
	assert.Error(t, err)
	_, err = DecodeImage("")
	assert.Error(t, err)
}

func TestParseSource(t *testing.T) {
	assert.Equal(t, Source{Kind: SourceWebcam, CameraIndex: 2}, ParseSource("Webcam", 2))
	assert.Equal(t, Source{Kind: SourceWebcam}, ParseSource("", 0))
	assert.Equal(t, "rtsp://cam/1", ParseSource(" rtsp://cam/1 ", 0).StreamURL)
}

func TestAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/test-model:generateContent"))
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))

		raw, _ := io.ReadAll(r.Body)
		var req genRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "image/jpeg", req.Contents[0].Parts[0].InlineData.MimeType)
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)

		inner := `{"incidents":[{"type":"PHONE","seat":"B3","level":"HIGH","description":"Phone on desk","confidence":0.88,"severity":30}],"overallIntegrityScore":85,"stats":{"phone":1}}`
		out, _ := json.Marshal(map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{"content": map[string]interface{}{"parts": []interface{}{map[string]string{"text": inner}}}},
			},
		})
		w.Write(out)
	}))
	defer srv.Close()

	a := NewAnalyzer(AnalyzerConfig{APIKey: "secret", Model: "test-model", BaseURL: srv.URL, Timeout: time.Second})
	res, err := a.Analyze(context.Background(), jpeg)

	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, "PHONE", res.Incidents[0].Type)
	assert.Equal(t, "B3", res.Incidents[0].Seat)
	assert.Equal(t, 85, res.OverallIntegrityScore)
	assert.Equal(t, 1, res.Stats["phone"])
}

func TestAnalyzerErrors(t *testing.T) {
	_, err := NewAnalyzer(AnalyzerConfig{}).Analyze(context.Background(), jpeg)
	assert.ErrorIs(t, err, ErrAnalyzerDisabled)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	_, err = NewAnalyzer(AnalyzerConfig{APIKey: "bad", BaseURL: srv.URL}).Analyze(context.Background(), jpeg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not valid")
}
