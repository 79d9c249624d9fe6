package mqtt

import (
	"context"
	"fmt"
	"time"

	"ExamShieldAPI/internal/logger"
	"ExamShieldAPI/internal/models"

	"github.com/goccy/go-json"
)

// JSONPublisher is the part of Client the session publisher needs.
type JSONPublisher interface {
	PublishJSON(topic string, data interface{}) error
}

// Publisher mirrors session events to the broker under
// <prefix>/sessions/<id>/{incidents,score,notification}.
type Publisher struct {
	out    JSONPublisher
	prefix string
	log    *logger.Logger
}

func NewPublisher(out JSONPublisher, prefix string, log *logger.Logger) *Publisher {
	return &Publisher{out: out, prefix: prefix, log: log}
}

func (p *Publisher) SessionTopic(sessionID, leaf string) string {
	return fmt.Sprintf("%s/sessions/%s/%s", p.prefix, sessionID, leaf)
}

func (p *Publisher) PublishIncident(inc models.Incident) {
	p.publish(p.SessionTopic(inc.SessionID, "incidents"), inc)
}

func (p *Publisher) PublishScore(u models.ScoreUpdate) {
	p.publish(p.SessionTopic(u.SessionID, "score"), u)
}

func (p *Publisher) PublishNotification(sessionID string, st models.NotificationStatus) {
	p.publish(p.SessionTopic(sessionID, "notification"), st)
}

func (p *Publisher) publish(topic string, v interface{}) {
	if err := p.out.PublishJSON(topic, v); err != nil {
		p.log.Debug("Not published to %s: %v", topic, err)
	}
}

// FrameSink receives frames pushed over MQTT.
type FrameSink func(ctx context.Context, frame *models.RawFrame, observedAt time.Time) error

// FramesTopic is where detectors may push results instead of being polled.
func FramesTopic(prefix string) string {
	return prefix + "/frames"
}

// FrameHandler decodes the same envelope the detection backend serves over
// HTTP and hands the result to sink.
func FrameHandler(sink FrameSink, decodeImage func(string) ([]byte, error), timeout time.Duration, log *logger.Logger) MessageHandler {
	return func(topic string, payload []byte) error {
		var env models.FrameEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("invalid frame payload: %w", err)
		}
		if env.Result == nil {
			return fmt.Errorf("frame payload has no result")
		}
		if env.Frame != "" && decodeImage != nil {
			img, err := decodeImage(env.Frame)
			if err != nil {
				log.Debug("Dropping undecodable pushed frame image: %v", err)
			} else {
				env.Result.Image = img
			}
		}

		observedAt := time.Now()
		if env.Timestamp > 0 {
			sec := int64(env.Timestamp)
			observedAt = time.Unix(sec, int64((env.Timestamp-float64(sec))*1e9))
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sink(ctx, env.Result, observedAt)
	}
}
