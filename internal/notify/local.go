package notify

import (
	"context"

	"ExamShieldAPI/internal/models"
)

// Broadcaster pushes a typed message to connected dashboards.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{})
}

const MessageReport = "REPORT"

// LocalSender is the transport used when no email API key is configured:
// the report is pushed to every connected dashboard instead.
type LocalSender struct {
	out Broadcaster
}

func NewLocalSender(out Broadcaster) *LocalSender {
	return &LocalSender{out: out}
}

func (s *LocalSender) Send(ctx context.Context, r *models.Report) error {
	if s.out == nil {
		return &SendError{Message: "no notification transport configured"}
	}
	if err := ctx.Err(); err != nil {
		return &SendError{Message: err.Error(), Retryable: true, Err: err}
	}
	s.out.Broadcast(MessageReport, r)
	return nil
}
