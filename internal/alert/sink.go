package alert

import (
	"context"
	"log/slog"
	"time"
)

// Sink delivers records to an external system. Implementations must be
// safe for concurrent use and should treat a repeated SubmissionID as
// already delivered, returning a receipt with Duplicate set.
type Sink interface {
	Name() string
	Submit(ctx context.Context, rec Record) (Receipt, error)
}

// Receipt acknowledges a delivered record.
type Receipt struct {
	SubmissionID string    `json:"submissionId"`
	Sink         string    `json:"sink"`
	Reference    string    `json:"reference,omitempty"` // tx hash, message id
	Duplicate    bool      `json:"duplicate,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// LogSink only logs records. It is used for dry runs.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Submit(ctx context.Context, rec Record) (Receipt, error) {
	s.logger.InfoContext(ctx, "alert",
		"submission_id", rec.SubmissionID,
		"device_id", rec.DeviceID,
		"path", rec.Path,
		"score", rec.Score,
		"decided_at", rec.DecidedAt,
	)
	return Receipt{
		SubmissionID: rec.SubmissionID,
		Sink:         s.Name(),
		SubmittedAt:  time.Now().UTC(),
	}, nil
}
