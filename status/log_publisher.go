package status

import (
	"context"
	"log/slog"
)

// LogPublisher publishes a Status by writing a structured log line. It is
// the default publisher when no broker is configured and what every
// test in this module uses.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher writing through logger, or the
// default logger if nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, s Status) error {
	attrs := []any{
		slog.String("state", s.State.String()),
		slog.Uint64("partition", uint64(s.Partition)),
		slog.Bool("is_committed", s.IsCommitted),
	}
	if s.Msg != "" {
		attrs = append(attrs, slog.String("msg", s.Msg))
	}
	if s.ProgressPercent != nil {
		attrs = append(attrs, slog.Int("progress_percent", *s.ProgressPercent))
	}
	if s.CommitTimeout > 0 {
		attrs = append(attrs, slog.Duration("commit_timeout", s.CommitTimeout))
	}

	switch s.State {
	case Error:
		p.logger.Error("ota status", attrs...)
	default:
		p.logger.Info("ota status", attrs...)
	}
	return nil
}
