package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/logging"
	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// LogSink writes one structured log line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.SiteID != "" {
			fields = append(fields, zap.String("site_id", evt.SiteID))
		}
		if evt.TeamID != "" {
			fields = append(fields, zap.String("team_id", evt.TeamID))
		}
		if evt.ReportID != "" {
			fields = append(fields, zap.String("report_id", evt.ReportID))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("duration", evt.Dur))
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		s.logger.Info("job progress", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
