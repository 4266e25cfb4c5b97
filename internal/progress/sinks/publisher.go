package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// JobNotification is the message published when a job reaches a terminal state.
type JobNotification struct {
	JobID      string    `json:"job_id"`
	SiteID     string    `json:"site_id"`
	ReportID   string    `json:"report_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// Attributes exposes routing attributes to the Pub/Sub publisher.
func (n JobNotification) Attributes() map[string]string {
	return map[string]string{
		"job_id": n.JobID,
		"status": n.Status,
	}
}

// PublisherSink forwards terminal job events to a topic.
type PublisherSink struct {
	publisher analysis.Publisher
	topic     string
}

// NewPublisherSink creates a sink publishing to topic.
func NewPublisherSink(publisher analysis.Publisher, topic string) (*PublisherSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &PublisherSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes one notification per terminal event. The first publish
// error stops the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if !evt.Stage.IsTerminal() {
			continue
		}
		status := string(analysis.JobStatusCompleted)
		if evt.Stage == progress.StageJobFailed {
			status = string(analysis.JobStatusFailed)
		}
		msg := JobNotification{
			JobID:      evt.JobID,
			SiteID:     evt.SiteID,
			ReportID:   evt.ReportID,
			Status:     status,
			Error:      evt.Error,
			DurationMS: evt.Dur.Milliseconds(),
			At:         evt.TS,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish job %s: %w", evt.JobID, err)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
