// Package report turns successful crawl executions into persisted reports.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/logging"
)

const (
	defaultArtifactPrefix = "reports"
	artifactContentType   = "application/json"
)

// Hasher fingerprints archived artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Option customizes a Writer.
type Option func(*Writer)

// WithArchive stores each report payload in blobs under prefix before the
// report row is written.
func WithArchive(blobs analysis.BlobStore, prefix string) Option {
	return func(w *Writer) {
		w.blobs = blobs
		if p := strings.Trim(prefix, "/"); p != "" {
			w.prefix = p
		}
	}
}

// WithHasher records the archived artifact digest in the report data.
func WithHasher(h Hasher) Option {
	return func(w *Writer) {
		w.hasher = h
	}
}

// Writer persists one report per completed job.
type Writer struct {
	store  analysis.ReportStore
	usage  analysis.UsageLedger
	clock  analysis.Clock
	blobs  analysis.BlobStore
	hasher Hasher
	prefix string
	logger *zap.Logger
}

// NewWriter constructs a Writer. usage may be nil to skip report_generated events.
func NewWriter(
	store analysis.ReportStore,
	usage analysis.UsageLedger,
	clock analysis.Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Writer, error) {
	if store == nil {
		return nil, errors.New("report store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	w := &Writer{
		store:  store,
		usage:  usage,
		clock:  clock,
		prefix: defaultArtifactPrefix,
		logger: logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write builds the report for job and commits it together with the job's
// COMPLETED transition. It must only be called by the claimant of job.
func (w *Writer) Write(
	ctx context.Context,
	job analysis.CrawlJob,
	site analysis.Site,
	result analysis.ExecutionResult,
) (analysis.Report, error) {
	report := Build(site, result, w.clock.Now())
	if w.blobs != nil {
		w.archive(ctx, job, site, &report)
	}

	saved, err := w.store.CompleteWithReport(ctx, job.ID, report)
	if err != nil {
		return analysis.Report{}, fmt.Errorf("complete job with report: %w", err)
	}

	if w.usage != nil {
		_, err := w.usage.AppendUsage(ctx, analysis.UsageEvent{
			TeamID:    site.TeamID,
			EventType: analysis.UsageReportGenerated,
			Metadata: map[string]any{
				"reportId":   saved.ID,
				"crawlJobId": job.ID,
				"url":        site.URL,
			},
		})
		if err != nil {
			w.logger.Warn("record report usage failed",
				zap.String("job_id", job.ID),
				zap.String("report_id", saved.ID),
				zap.Error(err),
			)
		}
	}
	return saved, nil
}

// Build maps an execution result onto a completed report. Missing titles and
// summaries fall back to defaults derived from the site.
func Build(site analysis.Site, result analysis.ExecutionResult, now time.Time) analysis.Report {
	title := strings.TrimSpace(result.Title)
	if title == "" {
		label := site.Name
		if label == "" {
			label = site.URL
		}
		title = "Analysis of " + label
	}
	summary := strings.TrimSpace(result.Summary)
	if summary == "" {
		summary = "Comprehensive analysis of " + site.URL
	}
	data := make(map[string]any, len(result.Data)+2)
	for k, v := range result.Data {
		data[k] = v
	}
	if _, ok := data["url"]; !ok {
		data["url"] = site.URL
	}
	if _, ok := data["timestamp"]; !ok {
		data["timestamp"] = now.UTC().Format(time.RFC3339)
	}
	return analysis.Report{
		SiteID:  site.ID,
		Title:   title,
		Summary: summary,
		Data:    data,
		Status:  analysis.ReportStatusCompleted,
	}
}

// ArtifactPath returns the blob path for a job's archived payload.
func (w *Writer) ArtifactPath(siteID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s.json", w.prefix, siteID, jobID)
}

// archive failures are logged and leave the report without an artifact.
func (w *Writer) archive(ctx context.Context, job analysis.CrawlJob, site analysis.Site, report *analysis.Report) {
	payload, err := json.Marshal(map[string]any{
		"crawlJobId": job.ID,
		"siteId":     site.ID,
		"url":        site.URL,
		"title":      report.Title,
		"summary":    report.Summary,
		"data":       report.Data,
	})
	if err != nil {
		w.logger.Warn("marshal report artifact failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	uri, err := w.blobs.PutObject(ctx, w.ArtifactPath(site.ID, job.ID), artifactContentType, bytes.NewReader(payload))
	if err != nil {
		w.logger.Warn("archive report artifact failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	report.ArtifactURI = uri
	if w.hasher == nil {
		return
	}
	digest, err := w.hasher.Hash(payload)
	if err != nil {
		w.logger.Warn("hash report artifact failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	report.Data["artifactSha256"] = digest
}
