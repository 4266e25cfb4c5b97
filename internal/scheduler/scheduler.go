// Package scheduler runs crawl jobs: it claims pending jobs one at a time,
// invokes the crawl executor and records each job's terminal outcome.
//
// Exclusivity comes from the job store's conditional claim, so any number of
// loops (in one process or many) can run RunOnce concurrently without
// processing a job twice.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/logging"
	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// DefaultJobTimeout bounds a single executor call.
const DefaultJobTimeout = 2 * time.Minute

var tracer = otel.Tracer("github.com/JakeFAU/site-analyzer/internal/scheduler")

// ReportWriter persists the report of a successful execution and completes the job.
type ReportWriter interface {
	Write(ctx context.Context, job analysis.CrawlJob, site analysis.Site, result analysis.ExecutionResult) (analysis.Report, error)
}

// Config controls a pass.
type Config struct {
	// JobTimeout bounds each executor call; zero disables the deadline.
	JobTimeout time.Duration
	// MaxJobsPerPass stops a pass after this many claims; zero means no limit.
	MaxJobsPerPass int
}

// JobOutcome describes what happened to one claimed job.
type JobOutcome struct {
	JobID    string             `json:"jobId"`
	SiteID   string             `json:"siteId"`
	Status   analysis.JobStatus `json:"status"`
	ReportID string             `json:"reportId,omitempty"`
	Error    string             `json:"error,omitempty"`
	Duration time.Duration      `json:"durationNs"`
}

// Summary reports the work done by one pass.
type Summary struct {
	Claimed     int          `json:"claimed"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	StoreErrors int          `json:"storeErrors"`
	Jobs        []JobOutcome `json:"jobs"`
}

// Loop executes scheduler passes.
type Loop struct {
	jobs     analysis.JobStore
	sites    analysis.SiteStore
	executor analysis.CrawlExecutor
	writer   ReportWriter
	emitter  progress.Emitter
	clock    analysis.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Loop. emitter may be nil.
func New(
	jobs analysis.JobStore,
	sites analysis.SiteStore,
	executor analysis.CrawlExecutor,
	writer ReportWriter,
	emitter progress.Emitter,
	clock analysis.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Loop, error) {
	switch {
	case jobs == nil:
		return nil, errors.New("job store is required")
	case sites == nil:
		return nil, errors.New("site store is required")
	case executor == nil:
		return nil, errors.New("crawl executor is required")
	case writer == nil:
		return nil, errors.New("report writer is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if cfg.JobTimeout < 0 {
		cfg.JobTimeout = 0
	}
	return &Loop{
		jobs:     jobs,
		sites:    sites,
		executor: executor,
		writer:   writer,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
	}, nil
}

// RunOnce claims and processes pending jobs sequentially until none remain.
// A failing job never stops the pass. A claim error ends the pass and is
// returned with the partial summary. Cancelling ctx stops further claims; the
// job already claimed still runs to a terminal state under JobTimeout.
func (l *Loop) RunOnce(ctx context.Context) (Summary, error) {
	summary := Summary{Jobs: []JobOutcome{}}
	for {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("scheduler pass interrupted: %w", err)
		}
		if l.cfg.MaxJobsPerPass > 0 && summary.Claimed >= l.cfg.MaxJobsPerPass {
			break
		}
		job, ok, err := l.jobs.ClaimNext(ctx)
		if errors.Is(err, analysis.ErrStoreConflict) {
			l.logger.Debug("claim lost to another scheduler")
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("claim next job: %w", err)
		}
		if !ok {
			break
		}
		summary.Claimed++
		outcome, storeErr := l.process(ctx, job)
		if storeErr {
			summary.StoreErrors++
		}
		switch outcome.Status {
		case analysis.JobStatusCompleted:
			summary.Completed++
		case analysis.JobStatusFailed:
			summary.Failed++
		}
		summary.Jobs = append(summary.Jobs, outcome)
	}
	if summary.Claimed > 0 {
		l.logger.Info("scheduler pass finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("store_errors", summary.StoreErrors),
		)
	}
	return summary, nil
}

// process runs one claimed job to a terminal state inside a trace span. The
// bool reports whether a store operation failed along the way.
func (l *Loop) process(ctx context.Context, job analysis.CrawlJob) (JobOutcome, bool) {
	ctx, span := tracer.Start(ctx, "scheduler.process_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("site.id", job.SiteID),
		attribute.Int("job.priority", job.Priority),
	))
	defer span.End()

	outcome, storeErr := l.processJob(ctx, job)
	span.SetAttributes(
		attribute.String("job.status", string(outcome.Status)),
		attribute.Bool("store.error", storeErr),
	)
	if outcome.Status != analysis.JobStatusCompleted {
		span.SetStatus(codes.Error, outcome.Error)
	}
	return outcome, storeErr
}

func (l *Loop) processJob(ctx context.Context, job analysis.CrawlJob) (JobOutcome, bool) {
	logger := l.logger.With(zap.String("job_id", job.ID), zap.String("site_id", job.SiteID))
	outcome := JobOutcome{JobID: job.ID, SiteID: job.SiteID, Status: analysis.JobStatusRunning}
	l.emit(job, analysis.Site{}, progress.StageJobClaimed, nil)

	// A claimed job is owned until it is terminal, whatever happens to the pass.
	jobCtx := context.WithoutCancel(ctx)

	site, err := l.sites.GetSite(jobCtx, job.SiteID)
	if err != nil {
		logger.Error("load site failed", zap.Error(err))
		return l.fail(jobCtx, logger, job, site, outcome, fmt.Sprintf("load site: %v", err), 0)
	}

	start := time.Now()
	result, err := l.execute(jobCtx, site)
	elapsed := time.Since(start)
	outcome.Duration = elapsed
	if err != nil {
		logger.Warn("crawl execution failed", zap.Error(err), zap.Duration("duration", elapsed))
		return l.fail(jobCtx, logger, job, site, outcome, failureMessage(err), elapsed)
	}

	report, err := l.writer.Write(jobCtx, job, site, result)
	if err != nil {
		logger.Error("persist report failed", zap.Error(err))
		if errors.Is(err, analysis.ErrReportExists) || errors.Is(err, analysis.ErrInvalidTransition) {
			// Another writer already finished this job.
			outcome.Error = err.Error()
			return outcome, true
		}
		failed, _ := l.fail(jobCtx, logger, job, site, outcome, fmt.Sprintf("persist report: %v", err), elapsed)
		return failed, true
	}

	outcome.Status = analysis.JobStatusCompleted
	outcome.ReportID = report.ID
	logger.Info("crawl job completed", zap.String("report_id", report.ID), zap.Duration("duration", elapsed))
	l.emit(job, site, progress.StageJobCompleted, func(evt *progress.Event) {
		evt.ReportID = report.ID
		evt.Dur = elapsed
	})
	return outcome, false
}

func (l *Loop) fail(
	ctx context.Context,
	logger *zap.Logger,
	job analysis.CrawlJob,
	site analysis.Site,
	outcome JobOutcome,
	message string,
	elapsed time.Duration,
) (JobOutcome, bool) {
	outcome.Error = message
	if err := l.jobs.MarkFailed(ctx, job.ID, message); err != nil {
		logger.Error("mark job failed", zap.Error(err))
		return outcome, true
	}
	outcome.Status = analysis.JobStatusFailed
	l.emit(job, site, progress.StageJobFailed, func(evt *progress.Event) {
		evt.Error = message
		evt.Dur = elapsed
	})
	return outcome, false
}

// execute calls the executor under the job deadline. ctx is expected to be
// detached from the pass, so the deadline is the only thing that stops it. The
// executor runs on its own goroutine so one that ignores its context cannot
// hold the pass past the deadline; panics are converted to executor errors.
func (l *Loop) execute(ctx context.Context, site analysis.Site) (analysis.ExecutionResult, error) {
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if l.cfg.JobTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, l.cfg.JobTimeout)
	}
	defer cancel()

	type result struct {
		res analysis.ExecutionResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: analysis.NewExecutorError(fmt.Errorf("executor panic: %v", r))}
			}
		}()
		res, err := l.executor.Execute(execCtx, site)
		done <- result{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.res, nil
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return analysis.ExecutionResult{}, l.timeoutError()
		}
		return analysis.ExecutionResult{}, out.err
	case <-execCtx.Done():
		return analysis.ExecutionResult{}, l.timeoutError()
	}
}

func (l *Loop) timeoutError() error {
	return fmt.Errorf("%w after %s", analysis.ErrExecutorTimeout, l.cfg.JobTimeout)
}

func (l *Loop) emit(job analysis.CrawlJob, site analysis.Site, stage progress.Stage, fill func(*progress.Event)) {
	evt := progress.Event{
		JobID:  job.ID,
		SiteID: job.SiteID,
		TeamID: site.TeamID,
		Stage:  stage,
		TS:     l.clock.Now(),
	}
	if fill != nil {
		fill(&evt)
	}
	l.emitter.Emit(evt)
}

func failureMessage(err error) string {
	var execErr *analysis.ExecutorError
	if errors.As(err, &execErr) && execErr.Error() != "" {
		return execErr.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "unknown error"
}
