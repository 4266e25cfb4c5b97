package analysis

import (
	"context"
	"io"
	"time"
)

// JobStore persists crawl jobs and owns their status transitions.
type JobStore interface {
	Enqueue(ctx context.Context, siteID string, priority int) (CrawlJob, error)
	// ClaimNext atomically moves the next pending job to running. The bool is
	// false when nothing is pending or the claim was lost to another caller.
	ClaimNext(ctx context.Context) (CrawlJob, bool, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, errorMessage string) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
}

// SiteStore reads registered sites.
type SiteStore interface {
	GetSite(ctx context.Context, siteID string) (Site, error)
}

// ReportStore persists and reads reports.
type ReportStore interface {
	// CompleteWithReport transitions the job to completed and inserts the
	// report in one transaction. A second call for the same job fails with
	// ErrReportExists or ErrInvalidTransition and writes nothing.
	CompleteWithReport(ctx context.Context, jobID string, report Report) (Report, error)
	ListReports(ctx context.Context, query ReportQuery) ([]ReportSummary, int, error)
	GetReport(ctx context.Context, teamID string, reportID string) (ReportDetail, error)
}

// UsageLedger is the append-only usage event log.
type UsageLedger interface {
	CountUsage(ctx context.Context, teamID string, eventType UsageEventType, since time.Time) (int, error)
	AppendUsage(ctx context.Context, event UsageEvent) (UsageEvent, error)
}

// IntakeStore records an accepted submission atomically.
type IntakeStore interface {
	Intake(ctx context.Context, req IntakeRequest) (IntakeResult, error)
}

// Directory resolves a caller to its team. It is backed by the external
// identity and billing system.
type Directory interface {
	TeamForUser(ctx context.Context, userID string) (Team, error)
}

// Store aggregates every persistence contract a backend provides.
type Store interface {
	JobStore
	SiteStore
	ReportStore
	UsageLedger
	IntakeStore
	Directory
	Ping(ctx context.Context) error
	Close()
}

// CrawlExecutor performs the actual site analysis.
type CrawlExecutor interface {
	Execute(ctx context.Context, site Site) (ExecutionResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes job outcome notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
