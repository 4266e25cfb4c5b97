// Package analysis defines the core types and contracts shared by the crawl job
// scheduler, the submission service and the storage backends.
package analysis

import (
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether s -> to is an edge of the job state machine:
// PENDING -> RUNNING -> {COMPLETED, FAILED}.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobStatusPending:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// ReportStatus mirrors the reports.status column.
type ReportStatus string

// Report status values.
const (
	ReportStatusProcessing ReportStatus = "processing"
	ReportStatusCompleted  ReportStatus = "completed"
	ReportStatusFailed     ReportStatus = "failed"
)

// UsageEventType classifies append-only usage events.
type UsageEventType string

// Usage event types recorded by the service.
const (
	UsageCrawlStarted    UsageEventType = "crawl_started"
	UsageReportGenerated UsageEventType = "report_generated"
	UsageSiteCreated     UsageEventType = "site_created"
	UsageAPICall         UsageEventType = "api_call"
)

// Subscription statuses that allow submissions.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
)

// Tier names a quota plan tier.
type Tier string

// Built-in tiers. Deployments may configure additional ones.
const (
	TierBase Tier = "base"
	TierPlus Tier = "plus"
)

// PriorityOrder selects which end of the priority column is claimed first.
type PriorityOrder string

// Supported priority orders. Ascending treats the lower number as more urgent.
const (
	PriorityAscending  PriorityOrder = "asc"
	PriorityDescending PriorityOrder = "desc"
)

// DefaultPriority is used for jobs created by submissions.
const DefaultPriority = 0

// Team is the tenant record supplied by the identity directory.
type Team struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	PlanName           string `json:"plan_name"`
	SubscriptionStatus string `json:"subscription_status"`
}

// CanSubmit reports whether the team's subscription allows new analyses.
func (t Team) CanSubmit() bool {
	status := strings.ToLower(strings.TrimSpace(t.SubscriptionStatus))
	return status == SubscriptionActive || status == SubscriptionTrialing
}

// Site is a URL registered for analysis by a team.
type Site struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	TeamID      string    `json:"team_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CrawlJob is one scheduled execution of an analysis against a Site.
type CrawlJob struct {
	ID           string         `json:"id"`
	SiteID       string         `json:"site_id"`
	Status       JobStatus      `json:"status"`
	Priority     int            `json:"priority"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Report is the persisted result of a successfully completed CrawlJob.
type Report struct {
	ID          string         `json:"id"`
	SiteID      string         `json:"site_id"`
	CrawlJobID  *string        `json:"crawl_job_id,omitempty"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Status      ReportStatus   `json:"status"`
	ArtifactURI string         `json:"artifact_uri,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// UsageEvent is an append-only audit record used for quota accounting.
type UsageEvent struct {
	ID        string         `json:"id"`
	TeamID    string         `json:"team_id"`
	UserID    *string        `json:"user_id,omitempty"`
	EventType UsageEventType `json:"event_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SiteRef is the compact site projection attached to report listings.
type SiteRef struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// JobRef is the compact job projection attached to report details.
type JobRef struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// ReportSummary is one row of a report listing.
type ReportSummary struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Summary   string       `json:"summary,omitempty"`
	Status    ReportStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Site      SiteRef      `json:"site"`
}

// ReportDetail is a single report joined with its site and originating job.
type ReportDetail struct {
	Report
	Site     SiteRef `json:"site"`
	CrawlJob *JobRef `json:"crawl_job,omitempty"`
}

// ReportQuery scopes a report listing to one team.
type ReportQuery struct {
	TeamID string
	Limit  int
	Offset int
}

// IntakeRequest describes one accepted submission. The store creates (or
// reuses) the site, enqueues the job and appends the usage event atomically.
type IntakeRequest struct {
	TeamID      string
	UserID      string
	URL         string
	Name        string
	Description string
	Priority    int
	// QuotaCeiling, when positive, makes the store re-count crawl_started
	// events since QuotaSince under a per-team lock and reject with
	// ErrQuotaExceeded when the ceiling is reached.
	QuotaCeiling int
	QuotaSince   time.Time
}

// IntakeResult carries the identifiers created by an intake.
type IntakeResult struct {
	Site        Site
	Job         CrawlJob
	SiteCreated bool
}

// ExecutionResult is the opaque payload returned by a CrawlExecutor.
type ExecutionResult struct {
	Title   string
	Summary string
	Data    map[string]any
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
