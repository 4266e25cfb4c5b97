// Package submission is the tenant-facing service: it accepts analysis
// requests, lists and reads reports and triggers scheduler passes.
package submission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/logging"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
	"github.com/JakeFAU/site-analyzer/internal/progress"
	"github.com/JakeFAU/site-analyzer/internal/scheduler"
)

// Pagination bounds for report listings.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	maxNameLength   = 255
)

// QuotaChecker evaluates the daily ceiling for a team.
type QuotaChecker interface {
	CanSubmit(ctx context.Context, teamID string, tier analysis.Tier) (bool, error)
	TierFor(planName string) analysis.Tier
	Ceiling(tier analysis.Tier) int
	PeriodStart() time.Time
}

// Runner executes one scheduler pass.
type Runner interface {
	RunOnce(ctx context.Context) (scheduler.Summary, error)
}

// Trigger nudges the background dispatcher.
type Trigger interface {
	Trigger()
}

// SubmitRequest is a tenant's request to analyze a URL.
type SubmitRequest struct {
	UserID      string
	URL         string `validate:"required,url,httpurl"`
	Name        string `validate:"max=255"`
	Description string
}

// SubmitResult identifies the job created by Submit.
type SubmitResult struct {
	CrawlJobID  string `json:"crawlJobId"`
	SiteID      string `json:"siteId"`
	SiteCreated bool   `json:"siteCreated"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// ReportPage is one page of the caller's reports.
type ReportPage struct {
	Reports    []analysis.ReportSummary `json:"reports"`
	Pagination Pagination               `json:"pagination"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	Directory analysis.Directory
	Intake    analysis.IntakeStore
	Reports   analysis.ReportStore
	Jobs      analysis.JobStore
	Sites     analysis.SiteStore
	Quota     QuotaChecker
	Runner    Runner
	// Trigger, Emitter and Logger are optional.
	Trigger Trigger
	Emitter progress.Emitter
	Clock   analysis.Clock
	Logger  *zap.Logger
}

// Config toggles service behaviour.
type Config struct {
	// StrictQuota re-checks the ceiling inside the intake transaction.
	StrictQuota bool
}

// Service implements the submission workflow.
type Service struct {
	deps     Deps
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService validates deps and builds a Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("directory is required")
	case deps.Intake == nil:
		return nil, errors.New("intake store is required")
	case deps.Reports == nil:
		return nil, errors.New("report store is required")
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Sites == nil:
		return nil, errors.New("site store is required")
	case deps.Quota == nil:
		return nil, errors.New("quota checker is required")
	case deps.Runner == nil:
		return nil, errors.New("scheduler runner is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	v := validator.New()
	if err := v.RegisterValidation("httpurl", httpURL); err != nil {
		return nil, fmt.Errorf("register url validation: %w", err)
	}
	return &Service{
		deps:     deps,
		cfg:      cfg,
		validate: v,
		logger:   logging.OrNop(deps.Logger),
	}, nil
}

// Submit accepts a URL for analysis. Checks run in a fixed order: caller
// identity, input, team membership, subscription, then quota.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	res, outcome, err := s.submit(ctx, req)
	metrics.ObserveSubmission(outcome)
	return res, err
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (SubmitResult, string, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return SubmitResult{}, metrics.OutcomeUnauthorized, analysis.ErrUnauthorized
	}
	req.URL = strings.TrimSpace(req.URL)
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return SubmitResult{}, metrics.OutcomeInvalid, err
	}

	team, err := s.deps.Directory.TeamForUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, analysis.ErrNoTeam) {
			return SubmitResult{}, metrics.OutcomeNoTeam, analysis.ErrNoTeam
		}
		return SubmitResult{}, metrics.OutcomeError, fmt.Errorf("resolve team: %w", err)
	}
	if !team.CanSubmit() {
		return SubmitResult{}, metrics.OutcomeNoPlan, analysis.ErrSubscriptionRequired
	}

	tier := s.deps.Quota.TierFor(team.PlanName)
	allowed, err := s.deps.Quota.CanSubmit(ctx, team.ID, tier)
	if err != nil {
		return SubmitResult{}, metrics.OutcomeError, fmt.Errorf("check quota: %w", err)
	}
	if !allowed {
		metrics.ObserveQuotaDenial(string(tier))
		return SubmitResult{}, metrics.OutcomeQuota, analysis.ErrQuotaExceeded
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Site %d", s.deps.Clock.Now().UnixMilli())
	}
	intake := analysis.IntakeRequest{
		TeamID:      team.ID,
		UserID:      req.UserID,
		URL:         req.URL,
		Name:        name,
		Description: req.Description,
		Priority:    analysis.DefaultPriority,
	}
	if s.cfg.StrictQuota {
		intake.QuotaCeiling = s.deps.Quota.Ceiling(tier)
		intake.QuotaSince = s.deps.Quota.PeriodStart()
	}
	out, err := s.deps.Intake.Intake(ctx, intake)
	if err != nil {
		if errors.Is(err, analysis.ErrQuotaExceeded) {
			metrics.ObserveQuotaDenial(string(tier))
			return SubmitResult{}, metrics.OutcomeQuota, analysis.ErrQuotaExceeded
		}
		return SubmitResult{}, metrics.OutcomeError, fmt.Errorf("record submission: %w", err)
	}

	s.logger.Info("analysis submitted",
		zap.String("team_id", team.ID),
		zap.String("site_id", out.Site.ID),
		zap.String("job_id", out.Job.ID),
		zap.Bool("site_created", out.SiteCreated),
	)
	s.deps.Emitter.Emit(progress.Event{
		JobID:  out.Job.ID,
		SiteID: out.Site.ID,
		TeamID: team.ID,
		Stage:  progress.StageJobSubmitted,
		TS:     s.deps.Clock.Now(),
	})
	if s.deps.Trigger != nil {
		s.deps.Trigger.Trigger()
	}
	return SubmitResult{CrawlJobID: out.Job.ID, SiteID: out.Site.ID, SiteCreated: out.SiteCreated}, metrics.OutcomeAccepted, nil
}

// ListReports returns the caller's reports newest first. limit defaults to
// DefaultPageSize and is capped at MaxPageSize; a negative offset means 0.
func (s *Service) ListReports(ctx context.Context, userID string, limit, offset int) (ReportPage, error) {
	team, err := s.team(ctx, userID)
	if err != nil {
		return ReportPage{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	offset = max(offset, 0)

	reports, total, err := s.deps.Reports.ListReports(ctx, analysis.ReportQuery{TeamID: team.ID, Limit: limit, Offset: offset})
	if err != nil {
		return ReportPage{}, fmt.Errorf("list reports: %w", err)
	}
	if reports == nil {
		reports = []analysis.ReportSummary{}
	}
	return ReportPage{
		Reports: reports,
		Pagination: Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+limit < total,
		},
	}, nil
}

// GetReport returns one report owned by the caller's team.
func (s *Service) GetReport(ctx context.Context, userID, reportID string) (analysis.ReportDetail, error) {
	team, err := s.team(ctx, userID)
	if err != nil {
		return analysis.ReportDetail{}, err
	}
	if strings.TrimSpace(reportID) == "" {
		return analysis.ReportDetail{}, analysis.ErrNotFound
	}
	detail, err := s.deps.Reports.GetReport(ctx, team.ID, reportID)
	if err != nil {
		if errors.Is(err, analysis.ErrNotFound) {
			return analysis.ReportDetail{}, analysis.ErrNotFound
		}
		return analysis.ReportDetail{}, fmt.Errorf("get report: %w", err)
	}
	return detail, nil
}

// JobView is a crawl job as shown to the owning team.
type JobView struct {
	analysis.CrawlJob
	Site analysis.SiteRef `json:"site"`
}

// GetJob returns a crawl job if its site belongs to the caller's team.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (JobView, error) {
	team, err := s.team(ctx, userID)
	if err != nil {
		return JobView{}, err
	}
	job, err := s.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, analysis.ErrJobNotFound) {
			return JobView{}, analysis.ErrNotFound
		}
		return JobView{}, fmt.Errorf("get job: %w", err)
	}
	site, err := s.deps.Sites.GetSite(ctx, job.SiteID)
	if err != nil {
		if errors.Is(err, analysis.ErrSiteNotFound) {
			return JobView{}, analysis.ErrNotFound
		}
		return JobView{}, fmt.Errorf("get site: %w", err)
	}
	if site.TeamID != team.ID {
		return JobView{}, analysis.ErrNotFound
	}
	return JobView{
		CrawlJob: job,
		Site:     analysis.SiteRef{ID: site.ID, URL: site.URL, Name: site.Name, Description: site.Description},
	}, nil
}

// RunWorkerOnce runs a single scheduler pass synchronously.
func (s *Service) RunWorkerOnce(ctx context.Context) (scheduler.Summary, error) {
	summary, err := s.deps.Runner.RunOnce(ctx)
	metrics.ObservePass(summary.Claimed, err)
	if err != nil {
		return summary, fmt.Errorf("run worker: %w", err)
	}
	return summary, nil
}

func (s *Service) team(ctx context.Context, userID string) (analysis.Team, error) {
	if strings.TrimSpace(userID) == "" {
		return analysis.Team{}, analysis.ErrUnauthorized
	}
	team, err := s.deps.Directory.TeamForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, analysis.ErrNoTeam) {
			return analysis.Team{}, analysis.ErrNoTeam
		}
		return analysis.Team{}, fmt.Errorf("resolve team: %w", err)
	}
	return team, nil
}

func (s *Service) validateRequest(req SubmitRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return analysis.InvalidInputError("%v", err)
	}
	switch fe := fieldErrs[0]; fe.Field() {
	case "URL":
		return analysis.InvalidInputError("url must be an absolute http or https URL")
	case "Name":
		return analysis.InvalidInputError("name must be at most %d characters", maxNameLength)
	default:
		return analysis.InvalidInputError("%s failed %s", fe.Field(), fe.Tag())
	}
}

func httpURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
