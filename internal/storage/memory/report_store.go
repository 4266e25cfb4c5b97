package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// CompleteWithReport marks the job completed and stores its report under the
// same lock. A job can own at most one report.
func (s *Store) CompleteWithReport(
	_ context.Context,
	jobID string,
	report analysis.Report,
) (analysis.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return analysis.Report{}, errClosed
	}
	if _, exists := s.byJob[jobID]; exists {
		return analysis.Report{}, fmt.Errorf("job %s: %w", jobID, analysis.ErrReportExists)
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.Report{}, analysis.ErrJobNotFound
	}
	if !job.Status.CanTransition(analysis.JobStatusCompleted) {
		return analysis.Report{}, analysis.TransitionError(jobID, job.Status, analysis.JobStatusCompleted)
	}
	if report.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return analysis.Report{}, fmt.Errorf("report id: %w", err)
		}
		report.ID = id
	}
	if _, err := s.transitionLocked(jobID, analysis.JobStatusCompleted, nil); err != nil {
		return analysis.Report{}, err
	}
	now := s.clock.Now()
	report.SiteID = job.SiteID
	report.CrawlJobID = analysis.StringPtr(jobID)
	if report.Status == "" {
		report.Status = analysis.ReportStatusCompleted
	}
	report.CreatedAt = now
	report.UpdatedAt = now
	report.Data = copyMap(report.Data)
	s.reports[report.ID] = report
	s.byJob[jobID] = report.ID
	return report, nil
}

// ListReports returns the team's reports newest first with the total count.
func (s *Store) ListReports(
	_ context.Context,
	query analysis.ReportQuery,
) ([]analysis.ReportSummary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make([]analysis.Report, 0)
	for _, report := range s.reports {
		site, ok := s.sites[report.SiteID]
		if ok && site.TeamID == query.TeamID {
			owned = append(owned, report)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].ID > owned[j].ID
	})
	total := len(owned)
	start := min(max(query.Offset, 0), total)
	end := total
	if query.Limit > 0 {
		end = min(start+query.Limit, total)
	}
	out := make([]analysis.ReportSummary, 0, end-start)
	for _, report := range owned[start:end] {
		site := s.sites[report.SiteID]
		out = append(out, analysis.ReportSummary{
			ID:        report.ID,
			Title:     report.Title,
			Summary:   report.Summary,
			Status:    report.Status,
			CreatedAt: report.CreatedAt,
			UpdatedAt: report.UpdatedAt,
			Site:      analysis.SiteRef{ID: site.ID, URL: site.URL, Name: site.Name},
		})
	}
	return out, total, nil
}

// GetReport returns a report owned by the team together with its site and job.
func (s *Store) GetReport(_ context.Context, teamID string, reportID string) (analysis.ReportDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[reportID]
	if !ok {
		return analysis.ReportDetail{}, analysis.ErrNotFound
	}
	site, ok := s.sites[report.SiteID]
	if !ok || site.TeamID != teamID {
		return analysis.ReportDetail{}, analysis.ErrNotFound
	}
	report.Data = copyMap(report.Data)
	detail := analysis.ReportDetail{
		Report: report,
		Site: analysis.SiteRef{
			ID:          site.ID,
			URL:         site.URL,
			Name:        site.Name,
			Description: site.Description,
		},
	}
	if report.CrawlJobID != nil {
		if job, ok := s.jobs[*report.CrawlJobID]; ok {
			detail.CrawlJob = &analysis.JobRef{
				ID:           job.ID,
				Status:       job.Status,
				StartedAt:    job.StartedAt,
				CompletedAt:  job.CompletedAt,
				ErrorMessage: job.ErrorMessage,
			}
		}
	}
	return detail, nil
}

// ReportCount returns the number of stored reports, optionally for one job.
func (s *Store) ReportCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID == "" {
		return len(s.reports)
	}
	if _, ok := s.byJob[jobID]; ok {
		return 1
	}
	return 0
}
