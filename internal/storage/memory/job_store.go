package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// Enqueue inserts a pending job for an existing site.
func (s *Store) Enqueue(_ context.Context, siteID string, priority int) (analysis.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return analysis.CrawlJob{}, errClosed
	}
	if _, ok := s.sites[siteID]; !ok {
		return analysis.CrawlJob{}, fmt.Errorf("enqueue: %w", analysis.ErrSiteNotFound)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("job id: %w", err)
	}
	return copyJob(s.insertJobLocked(id, siteID, priority, s.clock.Now())), nil
}

func (s *Store) insertJobLocked(id, siteID string, priority int, now time.Time) analysis.CrawlJob {
	job := analysis.CrawlJob{
		ID:        id,
		SiteID:    siteID,
		Status:    analysis.JobStatusPending,
		Priority:  priority,
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.seq++
	s.jobs[id] = job
	s.jobSeq[id] = s.seq
	return job
}

// ClaimNext moves the next pending job to running. Jobs are ordered by
// priority, then creation time, then insertion order.
func (s *Store) ClaimNext(_ context.Context) (analysis.CrawlJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return analysis.CrawlJob{}, false, errClosed
	}
	var (
		next  analysis.CrawlJob
		found bool
	)
	for _, job := range s.jobs {
		if job.Status != analysis.JobStatusPending {
			continue
		}
		if !found || s.claimsBefore(job, next) {
			next = job
			found = true
		}
	}
	if !found {
		return analysis.CrawlJob{}, false, nil
	}
	now := s.clock.Now()
	next.Status = analysis.JobStatusRunning
	next.StartedAt = pointerTime(now)
	next.UpdatedAt = now
	s.jobs[next.ID] = next
	return copyJob(next), true, nil
}

func (s *Store) claimsBefore(a, b analysis.CrawlJob) bool {
	if a.Priority != b.Priority {
		if normalizeOrder(s.order) == analysis.PriorityDescending {
			return a.Priority > b.Priority
		}
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.jobSeq[a.ID] < s.jobSeq[b.ID]
}

// MarkCompleted transitions a running job to completed.
func (s *Store) MarkCompleted(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionLocked(jobID, analysis.JobStatusCompleted, nil)
	return err
}

// MarkFailed transitions a running job to failed and records the error text.
func (s *Store) MarkFailed(_ context.Context, jobID string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionLocked(jobID, analysis.JobStatusFailed, analysis.StringPtr(errorMessage))
	return err
}

func (s *Store) transitionLocked(
	jobID string,
	to analysis.JobStatus,
	errorMessage *string,
) (analysis.CrawlJob, error) {
	if s.closed {
		return analysis.CrawlJob{}, errClosed
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.CrawlJob{}, analysis.ErrJobNotFound
	}
	if !job.Status.CanTransition(to) {
		return analysis.CrawlJob{}, analysis.TransitionError(jobID, job.Status, to)
	}
	now := s.clock.Now()
	job.Status = to
	job.UpdatedAt = now
	if to.IsTerminal() {
		job.CompletedAt = pointerTime(now)
	}
	if errorMessage != nil {
		job.ErrorMessage = errorMessage
	}
	s.jobs[jobID] = job
	return job, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (analysis.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return analysis.CrawlJob{}, analysis.ErrJobNotFound
	}
	return copyJob(job), nil
}

func copyJob(job analysis.CrawlJob) analysis.CrawlJob {
	job.Metadata = copyMap(job.Metadata)
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
