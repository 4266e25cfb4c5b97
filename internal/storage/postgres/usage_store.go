package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const countUsageQuery = `
SELECT count(*) FROM usage_events
WHERE team_id = $1 AND event_type = $2 AND created_at >= $3`

const insertUsageQuery = `
INSERT INTO usage_events (id, team_id, user_id, event_type, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// CountUsage counts events of one type recorded for the team at or after since.
func (s *Store) CountUsage(
	ctx context.Context,
	teamID string,
	eventType analysis.UsageEventType,
	since time.Time,
) (int, error) {
	return countUsage(ctx, s.pool, teamID, eventType, since)
}

func countUsage(
	ctx context.Context,
	q querier,
	teamID string,
	eventType analysis.UsageEventType,
	since time.Time,
) (int, error) {
	var count int
	if err := q.QueryRow(ctx, countUsageQuery, teamID, string(eventType), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return count, nil
}

// AppendUsage records a usage event, assigning ID and timestamp when unset.
func (s *Store) AppendUsage(ctx context.Context, event analysis.UsageEvent) (analysis.UsageEvent, error) {
	return s.appendUsage(ctx, s.pool, event)
}

func (s *Store) appendUsage(ctx context.Context, q querier, event analysis.UsageEvent) (analysis.UsageEvent, error) {
	if event.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return analysis.UsageEvent{}, fmt.Errorf("usage event id: %w", err)
		}
		event.ID = id
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	metadata, err := marshalJSON(event.Metadata)
	if err != nil {
		return analysis.UsageEvent{}, fmt.Errorf("usage metadata: %w", err)
	}
	if _, err := q.Exec(ctx, insertUsageQuery,
		event.ID,
		event.TeamID,
		event.UserID,
		string(event.EventType),
		metadata,
		event.CreatedAt,
	); err != nil {
		return analysis.UsageEvent{}, fmt.Errorf("insert usage event: %w", err)
	}
	return event, nil
}

const insertSiteQuery = `
INSERT INTO sites (id, url, team_id, name, description, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
ON CONFLICT (team_id, url) DO NOTHING`

// Intake looks up or creates the site, enqueues a pending job and appends the
// crawl_started usage event in one transaction. With a positive QuotaCeiling
// the team's advisory lock is held while the usage count is re-checked.
func (s *Store) Intake(ctx context.Context, req analysis.IntakeRequest) (analysis.IntakeResult, error) {
	siteID, err := s.ids.NewID()
	if err != nil {
		return analysis.IntakeResult{}, fmt.Errorf("site id: %w", err)
	}
	jobID, err := s.ids.NewID()
	if err != nil {
		return analysis.IntakeResult{}, fmt.Errorf("job id: %w", err)
	}
	now := s.clock.Now()
	var result analysis.IntakeResult

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if req.QuotaCeiling > 0 {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.TeamID); err != nil {
				return fmt.Errorf("quota lock: %w", err)
			}
			count, err := countUsage(ctx, tx, req.TeamID, analysis.UsageCrawlStarted, req.QuotaSince)
			if err != nil {
				return err
			}
			if count >= req.QuotaCeiling {
				return analysis.ErrQuotaExceeded
			}
		}

		tag, err := tx.Exec(ctx, insertSiteQuery, siteID, req.URL, req.TeamID, req.Name, req.Description, now)
		if err != nil {
			return fmt.Errorf("insert site: %w", err)
		}
		if tag.RowsAffected() == 1 {
			result.SiteCreated = true
			result.Site = analysis.Site{
				ID:          siteID,
				URL:         req.URL,
				TeamID:      req.TeamID,
				Name:        req.Name,
				Description: req.Description,
				IsActive:    true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		} else {
			site, err := scanSite(tx.QueryRow(ctx,
				`SELECT `+siteColumns+` FROM sites WHERE team_id = $1 AND url = $2`, req.TeamID, req.URL))
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("lookup site: %w", analysis.ErrSiteNotFound)
			}
			if err != nil {
				return fmt.Errorf("lookup site: %w", err)
			}
			result.Site = site
		}

		if _, err := tx.Exec(ctx, insertJobQuery, jobID, result.Site.ID, req.Priority, now); err != nil {
			return fmt.Errorf("insert crawl job: %w", err)
		}
		result.Job = newPendingJob(jobID, result.Site.ID, req.Priority, now)

		var userID *string
		if req.UserID != "" {
			userID = analysis.StringPtr(req.UserID)
		}
		_, err = s.appendUsage(ctx, tx, analysis.UsageEvent{
			TeamID:    req.TeamID,
			UserID:    userID,
			EventType: analysis.UsageCrawlStarted,
			Metadata:  map[string]any{"url": req.URL, "crawlJobId": jobID},
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return analysis.IntakeResult{}, err
	}
	return result, nil
}
