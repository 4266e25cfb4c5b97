// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/id/uuid"
)

var errClosed = errors.New("memory store is closed")

// Store implements analysis.Store on top of mutex-guarded maps. Every
// operation holds the single lock, so a claim is a compare-and-set on the
// job's status.
type Store struct {
	mu      sync.Mutex
	clock   analysis.Clock
	ids     analysis.IDGenerator
	order   analysis.PriorityOrder
	closed  bool
	seq     int64
	teams   map[string]analysis.Team
	members map[string]string
	sites   map[string]analysis.Site
	jobs    map[string]analysis.CrawlJob
	jobSeq  map[string]int64
	reports map[string]analysis.Report
	byJob   map[string]string
	usage   []analysis.UsageEvent
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(clock analysis.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides the record ID source.
func WithIDGenerator(ids analysis.IDGenerator) Option {
	return func(s *Store) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithPriorityOrder selects which end of the priority range is claimed first.
func WithPriorityOrder(order analysis.PriorityOrder) Option {
	return func(s *Store) {
		if order != "" {
			s.order = order
		}
	}
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:   system.New(),
		ids:     uuid.New(),
		order:   analysis.PriorityAscending,
		teams:   make(map[string]analysis.Team),
		members: make(map[string]string),
		sites:   make(map[string]analysis.Site),
		jobs:    make(map[string]analysis.CrawlJob),
		jobSeq:  make(map[string]int64),
		reports: make(map[string]analysis.Report),
		byJob:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutTeam registers a team and its members with the in-memory directory.
// A user keeps the first team it was added to.
func (s *Store) PutTeam(team analysis.Team, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.ID] = team
	for _, userID := range userIDs {
		if _, ok := s.members[userID]; !ok {
			s.members[userID] = team.ID
		}
	}
}

// TeamForUser resolves the caller's team.
func (s *Store) TeamForUser(_ context.Context, userID string) (analysis.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	teamID, ok := s.members[userID]
	if !ok {
		return analysis.Team{}, analysis.ErrNoTeam
	}
	team, ok := s.teams[teamID]
	if !ok {
		return analysis.Team{}, analysis.ErrNoTeam
	}
	return team, nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(_ context.Context, siteID string) (analysis.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return analysis.Site{}, analysis.ErrSiteNotFound
	}
	return site, nil
}

// CountUsage counts events of one type recorded for the team at or after since.
func (s *Store) CountUsage(
	_ context.Context,
	teamID string,
	eventType analysis.UsageEventType,
	since time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countUsageLocked(teamID, eventType, since), nil
}

func (s *Store) countUsageLocked(teamID string, eventType analysis.UsageEventType, since time.Time) int {
	count := 0
	for _, evt := range s.usage {
		if evt.TeamID == teamID && evt.EventType == eventType && !evt.CreatedAt.Before(since) {
			count++
		}
	}
	return count
}

// AppendUsage records a usage event, assigning ID and timestamp when unset.
func (s *Store) AppendUsage(_ context.Context, event analysis.UsageEvent) (analysis.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return analysis.UsageEvent{}, errClosed
	}
	return s.appendUsageLocked(event)
}

func (s *Store) appendUsageLocked(event analysis.UsageEvent) (analysis.UsageEvent, error) {
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
	event.Metadata = copyMap(event.Metadata)
	s.usage = append(s.usage, event)
	return event, nil
}

// UsageEvents returns a copy of the usage log.
func (s *Store) UsageEvents() []analysis.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]analysis.UsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

// Intake looks up or creates the site, enqueues a pending job and appends the
// crawl_started usage event as one step. With a positive QuotaCeiling the
// usage count is re-checked under the store lock first.
func (s *Store) Intake(_ context.Context, req analysis.IntakeRequest) (analysis.IntakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return analysis.IntakeResult{}, errClosed
	}
	if req.QuotaCeiling > 0 &&
		s.countUsageLocked(req.TeamID, analysis.UsageCrawlStarted, req.QuotaSince) >= req.QuotaCeiling {
		return analysis.IntakeResult{}, analysis.ErrQuotaExceeded
	}

	now := s.clock.Now()
	site, found := s.findSiteLocked(req.TeamID, req.URL)
	var newSiteID string
	if !found {
		id, err := s.ids.NewID()
		if err != nil {
			return analysis.IntakeResult{}, fmt.Errorf("site id: %w", err)
		}
		newSiteID = id
		site = analysis.Site{
			ID:          id,
			URL:         req.URL,
			TeamID:      req.TeamID,
			Name:        req.Name,
			Description: req.Description,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	jobID, err := s.ids.NewID()
	if err != nil {
		return analysis.IntakeResult{}, fmt.Errorf("job id: %w", err)
	}
	eventID, err := s.ids.NewID()
	if err != nil {
		return analysis.IntakeResult{}, fmt.Errorf("usage event id: %w", err)
	}

	// Nothing is written until every ID has been allocated.
	if newSiteID != "" {
		s.sites[site.ID] = site
	}
	job := s.insertJobLocked(jobID, site.ID, req.Priority, now)
	var userID *string
	if req.UserID != "" {
		userID = analysis.StringPtr(req.UserID)
	}
	if _, err := s.appendUsageLocked(analysis.UsageEvent{
		ID:        eventID,
		TeamID:    req.TeamID,
		UserID:    userID,
		EventType: analysis.UsageCrawlStarted,
		Metadata:  map[string]any{"url": req.URL, "crawlJobId": job.ID},
		CreatedAt: now,
	}); err != nil {
		return analysis.IntakeResult{}, err
	}
	return analysis.IntakeResult{Site: site, Job: copyJob(job), SiteCreated: !found}, nil
}

func (s *Store) findSiteLocked(teamID, url string) (analysis.Site, bool) {
	for _, site := range s.sites {
		if site.TeamID == teamID && site.URL == url {
			return site, true
		}
	}
	return analysis.Site{}, false
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed; subsequent writes fail.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeOrder(order analysis.PriorityOrder) analysis.PriorityOrder {
	if strings.EqualFold(string(order), string(analysis.PriorityDescending)) {
		return analysis.PriorityDescending
	}
	return analysis.PriorityAscending
}

var _ analysis.Store = (*Store)(nil)
