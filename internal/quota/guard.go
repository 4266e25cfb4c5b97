// Package quota decides whether a team may submit another crawl today.
//
// The guard is read-only: it counts crawl_started usage events since local
// midnight and compares the count with the ceiling configured for the team's
// plan tier. Two concurrent submissions can both pass the check before either
// usage event is visible, so the ceiling is best-effort unless the caller also
// passes the ceiling to the store intake (strict mode), which re-counts under a
// per-team lock.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/logging"
)

// Ceilings maps a plan tier to its daily submission ceiling.
type Ceilings map[analysis.Tier]int

// DefaultCeilings mirrors the published plans.
func DefaultCeilings() Ceilings {
	return Ceilings{
		analysis.TierBase: 50,
		analysis.TierPlus: 100,
	}
}

// Guard evaluates daily quota for a team.
type Guard struct {
	ledger   analysis.UsageLedger
	clock    analysis.Clock
	ceilings Ceilings
	location *time.Location
	logger   *zap.Logger
}

// NewGuard constructs a Guard. A nil location means the process local zone.
func NewGuard(
	ledger analysis.UsageLedger,
	clock analysis.Clock,
	ceilings Ceilings,
	location *time.Location,
	logger *zap.Logger,
) (*Guard, error) {
	if ledger == nil {
		return nil, errors.New("usage ledger is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if len(ceilings) == 0 {
		ceilings = DefaultCeilings()
	}
	if location == nil {
		location = time.Local
	}
	copied := make(Ceilings, len(ceilings))
	for tier, limit := range ceilings {
		copied[normalizeTier(string(tier))] = limit
	}
	return &Guard{
		ledger:   ledger,
		clock:    clock,
		ceilings: copied,
		location: location,
		logger:   logging.OrNop(logger),
	}, nil
}

// CanSubmit reports whether the team is below its ceiling for today.
func (g *Guard) CanSubmit(ctx context.Context, teamID string, tier analysis.Tier) (bool, error) {
	ceiling := g.Ceiling(tier)
	if ceiling <= 0 {
		return false, nil
	}
	since := g.PeriodStart()
	count, err := g.ledger.CountUsage(ctx, teamID, analysis.UsageCrawlStarted, since)
	if err != nil {
		return false, fmt.Errorf("count usage: %w", err)
	}
	allowed := count < ceiling
	if !allowed {
		g.logger.Info("quota exhausted",
			zap.String("team_id", teamID),
			zap.String("tier", string(tier)),
			zap.Int("count", count),
			zap.Int("ceiling", ceiling),
		)
	}
	return allowed, nil
}

// Ceiling returns the ceiling for tier, falling back to the base tier.
func (g *Guard) Ceiling(tier analysis.Tier) int {
	if limit, ok := g.ceilings[normalizeTier(string(tier))]; ok {
		return limit
	}
	return g.ceilings[analysis.TierBase]
}

// TierFor resolves a plan name to a configured tier.
func (g *Guard) TierFor(planName string) analysis.Tier {
	tier := normalizeTier(planName)
	if _, ok := g.ceilings[tier]; ok {
		return tier
	}
	return analysis.TierBase
}

// PeriodStart returns local midnight of the current instant.
func (g *Guard) PeriodStart() time.Time {
	return StartOfDay(g.clock.Now(), g.location)
}

// StartOfDay returns midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func normalizeTier(name string) analysis.Tier {
	return analysis.Tier(strings.ToLower(strings.TrimSpace(name)))
}
