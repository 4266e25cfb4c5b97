package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

func TestCanSubmitCeilingBoundary(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		prior int
		want  bool
	}{
		{name: "below ceiling", prior: 49, want: true},
		{name: "at ceiling", prior: 50, want: false},
		{name: "no usage", prior: 0, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ledger := &fakeLedger{}
			for i := 0; i < tc.prior; i++ {
				ledger.add("team-1", analysis.UsageCrawlStarted, now.Add(-time.Hour))
			}
			guard := newTestGuard(t, ledger, now, Ceilings{analysis.TierBase: 50})

			allowed, err := guard.CanSubmit(context.Background(), "team-1", analysis.TierBase)
			require.NoError(t, err)
			require.Equal(t, tc.want, allowed)
		})
	}
}

func TestCanSubmitCountsOnlyTodayAndCrawlStarted(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 0, 30, 0, 0, time.UTC)
	ledger := &fakeLedger{}
	ledger.add("team-1", analysis.UsageCrawlStarted, now.Add(-time.Hour))      // yesterday
	ledger.add("team-1", analysis.UsageReportGenerated, now.Add(-time.Minute)) // wrong type
	ledger.add("team-2", analysis.UsageCrawlStarted, now.Add(-time.Minute))    // other team
	ledger.add("team-1", analysis.UsageCrawlStarted, now.Add(-time.Minute))

	guard := newTestGuard(t, ledger, now, Ceilings{analysis.TierBase: 2})
	allowed, err := guard.CanSubmit(context.Background(), "team-1", analysis.TierBase)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), ledger.lastSince())
}

func TestCeilingByTier(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, &fakeLedger{}, time.Now(), nil)
	require.Equal(t, 50, guard.Ceiling(analysis.TierBase))
	require.Equal(t, 100, guard.Ceiling(analysis.TierPlus))
	require.Greater(t, guard.Ceiling(analysis.TierPlus), guard.Ceiling(analysis.TierBase))
	require.Equal(t, 50, guard.Ceiling("enterprise"))

	require.Equal(t, analysis.TierPlus, guard.TierFor("Plus"))
	require.Equal(t, analysis.TierBase, guard.TierFor("Starter"))
	require.Equal(t, analysis.TierBase, guard.TierFor(""))
}

func TestCanSubmitDeniesWithoutCeiling(t *testing.T) {
	t.Parallel()

	guard := newTestGuard(t, &fakeLedger{}, time.Now(), Ceilings{analysis.TierPlus: 10})
	allowed, err := guard.CanSubmit(context.Background(), "team-1", "unknown")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCanSubmitWrapsLedgerErrors(t *testing.T) {
	t.Parallel()

	ledger := &fakeLedger{err: errors.New("db down")}
	guard := newTestGuard(t, ledger, time.Now(), nil)
	_, err := guard.CanSubmit(context.Background(), "team-1", analysis.TierBase)
	require.ErrorContains(t, err, "count usage: db down")
}

func TestStartOfDayUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	instant := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC) // 01:30 on the 11th in UTC+2
	start := StartOfDay(instant, loc)
	require.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, loc), start)
	require.True(t, start.Before(instant))
}

func TestNewGuardValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewGuard(nil, fakeClock{}, nil, nil, nil)
	require.Error(t, err)
	_, err = NewGuard(&fakeLedger{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func newTestGuard(t *testing.T, ledger *fakeLedger, now time.Time, ceilings Ceilings) *Guard {
	t.Helper()
	guard, err := NewGuard(ledger, fakeClock{now: now}, ceilings, time.UTC, zap.NewNop())
	require.NoError(t, err)
	return guard
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type fakeLedger struct {
	mu     sync.Mutex
	events []analysis.UsageEvent
	since  time.Time
	err    error
}

func (l *fakeLedger) add(teamID string, typ analysis.UsageEventType, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, analysis.UsageEvent{TeamID: teamID, EventType: typ, CreatedAt: at})
}

func (l *fakeLedger) lastSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since
}

func (l *fakeLedger) CountUsage(
	_ context.Context,
	teamID string,
	eventType analysis.UsageEventType,
	since time.Time,
) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.since = since
	count := 0
	for _, evt := range l.events {
		if evt.TeamID == teamID && evt.EventType == eventType && !evt.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (l *fakeLedger) AppendUsage(_ context.Context, event analysis.UsageEvent) (analysis.UsageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return event, nil
}
