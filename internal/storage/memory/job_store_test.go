package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()

	job, err := store.Enqueue(ctx, site.ID, 0)
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusPending, job.Status)
	require.Nil(t, job.StartedAt)

	claimed, ok, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, analysis.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, ok, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.False(t, ok, "expected no further pending jobs")

	require.NoError(t, store.MarkFailed(ctx, job.ID, "boom"))
	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.JobStatusFailed, final.Status)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.ErrorMessage)
	require.Equal(t, "boom", *final.ErrorMessage)
}

func TestJobStoreRejectsIllegalTransitions(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()
	job, err := store.Enqueue(ctx, site.ID, 0)
	require.NoError(t, err)

	require.ErrorIs(t, store.MarkCompleted(ctx, job.ID), analysis.ErrInvalidTransition, "pending -> completed")
	require.ErrorIs(t, store.MarkFailed(ctx, job.ID, "x"), analysis.ErrInvalidTransition, "pending -> failed")

	_, _, err = store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, job.ID))

	require.ErrorIs(t, store.MarkFailed(ctx, job.ID, "late"), analysis.ErrInvalidTransition, "completed -> failed")
	require.ErrorIs(t, store.MarkCompleted(ctx, job.ID), analysis.ErrInvalidTransition, "completed -> completed")
	require.ErrorIs(t, store.MarkCompleted(ctx, "missing"), analysis.ErrJobNotFound)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, got.ErrorMessage, "rejected transition must not write")
}

func TestClaimNextOrdering(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		order analysis.PriorityOrder
		want  []string
	}{
		{name: "ascending", order: analysis.PriorityAscending, want: []string{"p0-a", "p0-b", "p5"}},
		{name: "descending", order: analysis.PriorityDescending, want: []string{"p5", "p0-a", "p0-b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store, site := newSeededStore(t, WithPriorityOrder(tc.order))
			ctx := context.Background()
			names := map[string]string{}
			for _, seed := range []struct {
				name     string
				priority int
			}{{"p5", 5}, {"p0-a", 0}, {"p0-b", 0}} {
				job, err := store.Enqueue(ctx, site.ID, seed.priority)
				require.NoError(t, err)
				names[job.ID] = seed.name
			}
			var got []string
			for {
				job, ok, err := store.ClaimNext(ctx)
				require.NoError(t, err)
				if !ok {
					break
				}
				got = append(got, names[job.ID])
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClaimNextSingleWinnerUnderConcurrency(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	ctx := context.Background()
	_, err := store.Enqueue(ctx, site.ID, 0)
	require.NoError(t, err)

	const claimers = 32
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, err := store.ClaimNext(ctx); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.EqualValues(t, 1, wins.Load(), "expected exactly one winner")
}

func TestEnqueueRequiresSite(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_, err := store.Enqueue(context.Background(), "missing", 0)
	require.ErrorIs(t, err, analysis.ErrSiteNotFound)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	t.Parallel()

	store, site := newSeededStore(t)
	store.Close()
	require.Error(t, store.Ping(context.Background()))
	_, err := store.Enqueue(context.Background(), site.ID, 0)
	require.Error(t, err)
}

// newSeededStore returns a store with one team (member "user-1") and one site.
func newSeededStore(t *testing.T, opts ...Option) (*Store, analysis.Site) {
	t.Helper()
	base := []Option{
		WithClock(&stepClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), step: time.Second}),
		WithIDGenerator(&seqIDs{}),
	}
	store := NewStore(append(base, opts...)...)
	store.PutTeam(analysis.Team{ID: "team-1", PlanName: "base", SubscriptionStatus: "active"}, "user-1")
	res, err := store.Intake(context.Background(), analysis.IntakeRequest{
		TeamID: "team-1",
		URL:    "https://example.com",
		Name:   "Example",
	})
	require.NoError(t, err)
	_, ok, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkFailed(context.Background(), res.Job.ID, "seed"))
	return store, res.Site
}

type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

type seqIDs struct {
	n atomic.Int64
}

func (g *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", g.n.Add(1)), nil
}
