package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

type countingExecutor struct {
	calls int
}

func (c *countingExecutor) Execute(context.Context, analysis.Site) (analysis.ExecutionResult, error) {
	c.calls++
	return analysis.ExecutionResult{Title: "ok"}, nil
}

func TestLimiterWaitsPerHost(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the second call on a host waits ~100ms.
	l := New(Config{PerHostRPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://EXAMPLE.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.org"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "a different host has its own bucket")
	assert.Equal(t, 2, l.Hosts())
}

func TestLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHostRPS: 0.01, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow.example.com")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWrapDelegatesAfterToken(t *testing.T) {
	t.Parallel()

	next := &countingExecutor{}
	exec := New(Config{PerHostRPS: 0.01, Burst: 1}).Wrap(next)
	site := analysis.Site{ID: "site-1", URL: "https://example.com"}

	res, err := exec.Execute(context.Background(), site)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Title)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Execute(ctx, site)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, next.calls)
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", hostOf("https://Example.com:8443/path"))
	assert.Equal(t, "unknown", hostOf("::not a url"))
	assert.Equal(t, "unknown", hostOf(""))
}
