// Package ratelimit throttles crawl executions per target host.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

// Config holds the per-host token bucket settings.
type Config struct {
	// PerHostRPS is the sustained crawl rate per host; <= 0 disables throttling.
	PerHostRPS float64
	// Burst defaults to 1.
	Burst int
}

// Limiter hands out per-host tokens.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until rawURL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottleDelay(waited)
	}
	return nil
}

// Hosts reports how many hosts currently have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Wrap returns an executor that waits for a host token before delegating.
func (l *Limiter) Wrap(exec analysis.CrawlExecutor) analysis.CrawlExecutor {
	return &throttled{limiter: l, next: exec}
}

type throttled struct {
	limiter *Limiter
	next    analysis.CrawlExecutor
}

func (t *throttled) Execute(ctx context.Context, site analysis.Site) (analysis.ExecutionResult, error) {
	if err := t.limiter.Wait(ctx, site.URL); err != nil {
		return analysis.ExecutionResult{}, err
	}
	return t.next.Execute(ctx, site)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
