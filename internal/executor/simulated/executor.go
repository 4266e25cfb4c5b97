// Package simulated provides a stand-in crawl executor that sleeps for a random
// interval and fabricates analysis metrics. It lets the pipeline run end to end
// without fetching anything.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// Defaults mirror the behaviour operators expect from the demo executor.
const (
	DefaultMinLatency  = 2 * time.Second
	DefaultMaxLatency  = 5 * time.Second
	DefaultFailureRate = 0.1
)

// FailureMessage is the error text of a simulated failure.
const FailureMessage = "Simulated crawl failure"

// Config tunes the simulation.
type Config struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64
}

// DefaultConfig returns the stock latency window and failure rate.
func DefaultConfig() Config {
	return Config{
		MinLatency:  DefaultMinLatency,
		MaxLatency:  DefaultMaxLatency,
		FailureRate: DefaultFailureRate,
	}
}

// Validate checks the latency window and rate bounds.
func (c Config) Validate() error {
	if c.MinLatency < 0 || c.MaxLatency < 0 {
		return errors.New("latency must not be negative")
	}
	if c.MaxLatency < c.MinLatency {
		return fmt.Errorf("max latency %s below min latency %s", c.MaxLatency, c.MinLatency)
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("failure rate %v outside [0,1]", c.FailureRate)
	}
	return nil
}

// Executor implements analysis.CrawlExecutor.
type Executor struct {
	cfg   Config
	clock analysis.Clock
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRand replaces the uniform [0,1) source.
func WithRand(fn func() float64) Option {
	return func(e *Executor) {
		e.rand = fn
	}
}

// WithSleep replaces the context-aware sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = fn
	}
}

// New constructs an Executor.
func New(cfg Config, clock analysis.Clock, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("simulated executor config: %w", err)
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	e := &Executor{
		cfg:   cfg,
		clock: clock,
		rand:  rand.Float64,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute waits a random latency and then either fails or returns fabricated
// metrics for site.
func (e *Executor) Execute(ctx context.Context, site analysis.Site) (analysis.ExecutionResult, error) {
	latency := e.cfg.MinLatency + time.Duration(e.rand()*float64(e.cfg.MaxLatency-e.cfg.MinLatency))
	if err := e.sleep(ctx, latency); err != nil {
		return analysis.ExecutionResult{}, err
	}
	if e.rand() < e.cfg.FailureRate {
		return analysis.ExecutionResult{}, &analysis.ExecutorError{Message: FailureMessage}
	}

	label := site.Name
	if label == "" {
		label = site.URL
	}
	return analysis.ExecutionResult{
		Title:   "Analysis of " + label,
		Summary: "Comprehensive analysis of " + site.URL,
		Data: map[string]any{
			"url": site.URL,
			"metrics": map[string]any{
				"pageLoadTime":       e.rand()*3000 + 500,
				"seoScore":           60 + int(e.rand()*40),
				"accessibilityScore": 70 + int(e.rand()*30),
				"performanceScore":   75 + int(e.rand()*25),
			},
			"issues": []string{
				"Missing meta description",
				"Images missing alt text",
				"Slow page load time",
			},
			"recommendations": []string{
				"Add meta description for better SEO",
				"Include alt text for all images",
				"Optimize images for faster loading",
			},
			"timestamp": e.clock.Now().UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("simulated crawl interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
