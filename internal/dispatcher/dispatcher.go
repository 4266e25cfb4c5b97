// Package dispatcher drives scheduler passes continuously: on a cron schedule
// and whenever a submission nudges it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/logging"
	"github.com/JakeFAU/site-analyzer/internal/scheduler"
)

// DefaultSchedule is the fallback cron spec for periodic passes.
const DefaultSchedule = "@every 30s"

// Runner executes one scheduler pass.
type Runner interface {
	RunOnce(ctx context.Context) (scheduler.Summary, error)
}

// Config controls the dispatcher.
type Config struct {
	// Schedule is a standard cron spec or descriptor such as "@every 30s".
	Schedule string
	// MaxConcurrentPasses bounds simultaneous passes; values below 1 mean 1.
	MaxConcurrentPasses int
}

// PassObserver is told about every finished pass.
type PassObserver func(summary scheduler.Summary, err error)

// Dispatcher starts scheduler passes from cron ticks and Trigger calls.
type Dispatcher struct {
	runner   Runner
	schedule cron.Schedule
	spec     string
	slots    chan struct{}
	nudge    chan struct{}
	pending  atomic.Bool
	running  atomic.Bool
	observer PassObserver
	logger   *zap.Logger
	wg       sync.WaitGroup

	// parked runs between parking a trigger and the retry; tests only.
	parked func()
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithObserver registers fn to receive every pass result.
func WithObserver(fn PassObserver) Option {
	return func(d *Dispatcher) {
		d.observer = fn
	}
}

// New creates a Dispatcher.
func New(runner Runner, cfg Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse dispatcher schedule %q: %w", spec, err)
	}
	limit := cfg.MaxConcurrentPasses
	if limit < 1 {
		limit = 1
	}
	d := &Dispatcher{
		runner:   runner,
		schedule: schedule,
		spec:     spec,
		slots:    make(chan struct{}, limit),
		nudge:    make(chan struct{}, 1),
		logger:   logging.OrNop(logger),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Trigger asks for a pass soon. It never blocks; triggers that arrive while a
// request is already queued are merged into it.
func (d *Dispatcher) Trigger() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run serves triggers until ctx is cancelled, then waits for in-flight passes.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	defer d.running.Store(false)

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{d.logger})), cron.WithLogger(cronLogger{d.logger}))
	c.Schedule(d.schedule, cron.FuncJob(d.Trigger))
	c.Start()
	d.logger.Info("dispatcher started", zap.String("schedule", d.spec), zap.Int("max_concurrent_passes", cap(d.slots)))

	defer func() {
		<-c.Stop().Done()
		d.wg.Wait()
		d.logger.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.nudge:
			d.start(ctx)
		}
	}
}

// start launches a pass when a slot is free. Otherwise the request is parked
// and replayed when a running pass finishes.
func (d *Dispatcher) start(ctx context.Context) {
	if !d.acquire() {
		d.pending.Store(true)
		if d.parked != nil {
			d.parked()
		}
		// A pass may have released its slot and checked pending before the
		// store above; retry once so the request is not stranded.
		if !d.acquire() {
			d.logger.Debug("all pass slots busy; trigger coalesced")
			return
		}
		d.pending.Store(false)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		summary, err := d.runner.RunOnce(ctx)
		<-d.slots
		if err != nil && ctx.Err() == nil {
			d.logger.Error("scheduler pass failed", zap.Error(err))
		}
		if d.observer != nil {
			d.observer(summary, err)
		}
		if d.pending.Swap(false) && ctx.Err() == nil {
			d.Trigger()
		}
	}()
}

func (d *Dispatcher) acquire() bool {
	select {
	case d.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
