// Package server builds the analyzer's dependency graph and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/api"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/config"
	"github.com/JakeFAU/site-analyzer/internal/dispatcher"
	"github.com/JakeFAU/site-analyzer/internal/executor/simulated"
	"github.com/JakeFAU/site-analyzer/internal/hash/sha256"
	"github.com/JakeFAU/site-analyzer/internal/logging"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
	"github.com/JakeFAU/site-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/site-analyzer/internal/progress"
	progresssinks "github.com/JakeFAU/site-analyzer/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/site-analyzer/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-analyzer/internal/publisher/pubsub"
	"github.com/JakeFAU/site-analyzer/internal/quota"
	"github.com/JakeFAU/site-analyzer/internal/report"
	"github.com/JakeFAU/site-analyzer/internal/scheduler"
	gcsstorage "github.com/JakeFAU/site-analyzer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-analyzer/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-analyzer/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-analyzer/internal/storage/postgres"
	"github.com/JakeFAU/site-analyzer/internal/submission"
	"github.com/JakeFAU/site-analyzer/internal/telemetry"
)

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	executor   analysis.CrawlExecutor
	clock      analysis.Clock
	gcsOpts    []option.ClientOption
	pubsubOpts []option.ClientOption
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithExecutor replaces the simulated crawl executor.
func WithExecutor(exec analysis.CrawlExecutor) Option {
	return func(o *options) { o.executor = exec }
}

// WithClock overrides the wall clock.
func WithClock(clock analysis.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithGCSOptions passes client options to the GCS client (emulators, credentials).
func WithGCSOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.gcsOpts = append(o.gcsOpts, opts...) }
}

// WithPubSubOptions passes client options to the Pub/Sub client.
func WithPubSubOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOpts = append(o.pubsubOpts, opts...) }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        analysis.Store
	blobs        analysis.BlobStore
	gcs          *gcsstorage.BlobStore
	publisher    analysis.Publisher
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	hub          *progress.Hub
	loop         *scheduler.Loop
	dispatch     *dispatcher.Dispatcher
	service      *submission.Service
	api          *api.Server
	tracer       *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build opens every backend named by cfg and wires the pipeline. On error
// anything already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}

	app := &App{cfg: cfg, logger: logging.OrNop(logger)}
	app.logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("db_backend", cfg.DB.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("pubsub_backend", cfg.PubSub.Backend),
	)
	if err := app.build(ctx, o); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o options) error {
	if a.cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: a.cfg.Telemetry.ServiceName,
			SampleRatio: a.cfg.Telemetry.SampleRatio,
			LogSpans:    a.cfg.Telemetry.LogSpans,
		}, a.logger.Named("trace"))
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}
	if err := a.setupStore(ctx, o.clock); err != nil {
		return err
	}
	if err := a.setupBlobs(ctx, o.gcsOpts); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx, o.pubsubOpts); err != nil {
		return err
	}
	emitter, err := a.setupProgress(o.registerer)
	if err != nil {
		return err
	}
	return a.setupPipeline(o, emitter)
}

func (a *App) setupStore(ctx context.Context, clock analysis.Clock) error {
	order := analysis.PriorityOrder(a.cfg.Scheduler.PriorityOrder)
	switch a.cfg.DB.Backend {
	case config.BackendPostgres:
		if a.cfg.DB.MigrateOnStart {
			if err := pgstore.Migrate(ctx, a.cfg.DB.DSN); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			a.logger.Info("database migrations applied")
		}
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSec) * time.Second,
			PriorityOrder:   order,
		}, pgstore.WithClock(clock))
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres store", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	default:
		store := memorystorage.NewStore(
			memorystorage.WithClock(clock),
			memorystorage.WithPriorityOrder(order),
		)
		for _, team := range a.cfg.DB.SeedTeams {
			store.PutTeam(analysis.Team{
				ID:                 team.ID,
				Name:               team.Name,
				PlanName:           team.PlanName,
				SubscriptionStatus: team.SubscriptionStatus,
			}, team.Members...)
		}
		a.store = store
		a.logger.Info("using in-memory store", zap.Int("seed_teams", len(a.cfg.DB.SeedTeams)))
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context, gcsOpts []option.ClientOption) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket}, gcsOpts...)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.blobs = store
		a.logger.Info("archiving reports to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("archiving reports to disk", zap.String("path", a.cfg.Storage.LocalDir))
	case config.BackendMemory:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("archiving reports in memory")
	default:
		a.logger.Info("report archiving disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context, opts []option.ClientOption) error {
	switch a.cfg.PubSub.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID, opts...)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		pub, err := gcppublisher.New(client, a.cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsubPub = pub
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	case config.BackendMemory:
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("job notifications disabled")
	}
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.publisher != nil {
		pubSink, err := progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("progress publisher init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", a.cfg.Progress.BufferSize),
	)
	return a.hub, nil
}

func (a *App) setupPipeline(o options, emitter progress.Emitter) error {
	loc, err := a.cfg.QuotaLocation()
	if err != nil {
		return err
	}
	ceilings := make(quota.Ceilings, len(a.cfg.Quota.Ceilings))
	for tier, limit := range a.cfg.Quota.Ceilings {
		ceilings[analysis.Tier(tier)] = limit
	}
	guard, err := quota.NewGuard(a.store, o.clock, ceilings, loc, a.logger.Named("quota"))
	if err != nil {
		return fmt.Errorf("quota guard init failed: %w", err)
	}

	exec := o.executor
	if exec == nil {
		sim, simErr := simulated.New(simulated.Config{
			MinLatency:  time.Duration(a.cfg.Executor.MinLatencyMs) * time.Millisecond,
			MaxLatency:  time.Duration(a.cfg.Executor.MaxLatencyMs) * time.Millisecond,
			FailureRate: a.cfg.Executor.FailureRate,
		}, o.clock)
		if simErr != nil {
			return fmt.Errorf("executor init failed: %w", simErr)
		}
		exec = sim
	}
	if a.cfg.Executor.PerHostRPS > 0 {
		exec = ratelimit.New(ratelimit.Config{
			PerHostRPS: a.cfg.Executor.PerHostRPS,
			Burst:      a.cfg.Executor.PerHostBurst,
		}).Wrap(exec)
		a.logger.Info("per-host crawl throttle enabled", zap.Float64("rps", a.cfg.Executor.PerHostRPS))
	}

	writerOpts := []report.Option{report.WithHasher(sha256.New())}
	if a.blobs != nil {
		writerOpts = append(writerOpts, report.WithArchive(a.blobs, a.cfg.Storage.Prefix))
	}
	writer, err := report.NewWriter(a.store, a.store, o.clock, a.logger.Named("report"), writerOpts...)
	if err != nil {
		return fmt.Errorf("report writer init failed: %w", err)
	}

	a.loop, err = scheduler.New(a.store, a.store, exec, writer, emitter, o.clock, scheduler.Config{
		JobTimeout:     a.cfg.JobTimeout(),
		MaxJobsPerPass: a.cfg.Scheduler.MaxJobsPerPass,
	}, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.dispatch, err = dispatcher.New(a.loop, dispatcher.Config{
		Schedule:            a.cfg.Dispatcher.Schedule,
		MaxConcurrentPasses: a.cfg.Dispatcher.MaxConcurrentPasses,
	}, a.logger.Named("dispatcher"), dispatcher.WithObserver(func(sum scheduler.Summary, err error) {
		metrics.ObservePass(sum.Claimed, err)
	}))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	var trigger submission.Trigger
	if a.cfg.Dispatcher.Enabled {
		trigger = a.dispatch
	}
	a.service, err = submission.NewService(submission.Deps{
		Directory: a.store,
		Intake:    a.store,
		Reports:   a.store,
		Jobs:      a.store,
		Sites:     a.store,
		Quota:     guard,
		Runner:    a.loop,
		Trigger:   trigger,
		Emitter:   emitter,
		Clock:     o.clock,
		Logger:    a.logger.Named("submission"),
	}, submission.Config{StrictQuota: a.cfg.Quota.Strict})
	if err != nil {
		return fmt.Errorf("submission service init failed: %w", err)
	}

	a.api = api.NewServer(a.service, a.store, a.cfg, a.logger.Named("api"))
	return nil
}

// Store exposes the persistence backend to operator commands.
func (a *App) Store() analysis.Store { return a.store }

// Service returns the submission workflow.
func (a *App) Service() *submission.Service { return a.service }

// Scheduler returns the pass runner.
func (a *App) Scheduler() *scheduler.Loop { return a.loop }

// Publisher returns the notification publisher, or nil when disabled.
func (a *App) Publisher() analysis.Publisher { return a.publisher }

// RunOnce runs a single scheduler pass.
func (a *App) RunOnce(ctx context.Context) (scheduler.Summary, error) {
	return a.service.RunWorkerOnce(ctx)
}

// Enqueue adds a PENDING job for an existing site, bypassing quota. The
// dispatcher is nudged when it is enabled.
func (a *App) Enqueue(ctx context.Context, siteID string, priority int) (analysis.CrawlJob, error) {
	if _, err := a.store.GetSite(ctx, siteID); err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("lookup site %s: %w", siteID, err)
	}
	job, err := a.store.Enqueue(ctx, siteID, priority)
	if err != nil {
		return analysis.CrawlJob{}, fmt.Errorf("enqueue job: %w", err)
	}
	a.logger.Info("job enqueued", zap.String("job_id", job.ID), zap.String("site_id", siteID), zap.Int("priority", priority))
	if a.cfg.Dispatcher.Enabled {
		a.dispatch.Trigger()
	}
	return job, nil
}

// Handler returns the HTTP router.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Serve runs the HTTP API and, when enabled, the background dispatcher until
// ctx is cancelled or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.cfg.Dispatcher.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.dispatch.Run(ctx); err != nil {
				a.logger.Error("dispatcher exited", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	grace := a.cfg.ShutdownGrace()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancel()
	wg.Wait()
	return runErr
}

// RunWorker runs the dispatcher alone until ctx is cancelled. An initial pass
// is triggered immediately.
func (a *App) RunWorker(ctx context.Context) error {
	a.dispatch.Trigger()
	if err := a.dispatch.Run(ctx); err != nil {
		return fmt.Errorf("run dispatcher: %w", err)
	}
	return nil
}

// Close releases every backend. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if a.pubsubPub != nil {
			a.pubsubPub.Close()
		}
		if a.pubsubClient != nil {
			if err := a.pubsubClient.Close(); err != nil {
				a.logger.Warn("pubsub client close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if a.gcs != nil {
			if err := a.gcs.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if a.store != nil {
			a.store.Close()
		}
		if a.tracer != nil {
			if err := a.tracer.Shutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
