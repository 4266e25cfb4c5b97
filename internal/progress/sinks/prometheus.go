package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/site-analyzer/internal/progress"
)

// PrometheusSink exports job lifecycle metrics.
type PrometheusSink struct {
	jobsSubmitted prometheus.Counter
	jobsClaimed   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	execDuration  *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_jobs_submitted_total",
			Help: "Crawl jobs accepted by the submission service.",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_jobs_claimed_total",
			Help: "Crawl jobs claimed by a scheduler pass.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_jobs_finished_total",
			Help: "Crawl jobs that reached a terminal state, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_jobs_running",
			Help: "Crawl jobs currently claimed and not yet finished.",
		}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analyzer_executor_duration_seconds",
			Help:    "Crawl executor wall time, by result.",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsClaimed,
		s.jobsFinished,
		s.jobsRunning,
		s.execDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobSubmitted:
			s.jobsSubmitted.Inc()
		case progress.StageJobClaimed:
			s.jobsClaimed.Inc()
			if s.track(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobCompleted:
			s.finish(evt, "completed")
		case progress.StageJobFailed:
			s.finish(evt, "failed")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.execDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.track(evt.JobID, false) {
		s.jobsRunning.Dec()
	}
}

// track records a job as running (start=true) or finished and reports
// whether the running set changed.
func (s *PrometheusSink) track(jobID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	if start {
		if ok {
			return false
		}
		s.running[jobID] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.running, jobID)
	return true
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
