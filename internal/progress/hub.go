package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/logging"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize is the capacity of the event channel (default 1024).
	BufferSize int
	// MaxBatchEvents flushes once this many events are queued (default 100).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long (default 250ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call (default 5s).
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans lifecycle events out to sinks. Emit is safe for concurrent use and
// never blocks.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
	lastLog atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logging.OrNop(cfg.Logger),
	}
	go h.run()
	return h
}

// Emit queues evt. Invalid events are discarded; a full buffer drops the
// event and logs a rate-limited warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.logDrops(time.Now())
	}
}

// Dropped returns the number of events dropped since the last drop warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) logDrops(now time.Time) {
	last := h.lastLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if h.lastLog.CompareAndSwap(last, now.UnixNano()) {
		h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
	}
}

// Close drains queued events, flushes and closes the sinks. Calls after the
// first only wait for shutdown to finish.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.stop)
	})
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
	var firstErr error
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close progress sink: %w", err)
		}
	}
	return firstErr
}

func (h *Hub) run() {
	defer close(h.done)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var flushC <-chan time.Time
	var timer *time.Timer

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, flushC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		h.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
			} else if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				flushC = timer.C
			}
		case <-flushC:
			timer, flushC = nil, nil
			flush()
		case <-h.stop:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}
