package streaming

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rizki96/exllm/internal/metrics"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// Consumer receives batches of chunks from the flow controller. Panics are
// captured and counted; they never kill the consumer goroutine.
type Consumer func(chunks []*types.StreamChunk)

// FlowConfig configures a flow controller for one stream.
type FlowConfig struct {
	Provider              string
	BufferCapacity        int
	BackpressureThreshold float64
	Overflow              OverflowStrategy
	Batch                 BatchConfig
	// RateLimit paces chunk ingestion in chunks/second. Zero selects the
	// default of one chunk per millisecond; rate.Inf disables pacing.
	RateLimit rate.Limit
	// PollInterval is how often the consumer goroutine drains the buffer.
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Collector
}

// FlowStats is a snapshot of flow controller accounting.
type FlowStats struct {
	Buffer             BufferStats
	Delivered          uint64
	BackpressureEvents uint64
	ConsumerErrors     uint64
}

// FlowController sits between a stream decoder and the consumer callback.
// The producer pushes chunks in; a single consumer goroutine drains the
// buffer, batches, and delivers. Backpressure is signaled to the producer
// when the buffer crosses the configured threshold.
type FlowController struct {
	config   FlowConfig
	buffer   *Buffer
	batcher  *Batcher
	limiter  *rate.Limiter
	consumer Consumer
	logger   *slog.Logger

	mu                 sync.Mutex
	delivered          uint64
	backpressureEvents uint64
	consumerErrors     uint64

	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// NewFlowController creates a controller and starts its consumer goroutine.
func NewFlowController(cfg FlowConfig, consumer Consumer) *FlowController {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 100
	}
	if cfg.BackpressureThreshold <= 0 || cfg.BackpressureThreshold > 1 {
		cfg.BackpressureThreshold = 0.8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Every(time.Millisecond)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fc := &FlowController{
		config:   cfg,
		buffer:   NewBuffer(cfg.BufferCapacity, cfg.Overflow),
		batcher:  NewBatcher(cfg.Batch),
		consumer: consumer,
		logger:   cfg.Logger,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	if cfg.RateLimit > 0 && cfg.RateLimit != rate.Inf {
		fc.limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}

	go fc.run()
	return fc
}

// PushChunk offers a chunk to the stream. It returns a backpressure error
// when the buffer has crossed the threshold; below it, the overflow strategy
// decides what is kept when the buffer is at capacity.
func (fc *FlowController) PushChunk(ctx context.Context, chunk *types.StreamChunk) error {
	if fc.limiter != nil {
		if err := fc.limiter.Wait(ctx); err != nil {
			return llmerrors.NewCancelled("stream cancelled while rate limited").WithCause(err)
		}
	}

	fc.config.Metrics.ObserveStreamPush(fc.config.Provider)

	// Above the threshold the push is rejected outright; the signal is
	// advisory and the producer decides whether to retry or drop.
	if fc.buffer.Fill() >= fc.config.BackpressureThreshold {
		fc.mu.Lock()
		fc.backpressureEvents++
		fc.mu.Unlock()
		fc.config.Metrics.ObserveBackpressure(fc.config.Provider)
		return llmerrors.NewBackpressure()
	}

	if err := fc.buffer.Push(chunk); err != nil {
		return err
	}
	fc.config.Metrics.SetBufferSize(fc.config.Provider, fc.buffer.Len())
	return nil
}

// run is the consumer loop. It drains the buffer on every tick, feeds the
// batcher, and delivers completed or expired batches.
func (fc *FlowController) run() {
	defer close(fc.finished)

	ticker := time.NewTicker(fc.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fc.done:
			fc.drain(true)
			return
		case <-ticker.C:
			fc.drain(false)
			if batch := fc.batcher.Expired(); batch != nil {
				fc.deliver(batch)
			}
		}
	}
}

// drain empties the buffer through the batcher. When final is set, any
// partial batch is flushed as well.
func (fc *FlowController) drain(final bool) {
	for {
		chunk := fc.buffer.Pop()
		if chunk == nil {
			break
		}
		if batch := fc.batcher.Add(chunk); batch != nil {
			fc.deliver(batch)
		}
	}
	if final {
		if batch := fc.batcher.Flush(); batch != nil {
			fc.deliver(batch)
		}
	}
	fc.config.Metrics.SetBufferSize(fc.config.Provider, fc.buffer.Len())
}

func (fc *FlowController) deliver(batch []*types.StreamChunk) {
	defer func() {
		if r := recover(); r != nil {
			fc.mu.Lock()
			fc.consumerErrors++
			fc.mu.Unlock()
			fc.config.Metrics.ObserveConsumerError(fc.config.Provider)
			fc.logger.Error("stream consumer panicked",
				"provider", fc.config.Provider,
				"panic", r)
		}
	}()

	fc.consumer(batch)

	fc.mu.Lock()
	fc.delivered += uint64(len(batch))
	fc.mu.Unlock()
	fc.config.Metrics.ObserveStreamDelivery(fc.config.Provider, len(batch))
}

// CompleteStream stops ingestion and waits for buffered chunks to be
// delivered, up to the context deadline or 10 seconds.
func (fc *FlowController) CompleteStream(ctx context.Context) error {
	fc.stopOnce.Do(func() { close(fc.done) })

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	select {
	case <-fc.finished:
		return nil
	case <-time.After(timeout):
		return llmerrors.NewException("stream drain timed out")
	case <-ctx.Done():
		return llmerrors.NewCancelled("stream completion cancelled").WithCause(ctx.Err())
	}
}

// Stats returns a snapshot of flow accounting.
func (fc *FlowController) Stats() FlowStats {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return FlowStats{
		Buffer:             fc.buffer.Stats(),
		Delivered:          fc.delivered,
		BackpressureEvents: fc.backpressureEvents,
		ConsumerErrors:     fc.consumerErrors,
	}
}
