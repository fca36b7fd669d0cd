// Package metrics exposes Prometheus counters and gauges for the streaming,
// cache, and resilience subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all ExLLM Prometheus metrics. Components record into it;
// a nil *Collector is a valid no-op so metrics stay optional.
type Collector struct {
	StreamChunksReceived  *prometheus.CounterVec
	StreamChunksDelivered *prometheus.CounterVec
	StreamChunksDropped   *prometheus.CounterVec
	StreamBackpressure    *prometheus.CounterVec
	StreamConsumerErrors  *prometheus.CounterVec
	StreamBufferSize      *prometheus.GaugeVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CachePuts   *prometheus.CounterVec

	BreakerTransitions *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec
}

// NewCollector creates and registers all metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		StreamChunksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_stream_chunks_received_total",
			Help: "Chunks pushed into flow controllers.",
		}, []string{"provider"}),
		StreamChunksDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_stream_chunks_delivered_total",
			Help: "Chunks delivered to consumer callbacks.",
		}, []string{"provider"}),
		StreamChunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_stream_chunks_dropped_total",
			Help: "Chunks dropped by the overflow strategy.",
		}, []string{"provider"}),
		StreamBackpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_stream_backpressure_events_total",
			Help: "Pushes rejected because the buffer crossed the backpressure threshold.",
		}, []string{"provider"}),
		StreamConsumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_stream_consumer_errors_total",
			Help: "Panics captured from consumer callbacks.",
		}, []string{"provider"}),
		StreamBufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exllm_stream_buffer_size",
			Help: "Current number of buffered chunks.",
		}, []string{"provider"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_cache_hits_total",
			Help: "Cache hits by store kind.",
		}, []string{"store"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_cache_misses_total",
			Help: "Cache misses by store kind.",
		}, []string{"store"}),
		CachePuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_cache_puts_total",
			Help: "Cache populates by store kind.",
		}, []string{"store"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"name", "to"}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exllm_retry_attempts_total",
			Help: "Retry attempts by provider.",
		}, []string{"provider"}),
	}

	if reg != nil {
		reg.MustRegister(
			c.StreamChunksReceived, c.StreamChunksDelivered, c.StreamChunksDropped,
			c.StreamBackpressure, c.StreamConsumerErrors, c.StreamBufferSize,
			c.CacheHits, c.CacheMisses, c.CachePuts,
			c.BreakerTransitions, c.RetryAttempts,
		)
	}
	return c
}

// ObserveStreamPush records one received chunk.
func (c *Collector) ObserveStreamPush(provider string) {
	if c == nil {
		return
	}
	c.StreamChunksReceived.WithLabelValues(provider).Inc()
}

// ObserveStreamDelivery records delivered chunks.
func (c *Collector) ObserveStreamDelivery(provider string, n int) {
	if c == nil {
		return
	}
	c.StreamChunksDelivered.WithLabelValues(provider).Add(float64(n))
}

// ObserveStreamDrop records one dropped chunk.
func (c *Collector) ObserveStreamDrop(provider string) {
	if c == nil {
		return
	}
	c.StreamChunksDropped.WithLabelValues(provider).Inc()
}

// ObserveBackpressure records one rejected push.
func (c *Collector) ObserveBackpressure(provider string) {
	if c == nil {
		return
	}
	c.StreamBackpressure.WithLabelValues(provider).Inc()
}

// ObserveConsumerError records one captured consumer panic.
func (c *Collector) ObserveConsumerError(provider string) {
	if c == nil {
		return
	}
	c.StreamConsumerErrors.WithLabelValues(provider).Inc()
}

// SetBufferSize updates the buffer gauge.
func (c *Collector) SetBufferSize(provider string, size int) {
	if c == nil {
		return
	}
	c.StreamBufferSize.WithLabelValues(provider).Set(float64(size))
}

// ObserveCache records one cache access outcome.
func (c *Collector) ObserveCache(store, outcome string) {
	if c == nil {
		return
	}
	switch outcome {
	case "hit":
		c.CacheHits.WithLabelValues(store).Inc()
	case "miss":
		c.CacheMisses.WithLabelValues(store).Inc()
	case "put":
		c.CachePuts.WithLabelValues(store).Inc()
	}
}

// ObserveBreakerTransition records one state change.
func (c *Collector) ObserveBreakerTransition(name, to string) {
	if c == nil {
		return
	}
	c.BreakerTransitions.WithLabelValues(name, to).Inc()
}

// ObserveRetry records one retry attempt.
func (c *Collector) ObserveRetry(provider string) {
	if c == nil {
		return
	}
	c.RetryAttempts.WithLabelValues(provider).Inc()
}
