// Package telemetry provides span timing and event emission for ExLLM.
// Events follow a fixed taxonomy (chat, stream, cache, test_cache,
// provider.execution, http, embedding, cost, session, context) and every
// event carries timing measurements in nanoseconds plus derived duration_ms.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rizki96/exllm/pkg/types"
)

// Event is one emitted telemetry event.
type Event struct {
	Name         string
	Measurements map[string]any
	Metadata     map[string]any
}

// Handler receives emitted events. Handlers must not block.
type Handler func(Event)

// Emitter fans events out to registered handlers. It is safe for concurrent
// use; one process-wide instance is shared by all components.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[string]Handler)}
}

// Attach registers a named handler. Re-attaching a name replaces it.
func (e *Emitter) Attach(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Detach removes a named handler.
func (e *Emitter) Detach(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, name)
}

// Emit delivers the event to every handler. Panicking handlers are isolated.
func (e *Emitter) Emit(name string, measurements, metadata map[string]any) {
	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	ev := Event{Name: name, Measurements: measurements, Metadata: metadata}
	for _, h := range hs {
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}

// Span emits <name>.start, runs fn, then emits <name>.stop with duration and
// duration_ms on success or <name>.exception with the panic kind and reason
// before re-panicking. When the result is an *types.LLMResponse the stop
// metadata is enriched with token usage.
func (e *Emitter) Span(ctx context.Context, name string, metadata map[string]any, fn func(context.Context) (any, error)) (any, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	start := time.Now()
	e.Emit(name+".start", map[string]any{"system_time": start.UnixNano()}, metadata)

	var result any
	var err error
	panicked := true
	defer func() {
		if !panicked {
			return
		}
		r := recover()
		e.Emit(name+".exception", durationMeasurements(start), mergeMetadata(metadata, map[string]any{
			"kind":   "panic",
			"reason": fmt.Sprint(r),
		}))
		panic(r)
	}()

	result, err = fn(ctx)
	panicked = false

	stopMeta := metadata
	if resp, ok := result.(*types.LLMResponse); ok && resp != nil {
		stopMeta = mergeMetadata(metadata, map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.TotalTokens,
			"cost_cents":    resp.Cost * 100,
		})
	}
	if err != nil {
		stopMeta = mergeMetadata(stopMeta, map[string]any{"error": err.Error()})
	}
	e.Emit(name+".stop", durationMeasurements(start), stopMeta)
	return result, err
}

func durationMeasurements(start time.Time) map[string]any {
	d := time.Since(start)
	return map[string]any{
		"duration":    d.Nanoseconds(),
		"duration_ms": d.Milliseconds(),
	}
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Event name constants for the fixed taxonomy.
const (
	EventChat              = "exllm.chat"
	EventStreamStart       = "exllm.stream.start"
	EventStreamChunk       = "exllm.stream.chunk"
	EventStreamStop        = "exllm.stream.stop"
	EventCacheHit          = "exllm.cache.hit"
	EventCacheMiss         = "exllm.cache.miss"
	EventCachePut          = "exllm.cache.put"
	EventTestCacheHit      = "exllm.test_cache.hit"
	EventTestCacheMiss     = "exllm.test_cache.miss"
	EventTestCacheSave     = "exllm.test_cache.save"
	EventProviderExecution = "exllm.provider.execution"
	EventHTTP              = "exllm.http"
	EventHTTPStart         = "exllm.http.start"
	EventHTTPStop          = "exllm.http.stop"
	EventHTTPError         = "exllm.http.error"
	EventEmbedding         = "exllm.embedding"
	EventCostCalculated    = "exllm.cost.calculated"
	EventSession           = "exllm.session"
	EventContext           = "exllm.context"
)
