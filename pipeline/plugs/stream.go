package plugs

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/pipeline"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
	"github.com/rizki96/exllm/providers"
)

// readBufferSize is the producer's read granularity off the HTTP body.
const readBufferSize = 4096

// backpressureRetryDelay is how long the producer waits before re-offering a
// chunk the flow controller rejected.
const backpressureRetryDelay = 5 * time.Millisecond

// ChunkStream is the consumable end of a streaming response. Chunks arrive
// in producer order; the channel closes once the terminal chunk has been
// delivered and the flow controller has drained.
type ChunkStream struct {
	ch         chan *types.StreamChunk
	done       chan struct{}
	flow       *streaming.FlowController
	recoveryID string

	cancelOnce sync.Once
}

// Chunks returns the receive channel.
func (cs *ChunkStream) Chunks() <-chan *types.StreamChunk { return cs.ch }

// Recv blocks for the next chunk. ok is false once the stream is exhausted.
func (cs *ChunkStream) Recv() (chunk *types.StreamChunk, ok bool) {
	chunk, ok = <-cs.ch
	return chunk, ok
}

// Cancel signals that the consumer has gone away. Undelivered chunks are
// dropped so the producer can finish instead of waiting out the drain
// timeout.
func (cs *ChunkStream) Cancel() {
	cs.cancelOnce.Do(func() { close(cs.done) })
}

// RecoveryID identifies the partial-response record for this stream, when
// recovery is enabled.
func (cs *ChunkStream) RecoveryID() string { return cs.recoveryID }

// Stats snapshots the flow controller accounting.
func (cs *ChunkStream) Stats() streaming.FlowStats { return cs.flow.Stats() }

// ExecuteStreamRequest opens the streaming HTTP exchange and attaches the raw
// body reader for the stream parser.
func ExecuteStreamRequest(s *Services) pipeline.Plug {
	return pipeline.Func{
		PlugName: "execute_stream_request",
		Fn: func(req *pipeline.Request) *pipeline.Request {
			c, ok := client(req)
			if !ok {
				return req.HaltWithError("execute_stream_request", "exception", "http client was not built")
			}
			url, ok := requestURL(req)
			if !ok {
				return req.HaltWithError("execute_stream_request", "exception", "request url was not assigned")
			}
			bodyAny, _ := req.GetAssign(pipeline.AssignRequestBody)

			rc, status, err := c.Stream(req.Context, http.MethodPost, url, bodyAny)
			if err != nil {
				if httpErr, ok := err.(*llmerrors.LLMError); ok && httpErr.Kind == llmerrors.KindHTTP {
					if a, aerr := s.adapter(req); aerr == nil {
						if mapper, ok := a.(providers.ErrorMapper); ok {
							mapped := mapper.MapError(status, []byte(httpErr.Message))
							return req.HaltWithCause("execute_stream_request", "provider_error", mapped.Error(), mapped)
						}
					}
				}
				return req.HaltWithCause("execute_stream_request", reasonFor(err), err.Error(), err)
			}

			req.Assign(pipeline.AssignHTTPResponse, rc)
			return req
		},
	}
}

// StreamParseResponse wires the raw byte or token stream through the
// provider decoder and a flow controller, attaching a finite ChunkStream to
// the request. Runs only for streaming requests.
func StreamParseResponse(s *Services) pipeline.Plug {
	return pipeline.Conditional{
		PlugName:  "stream_parse_response",
		Predicate: func(req *pipeline.Request) bool { return req.Options.Stream },
		Then: pipeline.Func{
			PlugName: "stream_parse_response",
			Fn:       func(req *pipeline.Request) *pipeline.Request { return startStream(s, req) },
		},
	}
}

func startStream(s *Services, req *pipeline.Request) *pipeline.Request {
	recoveryID := req.Options.RecoveryID
	if s.Recovery != nil && recoveryID == "" {
		recoveryID = s.Recovery.InitRecovery(req.Provider, req.Messages, map[string]any{
			"model": req.Options.Model,
		})
		req.Options.RecoveryID = recoveryID
	}
	req.Assign(assignRecoveryID, recoveryID)

	capacity := req.Options.BufferCapacity
	if capacity <= 0 {
		capacity = s.Config.Current().Streaming.BufferCapacity
	}
	threshold := req.Options.BackpressureThreshold
	if threshold <= 0 {
		threshold = s.Config.Current().Streaming.BackpressureThreshold
	}
	batch := streaming.BatchConfig{}
	if req.Options.BatchConfig != nil {
		batch.BatchSize = req.Options.BatchConfig.BatchSize
		batch.BatchTimeout = req.Options.BatchConfig.BatchTimeout
	}

	cs := &ChunkStream{
		ch:         make(chan *types.StreamChunk, capacity*2),
		done:       make(chan struct{}),
		recoveryID: recoveryID,
	}
	callback := req.Config.StreamCallback

	consumer := func(chunks []*types.StreamChunk) {
		for _, chunk := range chunks {
			select {
			case <-cs.done:
				return
			default:
			}
			if s.Recovery != nil && recoveryID != "" {
				s.Recovery.RecordChunk(recoveryID, chunk)
			}
			if callback != nil {
				callback(chunk)
			}
			select {
			case cs.ch <- chunk:
			case <-cs.done:
				return
			}
			s.Emitter.Emit(telemetry.EventStreamChunk,
				map[string]any{"size_bytes": len(chunk.Content)},
				map[string]any{"provider": req.Provider, "request_id": req.ID})
		}
	}

	cs.flow = streaming.NewFlowController(streaming.FlowConfig{
		Provider:              req.Provider,
		BufferCapacity:        capacity,
		BackpressureThreshold: threshold,
		Batch:                 batch,
		Logger:                s.logger(),
		Metrics:               s.Metrics,
	}, consumer)

	s.Emitter.Emit(telemetry.EventStreamStart, nil,
		map[string]any{"provider": req.Provider, "request_id": req.ID})

	if tokens, ok := tokenStream(req); ok {
		go produceFromTokens(s, req, cs, tokens)
	} else {
		rc, decoder, errReq := byteStream(s, req)
		if errReq != nil {
			return errReq
		}
		go produceFromBytes(s, req, cs, rc, decoder)
	}

	req.Assign(pipeline.AssignResponseStream, cs)
	req.SetState(pipeline.StateStreaming)
	return req
}

func tokenStream(req *pipeline.Request) (providers.TokenStream, bool) {
	v, ok := req.GetAssign(pipeline.AssignTokenStream)
	if !ok {
		return nil, false
	}
	ts, ok := v.(providers.TokenStream)
	return ts, ok
}

func byteStream(s *Services, req *pipeline.Request) (io.ReadCloser, streaming.Decoder, *pipeline.Request) {
	v, ok := req.GetAssign(pipeline.AssignHTTPResponse)
	if !ok {
		return nil, nil, req.HaltWithError("stream_parse_response", "exception", "no response body to stream")
	}
	rc, ok := v.(io.ReadCloser)
	if !ok {
		return nil, nil, req.HaltWithError("stream_parse_response", "exception", "unexpected response body type")
	}

	a, err := s.adapter(req)
	if err != nil {
		rc.Close()
		return nil, nil, req.HaltWithCause("stream_parse_response", "validation", err.Error(), err)
	}
	streamer, ok := a.(providers.Streamer)
	if !ok {
		rc.Close()
		return nil, nil, req.HaltWithError("stream_parse_response", "validation",
			"provider "+req.Provider+" does not support streaming")
	}
	return rc, streamer.StreamDecoder(req), nil
}

// produceFromBytes reads the HTTP body, decodes, and feeds the flow
// controller until the terminal chunk, EOF, or cancellation. Decoder errors
// on individual reads are tolerated; a stream where nothing ever parsed ends
// with a protocol error chunk.
func produceFromBytes(s *Services, req *pipeline.Request, cs *ChunkStream, rc io.ReadCloser, decoder streaming.Decoder) {
	defer rc.Close()

	buf := make([]byte, readBufferSize)
	parsedAny := false
	terminal := false

	for !terminal {
		n, readErr := rc.Read(buf)
		if n > 0 {
			chunks, decErr := decoder.Decode(buf[:n])
			if decErr == nil {
				for _, chunk := range chunks {
					parsedAny = true
					if !pushChunk(req.Context, cs.flow, chunk) {
						terminal = true
						break
					}
					if chunk.Terminal() {
						terminal = true
						break
					}
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				pushChunk(req.Context, cs.flow, &types.StreamChunk{
					FinishReason: "error",
					Metadata:     map[string]any{"error": readErr.Error()},
				})
			} else if !parsedAny {
				pushChunk(req.Context, cs.flow, &types.StreamChunk{
					FinishReason: "error",
					Metadata:     map[string]any{"error": "no chunk could be decoded"},
				})
			}
			break
		}
	}

	finishStream(s, req, cs)
}

// produceFromTokens adapts a local token iterator into the chunk stream.
func produceFromTokens(s *Services, req *pipeline.Request, cs *ChunkStream, tokens providers.TokenStream) {
	defer tokens.Close()

	for {
		tok, err := tokens.Next()
		if err == io.EOF {
			pushChunk(req.Context, cs.flow, &types.StreamChunk{FinishReason: "stop"})
			break
		}
		if err != nil {
			pushChunk(req.Context, cs.flow, &types.StreamChunk{
				FinishReason: "error",
				Metadata:     map[string]any{"error": err.Error()},
			})
			break
		}
		if !pushChunk(req.Context, cs.flow, &types.StreamChunk{Content: tok}) {
			break
		}
	}

	finishStream(s, req, cs)
}

// pushChunk offers a chunk, waiting out advisory backpressure. Returns false
// when the request context is done.
func pushChunk(ctx context.Context, flow *streaming.FlowController, chunk *types.StreamChunk) bool {
	for {
		err := flow.PushChunk(ctx, chunk)
		if err == nil {
			return true
		}
		if llmerrors.KindOf(err) != llmerrors.KindBackpressure {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backpressureRetryDelay):
		}
	}
}

func finishStream(s *Services, req *pipeline.Request, cs *ChunkStream) {
	_ = cs.flow.CompleteStream(req.Context)
	close(cs.ch)

	stats := cs.flow.Stats()
	s.Emitter.Emit(telemetry.EventStreamStop,
		map[string]any{
			"chunks_delivered":    stats.Delivered,
			"chunks_dropped":      stats.Buffer.Dropped,
			"backpressure_events": stats.BackpressureEvents,
			"consumer_errors":     stats.ConsumerErrors,
		},
		map[string]any{"provider": req.Provider, "request_id": req.ID})
}
