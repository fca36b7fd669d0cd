package exllm

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rizki96/exllm/internal/streaming"
	"github.com/rizki96/exllm/pipeline/plugs"
	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// StreamStats is the flow controller accounting snapshot for one stream.
type StreamStats = streaming.FlowStats

// StreamReader is the pull side of a streaming response. Recv returns chunks
// in order and io.EOF once the terminal chunk has been consumed. Readers are
// not safe for concurrent Recv calls.
type StreamReader struct {
	provider string
	cs       *plugs.ChunkStream

	started time.Time
	firstAt time.Time
	done    bool

	closeOnce sync.Once
}

func newStreamReader(provider string, cs *plugs.ChunkStream) *StreamReader {
	return &StreamReader{provider: provider, cs: cs, started: time.Now()}
}

// Recv blocks for the next chunk. The terminal chunk is returned to the
// caller; the following call returns io.EOF. A stream that failed mid-flight
// ends with a provider error instead of its terminal chunk.
func (r *StreamReader) Recv() (*types.StreamChunk, error) {
	if r.done {
		return nil, io.EOF
	}
	chunk, ok := r.cs.Recv()
	if !ok {
		r.done = true
		return nil, io.EOF
	}
	if r.firstAt.IsZero() {
		r.firstAt = time.Now()
	}
	if chunk.Terminal() {
		r.done = true
		if chunk.FinishReason == "error" {
			return nil, streamError(r.provider, chunk)
		}
	}
	return chunk, nil
}

// Close abandons the remainder of the stream. Undelivered chunks are dropped
// and the producer finishes without waiting for a reader.
func (r *StreamReader) Close() error {
	r.closeOnce.Do(func() { r.cs.Cancel() })
	return nil
}

// RecoveryID identifies the partial-response record for this stream.
func (r *StreamReader) RecoveryID() string { return r.cs.RecoveryID() }

// TTFT is the time from stream start to the first received chunk. Zero until
// a chunk has arrived.
func (r *StreamReader) TTFT() time.Duration {
	if r.firstAt.IsZero() {
		return 0
	}
	return r.firstAt.Sub(r.started)
}

// Stats snapshots the flow controller accounting for this stream.
func (r *StreamReader) Stats() StreamStats { return r.cs.Stats() }

// streamError turns an error-terminal chunk into a typed error.
func streamError(provider string, chunk *types.StreamChunk) error {
	msg := "stream failed"
	if chunk.Metadata != nil {
		if v, ok := chunk.Metadata["error"]; ok {
			msg = fmt.Sprint(v)
		}
	}
	return llmerrors.NewProvider(provider, 0, msg)
}
