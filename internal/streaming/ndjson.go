package streaming

import (
	"bytes"

	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/pkg/types"
)

// NDJSONDecoder decodes Ollama's newline-delimited JSON stream. No chunk is
// emitted until a complete line (terminated by '\n') has been seen.
type NDJSONDecoder struct {
	buf  []byte
	done bool
}

// NewNDJSONDecoder creates an empty decoder.
func NewNDJSONDecoder() *NDJSONDecoder {
	return &NDJSONDecoder{}
}

type ollamaLine struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// Decode consumes the next byte chunk and returns all chunks completed by it.
// The line with "done": true yields a terminal chunk with finish_reason
// "stop"; unparseable lines are skipped.
func (d *NDJSONDecoder) Decode(p []byte) ([]*types.StreamChunk, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, p...)

	var chunks []*types.StreamChunk
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		if len(line) == 0 {
			continue
		}

		var obj ollamaLine
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}

		if obj.Done {
			chunk := &types.StreamChunk{FinishReason: "stop", Model: obj.Model}
			if obj.PromptEvalCount > 0 || obj.EvalCount > 0 {
				chunk.Metadata = map[string]any{
					"input_tokens":  obj.PromptEvalCount,
					"output_tokens": obj.EvalCount,
				}
			}
			chunks = append(chunks, chunk)
			d.done = true
			break
		}
		if obj.Message.Content == "" {
			continue
		}
		chunks = append(chunks, &types.StreamChunk{
			Content: obj.Message.Content,
			Model:   obj.Model,
		})
	}
	return chunks, nil
}
