package streaming

import (
	"bytes"

	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/pkg/types"
)

// PayloadParser turns one SSE data payload into zero or more chunks. Parsers
// return (nil, nil) for payloads that carry no text, e.g. heartbeat events.
type PayloadParser func(data []byte) ([]*types.StreamChunk, error)

// SSEDecoder is a stateful decoder for text/event-stream bodies. It carries a
// residual buffer so byte chunks may split events at arbitrary boundaries.
type SSEDecoder struct {
	buf   []byte
	parse PayloadParser
	done  bool
}

// NewSSEDecoder creates a decoder using the given payload parser. A nil
// parser defaults to the OpenAI-compatible delta format.
func NewSSEDecoder(parse PayloadParser) *SSEDecoder {
	if parse == nil {
		parse = ParseOpenAIPayload
	}
	return &SSEDecoder{parse: parse}
}

// Decode consumes the next byte chunk and returns all chunks completed by it.
// Malformed payloads are skipped; a single bad event never aborts the stream.
func (d *SSEDecoder) Decode(p []byte) ([]*types.StreamChunk, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, p...)

	var chunks []*types.StreamChunk
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := d.buf[:idx]
		d.buf = d.buf[idx+2:]

		payload, ok := dataPayload(event)
		if !ok {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			chunks = append(chunks, &types.StreamChunk{FinishReason: "stop"})
			d.done = true
			break
		}
		parsed, err := d.parse(payload)
		if err != nil {
			continue
		}
		chunks = append(chunks, parsed...)
	}
	return chunks, nil
}

// dataPayload extracts the data line of one SSE event.
func dataPayload(event []byte) ([]byte, bool) {
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if after, found := bytes.CutPrefix(line, []byte("data:")); found {
			return bytes.TrimSpace(after), true
		}
	}
	return nil, false
}

type openAIDelta struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// ParseOpenAIPayload parses the OpenAI chat.completion.chunk delta format
// used by OpenAI, Groq, Mistral, OpenRouter, Perplexity, and xAI.
func ParseOpenAIPayload(data []byte) ([]*types.StreamChunk, error) {
	var delta openAIDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, err
	}
	if len(delta.Choices) == 0 {
		return nil, nil
	}
	choice := delta.Choices[0]
	content := choice.Delta.Content
	if content == "" {
		content = choice.Delta.ReasoningContent
	}
	if content == "" && choice.FinishReason == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{
		Content:      content,
		FinishReason: choice.FinishReason,
		Model:        delta.Model,
	}}, nil
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
}

// ParseAnthropicPayload parses Anthropic messages streaming events:
// content_block_delta carries text, message_delta carries the stop reason,
// and message_stop terminates.
func ParseAnthropicPayload(data []byte) ([]*types.StreamChunk, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta.Text == "" {
			return nil, nil
		}
		return []*types.StreamChunk{{Content: ev.Delta.Text}}, nil
	case "message_delta":
		if ev.Delta.StopReason == "" {
			return nil, nil
		}
		return []*types.StreamChunk{{FinishReason: ev.Delta.StopReason}}, nil
	case "message_stop":
		return []*types.StreamChunk{{FinishReason: "stop"}}, nil
	default:
		return nil, nil
	}
}

type geminiEvent struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// ParseGeminiPayload parses Gemini streamGenerateContent SSE payloads.
func ParseGeminiPayload(data []byte) ([]*types.StreamChunk, error) {
	var ev geminiEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if len(ev.Candidates) == 0 {
		return nil, nil
	}
	cand := ev.Candidates[0]
	var text string
	for _, part := range cand.Content.Parts {
		text += part.Text
	}
	finish := ""
	if cand.FinishReason != "" {
		finish = "stop"
	}
	if text == "" && finish == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{Content: text, FinishReason: finish}}, nil
}
