package streaming

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/goccy/go-json"

	"github.com/rizki96/exllm/pkg/types"
)

// BedrockPayloadDecoder turns one decoded Bedrock chunk payload into zero or
// more stream chunks. Each model family on Bedrock uses its own field names.
type BedrockPayloadDecoder func(payload []byte) ([]*types.StreamChunk, error)

// EventStreamDecoder decodes AWS event-stream frames from Bedrock's
// invoke-with-response-stream endpoint. Frames may arrive split across byte
// chunks; ping events and malformed frames are skipped rather than aborting
// the stream.
type EventStreamDecoder struct {
	buf     []byte
	decoder *eventstream.Decoder
	parse   BedrockPayloadDecoder
	done    bool
}

// NewEventStreamDecoder creates a decoder routing chunk payloads to the
// given sub-provider payload decoder.
func NewEventStreamDecoder(parse BedrockPayloadDecoder) *EventStreamDecoder {
	if parse == nil {
		parse = decodeAnthropicBedrock
	}
	return &EventStreamDecoder{
		decoder: eventstream.NewDecoder(),
		parse:   parse,
	}
}

// Decode consumes the next byte chunk and returns all chunks completed by it.
func (d *EventStreamDecoder) Decode(p []byte) ([]*types.StreamChunk, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, p...)

	var chunks []*types.StreamChunk
	for {
		frame, rest, ok := nextFrame(d.buf)
		if !ok {
			break
		}
		d.buf = rest

		msg, err := d.decoder.Decode(bytes.NewReader(frame), nil)
		if err != nil {
			// Best effort: skip the bad frame, keep the stream alive.
			continue
		}

		parsed := d.handleMessage(msg)
		for _, c := range parsed {
			chunks = append(chunks, c)
			if c.Terminal() {
				d.done = true
			}
		}
		if d.done {
			break
		}
	}
	return chunks, nil
}

func (d *EventStreamDecoder) handleMessage(msg eventstream.Message) []*types.StreamChunk {
	messageType := headerString(msg, ":message-type")
	if messageType == "exception" || messageType == "error" {
		return []*types.StreamChunk{{
			Content:      string(msg.Payload),
			FinishReason: "error",
		}}
	}

	switch headerString(msg, ":event-type") {
	case "chunk":
		payload := unwrapBedrockBytes(msg.Payload)
		parsed, err := d.parse(payload)
		if err != nil {
			return nil
		}
		return parsed
	default:
		// ping and unknown events are heartbeats.
		return nil
	}
}

// nextFrame returns the first complete event-stream frame in buf. The frame
// length lives in the first four bytes, big endian.
func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) < 4 {
		return nil, buf, false
	}
	total := binary.BigEndian.Uint32(buf[:4])
	if total < 16 || int(total) > len(buf) {
		return nil, buf, false
	}
	return buf[:total], buf[total:], true
}

func headerString(msg eventstream.Message, name string) string {
	for _, h := range msg.Headers {
		if h.Name == name {
			if s, ok := h.Value.Get().(string); ok {
				return s
			}
		}
	}
	return ""
}

// unwrapBedrockBytes extracts the base64 "bytes" envelope Bedrock wraps
// around every chunk payload. Payloads without the envelope pass through.
func unwrapBedrockBytes(payload []byte) []byte {
	var envelope struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Bytes == "" {
		return payload
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Bytes)
	if err != nil {
		return payload
	}
	return decoded
}

// BedrockFamilyDecoder returns the payload decoder for a Bedrock model
// family. Unknown families fall back to the Anthropic format.
func BedrockFamilyDecoder(family string) BedrockPayloadDecoder {
	switch family {
	case "anthropic":
		return decodeAnthropicBedrock
	case "amazon":
		return decodeTitan
	case "meta":
		return decodeLlama
	case "cohere":
		return decodeCohere
	case "ai21":
		return ParseOpenAIPayload
	case "mistral":
		return decodeMistralBedrock
	case "writer":
		return ParseOpenAIPayload
	case "deepseek":
		return decodeDeepSeekBedrock
	default:
		return decodeAnthropicBedrock
	}
}

func decodeAnthropicBedrock(payload []byte) ([]*types.StreamChunk, error) {
	return ParseAnthropicPayload(payload)
}

func decodeTitan(payload []byte) ([]*types.StreamChunk, error) {
	var ev struct {
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	finish := ""
	if ev.CompletionReason != "" {
		finish = "stop"
	}
	if ev.OutputText == "" && finish == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{Content: ev.OutputText, FinishReason: finish}}, nil
}

func decodeLlama(payload []byte) ([]*types.StreamChunk, error) {
	var ev struct {
		Generation string `json:"generation"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	if ev.Generation == "" && ev.StopReason == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{Content: ev.Generation, FinishReason: ev.StopReason}}, nil
}

func decodeCohere(payload []byte) ([]*types.StreamChunk, error) {
	var ev struct {
		Text         string `json:"text"`
		IsFinished   bool   `json:"is_finished"`
		FinishReason string `json:"finish_reason"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	finish := ""
	if ev.IsFinished {
		finish = "stop"
		if ev.FinishReason != "" {
			finish = ev.FinishReason
		}
	}
	if ev.Text == "" && finish == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{Content: ev.Text, FinishReason: finish}}, nil
}

func decodeMistralBedrock(payload []byte) ([]*types.StreamChunk, error) {
	var ev struct {
		Outputs []struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	if len(ev.Outputs) == 0 {
		return nil, nil
	}
	out := ev.Outputs[0]
	if out.Text == "" && out.StopReason == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{Content: out.Text, FinishReason: out.StopReason}}, nil
}

func decodeDeepSeekBedrock(payload []byte) ([]*types.StreamChunk, error) {
	var ev struct {
		Choices []struct {
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	if len(ev.Choices) == 0 {
		return nil, nil
	}
	choice := ev.Choices[0]
	if choice.Text == "" && choice.FinishReason == "" {
		return nil, nil
	}
	return []*types.StreamChunk{{Content: choice.Text, FinishReason: choice.FinishReason}}, nil
}
