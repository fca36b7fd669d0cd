// Package types defines the canonical data structures carried through the
// ExLLM pipeline. Provider adapters translate between these types and each
// provider's native wire format.
package types

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// KnownRole reports whether r is one of the recognized message roles.
func KnownRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ContentPartType identifies the kind of a typed content part.
type ContentPartType string

const (
	PartText       ContentPartType = "text"
	PartImageURL   ContentPartType = "image_url"
	PartAudioInput ContentPartType = "audio_input"
)

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
	// AudioData is base64-encoded audio for audio_input parts.
	AudioData   string `json:"audio_data,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
}

// Message is a single turn in the conversation. Content holds plain text;
// Parts holds typed multimodal content. Exactly one of the two should be set.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
	Name    string        `json:"name,omitempty"`
	// ToolCallID links a tool-role message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Empty reports whether the message carries no content at all.
func (m Message) Empty() bool {
	return m.Content == "" && len(m.Parts) == 0
}

// Text flattens the message body to plain text, concatenating text parts.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
