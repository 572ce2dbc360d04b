// Package types defines the shared types used across Calli packages.
//
// These types form the lingua franca between the model providers, the memory
// layer, the prompt assembler, and the chat service. They are intentionally
// minimal; each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

// Conversation roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name (for multi-speaker contexts).
	Name string `json:"name,omitempty"`
}

// IsConversational reports whether m belongs to the user/assistant exchange
// (as opposed to instructions injected by the server).
func (m Message) IsConversational() bool {
	return m.Role == RoleUser || m.Role == RoleAssistant
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int
}
