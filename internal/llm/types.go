// Package llm provides model provider clients behind a single
// block-structured conversation format.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType identifies the kind of content a [Block] carries.
type BlockType string

// Block types.
const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// StopReason is the provider's signal for why generation ended.
type StopReason string

// Stop reasons. Providers may report others (e.g. "stop_sequence");
// only [StopToolUse] changes loop behavior.
const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Message is one role-tagged conversation turn made of ordered blocks.
type Message struct {
	Role   string  `json:"role"`
	Blocks []Block `json:"blocks"`
}

// Block is a single unit of content within a turn. Exactly one of
// Text, ToolCall, or ToolResult is meaningful, selected by Type.
type Block struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is a model's request to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers the [ToolCall] with the matching ID.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextMessage builds a single-text-block turn.
func TextMessage(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// ToolResultsMessage bundles results into one user turn, preserving order.
func ToolResultsMessage(results []ToolResult) Message {
	blocks := make([]Block, len(results))
	for i := range results {
		r := results[i]
		blocks[i] = Block{Type: BlockToolResult, ToolResult: &r}
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text returns the first text block's content, or "" if there is none.
func (m Message) Text() string {
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			return b.Text
		}
	}
	return ""
}

// ToolCalls returns every tool_use block's call in emission order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// HasToolUse reports whether the turn contains any tool_use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// OnlyToolResults reports whether every block is a tool_result. An empty
// turn reports false.
func (m Message) OnlyToolResults() bool {
	if len(m.Blocks) == 0 {
		return false
	}
	for _, b := range m.Blocks {
		if b.Type != BlockToolResult {
			return false
		}
	}
	return true
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	// Tools are OpenAI-style definitions:
	// {"type":"function","function":{"name","description","parameters"}}.
	Tools     []map[string]any
	MaxTokens int
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model        string
	Message      Message
	StopReason   StopReason
	InputTokens  int
	OutputTokens int
}
