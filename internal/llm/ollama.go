package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/crm-assistant/internal/httpkit"
)

// OllamaClient is a client for a local Ollama server. Ollama speaks a
// flat OpenAI-style message format, so block-structured turns are
// flattened on the way out and rebuilt on the way back.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		// Large local models with tools need time.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // object, not string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Chat sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.System, req.Messages),
		Tools:    req.Tools,
	}
	if req.MaxTokens > 0 {
		body.Options = &ollamaOptions{NumPredict: req.MaxTokens}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var or ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// Some models emit tool calls as JSON text instead of tool_calls.
	if len(or.Message.ToolCalls) == 0 && or.Message.Content != "" {
		if parsed := parseTextToolCalls(or.Message.Content); len(parsed) > 0 {
			or.Message.ToolCalls = parsed
			or.Message.Content = ""
		}
	}

	return convertFromOllama(&or), nil
}

// convertToOllama flattens block turns. Each tool_result block becomes
// its own "tool" message; Ollama correlates by order and tool name.
func convertToOllama(system string, msgs []Message) []ollamaMessage {
	var out []ollamaMessage
	if system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}

	names := make(map[string]string) // tool call ID → tool name
	for _, msg := range msgs {
		var text []string
		var calls []ollamaToolCall
		for _, b := range msg.Blocks {
			switch b.Type {
			case BlockText:
				text = append(text, b.Text)
			case BlockToolUse:
				var tc ollamaToolCall
				tc.Function.Name = b.ToolCall.Name
				tc.Function.Arguments = b.ToolCall.Arguments
				if len(tc.Function.Arguments) == 0 {
					tc.Function.Arguments = json.RawMessage(`{}`)
				}
				calls = append(calls, tc)
				names[b.ToolCall.ID] = b.ToolCall.Name
			case BlockToolResult:
				out = append(out, ollamaMessage{
					Role:     "tool",
					Content:  b.ToolResult.Content,
					ToolName: names[b.ToolResult.ToolUseID],
				})
			}
		}
		if len(text) > 0 || len(calls) > 0 {
			out = append(out, ollamaMessage{
				Role:      msg.Role,
				Content:   strings.Join(text, "\n"),
				ToolCalls: calls,
			})
		}
	}
	return out
}

// convertFromOllama rebuilds a block turn. Ollama has no call IDs, so
// each call gets a fresh one; its stop reason is inferred from whether
// any tool calls came back.
func convertFromOllama(resp *ollamaResponse) *ChatResponse {
	msg := Message{Role: RoleAssistant}
	if resp.Message.Content != "" {
		msg.Blocks = append(msg.Blocks, Block{Type: BlockText, Text: resp.Message.Content})
	}
	for _, tc := range resp.Message.ToolCalls {
		args := tc.Function.Arguments
		if len(args) == 0 || string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		msg.Blocks = append(msg.Blocks, Block{
			Type: BlockToolUse,
			ToolCall: &ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}

	stop := StopEndTurn
	switch {
	case len(resp.Message.ToolCalls) > 0:
		stop = StopToolUse
	case resp.DoneReason == "length":
		stop = StopMaxTokens
	}

	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		StopReason:   stop,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
}

// parseTextToolCalls extracts tool calls a model wrote as content text:
// a bare {"name","arguments"} object, an array of them, or either
// wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ollamaToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	toCalls := func(in []textCall) []ollamaToolCall {
		out := make([]ollamaToolCall, 0, len(in))
		for _, c := range in {
			if c.Name == "" {
				continue
			}
			var tc ollamaToolCall
			tc.Function.Name = c.Name
			tc.Function.Arguments = c.Arguments
			out = append(out, tc)
		}
		return out
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return toCalls(calls)
	}
	var single textCall
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return toCalls([]textCall{single})
	}
	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}
