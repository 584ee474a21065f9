// Package agent runs the assistant: it drives the model through tool
// calls until it produces a final answer or runs out of iterations.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/llm"
	"github.com/nugget/crm-assistant/internal/memory"
	"github.com/nugget/crm-assistant/internal/prompts"
	"github.com/nugget/crm-assistant/internal/tools"
	"github.com/nugget/crm-assistant/internal/usage"
)

// DefaultMaxIterations is the model-call ceiling when none is configured.
const DefaultMaxIterations = 5

// ErrEmptyQuery is returned by Run for a blank query.
var ErrEmptyQuery = errors.New("query is required")

// Dispatcher executes one tool call on behalf of a user. It reports every
// failure inside the returned Result.
type Dispatcher interface {
	Execute(ctx context.Context, userID, name string, args json.RawMessage) tools.Result
}

// UsageRecorder persists the token usage of each model call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds the loop's tunables.
type Config struct {
	Model string
	// MaxIterations caps model calls per run. Zero means the model is
	// never called and every run ends unconverged.
	MaxIterations int
	MaxTokens     int
	// ParallelTools dispatches the calls of one turn concurrently.
	// Results are still returned in the order the model made the calls.
	ParallelTools bool
	// Tools is the catalog sent with every call. Defaults to
	// tools.Definitions().
	Tools []map[string]any
	// System builds the system prompt. Defaults to
	// prompts.CRMSystemPrompt.
	System func(now time.Time) string
}

// ToolRecord is one dispatched call, kept for callers to inspect.
type ToolRecord struct {
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input"`
	Result tools.Result    `json:"result"`
}

// Result is the outcome of one run.
type Result struct {
	// Message is the model's final text. It is empty when the loop hit
	// its iteration ceiling without a final answer.
	Message     string       `json:"message"`
	ToolResults []ToolRecord `json:"toolResults"`
	Iterations  int          `json:"-"`
	Converged   bool         `json:"-"`
}

// Loop is the assistant's orchestration loop.
type Loop struct {
	logger  *slog.Logger
	history memory.Store
	llm     llm.Client
	tools   Dispatcher
	cfg     Config
	bus     *events.Bus
	usage   UsageRecorder
	now     func() time.Time
}

// NewLoop creates a loop. A negative MaxIterations is replaced by
// DefaultMaxIterations.
func NewLoop(logger *slog.Logger, history memory.Store, client llm.Client, dispatcher Dispatcher, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.Definitions()
	}
	if cfg.System == nil {
		cfg.System = prompts.CRMSystemPrompt
	}
	return &Loop{
		logger:  logger.With("component", "agent"),
		history: history,
		llm:     client,
		tools:   dispatcher,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetEventBus enables run and tool events.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.bus = bus
}

// SetUsageRecorder records token usage for every successful model call.
func (l *Loop) SetUsageRecorder(r UsageRecorder) {
	l.usage = r
}

// Reset clears the user's conversation history.
func (l *Loop) Reset(ctx context.Context, userID string) error {
	if err := l.history.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	l.logger.Info("conversation cleared", "user", userID)
	return nil
}

// Run answers one query for userID.
//
// The query is appended to the user's history, then the model is called
// up to MaxIterations times. Each assistant turn is persisted only after
// the call that produced it succeeds. When the model asks for tools,
// every call in the turn is dispatched and all results go back as one
// user turn. A model error ends the run and is returned; tool failures
// are handed to the model as failed results.
func (l *Loop) Run(ctx context.Context, userID, query string) (*Result, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	reqID := RequestID(ctx)
	if reqID == "" {
		reqID = generateRequestID()
	}
	log := l.logger.With("request_id", reqID, "user", userID)

	history, err := l.history.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	log.Info("agent run started", "history", len(history), "max_iterations", l.cfg.MaxIterations)
	l.publish(userID, events.KindRunStart, map[string]any{"request_id": reqID, "history": len(history)})

	messages := make([]llm.Message, 0, len(history)+1+2*l.cfg.MaxIterations)
	messages = append(messages, history...)
	if err := l.record(ctx, userID, &messages, llm.TextMessage(llm.RoleUser, query)); err != nil {
		return nil, err
	}

	res := &Result{ToolResults: []ToolRecord{}}
	system := l.cfg.System(l.now())

	for i := 0; i < l.cfg.MaxIterations; i++ {
		res.Iterations = i + 1
		log.Debug("calling model", "iteration", i, "model", l.cfg.Model, "messages", len(messages))

		resp, err := l.llm.Chat(ctx, llm.ChatRequest{
			Model:     l.cfg.Model,
			System:    system,
			Messages:  messages,
			Tools:     l.cfg.Tools,
			MaxTokens: l.cfg.MaxTokens,
		})
		if err != nil {
			log.Error("model call failed", "iteration", i, "error", err)
			return nil, fmt.Errorf("model call (iteration %d): %w", i, err)
		}

		model := resp.Model
		if model == "" {
			model = l.cfg.Model
		}
		l.recordUsage(ctx, log, usage.Record{
			RequestID:    reqID,
			UserID:       userID,
			Model:        model,
			Iteration:    i,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		})

		turn := resp.Message
		turn.Role = llm.RoleAssistant
		if err := l.record(ctx, userID, &messages, turn); err != nil {
			return nil, err
		}

		calls := turn.ToolCalls()
		if resp.StopReason != llm.StopToolUse || len(calls) == 0 {
			res.Message = turn.Text()
			res.Converged = true
			log.Debug("model finished", "iteration", i, "stop_reason", resp.StopReason,
				"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
			break
		}

		outcomes := l.dispatch(ctx, log, userID, reqID, calls)
		results := make([]llm.ToolResult, len(calls))
		for j, c := range calls {
			results[j] = llm.ToolResult{
				ToolUseID: c.ID,
				Content:   outcomes[j].String(),
				IsError:   !outcomes[j].Success,
			}
			res.ToolResults = append(res.ToolResults, ToolRecord{
				Tool:   c.Name,
				Input:  c.Arguments,
				Result: outcomes[j],
			})
		}
		if err := l.record(ctx, userID, &messages, llm.ToolResultsMessage(results)); err != nil {
			return nil, err
		}
	}

	if !res.Converged {
		log.Warn("agent did not converge", "iterations", l.cfg.MaxIterations, "tools", len(res.ToolResults))
	}
	elapsed := time.Since(start)
	log.Info("agent run completed",
		"iterations", res.Iterations,
		"converged", res.Converged,
		"tools", len(res.ToolResults),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.publish(userID, events.KindRunComplete, map[string]any{
		"request_id": reqID,
		"iterations": res.Iterations,
		"converged":  res.Converged,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return res, nil
}

// record appends turn to both the working list and persistent history.
func (l *Loop) record(ctx context.Context, userID string, messages *[]llm.Message, turn llm.Message) error {
	if err := l.history.Append(ctx, userID, turn); err != nil {
		return fmt.Errorf("save %s turn: %w", turn.Role, err)
	}
	*messages = append(*messages, turn)
	return nil
}

// recordUsage stores rec when a recorder is set. Failures are logged and
// never end the run.
func (l *Loop) recordUsage(ctx context.Context, log *slog.Logger, rec usage.Record) {
	if l.usage == nil {
		return
	}
	if err := l.usage.Record(ctx, rec); err != nil {
		log.Warn("failed to record usage", "iteration", rec.Iteration, "error", err)
	}
}

// dispatch runs calls and returns their results in call order.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, userID, reqID string, calls []llm.ToolCall) []tools.Result {
	run := func(c *llm.ToolCall) tools.Result {
		start := time.Now()
		r := l.tools.Execute(ctx, userID, c.Name, c.Arguments)
		d := time.Since(start)
		log.Info("tool dispatched", "tool", c.Name, "call_id", c.ID, "ok", r.Success, "duration", d.Round(time.Millisecond))
		if !r.Success {
			log.Debug("tool failed", "tool", c.Name, "error", r.Error)
		}
		l.publish(userID, events.KindToolDone, map[string]any{
			"request_id":  reqID,
			"tool":        c.Name,
			"ok":          r.Success,
			"duration_ms": d.Milliseconds(),
		})
		return r
	}

	if l.cfg.ParallelTools && len(calls) > 1 {
		return iter.Map(calls, run)
	}
	out := make([]tools.Result, len(calls))
	for i := range calls {
		out[i] = run(&calls[i])
	}
	return out
}

func (l *Loop) publish(userID, kind string, data map[string]any) {
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   kind,
		UserID: userID,
		Data:   data,
	})
}
