package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/crm-assistant/internal/contacts"
	"github.com/nugget/crm-assistant/internal/events"
	"github.com/nugget/crm-assistant/internal/llm"
	"github.com/nugget/crm-assistant/internal/memory"
	"github.com/nugget/crm-assistant/internal/tools"
	"github.com/nugget/crm-assistant/internal/usage"
)

// mockLLM replays canned responses. When repeat is set it is returned
// once responses run out.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	repeat    *llm.ChatResponse
	errAt     int // 1-based call number that fails; 0 never fails
	calls     []llm.ChatRequest
}

func (m *mockLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req.Messages = append([]llm.Message(nil), req.Messages...)
	m.calls = append(m.calls, req)
	n := len(m.calls)

	if n == m.errAt {
		return nil, errors.New("provider unavailable")
	}
	if n <= len(m.responses) {
		return m.responses[n-1], nil
	}
	if m.repeat != nil {
		return m.repeat, nil
	}
	return nil, fmt.Errorf("mockLLM: no more responses (call %d)", n)
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:      "test-model",
		Message:    llm.TextMessage(llm.RoleAssistant, text),
		StopReason: llm.StopEndTurn,
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for i := range calls {
		c := calls[i]
		msg.Blocks = append(msg.Blocks, llm.Block{Type: llm.BlockToolUse, ToolCall: &c})
	}
	return &llm.ChatResponse{Model: "test-model", Message: msg, StopReason: llm.StopToolUse}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// fakeDispatcher succeeds unless the tool name is in fail. delay slows
// individual tools down.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	delay map[string]time.Duration
}

func (f *fakeDispatcher) Execute(_ context.Context, userID, name string, args json.RawMessage) tools.Result {
	if d := f.delay[name]; d > 0 {
		time.Sleep(d)
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.fail[name] {
		return tools.Result{Error: name + " exploded"}
	}
	return tools.Result{Success: true, Fields: map[string]any{"tool": name, "user": userID}}
}

func newTestLoop(mock *mockLLM, d Dispatcher, maxIter int) (*Loop, memory.Store) {
	store := memory.NewMemoryStore(memory.KeepLast(memory.DefaultLimit), slog.Default())
	loop := NewLoop(slog.Default(), store, mock, d, Config{
		Model:         "test-model",
		MaxIterations: maxIter,
	})
	return loop, store
}

func loadHistory(t *testing.T, store memory.Store, userID string) []llm.Message {
	t.Helper()
	h, err := store.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	return h
}

func TestRun_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse(`{"intent":"conversation","reply":"Hi!"}`)}}
	loop, store := newTestLoop(mock, &fakeDispatcher{}, 5)

	res, err := loop.Run(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Message != `{"intent":"conversation","reply":"Hi!"}` {
		t.Errorf("Message = %q", res.Message)
	}
	if len(res.ToolResults) != 0 || !res.Converged || res.Iterations != 1 {
		t.Errorf("Result = %+v", res)
	}

	req := mock.calls[0]
	if req.Model != "test-model" || req.System == "" || len(req.Tools) != len(tools.Definitions()) {
		t.Errorf("request model=%q system=%d chars tools=%d", req.Model, len(req.System), len(req.Tools))
	}
	if len(req.Messages) != 1 || req.Messages[0].Text() != "hello" {
		t.Errorf("first call messages = %+v", req.Messages)
	}

	h := loadHistory(t, store, "u1")
	if len(h) != 2 || h[0].Role != llm.RoleUser || h[1].Role != llm.RoleAssistant {
		t.Errorf("history = %+v", h)
	}
}

func TestRun_CreateContactEndToEnd(t *testing.T) {
	cstore, err := contacts.NewStore(filepath.Join(t.TempDir(), "crm.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer cstore.Close()
	exec := tools.NewExecutor(cstore, nil, nil, nil, slog.Default())

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("toolu_1", tools.CreateContact,
			`{"firstName":"Alex","lastName":"Smith","company":"HeyGov","email":"alex@heygov.com","tags":["client"]}`)),
		textResponse(`{"intent":"action_completed","parameters":{},"reply":"I've added Alex to your contacts."}`),
	}}
	loop, store := newTestLoop(mock, exec, 5)

	res, err := loop.Run(context.Background(), "u1", "Add Alex Smith from HeyGov, email alex@heygov.com")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(res.ToolResults) != 1 {
		t.Fatalf("ToolResults = %d, want 1", len(res.ToolResults))
	}
	tr := res.ToolResults[0]
	if tr.Tool != tools.CreateContact || !tr.Result.Success {
		t.Errorf("ToolResults[0] = %+v", tr)
	}
	if res.Message == "" {
		t.Error("Message is empty")
	}

	found, err := cstore.ForUser("u1").Search(context.Background(), contacts.SearchOptions{Query: "alex heygov"})
	if err != nil || len(found) != 1 {
		t.Fatalf("Search() = %d contacts, err %v", len(found), err)
	}

	// The second model call sees the tool result, linked by call ID.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if !last.OnlyToolResults() || last.Blocks[0].ToolResult.ToolUseID != "toolu_1" {
		t.Errorf("second call's last turn = %+v", last)
	}
	if !strings.Contains(last.Blocks[0].ToolResult.Content, `"success":true`) {
		t.Errorf("tool result content = %s", last.Blocks[0].ToolResult.Content)
	}

	if h := loadHistory(t, store, "u1"); len(h) != 4 {
		t.Errorf("history has %d turns, want 4 (user, tool_use, results, answer)", len(h))
	}
}

func TestRun_NonConvergence(t *testing.T) {
	mock := &mockLLM{repeat: toolResponse(call("c", tools.SearchContacts, `{"query":"alex"}`))}
	disp := &fakeDispatcher{}
	loop, store := newTestLoop(mock, disp, 5)

	res, err := loop.Run(context.Background(), "u1", "find alex")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Message != "" || res.Converged {
		t.Errorf("Message = %q Converged = %v, want empty and false", res.Message, res.Converged)
	}
	if len(res.ToolResults) != 5 {
		t.Errorf("ToolResults = %d, want 5", len(res.ToolResults))
	}
	if len(mock.calls) != 5 {
		t.Errorf("model called %d times, want 5", len(mock.calls))
	}

	// The final turn is a results turn, so nothing is dangling.
	h := loadHistory(t, store, "u1")
	if len(h) != 11 || !h[len(h)-1].OnlyToolResults() {
		t.Errorf("history has %d turns, last = %+v", len(h), h[len(h)-1])
	}
}

func TestRun_ConfigurableCeiling(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			mock := &mockLLM{repeat: toolResponse(call("c", tools.GetCRMStats, `{}`))}
			loop, store := newTestLoop(mock, &fakeDispatcher{}, n)

			res, err := loop.Run(context.Background(), "u1", "stats please")
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			if len(mock.calls) != n || len(res.ToolResults) != n || res.Message != "" {
				t.Errorf("calls=%d tools=%d message=%q, want %d calls", len(mock.calls), len(res.ToolResults), res.Message, n)
			}
			if h := loadHistory(t, store, "u1"); len(h) != 1+2*n {
				t.Errorf("history = %d turns, want %d", len(h), 1+2*n)
			}
		})
	}
}

func TestNewLoop_NegativeCeilingUsesDefault(t *testing.T) {
	loop, _ := newTestLoop(&mockLLM{}, &fakeDispatcher{}, -1)
	if loop.cfg.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", loop.cfg.MaxIterations, DefaultMaxIterations)
	}
}

func TestRun_MultipleCallsBundledInOrder(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			mock := &mockLLM{responses: []*llm.ChatResponse{
				toolResponse(
					call("a", tools.SearchContacts, `{"query":"alex"}`),
					call("b", tools.GetCRMStats, `{}`),
					call("c", tools.SendEmail, `{}`),
				),
				textResponse("done"),
			}}
			disp := &fakeDispatcher{
				fail:  map[string]bool{tools.SendEmail: true},
				delay: map[string]time.Duration{tools.SearchContacts: 30 * time.Millisecond},
			}
			loop, _ := newTestLoop(mock, disp, 5)
			loop.cfg.ParallelTools = parallel

			res, err := loop.Run(context.Background(), "u1", "do three things")
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			var names []string
			for _, r := range res.ToolResults {
				names = append(names, r.Tool)
			}
			if strings.Join(names, ",") != "search_contacts,get_crm_stats,send_email" {
				t.Errorf("ToolResults order = %v", names)
			}

			second := mock.calls[1].Messages
			bundle := second[len(second)-1]
			if len(bundle.Blocks) != 3 || !bundle.OnlyToolResults() {
				t.Fatalf("results turn = %+v, want one turn with 3 results", bundle)
			}
			for i, id := range []string{"a", "b", "c"} {
				if got := bundle.Blocks[i].ToolResult.ToolUseID; got != id {
					t.Errorf("block %d answers %q, want %q", i, got, id)
				}
			}
			if !bundle.Blocks[2].ToolResult.IsError {
				t.Error("failed tool result should be flagged as an error")
			}
		})
	}
}

func TestRun_ToolFailureIsNotFatal(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("x", tools.DeleteContact, `{"contactId":9}`)),
		textResponse("I couldn't find that contact."),
	}}
	loop, _ := newTestLoop(mock, &fakeDispatcher{fail: map[string]bool{tools.DeleteContact: true}}, 5)

	res, err := loop.Run(context.Background(), "u1", "delete contact 9")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.ToolResults[0].Result.Success {
		t.Error("tool result should be a failure")
	}
	if res.Message != "I couldn't find that contact." {
		t.Errorf("Message = %q", res.Message)
	}
}

func TestRun_ModelErrorIsFatal(t *testing.T) {
	t.Run("first call", func(t *testing.T) {
		mock := &mockLLM{errAt: 1}
		loop, store := newTestLoop(mock, &fakeDispatcher{}, 5)

		if _, err := loop.Run(context.Background(), "u1", "hello"); err == nil {
			t.Fatal("Run() should fail when the model call fails")
		}
		h := loadHistory(t, store, "u1")
		if len(h) != 1 || h[0].Role != llm.RoleUser {
			t.Errorf("history = %+v, want only the user turn", h)
		}
	})

	t.Run("after tools", func(t *testing.T) {
		mock := &mockLLM{
			responses: []*llm.ChatResponse{toolResponse(call("a", tools.GetCRMStats, `{}`))},
			errAt:     2,
		}
		loop, store := newTestLoop(mock, &fakeDispatcher{}, 5)

		_, err := loop.Run(context.Background(), "u1", "stats")
		if err == nil || !strings.Contains(err.Error(), "iteration 1") {
			t.Fatalf("Run() error = %v, want model call failure at iteration 1", err)
		}
		h := loadHistory(t, store, "u1")
		if len(h) != 3 || !h[2].OnlyToolResults() {
			t.Errorf("history = %d turns, want user, tool_use, results", len(h))
		}
	})
}

func TestRun_DanglingTurnRepaired(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("fresh start")}}
	loop, store := newTestLoop(mock, &fakeDispatcher{}, 5)
	ctx := context.Background()

	store.Append(ctx, "u1", llm.TextMessage(llm.RoleUser, "add bob"))
	store.Append(ctx, "u1", toolResponse(call("lost", tools.CreateContact, `{"firstName":"Bob"}`)).Message)

	if _, err := loop.Run(ctx, "u1", "hello again"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	sent := mock.calls[0].Messages
	for _, m := range sent {
		if m.HasToolUse() {
			t.Fatalf("dangling tool_use turn sent to the model: %+v", m)
		}
	}
	if len(sent) != 2 || sent[1].Text() != "hello again" {
		t.Errorf("messages = %+v", sent)
	}
}

func TestRun_ToolUseStopWithoutCallsIsTerminal(t *testing.T) {
	resp := textResponse("nothing to do")
	resp.StopReason = llm.StopToolUse
	mock := &mockLLM{responses: []*llm.ChatResponse{resp}}
	loop, _ := newTestLoop(mock, &fakeDispatcher{}, 5)

	res, err := loop.Run(context.Background(), "u1", "hm")
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "nothing to do" || len(mock.calls) != 1 {
		t.Errorf("Message = %q after %d calls", res.Message, len(mock.calls))
	}
}

func TestRun_RejectsBadInput(t *testing.T) {
	loop, _ := newTestLoop(&mockLLM{}, &fakeDispatcher{}, 5)
	if _, err := loop.Run(context.Background(), "u1", "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("blank query error = %v, want ErrEmptyQuery", err)
	}
	if _, err := loop.Run(context.Background(), "", "hi"); err == nil {
		t.Error("missing user should fail")
	}
}

func TestRun_UsersAreIsolated(t *testing.T) {
	mock := &mockLLM{repeat: textResponse("ok")}
	loop, store := newTestLoop(mock, &fakeDispatcher{}, 5)
	ctx := context.Background()

	loop.Run(ctx, "alice", "secret plans")
	loop.Run(ctx, "bob", "hello")

	bobCall := mock.calls[1].Messages
	if len(bobCall) != 1 || bobCall[0].Text() != "hello" {
		t.Errorf("bob's call saw %+v", bobCall)
	}

	if err := loop.Reset(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(loadHistory(t, store, "alice")) != 0 || len(loadHistory(t, store, "bob")) != 2 {
		t.Error("Reset should clear only alice's history")
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(call("a", tools.GetCRMStats, `{}`)),
		textResponse("done"),
	}}
	loop, _ := newTestLoop(mock, &fakeDispatcher{}, 5)
	loop.SetEventBus(bus)

	ctx := WithRequestID(context.Background(), "r_test0001")
	if _, err := loop.Run(ctx, "u1", "stats"); err != nil {
		t.Fatal(err)
	}

	want := []string{events.KindRunStart, events.KindToolDone, events.KindRunComplete}
	for _, kind := range want {
		select {
		case e := <-ch:
			if e.Kind != kind || e.UserID != "u1" || e.Data["request_id"] != "r_test0001" {
				t.Errorf("event = %+v, want %s", e, kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

type fakeUsage struct {
	mu   sync.Mutex
	recs []usage.Record
	err  error
}

func (f *fakeUsage) Record(_ context.Context, rec usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return f.err
}

func TestRun_RecordsUsage(t *testing.T) {
	first := toolResponse(call("a", tools.GetCRMStats, `{}`))
	first.InputTokens, first.OutputTokens = 120, 15
	second := textResponse("done")
	second.InputTokens, second.OutputTokens = 180, 8
	second.Model = ""

	mock := &mockLLM{responses: []*llm.ChatResponse{first, second}}
	loop, _ := newTestLoop(mock, &fakeDispatcher{}, 5)
	rec := &fakeUsage{}
	loop.SetUsageRecorder(rec)

	ctx := WithRequestID(context.Background(), "r_usage001")
	if _, err := loop.Run(ctx, "u1", "stats"); err != nil {
		t.Fatal(err)
	}

	if len(rec.recs) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(rec.recs))
	}
	for i, r := range rec.recs {
		if r.UserID != "u1" || r.RequestID != "r_usage001" || r.Iteration != i {
			t.Errorf("record %d = %+v", i, r)
		}
		if r.Model != "test-model" {
			t.Errorf("record %d model = %q, want test-model", i, r.Model)
		}
	}
	if rec.recs[0].InputTokens != 120 || rec.recs[1].OutputTokens != 8 {
		t.Errorf("token counts = %+v", rec.recs)
	}
}

func TestRun_UsageFailureIsNotFatal(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("hi")}}
	loop, _ := newTestLoop(mock, &fakeDispatcher{}, 5)
	loop.SetUsageRecorder(&fakeUsage{err: errors.New("disk full")})

	res, err := loop.Run(context.Background(), "u1", "hello")
	if err != nil || res.Message != "hi" {
		t.Errorf("Run() = %+v, %v", res, err)
	}
}

func TestRun_FailedCallRecordsNoUsage(t *testing.T) {
	mock := &mockLLM{errAt: 1}
	loop, _ := newTestLoop(mock, &fakeDispatcher{}, 5)
	rec := &fakeUsage{}
	loop.SetUsageRecorder(rec)

	if _, err := loop.Run(context.Background(), "u1", "hello"); err == nil {
		t.Fatal("expected error")
	}
	if len(rec.recs) != 0 {
		t.Errorf("recorded %d calls for a failed model call", len(rec.recs))
	}
}
