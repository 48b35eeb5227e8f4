package taskloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/device"
	"github.com/nugget/droidpilot/internal/events"
	"github.com/nugget/droidpilot/internal/journal"
	"github.com/nugget/droidpilot/internal/llm"
	"github.com/nugget/droidpilot/internal/metacognitive"
	"github.com/nugget/droidpilot/internal/prompts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine stops after stopAfter evaluations. A zero stopAfter never
// stops.
type fakeEngine struct {
	mu         sync.Mutex
	plan       string
	reflection string
	stopAfter  int
	evaluated  int
	histories  []conversation.History
}

func (e *fakeEngine) Plan(_ context.Context, _, _ string) (string, bool) {
	return e.plan, e.plan != ""
}

func (e *fakeEngine) Reflect(_ context.Context, _ conversation.History, _ string) (string, bool) {
	return e.reflection, e.reflection != ""
}

func (e *fakeEngine) EvaluateStop(_ context.Context, h conversation.History, _ string) metacognitive.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluated++
	e.histories = append(e.histories, h.Clone())
	if e.stopAfter > 0 && e.evaluated >= e.stopAfter {
		return metacognitive.Verdict{Stop: true, Reason: metacognitive.ReasonObjectiveCompleted}
	}
	return metacognitive.Verdict{Reason: metacognitive.ReasonNone}
}

// fakeGateway replies with one tool call per request, or fails.
type fakeGateway struct {
	mu       sync.Mutex
	err      error
	empty    bool
	requests []*llm.Request
}

func (g *fakeGateway) Complete(_ context.Context, req *llm.Request) (*llm.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.empty {
		return &llm.Completion{}, nil
	}
	return &llm.Completion{
		Model: "fake-model",
		Choices: []llm.Choice{{Message: &conversation.Message{
			Role: conversation.RoleAssistant,
			ToolCalls: []conversation.ToolCall{{
				ID:        "call-" + string(rune('a'+len(g.requests)-1)),
				Name:      "tap_element",
				Arguments: `{"element":1}`,
			}},
		}}},
		InputTokens:  10,
		OutputTokens: 2,
	}, nil
}

type fakeScreen struct {
	err   error
	calls int
}

func (s *fakeScreen) Snapshot(context.Context) (*device.Screen, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &device.Screen{
		Package: "com.example",
		Elements: []device.Element{
			{ID: 1, Class: "android.widget.Button", Text: "OK", Clickable: true, Bounds: device.Rect{Right: 10, Bottom: 10}},
		},
	}, nil
}

// fakeExecutor returns results in order, repeating the last one.
type fakeExecutor struct {
	results []string
	calls   []conversation.ToolCall
	screens int
}

func (x *fakeExecutor) SetScreen(*device.Screen) { x.screens++ }

func (x *fakeExecutor) Definitions() []llm.Tool {
	return []llm.Tool{{Name: "tap_element"}}
}

func (x *fakeExecutor) Execute(_ context.Context, call conversation.ToolCall) (string, error) {
	x.calls = append(x.calls, call)
	i := min(len(x.calls)-1, len(x.results)-1)
	if i < 0 {
		return "done", nil
	}
	return x.results[i], nil
}

type fakeRecorder struct {
	mu        sync.Mutex
	exchanges []journal.Exchange
}

func (r *fakeRecorder) RecordExchange(_ context.Context, ex journal.Exchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = append(r.exchanges, ex)
	return nil
}

func (r *fakeRecorder) RecordDecision(context.Context, journal.Decision) error { return nil }

type fixture struct {
	engine   *fakeEngine
	gateway  *fakeGateway
	screen   *fakeScreen
	executor *fakeExecutor
	recorder *fakeRecorder
	bus      *events.Bus
}

func newFixture() *fixture {
	return &fixture{
		engine:   &fakeEngine{plan: "1. Tap OK", reflection: "Tapped OK."},
		gateway:  &fakeGateway{},
		screen:   &fakeScreen{},
		executor: &fakeExecutor{results: []string{"Tapped [1]", "Tapped [1] again"}},
		recorder: &fakeRecorder{},
		bus:      events.New(),
	}
}

func (f *fixture) runner(maxSteps int) *Runner {
	return New(Config{Model: "m", MaxSteps: maxSteps}, Deps{
		Engine:  f.engine,
		Gateway: f.gateway,
		Screen:  f.screen,
		Tools:   f.executor,
		Logger:  testLogger(),
		Events:  f.bus,
		Journal: f.recorder,
	})
}

func TestRun_StopsOnVerdict(t *testing.T) {
	f := newFixture()
	f.engine.stopAfter = 2

	res, err := f.runner(10).Run(context.Background(), "press OK", "key")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Stopped || res.Reason != metacognitive.ReasonObjectiveCompleted {
		t.Errorf("Stopped = %v, Reason = %q", res.Stopped, res.Reason)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}
	if res.Plan != "1. Tap OK" {
		t.Errorf("Plan = %q", res.Plan)
	}
	if res.TaskID == "" {
		t.Error("TaskID is empty")
	}
	if f.screen.calls != 2 || f.executor.screens != 2 {
		t.Errorf("snapshots = %d, SetScreen = %d, want 2 each", f.screen.calls, f.executor.screens)
	}
	if len(f.executor.calls) != 2 {
		t.Errorf("tool calls = %d, want 2", len(f.executor.calls))
	}
}

func TestRun_HistoryShape(t *testing.T) {
	f := newFixture()
	f.engine.stopAfter = 1

	res, err := f.runner(5).Run(context.Background(), "press OK", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantRoles := []conversation.Role{
		conversation.RoleSystem,    // system prompt
		conversation.RoleUser,      // instruction
		conversation.RoleAssistant, // plan
		conversation.RoleUser,      // action request
		conversation.RoleAssistant, // tool call
		conversation.RoleTool,      // tool result
		conversation.RoleAssistant, // reflection
	}
	if len(res.History) != len(wantRoles) {
		t.Fatalf("history length = %d, want %d", len(res.History), len(wantRoles))
	}
	for i, want := range wantRoles {
		if got := res.History[i].Role; got != want {
			t.Errorf("history[%d].Role = %q, want %q", i, got, want)
		}
	}
	if res.History[0].Content != prompts.SystemPrompt() {
		t.Error("history should open with the system prompt")
	}
	if !strings.Contains(res.History[3].Content, `"OK"`) {
		t.Errorf("action request should carry the rendered screen: %q", res.History[3].Content)
	}
	if res.History[5].ToolCallID != res.History[4].ToolCalls[0].ID {
		t.Error("tool result should reference the assistant's call ID")
	}
	if res.History[5].Content != "Tapped [1]" {
		t.Errorf("tool result = %q", res.History[5].Content)
	}
}

func TestRun_StepBudget(t *testing.T) {
	f := newFixture()

	res, err := f.runner(3).Run(context.Background(), "never done", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stopped {
		t.Error("Stopped should be false when the budget runs out")
	}
	if res.Reason != ReasonStepBudget {
		t.Errorf("Reason = %q, want %q", res.Reason, ReasonStepBudget)
	}
	if res.Steps != 3 || f.engine.evaluated != 3 {
		t.Errorf("Steps = %d, evaluations = %d, want 3", res.Steps, f.engine.evaluated)
	}
}

func TestRun_MinimumOneStep(t *testing.T) {
	f := newFixture()
	res, err := f.runner(0).Run(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Steps != 1 {
		t.Errorf("Steps = %d, want 1", res.Steps)
	}
}

func TestRun_LoopNudge(t *testing.T) {
	f := newFixture()
	f.executor.results = []string{"Tapped [1]"} // same result every time

	res, err := f.runner(2).Run(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var nudges int
	for _, m := range res.History {
		if m.Role == conversation.RoleUser && m.Content == prompts.LoopNudge() {
			nudges++
		}
	}
	if nudges != 1 {
		t.Errorf("loop nudges = %d, want 1 (only after the repeat)", nudges)
	}
}

func TestRun_GatewayFailureContinues(t *testing.T) {
	tests := []struct {
		name    string
		gateway *fakeGateway
	}{
		{"error", &fakeGateway{err: errors.New("connection refused")}},
		{"empty", &fakeGateway{empty: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.gateway = tt.gateway

			res, err := f.runner(2).Run(context.Background(), "x", "")
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Steps != 2 {
				t.Errorf("Steps = %d, want 2", res.Steps)
			}
			if len(f.executor.calls) != 0 {
				t.Errorf("tool calls = %d, want 0", len(f.executor.calls))
			}
			if f.engine.evaluated != 2 {
				t.Errorf("evaluations = %d, want 2", f.engine.evaluated)
			}
			for _, ex := range f.recorder.exchanges {
				if ex.OK {
					t.Error("failed action exchange recorded as OK")
				}
			}
		})
	}
}

func TestRun_NoPlan(t *testing.T) {
	f := newFixture()
	f.engine.plan = ""
	f.engine.stopAfter = 1

	res, err := f.runner(1).Run(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Plan != "" {
		t.Errorf("Plan = %q, want empty", res.Plan)
	}
	if res.History[2].Role != conversation.RoleUser {
		t.Errorf("history[2].Role = %q, want user (no plan message)", res.History[2].Role)
	}
}

func TestRun_SnapshotFailure(t *testing.T) {
	f := newFixture()
	f.screen.err = errors.New("device offline")

	res, err := f.runner(3).Run(context.Background(), "x", "")
	if err == nil {
		t.Fatal("Run() should fail when the screen cannot be captured")
	}
	if !strings.Contains(err.Error(), "device offline") {
		t.Errorf("error = %v", err)
	}
	if res == nil || res.Steps != 1 {
		t.Fatalf("partial result = %+v, want Steps 1", res)
	}
	if len(f.gateway.requests) != 0 {
		t.Error("no action should be requested without a screen")
	}
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.runner(3).Run(ctx, "x", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if res.Steps != 0 {
		t.Errorf("Steps = %d, want 0", res.Steps)
	}
}

func TestRun_ActionRequest(t *testing.T) {
	f := newFixture()
	f.engine.stopAfter = 1

	if _, err := f.runner(1).Run(context.Background(), "x", "secret"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.gateway.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(f.gateway.requests))
	}
	req := f.gateway.requests[0]
	if req.Model != "m" || req.Credential != "secret" {
		t.Errorf("Model = %q, Credential = %q", req.Model, req.Credential)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "tap_element" {
		t.Errorf("Tools = %+v", req.Tools)
	}
}

func TestRun_JournalAndEvents(t *testing.T) {
	f := newFixture()
	f.engine.stopAfter = 1
	ch := f.bus.Subscribe(32)
	defer f.bus.Unsubscribe(ch)

	res, err := f.runner(1).Run(context.Background(), "x", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(f.recorder.exchanges) != 1 {
		t.Fatalf("exchanges = %d, want 1", len(f.recorder.exchanges))
	}
	ex := f.recorder.exchanges[0]
	if ex.Kind != journal.KindAction || ex.TaskID != res.TaskID || !ex.OK {
		t.Errorf("exchange = %+v", ex)
	}
	if ex.Model != "fake-model" || ex.InputTokens != 10 || ex.OutputTokens != 2 {
		t.Errorf("exchange model/tokens = %q %d/%d", ex.Model, ex.InputTokens, ex.OutputTokens)
	}

	var kinds []string
	for len(ch) > 0 {
		e := <-ch
		if e.Source != events.SourceTaskloop {
			t.Errorf("Source = %q", e.Source)
		}
		if e.Data["task_id"] != res.TaskID {
			t.Errorf("%s event task_id = %v", e.Kind, e.Data["task_id"])
		}
		kinds = append(kinds, e.Kind)
	}
	want := []string{events.KindTaskStart, events.KindStep, events.KindToolCall, events.KindTaskComplete}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}
