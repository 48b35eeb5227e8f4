// Package taskloop runs an instruction to completion on the device. It
// is the single writer of the conversation history: it plans once,
// then repeatedly captures the screen, asks the model for an action,
// executes it, reflects, and asks the metacognition engine whether to
// stop.
package taskloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/device"
	"github.com/nugget/droidpilot/internal/events"
	"github.com/nugget/droidpilot/internal/journal"
	"github.com/nugget/droidpilot/internal/llm"
	"github.com/nugget/droidpilot/internal/loopdetect"
	"github.com/nugget/droidpilot/internal/metacognitive"
	"github.com/nugget/droidpilot/internal/prompts"
)

// ReasonStepBudget is reported when MaxSteps ran out before a stop
// verdict.
const ReasonStepBudget metacognitive.StopReason = "step_budget"

// Engine makes the metacognitive calls. Satisfied by
// *metacognitive.Engine.
type Engine interface {
	Plan(ctx context.Context, instruction, credential string) (string, bool)
	Reflect(ctx context.Context, history conversation.History, credential string) (string, bool)
	EvaluateStop(ctx context.Context, history conversation.History, credential string) metacognitive.Verdict
}

// Screen captures UI snapshots. Satisfied by *device.Device.
type Screen interface {
	Snapshot(ctx context.Context) (*device.Screen, error)
}

// Executor runs tool calls. Satisfied by *tools.Registry.
type Executor interface {
	SetScreen(s *device.Screen)
	Definitions() []llm.Tool
	Execute(ctx context.Context, call conversation.ToolCall) (string, error)
}

// Config bounds a run.
type Config struct {
	Model       string
	MaxSteps    int
	CallTimeout time.Duration // per action request; zero disables
}

// Deps holds the runner's collaborators.
type Deps struct {
	Engine  Engine
	Gateway llm.Client
	Screen  Screen
	Tools   Executor
	Logger  *slog.Logger
	Events  *events.Bus            // nil disables events
	Journal metacognitive.Recorder // nil disables the journal
}

// Result summarizes a finished run.
type Result struct {
	TaskID  string
	Plan    string
	Steps   int
	Stopped bool
	Reason  metacognitive.StopReason
	History conversation.History
	Elapsed time.Duration
}

// Runner executes tasks. Create with [New].
type Runner struct {
	config Config
	deps   Deps
}

// New creates a runner. MaxSteps below 1 is treated as 1.
func New(cfg Config, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = 1
	}
	return &Runner{config: cfg, deps: deps}
}

// Run executes instruction until the engine decides to stop or the step
// budget runs out. An error is returned only for device failures or
// cancellation; the partial result is returned alongside it.
func (r *Runner) Run(ctx context.Context, instruction, credential string) (*Result, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task ID: %w", err)
	}
	res := &Result{TaskID: id.String(), Reason: ReasonStepBudget}
	ctx = journal.WithTaskID(ctx, res.TaskID)
	log := r.deps.Logger.With("task_id", res.TaskID)
	start := time.Now()

	r.deps.Events.Emit(events.SourceTaskloop, events.KindTaskStart, map[string]any{
		"task_id":     res.TaskID,
		"instruction": instruction,
	})
	log.Info("task started", "instruction", instruction, "max_steps", r.config.MaxSteps)

	history := conversation.History{
		conversation.System(prompts.SystemPrompt()),
		conversation.User(instruction),
	}
	if plan, ok := r.deps.Engine.Plan(ctx, instruction, credential); ok {
		res.Plan = plan
		history = append(history, conversation.Assistant(plan))
	} else {
		log.Warn("no plan produced, continuing without one")
	}

	defer func() {
		res.History = history
		res.Elapsed = time.Since(start)
		r.deps.Events.Emit(events.SourceTaskloop, events.KindTaskComplete, map[string]any{
			"task_id":    res.TaskID,
			"steps":      res.Steps,
			"stopped":    res.Stopped,
			"reason":     string(res.Reason),
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
		log.Info("task finished",
			"steps", res.Steps,
			"stopped", res.Stopped,
			"reason", res.Reason,
			"elapsed", res.Elapsed.Round(time.Millisecond),
		)
	}()

	for step := 1; step <= r.config.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Steps = step

		screen, err := r.deps.Screen.Snapshot(ctx)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", step, err)
		}
		if screen == nil {
			screen = &device.Screen{}
		}
		r.deps.Tools.SetScreen(screen)
		r.deps.Events.Emit(events.SourceTaskloop, events.KindStep, map[string]any{
			"task_id":  res.TaskID,
			"step":     step,
			"elements": len(screen.Elements),
		})

		history = append(history, conversation.User(prompts.ActionPrompt(instruction, screen.Render())))
		if reply, ok := r.requestAction(ctx, history, credential); ok {
			history = append(history, reply)
			history = r.execute(ctx, log, step, reply.ToolCalls, history)
		}

		if loopdetect.IsLooping(history) || loopdetect.IsNoProgress(history) {
			log.Info("repeated tool result, nudging model", "step", step)
			history = append(history, conversation.User(prompts.LoopNudge()))
		}

		if reflection, ok := r.deps.Engine.Reflect(ctx, history, credential); ok {
			history = append(history, conversation.Assistant(reflection))
		}

		if v := r.deps.Engine.EvaluateStop(ctx, history, credential); v.Stop {
			res.Stopped = true
			res.Reason = v.Reason
			return res, nil
		}
	}
	return res, nil
}

// requestAction asks the model for the next action. Failures are
// logged and reported as ok=false; the step still reflects and
// evaluates so a dead gateway is bounded by the step budget.
func (r *Runner) requestAction(ctx context.Context, history conversation.History, credential string) (conversation.Message, bool) {
	log := r.deps.Logger.With("task_id", journal.TaskID(ctx))

	callCtx := ctx
	if r.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.config.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.deps.Gateway.Complete(callCtx, &llm.Request{
		Model:      r.config.Model,
		Credential: credential,
		Messages:   history.Clone(),
		Tools:      r.deps.Tools.Definitions(),
	})
	elapsed := time.Since(start)

	msg, ok := resp.FirstMessage()
	ok = ok && err == nil && (msg.Content != "" || len(msg.ToolCalls) > 0)
	r.recordExchange(ctx, resp, ok, elapsed)

	if err != nil {
		log.Warn("action request failed", "error", err)
		return conversation.Message{}, false
	}
	if !ok {
		log.Warn("action request returned nothing usable")
		return conversation.Message{}, false
	}

	out := *msg
	out.Role = conversation.RoleAssistant
	return out, true
}

// execute runs each requested tool call and appends its result.
func (r *Runner) execute(ctx context.Context, log *slog.Logger, step int, calls []conversation.ToolCall, history conversation.History) conversation.History {
	for _, call := range calls {
		result, err := r.deps.Tools.Execute(ctx, call)
		if err != nil {
			log.Warn("tool failed", "tool", call.Name, "error", err)
		}
		history = append(history, conversation.Tool(call.ID, result))

		r.deps.Events.Emit(events.SourceTaskloop, events.KindToolCall, map[string]any{
			"task_id": journal.TaskID(ctx),
			"step":    step,
			"tool":    call.Name,
			"ok":      err == nil,
			"looping": loopdetect.IsLooping(history),
		})
	}
	return history
}

func (r *Runner) recordExchange(ctx context.Context, resp *llm.Completion, ok bool, elapsed time.Duration) {
	if r.deps.Journal == nil {
		return
	}
	ex := journal.Exchange{
		TaskID:  journal.TaskID(ctx),
		Kind:    journal.KindAction,
		Model:   r.config.Model,
		OK:      ok,
		Elapsed: elapsed,
	}
	if resp != nil {
		if resp.Model != "" {
			ex.Model = resp.Model
		}
		ex.InputTokens = resp.InputTokens
		ex.OutputTokens = resp.OutputTokens
	}
	if err := r.deps.Journal.RecordExchange(context.WithoutCancel(ctx), ex); err != nil {
		r.deps.Logger.Warn("journal exchange failed", "error", err)
	}
}
