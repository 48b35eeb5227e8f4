// Package metacognitive is the agent's decision core. Before the action
// loop starts it asks the model for a plan; after every action it asks
// for a reflection and then for a stop decision, which it combines with
// loop heuristics into a single stop/continue verdict.
//
// The engine is stateless between calls. The conversation history is
// owned by the caller and is never modified here; every request is
// assembled on a copy. Model failures never surface as errors: plan
// and reflect report absence and stop evaluation reports "continue",
// so a flaky gateway can delay completion but never end a task early.
package metacognitive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/droidpilot/internal/config"
	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/events"
	"github.com/nugget/droidpilot/internal/journal"
	"github.com/nugget/droidpilot/internal/llm"
	"github.com/nugget/droidpilot/internal/prompts"
)

// Recorder persists exchanges and decisions. Satisfied by
// *journal.Store.
type Recorder interface {
	RecordExchange(ctx context.Context, ex journal.Exchange) error
	RecordDecision(ctx context.Context, d journal.Decision) error
}

// Config holds the engine settings.
type Config struct {
	Model string
	// CallTimeout bounds each gateway call. Zero leaves the caller's
	// context as the only deadline.
	CallTimeout time.Duration
	Policy      Policy
}

// ParseConfig builds a [Config] from the loaded configuration. Call
// after validation has passed.
func ParseConfig(cfg *config.Config) (Config, error) {
	var timeout time.Duration
	if cfg.Model.CallTimeout != "" {
		d, err := time.ParseDuration(cfg.Model.CallTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("call_timeout %q: %w", cfg.Model.CallTimeout, err)
		}
		timeout = d
	}
	model := cfg.Model.Metacog
	if model == "" {
		model = cfg.Model.Name
	}
	m := cfg.Metacognitive
	return Config{
		Model:       model,
		CallTimeout: timeout,
		Policy: Policy{
			ConfidenceAbove:  m.ConfidenceAbove,
			SeverityAbove:    m.SeverityAbove,
			CountAbove:       m.CountAbove,
			CombinedSeverity: m.CombinedSeverity,
			CombinedCount:    m.CombinedCount,
		},
	}, nil
}

// Deps holds the engine's collaborators.
type Deps struct {
	Gateway llm.Client
	Logger  *slog.Logger
	Events  *events.Bus // nil disables events
	Journal Recorder    // nil disables the journal
	// Tools is the action tool schema sent with every request so the
	// model sees the same capabilities it acts with.
	Tools []llm.Tool
}

// Engine issues plan, reflect, and stop requests. Create with [New].
type Engine struct {
	config Config
	deps   Deps
}

// New creates an engine. A zero Policy is replaced by [DefaultPolicy].
func New(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	return &Engine{config: cfg, deps: deps}
}

// Policy returns the thresholds in effect.
func (e *Engine) Policy() Policy {
	return e.config.Policy
}

// CallTimeout returns the per-call gateway deadline; zero means none.
func (e *Engine) CallTimeout() time.Duration {
	return e.config.CallTimeout
}

// Plan asks for an initial plan for instruction. The reply text is
// returned uninterpreted; ok is false when no usable reply arrived,
// including a readable message whose content is empty.
func (e *Engine) Plan(ctx context.Context, instruction, credential string) (string, bool) {
	req := []conversation.Message{
		conversation.System(prompts.SystemPrompt()),
		conversation.User(prompts.PlanPrompt(instruction)),
	}
	res := e.complete(ctx, journal.KindPlan, req, credential)

	e.deps.Events.Emit(events.SourceMetacog, events.KindPlan, map[string]any{
		"task_id":    journal.TaskID(ctx),
		"ok":         res.ok,
		"elapsed_ms": res.elapsed.Milliseconds(),
	})
	return res.text, res.ok
}

// Reflect asks the model to assess the last action. Trailing tool
// results are dropped from the request so it ends on the model's own
// last turn. As with Plan, empty content reports ok=false.
func (e *Engine) Reflect(ctx context.Context, history conversation.History, credential string) (string, bool) {
	trimmed := history.TrimTrailingTools()
	req := withPrompt(trimmed, prompts.ReflectionPrompt())
	res := e.complete(ctx, journal.KindReflect, req, credential)

	e.deps.Events.Emit(events.SourceMetacog, events.KindReflect, map[string]any{
		"task_id":    journal.TaskID(ctx),
		"ok":         res.ok,
		"trimmed":    len(history) - len(trimmed),
		"elapsed_ms": res.elapsed.Milliseconds(),
	})
	return res.text, res.ok
}

// DecideStop reports whether the task should halt.
func (e *Engine) DecideStop(ctx context.Context, history conversation.History, credential string) bool {
	return e.EvaluateStop(ctx, history, credential).Stop
}

// EvaluateStop asks the model whether to stop and applies the policy to
// its answer. A gateway failure always yields Stop=false. A reply that
// does not parse stops only if it starts with "yes".
func (e *Engine) EvaluateStop(ctx context.Context, history conversation.History, credential string) Verdict {
	req := withPrompt(history, prompts.StopEvaluationPrompt())
	res := e.complete(ctx, journal.KindStop, req, credential)

	v := e.verdict(res)
	e.recordDecision(ctx, v)

	data := map[string]any{
		"task_id": journal.TaskID(ctx),
		"stop":    v.Stop,
		"reason":  string(v.Reason),
	}
	if v.Decision != nil {
		data["confidence"] = v.Decision.Confidence
		data["loop_detected"] = v.Decision.Loop.Detected
	}
	e.deps.Events.Emit(events.SourceMetacog, events.KindStopDecision, data)

	e.deps.Logger.Info("stop decision",
		"task_id", journal.TaskID(ctx),
		"stop", v.Stop,
		"reason", v.Reason,
	)
	return v
}

func (e *Engine) verdict(res result) Verdict {
	if !res.ok {
		return Verdict{Reason: ReasonGatewayFailure}
	}

	d, err := ParseStopDecision(res.text)
	if err != nil {
		e.deps.Logger.Debug("stop decision not parseable, using lexical fallback",
			"error", err,
			"raw", res.text,
		)
		v := Verdict{Reason: ReasonUnparsed, Raw: res.text}
		if lexicalStop(res.text) {
			v.Stop, v.Reason = true, ReasonLexicalYes
		}
		return v
	}

	stop, reason := e.config.Policy.Evaluate(d)
	return Verdict{Stop: stop, Reason: reason, Decision: d, Raw: res.text}
}

// withPrompt returns a new request: a system message (unless history
// already starts with one), the history, then prompt as a user turn.
func withPrompt(history conversation.History, prompt string) []conversation.Message {
	out := make([]conversation.Message, 0, len(history)+2)
	if len(history) == 0 || history[0].Role != conversation.RoleSystem {
		out = append(out, conversation.System(prompts.SystemPrompt()))
	}
	out = append(out, history...)
	return append(out, conversation.User(prompt))
}

type result struct {
	text    string
	ok      bool
	elapsed time.Duration
}

// complete performs one gateway call. Every failure mode (transport
// error, deadline, empty reply) collapses into ok=false.
func (e *Engine) complete(ctx context.Context, kind string, messages []conversation.Message, credential string) result {
	log := e.deps.Logger.With("kind", kind, "task_id", journal.TaskID(ctx))

	if e.deps.Gateway == nil {
		log.Warn("no model gateway configured")
		return result{}
	}

	callCtx := ctx
	if e.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.deps.Gateway.Complete(callCtx, &llm.Request{
		Model:      e.config.Model,
		Credential: credential,
		Messages:   messages,
		Tools:      e.deps.Tools,
	})
	elapsed := time.Since(start)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}

	var res result
	res.elapsed = elapsed
	switch {
	case err != nil:
		log.Warn("model request failed", "error", err, "elapsed", elapsed.Round(time.Millisecond))
	default:
		res.text, res.ok = resp.FirstContent()
		if !res.ok {
			log.Warn("model returned no usable content", "elapsed", elapsed.Round(time.Millisecond))
		} else {
			log.Debug("model request complete", "elapsed", elapsed.Round(time.Millisecond), "chars", len(res.text))
		}
	}

	e.recordExchange(ctx, kind, resp, res)
	return res
}

func (e *Engine) recordExchange(ctx context.Context, kind string, resp *llm.Completion, res result) {
	if e.deps.Journal == nil {
		return
	}
	ex := journal.Exchange{
		TaskID:  journal.TaskID(ctx),
		Kind:    kind,
		Model:   e.config.Model,
		OK:      res.ok,
		Elapsed: res.elapsed,
	}
	if resp != nil {
		if resp.Model != "" {
			ex.Model = resp.Model
		}
		ex.InputTokens = resp.InputTokens
		ex.OutputTokens = resp.OutputTokens
	}
	// The call may have ended because ctx expired; the record should
	// still land.
	if err := e.deps.Journal.RecordExchange(context.WithoutCancel(ctx), ex); err != nil {
		e.deps.Logger.Warn("journal exchange failed", "error", err)
	}
}

func (e *Engine) recordDecision(ctx context.Context, v Verdict) {
	if e.deps.Journal == nil {
		return
	}
	d := journal.Decision{
		TaskID: journal.TaskID(ctx),
		Stop:   v.Stop,
		Reason: string(v.Reason),
		Raw:    v.Raw,
	}
	if v.Decision != nil {
		d.ShouldStop = v.Decision.ShouldStop
		d.ObjectiveCompleted = v.Decision.ObjectiveCompleted
		d.Confidence = v.Decision.Confidence
		d.LoopDetected = v.Decision.Loop.Detected
		d.LoopCount = v.Decision.Loop.LoopCount
		d.Severity = v.Decision.Loop.Severity
	}
	if err := e.deps.Journal.RecordDecision(context.WithoutCancel(ctx), d); err != nil {
		e.deps.Logger.Warn("journal decision failed", "error", err)
	}
}
