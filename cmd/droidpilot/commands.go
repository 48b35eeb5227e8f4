package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nugget/droidpilot/internal/config"
	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/device"
	"github.com/nugget/droidpilot/internal/journal"
	"github.com/nugget/droidpilot/internal/loopdetect"
	"github.com/nugget/droidpilot/internal/mqtt"
	"github.com/nugget/droidpilot/internal/taskloop"
	"github.com/nugget/droidpilot/internal/tools"
)

// journalWindow is the lookback for the journal summary.
const journalWindow = 24 * time.Hour

// runTask handles "droidpilot run". SIGINT or SIGTERM cancels the task
// between steps; the partial result is still printed.
func runTask(ctx context.Context, out output, stderr io.Writer, configPath, instruction string) error {
	a, err := newApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.cfg.MQTT.Configured() {
		pub := mqtt.New(a.cfg.MQTT, a.bus, a.logger)
		pubCtx, pubCancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := pub.Start(pubCtx); err != nil {
				a.logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := pub.Stop(stopCtx); err != nil {
				a.logger.Warn("mqtt shutdown failed", "error", err)
			}
			pubCancel()
			<-done
		}()
	}

	dev := newDevice(a)
	registry := tools.NewRegistry(dev, a.logger)
	engine, err := a.engine(registry.Definitions())
	if err != nil {
		return err
	}

	runner := taskloop.New(taskloop.Config{
		Model:       a.cfg.Model.Name,
		MaxSteps:    a.cfg.Task.MaxSteps,
		CallTimeout: engine.CallTimeout(),
	}, taskloop.Deps{
		Engine:  engine,
		Gateway: a.gateway,
		Screen:  dev,
		Tools:   registry,
		Logger:  a.logger,
		Events:  a.bus,
		Journal: a.recorder(),
	})

	res, runErr := runner.Run(ctx, instruction, os.Getenv(credentialEnv))
	if res != nil {
		if err := printResult(out, res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

func newDevice(a *app) *device.Device {
	return device.New(device.Config{
		ADBPath:     a.cfg.Device.ADBPath,
		Serial:      a.cfg.Device.Serial,
		SettleDelay: a.cfg.SettleDelay(),
	}, device.ExecRunner{}, a.logger)
}

type resultJSON struct {
	TaskID    string               `json:"task_id"`
	Plan      string               `json:"plan,omitempty"`
	Steps     int                  `json:"steps"`
	Stopped   bool                 `json:"stopped"`
	Reason    string               `json:"reason"`
	ElapsedMS int64                `json:"elapsed_ms"`
	History   conversation.History `json:"history"`
}

func printResult(out output, res *taskloop.Result) error {
	if out.json() {
		return out.encode(resultJSON{
			TaskID:    res.TaskID,
			Plan:      res.Plan,
			Steps:     res.Steps,
			Stopped:   res.Stopped,
			Reason:    string(res.Reason),
			ElapsedMS: res.Elapsed.Milliseconds(),
			History:   res.History,
		})
	}
	fmt.Fprintf(out.w, "task %s\n", res.TaskID)
	fmt.Fprintf(out.w, "  steps:   %d\n", res.Steps)
	fmt.Fprintf(out.w, "  stopped: %t (%s)\n", res.Stopped, res.Reason)
	fmt.Fprintf(out.w, "  elapsed: %s\n", res.Elapsed.Round(time.Millisecond))
	return nil
}

// runPlan handles "droidpilot plan".
func runPlan(ctx context.Context, out output, stderr io.Writer, configPath, instruction string) error {
	a, err := newApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine(nil)
	if err != nil {
		return err
	}
	plan, ok := engine.Plan(ctx, instruction, os.Getenv(credentialEnv))
	if out.json() {
		return out.encode(map[string]any{"ok": ok, "plan": plan})
	}
	if !ok {
		return fmt.Errorf("plan: no plan produced")
	}
	fmt.Fprintln(out.w, plan)
	return nil
}

// runReflect handles "droidpilot reflect".
func runReflect(ctx context.Context, out output, stderr io.Writer, configPath, historyPath string) error {
	history, err := readHistory(historyPath)
	if err != nil {
		return err
	}
	a, err := newApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine(nil)
	if err != nil {
		return err
	}
	reflection, ok := engine.Reflect(ctx, history, os.Getenv(credentialEnv))
	if out.json() {
		return out.encode(map[string]any{"ok": ok, "reflection": reflection})
	}
	if !ok {
		return fmt.Errorf("reflect: no reflection produced")
	}
	fmt.Fprintln(out.w, reflection)
	return nil
}

// runDecide handles "droidpilot decide".
func runDecide(ctx context.Context, out output, stderr io.Writer, configPath, historyPath string) error {
	history, err := readHistory(historyPath)
	if err != nil {
		return err
	}
	a, err := newApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.engine(nil)
	if err != nil {
		return err
	}
	v := engine.EvaluateStop(ctx, history, os.Getenv(credentialEnv))
	if out.json() {
		return out.encode(map[string]any{
			"stop":     v.Stop,
			"reason":   v.Reason,
			"decision": v.Decision,
		})
	}
	verdict := "continue"
	if v.Stop {
		verdict = "stop"
	}
	fmt.Fprintf(out.w, "%s (%s)\n", verdict, v.Reason)
	return nil
}

// runLoopcheck handles "droidpilot loopcheck". No model is involved.
func runLoopcheck(out output, historyPath string) error {
	history, err := readHistory(historyPath)
	if err != nil {
		return err
	}
	looping := loopdetect.IsLooping(history)
	noProgress := loopdetect.IsNoProgress(history)
	if out.json() {
		return out.encode(map[string]bool{"looping": looping, "no_progress": noProgress})
	}
	fmt.Fprintf(out.w, "looping:     %t\n", looping)
	fmt.Fprintf(out.w, "no progress: %t\n", noProgress)
	return nil
}

// runScreen handles "droidpilot screen".
func runScreen(ctx context.Context, out output, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	dev := newDevice(&app{cfg: cfg, logger: newLogger(stderr, level, cfg.LogFormat, nil)})

	screen, err := dev.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("screen: %w", err)
	}
	if out.json() {
		return out.encode(screen)
	}
	fmt.Fprintln(out.w, screen.Render())
	return nil
}

// runJournal handles "droidpilot journal". With a task ID it lists that
// task's decisions; otherwise it summarizes the last day.
func runJournal(ctx context.Context, out output, stderr io.Writer, configPath, taskID string) error {
	a, err := newApp(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.journal == nil {
		return fmt.Errorf("journal disabled (set journal.path)")
	}

	if taskID != "" {
		decisions, err := a.journal.Decisions(ctx, taskID)
		if err != nil {
			return err
		}
		if out.json() {
			return out.encode(decisions)
		}
		for _, d := range decisions {
			fmt.Fprintf(out.w, "%s  stop=%-5t reason=%-20s confidence=%.2f loop=%t\n",
				d.Timestamp.Local().Format(time.DateTime), d.Stop, d.Reason, d.Confidence, d.LoopDetected)
		}
		return nil
	}

	end := time.Now()
	start := end.Add(-journalWindow)
	summary, err := a.journal.Summary(start, end)
	if err != nil {
		return err
	}
	reasons, err := a.journal.ReasonCounts(start, end)
	if err != nil {
		return err
	}
	if out.json() {
		return out.encode(map[string]any{"summary": summary, "reasons": reasons})
	}
	printSummary(out.w, summary, reasons)
	return nil
}

func printSummary(w io.Writer, s *journal.Summary, reasons map[string]int) {
	fmt.Fprintf(w, "last %s\n", journalWindow)
	fmt.Fprintf(w, "  exchanges: %d (%d failed)\n", s.Exchanges, s.FailedExchanges)
	fmt.Fprintf(w, "  tokens:    %d in / %d out\n", s.InputTokens, s.OutputTokens)
	fmt.Fprintf(w, "  decisions: %d (%d stop)\n", s.Decisions, s.Stops)

	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "    %-20s %d\n", k, reasons[k])
	}
}

// readHistory loads a JSON history from path, or stdin when path is "-".
func readHistory(path string) (conversation.History, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		defer f.Close()
		r = f
	}
	h, err := conversation.Load(r)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", path, err)
	}
	return h, nil
}
