// Droidpilot drives an Android device toward a natural-language goal.
//
// A metacognition engine plans the task, reflects after each action,
// and decides when to stop. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	droidpilot run <instruction>       Run a task on the device
//	droidpilot plan <instruction>      Print a plan without acting
//	droidpilot reflect <history.json>  Reflect on a saved history
//	droidpilot decide <history.json>   Evaluate whether to stop
//	droidpilot loopcheck <history.json> Check a history for repetition
//	droidpilot screen                  Print the current UI snapshot
//	droidpilot journal [task-id]       Summarize the decision journal
//	droidpilot init [dir]              Write an example config
//	droidpilot version                 Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/nugget/droidpilot/internal/buildinfo"
	"github.com/nugget/droidpilot/internal/config"
)

// credentialEnv names the environment variable holding the per-call
// model credential. It overrides configured keys for every request.
const credentialEnv = "DROIDPILOT_API_KEY"

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so run can
// be called concurrently from tests without flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	out := output{w: stdout, format: outputFmt}

	switch command {
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: droidpilot run <instruction>")
		}
		return runTask(ctx, out, stderr, configPath, strings.Join(cmdArgs, " "))
	case "plan":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: droidpilot plan <instruction>")
		}
		return runPlan(ctx, out, stderr, configPath, strings.Join(cmdArgs, " "))
	case "reflect":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: droidpilot reflect <history.json>")
		}
		return runReflect(ctx, out, stderr, configPath, cmdArgs[0])
	case "decide":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: droidpilot decide <history.json>")
		}
		return runDecide(ctx, out, stderr, configPath, cmdArgs[0])
	case "loopcheck":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: droidpilot loopcheck <history.json>")
		}
		return runLoopcheck(out, cmdArgs[0])
	case "screen":
		return runScreen(ctx, out, stderr, configPath)
	case "journal":
		taskID := ""
		if len(cmdArgs) > 0 {
			taskID = cmdArgs[0]
		}
		return runJournal(ctx, out, stderr, configPath, taskID)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(out)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// output writes command results as text or indented JSON.
type output struct {
	w      io.Writer
	format string
}

func (o output) json() bool { return o.format == "json" }

func (o output) encode(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata in the requested output format.
func runVersion(out output) error {
	info := buildinfo.Info()
	if out.json() {
		return out.encode(info)
	}
	fmt.Fprintln(out.w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(out.w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Droidpilot - Android task agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: droidpilot [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run <instruction>        Run a task on the device")
	fmt.Fprintln(w, "  plan <instruction>       Print a plan without acting")
	fmt.Fprintln(w, "  reflect <history.json>   Reflect on a saved history")
	fmt.Fprintln(w, "  decide <history.json>    Evaluate whether a task should stop")
	fmt.Fprintln(w, "  loopcheck <history.json> Check a history for repeated tool results")
	fmt.Fprintln(w, "  screen                   Print the current UI snapshot")
	fmt.Fprintln(w, "  journal [task-id]        Summarize the decision journal")
	fmt.Fprintln(w, "  init [dir]               Write an example config (default: .)")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %s  Model credential sent with every request\n", credentialEnv)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/droidpilot/config.yaml, /etc/droidpilot/config.yaml")
	return nil
}

// newLogger builds the process logger. Records go to w in the given
// format and, when file is non-nil, are copied to file as JSON.
func newLogger(w io.Writer, level slog.Level, format string, file io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if file == nil {
		return slog.New(handler)
	}
	return slog.New(slogmulti.Fanout(handler, slog.NewJSONHandler(file, opts)))
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist. Without one, the default locations are searched and
// the built-in defaults are used when none exists.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
