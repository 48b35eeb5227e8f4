// Package device drives an Android phone over adb. It captures the UI
// tree with uiautomator and performs taps, text entry, swipes, and key
// presses through the input command.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Android key codes used by the action tools.
const (
	KeyHome  = 3
	KeyBack  = 4
	KeyEnter = 66
)

// dumpPath is where uiautomator writes the hierarchy on the device.
const dumpPath = "/sdcard/droidpilot_dump.xml"

// maxErrOutput bounds the stderr excerpt carried in errors.
const maxErrOutput = 500

// ErrNoSnapshot is returned when an element is referenced before any
// screen has been captured.
var ErrNoSnapshot = errors.New("no screen snapshot")

// Runner executes an external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct{}

// Run executes name with args. On failure the error carries a bounded
// excerpt of stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errOutput := strings.TrimSpace(stderr.String())
		if len(errOutput) > maxErrOutput {
			errOutput = errOutput[:maxErrOutput]
		}
		return nil, fmt.Errorf("%w: %s", err, errOutput)
	}
	return stdout.Bytes(), nil
}

// Config selects the adb binary and target device.
type Config struct {
	ADBPath string
	Serial  string
	// SettleDelay is waited after every action so the UI can redraw
	// before the next snapshot.
	SettleDelay time.Duration
}

// Device is an adb-connected phone.
type Device struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// New creates a device handle. A nil runner uses [ExecRunner].
func New(cfg Config, runner Runner, logger *slog.Logger) *Device {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{cfg: cfg, runner: runner, logger: logger.With("serial", cfg.Serial)}
}

func (d *Device) adb(ctx context.Context, args ...string) ([]byte, error) {
	if d.cfg.Serial != "" {
		args = append([]string{"-s", d.cfg.Serial}, args...)
	}
	out, err := d.runner.Run(ctx, d.cfg.ADBPath, args...)
	if err != nil {
		return nil, fmt.Errorf("adb %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// Snapshot dumps and parses the current UI hierarchy.
func (d *Device) Snapshot(ctx context.Context) (*Screen, error) {
	if _, err := d.adb(ctx, "shell", "uiautomator", "dump", dumpPath); err != nil {
		return nil, fmt.Errorf("dump ui: %w", err)
	}
	raw, err := d.adb(ctx, "exec-out", "cat", dumpPath)
	if err != nil {
		return nil, fmt.Errorf("read ui dump: %w", err)
	}
	screen, err := ParseHierarchy(raw)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("screen captured", "elements", len(screen.Elements), "package", screen.Package)
	return screen, nil
}

// Tap taps the screen at (x, y).
func (d *Device) Tap(ctx context.Context, x, y int) error {
	return d.input(ctx, "tap", strconv.Itoa(x), strconv.Itoa(y))
}

// TypeText types s into the focused field.
func (d *Device) TypeText(ctx context.Context, s string) error {
	if s == "" {
		return nil
	}
	return d.input(ctx, "text", EscapeInputText(s))
}

// Swipe drags from (x1, y1) to (x2, y2) over dur.
func (d *Device) Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error {
	return d.input(ctx, "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.FormatInt(dur.Milliseconds(), 10),
	)
}

// KeyEvent sends an Android key code.
func (d *Device) KeyEvent(ctx context.Context, code int) error {
	return d.input(ctx, "keyevent", strconv.Itoa(code))
}

// input runs "adb shell input ..." and then waits for the UI to settle.
func (d *Device) input(ctx context.Context, args ...string) error {
	d.logger.Debug("device input", "args", args)
	if _, err := d.adb(ctx, append([]string{"shell", "input"}, args...)...); err != nil {
		return err
	}
	return d.settle(ctx)
}

func (d *Device) settle(ctx context.Context) error {
	if d.cfg.SettleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(d.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EscapeInputText encodes s for "input text", which splits on spaces
// and passes the argument through the device shell.
func EscapeInputText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\\', '\'', '"', '`', '$', '&', '|', ';', '<', '>', '(', ')', '*', '~', '!', '?', '#', '%':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
