// Package tools defines the device actions the model may call and
// dispatches its tool calls to the device.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/droidpilot/internal/conversation"
	"github.com/nugget/droidpilot/internal/device"
	"github.com/nugget/droidpilot/internal/llm"
)

// ErrUnknownTool is returned when a call names a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// Actuator performs UI side effects. Satisfied by *device.Device.
type Actuator interface {
	Tap(ctx context.Context, x, y int) error
	TypeText(ctx context.Context, s string) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, dur time.Duration) error
	KeyEvent(ctx context.Context, code int) error
}

// Tool is a callable action.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the action tools and the screen their element IDs
// refer to.
type Registry struct {
	device Actuator
	logger *slog.Logger

	mu     sync.RWMutex
	tools  map[string]*Tool
	screen *device.Screen
}

// NewRegistry creates a registry with the device action tools.
func NewRegistry(dev Actuator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		device: dev,
		logger: logger,
		tools:  make(map[string]*Tool),
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// SetScreen sets the snapshot that element IDs resolve against.
func (r *Registry) SetScreen(s *device.Screen) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screen = s
}

func (r *Registry) currentScreen() *device.Screen {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.screen
}

// Definitions returns the tool schema sent to the model, sorted by name.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool call. The returned text is always suitable for
// the history: on failure it describes the error, and err carries the
// cause for the caller.
func (r *Registry) Execute(ctx context.Context, call conversation.ToolCall) (string, error) {
	tool := r.Get(call.Name)
	if tool == nil {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		return errorText(err), err
	}

	var args map[string]any
	if s := strings.TrimSpace(call.Arguments); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			err = fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
			return errorText(err), err
		}
	}

	start := time.Now()
	result, err := tool.Handler(ctx, args)
	r.logger.Debug("tool executed",
		"tool", call.Name,
		"ok", err == nil,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	if err != nil {
		return errorText(err), err
	}
	return result, nil
}

func errorText(err error) string {
	return "Error: " + err.Error()
}

// intArg reads an integer argument that may arrive as a JSON number or
// a numeric string.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}
