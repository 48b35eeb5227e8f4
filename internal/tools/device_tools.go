package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/droidpilot/internal/device"
)

// Gesture and wait bounds.
const (
	swipeDuration  = 300 * time.Millisecond
	maxWaitSeconds = 10
	// fallback extents when the snapshot gives no usable size
	defaultWidth  = 1080
	defaultHeight = 1920
)

func (r *Registry) registerBuiltins() {
	elementParam := map[string]any{
		"type":        "integer",
		"description": "Element number from the current screen listing, e.g. 3 for [3]",
	}

	r.Register(&Tool{
		Name:        "tap_element",
		Description: "Tap an element on the current screen.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"element": elementParam},
			"required":   []string{"element"},
		},
		Handler: r.handleTapElement,
	})

	r.Register(&Tool{
		Name:        "type_text",
		Description: "Type text into an input field. If element is given it is tapped first to focus it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":    map[string]any{"type": "string", "description": "Text to type"},
				"element": elementParam,
			},
			"required": []string{"text"},
		},
		Handler: r.handleTypeText,
	})

	r.Register(&Tool{
		Name:        "swipe",
		Description: "Swipe across the screen to scroll. Direction is the finger movement: up scrolls content down.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"direction": map[string]any{
					"type": "string",
					"enum": []string{"up", "down", "left", "right"},
				},
			},
			"required": []string{"direction"},
		},
		Handler: r.handleSwipe,
	})

	keys := []struct {
		name, desc string
		code       int
	}{
		{"press_back", "Press the Android back button.", device.KeyBack},
		{"press_home", "Press the Android home button.", device.KeyHome},
		{"press_enter", "Press enter on the keyboard, e.g. to submit a search.", device.KeyEnter},
	}
	for _, k := range keys {
		r.Register(&Tool{
			Name:        k.name,
			Description: k.desc,
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler:     r.keyHandler(k.name, k.code),
		})
	}

	r.Register(&Tool{
		Name:        "wait",
		Description: "Wait for the screen to finish loading before looking again.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"seconds": map[string]any{
					"type":        "integer",
					"description": "Seconds to wait, 1 to 10 (default 2)",
				},
			},
		},
		Handler: handleWait,
	})
}

// element resolves the "element" argument against the current screen.
func (r *Registry) element(args map[string]any) (device.Element, error) {
	id, ok := intArg(args, "element")
	if !ok {
		return device.Element{}, fmt.Errorf("element is required")
	}
	screen := r.currentScreen()
	if screen == nil {
		return device.Element{}, device.ErrNoSnapshot
	}
	e, ok := screen.Element(id)
	if !ok {
		return device.Element{}, fmt.Errorf("element %d is not on the current screen (1-%d)", id, len(screen.Elements))
	}
	return e, nil
}

func describe(e device.Element) string {
	if label := e.Label(); label != "" {
		return fmt.Sprintf("[%d] %s", e.ID, strconv.Quote(label))
	}
	return fmt.Sprintf("[%d]", e.ID)
}

func (r *Registry) handleTapElement(ctx context.Context, args map[string]any) (string, error) {
	e, err := r.element(args)
	if err != nil {
		return "", err
	}
	x, y := e.Bounds.Center()
	if err := r.device.Tap(ctx, x, y); err != nil {
		return "", err
	}
	return fmt.Sprintf("Tapped %s at %d,%d", describe(e), x, y), nil
}

func (r *Registry) handleTypeText(ctx context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return "", fmt.Errorf("text is required")
	}

	var target string
	if _, ok := args["element"]; ok {
		e, err := r.element(args)
		if err != nil {
			return "", err
		}
		x, y := e.Bounds.Center()
		if err := r.device.Tap(ctx, x, y); err != nil {
			return "", err
		}
		target = " into " + describe(e)
	}

	if err := r.device.TypeText(ctx, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("Typed %s%s", strconv.Quote(text), target), nil
}

func (r *Registry) handleSwipe(ctx context.Context, args map[string]any) (string, error) {
	direction, _ := args["direction"].(string)
	direction = strings.ToLower(strings.TrimSpace(direction))

	w, h := screenSize(r.currentScreen())
	cx, cy := w/2, h/2
	var x1, y1, x2, y2 int
	switch direction {
	case "up":
		x1, y1, x2, y2 = cx, h*3/4, cx, h/4
	case "down":
		x1, y1, x2, y2 = cx, h/4, cx, h*3/4
	case "left":
		x1, y1, x2, y2 = w*3/4, cy, w/4, cy
	case "right":
		x1, y1, x2, y2 = w/4, cy, w*3/4, cy
	default:
		return "", fmt.Errorf("direction must be up, down, left, or right (got %q)", direction)
	}

	if err := r.device.Swipe(ctx, x1, y1, x2, y2, swipeDuration); err != nil {
		return "", err
	}
	return "Swiped " + direction, nil
}

func (r *Registry) keyHandler(name string, code int) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, _ map[string]any) (string, error) {
		if err := r.device.KeyEvent(ctx, code); err != nil {
			return "", err
		}
		return "Pressed " + strings.TrimPrefix(name, "press_"), nil
	}
}

func handleWait(ctx context.Context, args map[string]any) (string, error) {
	seconds, ok := intArg(args, "seconds")
	if !ok {
		seconds = 2
	}
	seconds = max(1, min(seconds, maxWaitSeconds))

	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return fmt.Sprintf("Waited %ds", seconds), nil
}

// screenSize estimates the display extents from the largest element
// bounds in the snapshot.
func screenSize(s *device.Screen) (w, h int) {
	if s != nil {
		for _, e := range s.Elements {
			w = max(w, e.Bounds.Right)
			h = max(h, e.Bounds.Bottom)
		}
	}
	if w == 0 || h == 0 {
		return defaultWidth, defaultHeight
	}
	return w, h
}
