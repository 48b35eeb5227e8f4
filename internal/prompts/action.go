package prompts

import (
	"fmt"
	"strings"
)

// actionTemplate is the per-step request sent by the task runner. The
// format verbs receive the instruction and the rendered screen.
const actionTemplate = `Instruction: %s

Current screen:
%s

Choose the next action and call exactly one tool.`

// emptyScreen replaces a blank screen render.
const emptyScreen = "(no UI elements visible)"

// ActionPrompt returns the per-step action request for instruction and
// the rendered UI snapshot.
func ActionPrompt(instruction, screen string) string {
	screen = strings.TrimSpace(screen)
	if screen == "" {
		screen = emptyScreen
	}
	return fmt.Sprintf(actionTemplate, strings.TrimSpace(instruction), screen)
}

// LoopNudge is appended by the task runner when the last two tool
// results were identical.
func LoopNudge() string {
	return "The last two actions produced the same result. The screen is probably not changing. Try a different element or approach."
}
