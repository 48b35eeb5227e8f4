// Package loopdetect provides cheap, model-independent repetition
// checks over a conversation history. They run before the model is
// consulted and never have side effects.
package loopdetect

import "github.com/nugget/droidpilot/internal/conversation"

// IsLooping reports whether the two most recent tool results are
// identical. Only immediate repetition is caught; a cycle longer than
// one step (A, B, A, B) is not detected.
func IsLooping(h conversation.History) bool {
	tools := h.ToolMessages()
	if len(tools) < 2 {
		return false
	}
	return tools[len(tools)-1].Content == tools[len(tools)-2].Content
}

// IsNoProgress is reserved for stagnation detection (e.g. comparing
// successive screen snapshots). No comparison contract exists yet, so
// it always returns false and callers must not rely on it.
func IsNoProgress(conversation.History) bool {
	return false
}
