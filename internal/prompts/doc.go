// Package prompts contains all LLM prompt templates used by droidpilot.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. The JSON shapes embedded in these prompts are
// contracts with the model; the metacognitive package parses the stop
// evaluation shape and nothing else.
//
// Convention: each prompt category gets its own file (system.go, plan.go,
// reflection.go, stop.go, action.go) with an exported function that accepts
// the dynamic parts and returns the fully interpolated prompt string.
package prompts
