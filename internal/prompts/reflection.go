package prompts

// reflectionTemplate asks the model to assess the effect of the most
// recent action.
const reflectionTemplate = `Reflect on the action you just took and its result.

Respond with ONLY a JSON object in exactly this shape:
{
  "last_interaction": "what the last action was and what it targeted",
  "screen_changed": true,
  "progress_made": true,
  "available_elements": ["elements on the current screen relevant to the instruction"],
  "next_approach": "what to do next, or a different approach if the last one failed",
  "confidence_level": 0.0
}`

// ReflectionPrompt returns the reflection request appended after the
// conversation history.
func ReflectionPrompt() string {
	return reflectionTemplate
}
