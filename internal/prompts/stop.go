package prompts

// stopEvaluationTemplate asks the model whether the task is finished.
// Field names must stay in sync with metacognitive.StopDecision.
const stopEvaluationTemplate = `Evaluate whether the user's instruction has been fulfilled and whether the agent should stop.

Stop when the objective is complete, or when you are stuck repeating the same
actions without making progress. Keep going when there is a reasonable next
step that moves toward the objective.

Respond with ONLY a JSON object in exactly this shape:
{
  "should_stop": false,
  "objective_completed": false,
  "confidence": 0.0,
  "is_in_loop": {
    "detected": false,
    "repeated_actions": ["actions that keep repeating"],
    "loop_count": 0,
    "severity": 0
  }
}

confidence is a number from 0.0 to 1.0 describing how sure you are that the
objective is complete. loop_count is how many times the repeated pattern has
occurred. severity is 0 (none) to 5 (completely stuck).`

// StopEvaluationPrompt returns the stop evaluation request appended
// after the full conversation history.
func StopEvaluationPrompt() string {
	return stopEvaluationTemplate
}
