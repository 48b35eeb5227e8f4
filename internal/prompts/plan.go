package prompts

import (
	"fmt"
	"strings"
)

// planTemplate asks for an up-front plan. The single format verb
// receives the user's instruction.
const planTemplate = `Before taking any action, plan how to accomplish this instruction on the phone:

%s

Respond with ONLY a JSON object in exactly this shape:
{
  "primary_objective": "the single outcome that fulfils the instruction",
  "success_criteria": ["observable screen states that prove the objective is met"],
  "estimated_steps": ["ordered high-level actions"],
  "potential_challenges": ["things that could block progress"],
  "verification_methods": ["how to confirm each success criterion from the screen"]
}`

// PlanPrompt returns the planning request for instruction.
func PlanPrompt(instruction string) string {
	return fmt.Sprintf(planTemplate, strings.TrimSpace(instruction))
}
