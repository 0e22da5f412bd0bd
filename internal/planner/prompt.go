package planner

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/pkg/models"
)

const planningSystemPrompt = "You are a planning assistant. Respond with a single JSON object and nothing else."

const planningInstructions = `Break the user's goal into a short, executable plan.

For each step give:
- step_number: 1-based position
- description: what the step does
- tool_name: one of the available tools, or null when no tool is needed
- tool_arguments: an object of arguments for the tool, or null
- depends_on: step numbers that must finish first
- success_criteria: how to tell the step worked

Respond in this format:
{
  "steps": [
    {"step_number": 1, "description": "...", "tool_name": null, "tool_arguments": null, "depends_on": [], "success_criteria": "..."}
  ],
  "estimated_steps": 1,
  "complexity": "low"
}

complexity is one of low, medium or high. Only use the tools listed below.`

// maxPromptInsights is how many past insights are shown to the model.
const maxPromptInsights = 2

func planningMessages(goal string, tools []models.ToolDefinition, insights []*models.Insight) []models.ChatMessage {
	var b strings.Builder
	b.WriteString(planningInstructions)

	b.WriteString("\n\nAvailable tools:\n")
	if len(tools) == 0 {
		b.WriteString("(none)\n")
	}
	for _, def := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}

	fmt.Fprintf(&b, "\nUser goal: %s\n", goal)

	if len(insights) > 0 {
		b.WriteString("\nPast similar tasks and outcomes:\n")
		for i, insight := range insights {
			if i == maxPromptInsights {
				break
			}
			fmt.Fprintf(&b, "- Goal: %s\n", insight.Goal)
			if outcome, ok := insight.Insights["final_outcome"]; ok {
				fmt.Fprintf(&b, "  Outcome: %v\n", outcome)
			}
			if suggestions := insight.Suggestions(); len(suggestions) > 0 {
				fmt.Fprintf(&b, "  Suggestion: %s\n", suggestions[0])
			}
		}
		b.WriteString("Take these into account.\n")
	}

	return []models.ChatMessage{
		{Role: models.RoleSystem, Content: planningSystemPrompt},
		{Role: models.RoleUser, Content: b.String()},
	}
}
