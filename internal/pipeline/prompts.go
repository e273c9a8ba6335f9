package pipeline

import (
	"fmt"
	"strings"

	"taskforce/internal/domain"
)

const splitSystemPrompt = `You are the mission dispatcher of a small task force.
Break the mission objective into one focused brief per specialist.
Respond with a single JSON object whose keys are exactly:
"research", "strategy", "operations", "comms".
Each value is a JSON object with the fields "goal" (string),
"key_questions" (array of strings) and "constraints" (array of strings).
No other keys, no prose, no markdown.`

func splitUserPrompt(m domain.Mission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", m.Objective)
	if m.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", *m.Deadline)
	}
	if m.Priority != nil {
		fmt.Fprintf(&b, "Priority: %s\n", *m.Priority)
	}
	if m.Context != nil {
		fmt.Fprintf(&b, "Context: %s\n", *m.Context)
	}
	return b.String()
}

var personas = map[string]string{
	"research": `You are the research specialist of a task force.
Gather and weigh the facts the brief asks for. Be concrete, cite what you
know and flag what you could not verify. Answer in plain markdown.`,
	"strategy": `You are the strategy specialist of a task force.
Turn the brief into a recommended course of action with clear trade-offs
and a fallback. Answer in plain markdown.`,
	"operations": `You are the operations specialist of a task force.
Turn the brief into an execution plan: steps, owners, resources and
timeline. Answer in plain markdown.`,
	"comms": `You are the communications specialist of a task force.
Turn the brief into the messaging plan: audiences, key messages and
channel choices. Answer in plain markdown.`,
}

func personaPrompt(agentKey string) string {
	if p, ok := personas[agentKey]; ok {
		return p
	}
	return "You are a specialist on a task force. Work the brief and answer in plain markdown."
}

func agentUserPrompt(m domain.Mission, b domain.Brief) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mission objective: %s\n", m.Objective)
	if m.Deadline != nil {
		fmt.Fprintf(&sb, "Deadline: %s\n", *m.Deadline)
	}
	if m.Context != nil {
		fmt.Fprintf(&sb, "Mission context: %s\n", *m.Context)
	}
	fmt.Fprintf(&sb, "\nYour brief (JSON):\n%s\n", b.ContentJSON)
	return sb.String()
}

const compileSystemPrompt = `You are the mission editor of a task force.
Merge the specialist deliverables into one coherent mission report in
markdown. Start with a single h1 title line, follow with a short executive
summary, then one section per specialist. Resolve overlaps, keep every
concrete recommendation.`

func compileUserPrompt(m domain.Mission, deliverables []domain.Deliverable) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Mission objective: %s\n", m.Objective)
	if m.Deadline != nil {
		fmt.Fprintf(&sb, "Deadline: %s\n", *m.Deadline)
	}
	for _, d := range deliverables {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", d.AgentKey, d.Output)
	}
	return sb.String()
}
