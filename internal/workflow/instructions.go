package workflow

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/sonic/internal/model"
)

// RenderInstructions renders graph as the textual workflow instructions
// injected into the system prompt (§4.8.1). Requirements: every assistant
// response is prefixed by [STEP: <node_id>]; transitions are labeled
// INTERNAL TRANSITIONS (DO NOT SPEAK THESE); each node's user-facing
// instruction is separated from its internal transitions; a closing
// reminder states workflow logic is never narrated.
func RenderInstructions(graph *model.WorkflowGraph) string {
	var b strings.Builder

	fmt.Fprintf(&b, "WORKFLOW: %s\n\n", graph.ID)
	b.WriteString("Every one of your responses MUST begin with a tag of the form [STEP: <node_id>] ")
	b.WriteString("identifying which step of this workflow you are currently in. This tag is for ")
	b.WriteString("internal tracking only.\n\n")

	outgoing := map[string][]model.WorkflowEdge{}
	for _, e := range graph.Edges {
		outgoing[e.From] = append(outgoing[e.From], e)
	}

	for _, n := range graph.Nodes {
		fmt.Fprintf(&b, "--- STEP %s (%s) ---\n", n.ID, n.Type)
		if n.Message != "" {
			fmt.Fprintf(&b, "User-facing instruction: %s\n", n.Message)
		} else if n.Label != "" {
			fmt.Fprintf(&b, "User-facing instruction: %s\n", n.Label)
		}
		if n.ToolName != "" {
			fmt.Fprintf(&b, "Tool to call at this step: %s\n", n.ToolName)
		}
		if n.WorkflowID != "" {
			fmt.Fprintf(&b, "Sub-workflow: %s\n", n.WorkflowID)
		}

		edges := outgoing[n.ID]
		if len(edges) > 0 {
			b.WriteString("INTERNAL TRANSITIONS (DO NOT SPEAK THESE):\n")
			for _, e := range edges {
				if e.Label != "" {
					fmt.Fprintf(&b, "  - if %q: GOTO %s\n", e.Label, e.To)
				} else {
					fmt.Fprintf(&b, "  - GOTO %s\n", e.To)
				}
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("REMINDER: the step tags, transition labels and GOTO targets above are internal ")
	b.WriteString("workflow logic. Never narrate them to the user; only speak the user-facing ")
	b.WriteString("instruction text.\n")

	return b.String()
}
