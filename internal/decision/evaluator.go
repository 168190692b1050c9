// Package decision implements the Decision Evaluator (C6, §4.6): resolves a
// decision workflow node to one of its outgoing edges by asking a text
// reasoning LLM to pick among the edge labels, given the node's question,
// the session's context and recent conversation history.
package decision

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/sonic/internal/llm"
	"github.com/nextlevelbuilder/sonic/internal/model"
	"github.com/nextlevelbuilder/sonic/internal/tracing"
)

// Result is the outcome of one evaluation (§4.6).
type Result struct {
	Success         bool
	ChosenPathLabel string
	TargetNodeID    string
	Confidence      float64
	Reasoning       string
}

// Evaluator wraps a reasoning-model Provider.
type Evaluator struct {
	provider      llm.Provider
	model         string
	temperature   float64
	maxTokens     int
	timeout       time.Duration
	historyWindow int
	tracer        *tracing.Tracer
}

// WithTracer attaches a Tracer used to span every Evaluate call that
// reaches the LLM (the §8 B2 single-edge short-circuit is never spanned).
func WithTracer(t *tracing.Tracer) Option { return func(e *Evaluator) { e.tracer = t } }

// Option overrides an Evaluator default.
type Option func(*Evaluator)

func WithModel(m string) Option               { return func(e *Evaluator) { e.model = m } }
func WithTemperature(t float64) Option         { return func(e *Evaluator) { e.temperature = t } }
func WithMaxTokens(n int) Option               { return func(e *Evaluator) { e.maxTokens = n } }
func WithTimeout(d time.Duration) Option       { return func(e *Evaluator) { e.timeout = d } }
func WithHistoryWindow(n int) Option           { return func(e *Evaluator) { e.historyWindow = n } }

// New builds an Evaluator over provider, with the §4.6 defaults: low
// temperature, short output budget, a 5s timeout and a 5-message history
// window.
func New(provider llm.Provider, opts ...Option) *Evaluator {
	e := &Evaluator{
		provider:      provider,
		temperature:   0.0,
		maxTokens:      64,
		timeout:       5 * time.Second,
		historyWindow: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves node (a decision node of graph) given edges (its
// outgoing edges), context (the session's graphState.context) and history
// (the full conversation so far; only the last historyWindow entries are
// used).
//
// §8 B2: a single outgoing edge short-circuits — no LLM call, success=true.
// On LLM error the first edge is returned with success=false (§4.6).
func (e *Evaluator) Evaluate(ctx context.Context, node model.WorkflowNode, edges []model.WorkflowEdge, state map[string]any, history []model.ConversationMessage) Result {
	if len(edges) == 0 {
		return Result{Success: false, Reasoning: "decision node has no outgoing edges"}
	}
	if len(edges) == 1 {
		return Result{
			Success:         true,
			ChosenPathLabel: edges[0].Label,
			TargetNodeID:    edges[0].To,
			Confidence:      1.0,
			Reasoning:       "single outgoing edge, no evaluation needed",
		}
	}

	ctx, span := e.tracer.Start(ctx, "decision.Evaluate", attribute.String("node.id", node.ID))
	defer span.End()

	prompt := e.buildPrompt(node, edges, state, history)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(callCtx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You select exactly one of the listed options by name. Respond with only the option label, nothing else."},
			{Role: "user", Content: prompt},
		},
		Model:       e.model,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return Result{
			Success:         false,
			ChosenPathLabel: edges[0].Label,
			TargetNodeID:    edges[0].To,
			Reasoning:       fmt.Sprintf("llm call failed, defaulted to first edge: %v", err),
		}
	}

	cleaned := sanitizeResponse(resp.Content)
	edge, confidence := matchEdge(cleaned, edges)
	return Result{
		Success:         true,
		ChosenPathLabel: edge.Label,
		TargetNodeID:    edge.To,
		Confidence:      confidence,
		Reasoning:       cleaned,
	}
}

func (e *Evaluator) buildPrompt(node model.WorkflowNode, edges []model.WorkflowEdge, state map[string]any, history []model.ConversationMessage) string {
	var b strings.Builder

	question := node.Label
	if question == "" {
		question = node.Message
	}
	fmt.Fprintf(&b, "DECISION: %s\n\n", question)

	b.WriteString("OPTIONS:\n")
	for i, ed := range edges {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ed.Label)
	}
	b.WriteString("\n")

	if len(state) > 0 {
		b.WriteString("CONTEXT:\n")
		for k, v := range state {
			fmt.Fprintf(&b, "  %s: %v\n", k, v)
		}
		b.WriteString("\n")
	}

	window := history
	if e.historyWindow > 0 && len(window) > e.historyWindow {
		window = window[len(window)-e.historyWindow:]
	}
	if len(window) > 0 {
		b.WriteString("RECENT CONVERSATION:\n")
		for _, m := range window {
			fmt.Fprintf(&b, "  %s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with only the matching option's label.")
	return b.String()
}

// matchEdge implements §4.6's parse order: exact case-insensitive match,
// then substring match, then fallback to the first edge. confidence is
// highest for an exact match, lower for substring, lowest for fallback.
func matchEdge(response string, edges []model.WorkflowEdge) (model.WorkflowEdge, float64) {
	trimmed := strings.TrimSpace(response)
	lower := strings.ToLower(trimmed)

	// A bare numeric answer ("2") also counts as exact.
	if n, err := strconv.Atoi(lower); err == nil && n >= 1 && n <= len(edges) {
		return edges[n-1], 1.0
	}

	for _, ed := range edges {
		if strings.EqualFold(strings.TrimSpace(ed.Label), trimmed) {
			return ed, 1.0
		}
	}

	for _, ed := range edges {
		label := strings.ToLower(strings.TrimSpace(ed.Label))
		if label != "" && strings.Contains(lower, label) {
			return ed, 0.6
		}
	}

	return edges[0], 0.0
}
