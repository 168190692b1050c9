// Package workflow implements the Workflow Engine (C5, §4.5): holds a
// workflow graph, tracks the current node, validates transitions, lists
// successors. Invalid transitions are logged but applied — the voice model
// is authoritative about observed state; enforcement here is advisory.
package workflow

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/sonic/internal/model"
)

// UpdateResult is returned by Engine.Update.
type UpdateResult struct {
	Previous       string
	Current        string
	NodeInfo       model.WorkflowNode
	ValidTransition bool
	Error          error
}

// Engine is bound to one graph for the life of an AgentSession.
type Engine struct {
	mu      sync.Mutex
	graph   *model.WorkflowGraph
	byID    map[string]model.WorkflowNode
	edgesOut map[string][]model.WorkflowEdge
	current string
	startID string
}

// New binds an Engine to graph, already validated by the persona loader.
func New(graph *model.WorkflowGraph) *Engine {
	e := &Engine{
		graph:    graph,
		byID:     map[string]model.WorkflowNode{},
		edgesOut: map[string][]model.WorkflowEdge{},
	}
	for _, n := range graph.Nodes {
		e.byID[n.ID] = n
		if n.Type == model.NodeStart {
			e.startID = n.ID
		}
	}
	for _, ed := range graph.Edges {
		e.edgesOut[ed.From] = append(e.edgesOut[ed.From], ed)
	}
	e.current = e.startID
	return e
}

// Reset sets current to the graph's start node.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = e.startID
}

// reachableFromStart is a small BFS used to decide validTransition when
// previous==start (§4.5: "or previous==start and nodeId is reachable from
// start").
func (e *Engine) reachableFromStart(target string) bool {
	seen := map[string]bool{e.startID: true}
	queue := []string{e.startID}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == target {
			return true
		}
		for _, ed := range e.edgesOut[n] {
			if !seen[ed.To] {
				seen[ed.To] = true
				queue = append(queue, ed.To)
			}
		}
	}
	return false
}

// Update moves current to nodeId, applying contextPatch is left to the
// caller (the Runtime owns AgentSession.graphState.context; the Engine only
// tracks node position per §3/§4.5).
func (e *Engine) Update(nodeID string) UpdateResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.current
	nodeInfo, exists := e.byID[nodeID]
	if !exists {
		return UpdateResult{
			Previous: previous,
			Current:  previous,
			Error:    &UnknownNodeError{NodeID: nodeID},
		}
	}

	valid := false
	for _, ed := range e.edgesOut[previous] {
		if ed.To == nodeID {
			valid = true
			break
		}
	}
	if !valid && previous == e.startID {
		valid = e.reachableFromStart(nodeID)
	}

	if !valid {
		slog.Warn("workflow: invalid transition applied (advisory enforcement)",
			"workflow", e.graph.ID, "from", previous, "to", nodeID)
	}

	// Invalid transitions are logged but applied (§4.5).
	e.current = nodeID

	return UpdateResult{
		Previous:        previous,
		Current:         nodeID,
		NodeInfo:        nodeInfo,
		ValidTransition: valid,
	}
}

// Current returns the current node's info.
func (e *Engine) Current() model.WorkflowNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[e.current]
}

// CurrentNodeID returns the current node id (I3: always an id present in
// the bound graph).
func (e *Engine) CurrentNodeID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// NextNodes lists the node infos reachable by an outgoing edge of the
// current node.
func (e *Engine) NextNodes() []model.WorkflowNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	edges := e.edgesOut[e.current]
	out := make([]model.WorkflowNode, 0, len(edges))
	for _, ed := range edges {
		out = append(out, e.byID[ed.To])
	}
	return out
}

// NextEdges lists the raw outgoing edges of the current node (needed by the
// Decision Evaluator for edge labels).
func (e *Engine) NextEdges() []model.WorkflowEdge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.WorkflowEdge(nil), e.edgesOut[e.current]...)
}

// Graph returns the bound graph (read-only; immutable after load).
func (e *Engine) Graph() *model.WorkflowGraph { return e.graph }

// UnknownNodeError is returned when Update is called with a node id absent
// from the bound graph.
type UnknownNodeError struct {
	NodeID string
}

func (err *UnknownNodeError) Error() string {
	return "workflow: unknown node id " + err.NodeID
}
