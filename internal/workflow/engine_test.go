package workflow

import (
	"testing"

	"github.com/nextlevelbuilder/sonic/internal/model"
)

func testGraph() *model.WorkflowGraph {
	return &model.WorkflowGraph{
		ID: "verify-balance",
		Nodes: []model.WorkflowNode{
			{ID: "start", Type: model.NodeStart},
			{ID: "ask-account", Type: model.NodeMessage},
			{ID: "decide", Type: model.NodeDecision},
			{ID: "approve", Type: model.NodeProcess},
			{ID: "deny", Type: model.NodeProcess},
			{ID: "end", Type: model.NodeEnd},
			{ID: "orphan", Type: model.NodeProcess},
		},
		Edges: []model.WorkflowEdge{
			{From: "start", To: "ask-account"},
			{From: "ask-account", To: "decide"},
			{From: "decide", To: "approve", Label: "approve"},
			{From: "decide", To: "deny", Label: "deny"},
			{From: "approve", To: "end"},
			{From: "deny", To: "end"},
		},
	}
}

func TestNew_SetsCurrentToStartNode(t *testing.T) {
	e := New(testGraph())
	if e.CurrentNodeID() != "start" {
		t.Errorf("CurrentNodeID() = %q, want start", e.CurrentNodeID())
	}
}

func TestUpdate_ValidTransition(t *testing.T) {
	e := New(testGraph())
	res := e.Update("ask-account")

	if !res.ValidTransition {
		t.Error("ValidTransition = false, want true for a real outgoing edge")
	}
	if res.Previous != "start" || res.Current != "ask-account" {
		t.Errorf("Update() = %+v", res)
	}
	if e.CurrentNodeID() != "ask-account" {
		t.Errorf("CurrentNodeID() = %q, want ask-account", e.CurrentNodeID())
	}
}

func TestUpdate_UnknownNodeID(t *testing.T) {
	e := New(testGraph())
	res := e.Update("does-not-exist")

	if res.Error == nil {
		t.Fatal("expected an UnknownNodeError")
	}
	if _, ok := res.Error.(*UnknownNodeError); !ok {
		t.Errorf("Error type = %T, want *UnknownNodeError", res.Error)
	}
	if e.CurrentNodeID() != "start" {
		t.Error("current node must not change on an unknown-node update")
	}
}

func TestUpdate_InvalidTransitionIsAppliedAnyway(t *testing.T) {
	e := New(testGraph())
	e.Update("ask-account")
	e.Update("decide")

	// decide -> end is not a real edge.
	res := e.Update("end")

	if res.ValidTransition {
		t.Error("ValidTransition = true, want false for a non-edge jump")
	}
	if e.CurrentNodeID() != "end" {
		t.Errorf("invalid transitions are advisory and must still apply; CurrentNodeID() = %q, want end", e.CurrentNodeID())
	}
}

func TestUpdate_ReachableFromStartCountsAsValid(t *testing.T) {
	e := New(testGraph())
	// Still at start; "decide" is reachable via start->ask-account->decide.
	res := e.Update("decide")

	if !res.ValidTransition {
		t.Error("ValidTransition = false, want true: decide is reachable from start")
	}
}

func TestUpdate_UnreachableFromStartIsInvalid(t *testing.T) {
	e := New(testGraph())
	res := e.Update("orphan")

	if res.ValidTransition {
		t.Error("ValidTransition = true, want false: orphan has no path from start")
	}
	// Still applied despite being invalid.
	if e.CurrentNodeID() != "orphan" {
		t.Error("invalid-but-advisory transition should still move current")
	}
}

func TestReset(t *testing.T) {
	e := New(testGraph())
	e.Update("ask-account")
	e.Reset()

	if e.CurrentNodeID() != "start" {
		t.Errorf("CurrentNodeID() after Reset() = %q, want start", e.CurrentNodeID())
	}
}

func TestNextNodesAndNextEdges(t *testing.T) {
	e := New(testGraph())
	e.Update("ask-account")
	e.Update("decide")

	edges := e.NextEdges()
	if len(edges) != 2 {
		t.Fatalf("len(NextEdges()) = %d, want 2", len(edges))
	}

	nodes := e.NextNodes()
	if len(nodes) != 2 {
		t.Fatalf("len(NextNodes()) = %d, want 2", len(nodes))
	}
	labels := map[string]bool{}
	for _, ed := range edges {
		labels[ed.Label] = true
	}
	if !labels["approve"] || !labels["deny"] {
		t.Errorf("NextEdges() labels = %+v, want approve and deny", labels)
	}
}

func TestNextEdges_ReturnsACopy(t *testing.T) {
	e := New(testGraph())
	edges := e.NextEdges()
	if len(edges) > 0 {
		edges[0].Label = "mutated"
	}

	fresh := e.NextEdges()
	if len(fresh) > 0 && fresh[0].Label == "mutated" {
		t.Error("NextEdges() must return a defensive copy, caller mutation leaked into the engine")
	}
}

func TestCurrent(t *testing.T) {
	e := New(testGraph())
	e.Update("ask-account")

	node := e.Current()
	if node.ID != "ask-account" || node.Type != model.NodeMessage {
		t.Errorf("Current() = %+v, want ask-account/message", node)
	}
}

func TestUnknownNodeError_Error(t *testing.T) {
	err := &UnknownNodeError{NodeID: "ghost"}
	want := "workflow: unknown node id ghost"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
