//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides graph-based execution functionality.
package graph

// End is the virtual node a low-level edge may target to terminate a run.
const End = "__end__"

// EdgeKind classifies an edge of a compiled graph.
type EdgeKind int

// Edge kinds.
const (
	// EdgeNormal is a forward edge, optionally conditional.
	EdgeNormal EdgeKind = iota
	// EdgeBack closes a loop and is the only kind allowed to form a cycle.
	EdgeBack
	// EdgeBranch connects a parallel node to one of its branch entries.
	EdgeBranch
	// EdgeCatch connects a node to its error handler.
	EdgeCatch
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeNormal:
		return "normal"
	case EdgeBack:
		return "back"
	case EdgeBranch:
		return "branch"
	case EdgeCatch:
		return "catch"
	default:
		return "unknown"
	}
}

// Edge represents an edge in the graph.
type Edge struct {
	From      string
	To        string
	Condition ConditionFunc
	Kind      EdgeKind
}

// Conditional reports whether the edge carries a condition.
func (e *Edge) Conditional() bool {
	return e.Condition != nil
}

// Graph is the immutable runtime structure created by Builder.Compile.
// It is safe to share between executors and runs.
type Graph struct {
	schema     *StateSchema
	nodes      map[string]*Node
	nodeOrder  []string
	edges      map[string][]*Edge
	catch      map[string]string
	entryPoint string
	endNodes   []string
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	node, exists := g.nodes[id]
	return node, exists
}

// NodeIDs returns node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.nodeOrder...)
}

// Edges returns the outgoing forward edges of a node in declaration order.
// Branch and catch edges are not included.
func (g *Graph) Edges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.edges[nodeID] {
		if e.Kind == EdgeNormal || e.Kind == EdgeBack {
			out = append(out, e)
		}
	}
	return out
}

// endsRun reports whether a run may stop after nodeID: it has no forward
// edges or one of them targets End.
func (g *Graph) endsRun(nodeID string) bool {
	edges := g.Edges(nodeID)
	if len(edges) == 0 {
		return true
	}
	for _, e := range edges {
		if e.To == End {
			return true
		}
	}
	return false
}

// AllEdges returns every outgoing edge of a node, including branch and
// catch edges.
func (g *Graph) AllEdges(nodeID string) []*Edge {
	return append([]*Edge(nil), g.edges[nodeID]...)
}

// CatchHandler returns the error handler attached to a node.
func (g *Graph) CatchHandler(nodeID string) (string, bool) {
	h, ok := g.catch[nodeID]
	return h, ok
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string {
	return g.entryPoint
}

// EndNodes returns the nodes without outgoing forward edges.
func (g *Graph) EndNodes() []string {
	return append([]string(nil), g.endNodes...)
}

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema {
	return g.schema
}

// IsBackEdge reports whether from->to closes a loop.
func (g *Graph) IsBackEdge(from, to string) bool {
	for _, e := range g.edges[from] {
		if e.To == to && e.Kind == EdgeBack {
			return true
		}
	}
	return false
}
