//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
)

// Branch is one ordered chain of nodes inside a Parallel block.
type Branch []*Node

// Seq builds a branch from nodes executed in order.
func Seq(nodes ...*Node) Branch {
	return Branch(nodes)
}

// pendingEdge is an edge whose source is known and whose target is the next
// node added to the builder.
type pendingEdge struct {
	from     string
	cond     ConditionFunc
	loopHead string
	joinFor  string
}

type frameKind int

const (
	frameIf frameKind = iota
	frameLoop
)

type frame struct {
	kind      frameKind
	node      string
	cond      ConditionFunc
	thenTails []pendingEdge
	inElse    bool
}

// Builder provides a fluent interface for building graphs.
//
// Example usage:
//
//	g, err := graph.NewBuilder(schema).
//	  Then(graph.NewNode("plan", planFunc)).
//	  If(needsReview).
//	    Wait("review", graph.WaitConfig{Reason: "approve plan"}).
//	  EndIf().
//	  Then(graph.NewNode("apply", applyFunc)).
//	  Compile()
//
// Builder methods never fail immediately; problems are collected and
// reported by Compile.
type Builder struct {
	schema *StateSchema
	nodes  map[string]*Node
	order  []string
	edges  map[string][]*Edge
	catch  map[string]string
	entry  string

	tails  []pendingEdge
	last   string
	frames []*frame
	seq    int
	errs   []error
}

// NewBuilder creates a new graph builder with the given state schema.
func NewBuilder(schema *StateSchema) *Builder {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &Builder{
		schema: schema,
		nodes:  make(map[string]*Node),
		edges:  make(map[string][]*Edge),
		catch:  make(map[string]string),
	}
}

func (b *Builder) fail(errType, format string, args ...any) {
	b.errs = append(b.errs, buildErrorf(errType, format, args...))
}

func (b *Builder) nextID(prefix string) string {
	for {
		b.seq++
		id := fmt.Sprintf("%s_%d", prefix, b.seq)
		if _, exists := b.nodes[id]; !exists {
			return id
		}
	}
}

func (b *Builder) addNode(node *Node) bool {
	if node == nil {
		b.fail(ErrorTypeInvalidNode, "node must not be nil")
		return false
	}
	if node.ID == "" || node.ID == End {
		b.fail(ErrorTypeInvalidNode, "invalid node id %q", node.ID)
		return false
	}
	if _, exists := b.nodes[node.ID]; exists {
		b.fail(ErrorTypeInvalidNode, "duplicate node id %s", node.ID)
		return false
	}
	if !node.Type.Valid() {
		b.fail(ErrorTypeInvalidNode, "node %s has unknown type %q", node.ID, node.Type)
		return false
	}
	b.nodes[node.ID] = node
	b.order = append(b.order, node.ID)
	return true
}

func (b *Builder) addEdge(from, to string, cond ConditionFunc, kind EdgeKind) {
	b.edges[from] = append(b.edges[from], &Edge{From: from, To: to, Condition: cond, Kind: kind})
}

// connect wires every pending tail to target.
func (b *Builder) connect(target string, kind EdgeKind) {
	if b.entry == "" && len(b.tails) == 0 {
		b.entry = target
	}
	for _, p := range b.tails {
		b.addEdge(p.from, target, p.cond, kind)
		if p.loopHead != "" {
			if head := b.nodes[p.loopHead]; head != nil && head.loop != nil {
				head.loop.BodyEntry = target
			}
		}
		if p.joinFor != "" {
			if pn := b.nodes[p.joinFor]; pn != nil && pn.parallel != nil {
				pn.parallel.Join = target
			}
		}
	}
	b.tails = nil
}

// Then appends node after the current tail(s).
func (b *Builder) Then(node *Node) *Builder {
	if !b.addNode(node) {
		return b
	}
	b.connect(node.ID, EdgeNormal)
	b.tails = []pendingEdge{{from: node.ID}}
	b.last = node.ID
	return b
}

// Wait appends a pause node. The run stops with status paused when it is
// reached and continues from it on resume.
func (b *Builder) Wait(id string, cfg WaitConfig, opts ...Option) *Builder {
	return b.Then(NewWaitNode(id, cfg, opts...))
}

// If opens a conditional section. Nodes added until Else or EndIf run only
// when cond holds.
func (b *Builder) If(cond ConditionFunc) *Builder {
	if cond == nil {
		b.fail(ErrorTypeInvalidEdge, "if condition must not be nil")
		cond = func(context.Context, State) (bool, error) { return false, nil }
	}
	decision := NewDecisionNode(b.nextID("if"), nil)
	if !b.addNode(decision) {
		return b
	}
	b.connect(decision.ID, EdgeNormal)
	b.tails = []pendingEdge{{from: decision.ID, cond: cond}}
	b.last = decision.ID
	b.frames = append(b.frames, &frame{kind: frameIf, node: decision.ID, cond: cond})
	return b
}

// Else switches the innermost If section to its alternative branch.
func (b *Builder) Else() *Builder {
	f := b.top()
	if f == nil || f.kind != frameIf {
		b.fail(ErrorTypeInvalidEdge, "else without matching if")
		return b
	}
	if f.inElse {
		b.fail(ErrorTypeInvalidEdge, "duplicate else for %s", f.node)
		return b
	}
	f.inElse = true
	f.thenTails = b.tails
	b.tails = []pendingEdge{{from: f.node, cond: negate(f.cond)}}
	b.last = f.node
	return b
}

// EndIf closes the innermost If section. Every branch converges on the next
// node added.
func (b *Builder) EndIf() *Builder {
	f := b.top()
	if f == nil || f.kind != frameIf {
		b.fail(ErrorTypeInvalidEdge, "endif without matching if")
		return b
	}
	b.frames = b.frames[:len(b.frames)-1]
	if f.inElse {
		b.tails = append(f.thenTails, b.tails...)
	} else {
		b.tails = append(b.tails, pendingEdge{from: f.node, cond: negate(f.cond)})
	}
	b.last = f.node
	return b
}

// Loop opens a bounded loop. The body runs while cond holds; taking the body
// more than maxIterations times fails the run.
func (b *Builder) Loop(cond ConditionFunc, maxIterations int) *Builder {
	if cond == nil {
		b.fail(ErrorTypeInvalidEdge, "loop condition must not be nil")
		cond = func(context.Context, State) (bool, error) { return false, nil }
	}
	head := NewDecisionNode(b.nextID("loop"), nil)
	if maxIterations <= 0 {
		b.fail(ErrorTypeLoopLimit, "loop %s: max iterations must be positive, got %d", head.ID, maxIterations)
	}
	head.loop = &loopSpec{MaxIterations: maxIterations}
	if !b.addNode(head) {
		return b
	}
	b.connect(head.ID, EdgeNormal)
	b.tails = []pendingEdge{{from: head.ID, cond: cond, loopHead: head.ID}}
	b.last = head.ID
	b.frames = append(b.frames, &frame{kind: frameLoop, node: head.ID, cond: cond})
	return b
}

// EndLoop closes the innermost loop. Its body tails jump back to the loop
// head; the next node added is the loop exit.
func (b *Builder) EndLoop() *Builder {
	f := b.top()
	if f == nil || f.kind != frameLoop {
		b.fail(ErrorTypeInvalidEdge, "endloop without matching loop")
		return b
	}
	b.frames = b.frames[:len(b.frames)-1]
	if len(b.tails) == 1 && b.tails[0].loopHead == f.node {
		b.fail(ErrorTypeInvalidEdge, "loop %s has an empty body", f.node)
		b.tails = []pendingEdge{{from: f.node}}
		return b
	}
	b.connect(f.node, EdgeBack)
	b.tails = []pendingEdge{{from: f.node}}
	b.last = f.node
	return b
}

// Parallel fans out into branches that run concurrently. The next node added
// is the join; it runs once every branch has settled.
func (b *Builder) Parallel(branches ...Branch) *Builder {
	p := NewNode(b.nextID("parallel"), nil, WithNodeType(NodeTypeParallel))
	p.parallel = &parallelSpec{}
	if len(branches) == 0 {
		b.fail(ErrorTypeParallelBranches, "parallel %s has no branches", p.ID)
	}
	if !b.addNode(p) {
		return b
	}
	b.connect(p.ID, EdgeNormal)
	var tails []pendingEdge
	for i, branch := range branches {
		if len(branch) == 0 {
			b.fail(ErrorTypeParallelBranches, "parallel %s: branch %d is empty", p.ID, i)
			continue
		}
		ids := make([]string, 0, len(branch))
		prev := ""
		for _, node := range branch {
			if !b.addNode(node) {
				continue
			}
			if prev == "" {
				b.addEdge(p.ID, node.ID, nil, EdgeBranch)
			} else {
				b.addEdge(prev, node.ID, nil, EdgeNormal)
			}
			ids = append(ids, node.ID)
			prev = node.ID
		}
		if len(ids) == 0 {
			continue
		}
		p.parallel.Branches = append(p.parallel.Branches, ids)
		tails = append(tails, pendingEdge{from: prev, joinFor: p.ID})
	}
	b.tails = tails
	b.last = p.ID
	return b
}

// Catch attaches handler to the most recently added node. When that node
// fails after its retries, the error is stored under StateKeyLastError and
// handler runs instead of failing the graph. Control continues from handler
// to the next node added.
func (b *Builder) Catch(handler *Node) *Builder {
	if b.last == "" {
		b.fail(ErrorTypeInvalidEdge, "catch without a preceding node")
		return b
	}
	if _, exists := b.catch[b.last]; exists {
		b.fail(ErrorTypeInvalidEdge, "node %s already has a catch handler", b.last)
		return b
	}
	if !b.addNode(handler) {
		return b
	}
	b.catch[b.last] = handler.ID
	b.addEdge(b.last, handler.ID, nil, EdgeCatch)
	b.tails = append(b.tails, pendingEdge{from: handler.ID})
	return b
}

// AddNode adds a node without connecting it. Use AddEdge to wire it.
func (b *Builder) AddNode(id string, fn NodeFunc, opts ...Option) *Builder {
	b.addNode(NewNode(id, fn, opts...))
	return b
}

// Add adds a prebuilt node without connecting it.
func (b *Builder) Add(node *Node) *Builder {
	b.addNode(node)
	return b
}

// AddEdge adds an unconditional edge. An edge to End marks from as an end
// node.
func (b *Builder) AddEdge(from, to string) *Builder {
	return b.AddConditionalEdge(from, to, nil)
}

// AddConditionalEdge adds an edge followed only when cond holds. A node with
// outgoing edges must match one of them or the run fails, so a conditional
// way out of the graph is an edge to End.
func (b *Builder) AddConditionalEdge(from, to string, cond ConditionFunc) *Builder {
	b.addEdge(from, to, cond, EdgeNormal)
	return b
}

// SetEntryPoint sets the start node.
func (b *Builder) SetEntryPoint(id string) *Builder {
	if b.entry != "" && b.entry != id {
		b.fail(ErrorTypeInvalidNode, "entry point already set to %s", b.entry)
		return b
	}
	b.entry = id
	return b
}

func (b *Builder) top() *frame {
	if len(b.frames) == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

func negate(cond ConditionFunc) ConditionFunc {
	return func(ctx context.Context, state State) (bool, error) {
		ok, err := cond(ctx, state)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// MustCompile compiles the graph or panics.
func (b *Builder) MustCompile() *Graph {
	g, err := b.Compile()
	if err != nil {
		panic(err)
	}
	return g
}

// Compile validates the builder and returns an immutable graph.
func (b *Builder) Compile() (*Graph, error) {
	errs := append([]error(nil), b.errs...)
	for _, f := range b.frames {
		kind := "if"
		if f.kind == frameLoop {
			kind = "loop"
		}
		errs = append(errs, buildErrorf(ErrorTypeInvalidEdge, "unclosed %s at %s", kind, f.node))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g := &Graph{
		schema:     b.schema,
		nodes:      make(map[string]*Node, len(b.nodes)),
		nodeOrder:  append([]string(nil), b.order...),
		edges:      make(map[string][]*Edge, len(b.edges)),
		catch:      make(map[string]string, len(b.catch)),
		entryPoint: b.entry,
	}
	for id, n := range b.nodes {
		g.nodes[id] = n.clone()
	}
	for from, es := range b.edges {
		copied := make([]*Edge, 0, len(es))
		for _, e := range es {
			c := *e
			copied = append(copied, &c)
		}
		g.edges[from] = copied
	}
	for from, to := range b.catch {
		g.catch[from] = to
	}
	// Open tails leave the graph.
	for _, p := range b.tails {
		g.edges[p.from] = append(g.edges[p.from], &Edge{From: p.from, To: End, Condition: p.cond, Kind: EdgeNormal})
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	for _, id := range g.nodeOrder {
		if g.nodes[id].parallel == nil && g.endsRun(id) {
			g.endNodes = append(g.endNodes, id)
		}
	}
	return g, nil
}

func (g *Graph) validate() error {
	if g.entryPoint == "" {
		return buildErrorf(ErrorTypeInvalidNode, "graph must have an entry point")
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return buildErrorf(ErrorTypeInvalidNode, "entry point node %s does not exist", g.entryPoint)
	}
	for from, es := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return buildErrorf(ErrorTypeInvalidEdge, "edge source %s does not exist", from)
		}
		for _, e := range es {
			if e.To == End {
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				return buildErrorf(ErrorTypeInvalidEdge, "edge %s -> %s: target does not exist", from, e.To)
			}
		}
	}
	for _, id := range g.nodeOrder {
		n := g.nodes[id]
		switch n.Type {
		case NodeTypeParallel:
			if err := g.validateParallel(n); err != nil {
				return err
			}
		case NodeTypeSubgraph:
			if n.subgraph == nil || n.subgraph.Graph == nil {
				return buildErrorf(ErrorTypeInvalidNode, "subgraph node %s has no graph", id)
			}
		case NodeTypeWait:
		case NodeTypeDecision:
			if n.loop != nil && n.loop.BodyEntry == "" {
				return buildErrorf(ErrorTypeInvalidEdge, "loop %s has an empty body", id)
			}
		default:
			if n.Function == nil {
				return buildErrorf(ErrorTypeInvalidNode, "node %s has no function", id)
			}
		}
	}
	if err := g.checkCycles(); err != nil {
		return err
	}
	return g.checkReachable()
}

func (g *Graph) validateParallel(n *Node) error {
	if n.parallel == nil || len(n.parallel.Branches) == 0 {
		return buildErrorf(ErrorTypeParallelBranches, "parallel %s has no branches", n.ID)
	}
	for _, branch := range n.parallel.Branches {
		for _, id := range branch {
			bn, ok := g.nodes[id]
			if !ok {
				return buildErrorf(ErrorTypeParallelBranches, "parallel %s: branch node %s does not exist", n.ID, id)
			}
			if bn.Type == NodeTypeWait {
				return buildErrorf(ErrorTypeParallelBranches, "parallel %s: wait node %s is not allowed in a branch", n.ID, id)
			}
		}
	}
	return nil
}

// checkCycles runs a depth-first search over every edge except loop back
// edges and rejects any cycle it finds.
func (g *Graph) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = grey
		path = append(path, id)
		for _, e := range g.edges[id] {
			if e.Kind == EdgeBack {
				continue
			}
			switch color[e.To] {
			case grey:
				return buildErrorf(ErrorTypeCircularRef, "cycle detected: %v -> %s", path, e.To)
			case white:
				if err := visit(e.To, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, id := range g.nodeOrder {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) checkReachable() error {
	seen := map[string]bool{g.entryPoint: true}
	queue := []string{g.entryPoint}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[id] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for _, id := range g.nodeOrder {
		if !seen[id] {
			return buildErrorf(ErrorTypeInvalidNode, "node %s is not reachable from %s", id, g.entryPoint)
		}
	}
	return nil
}
