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
	"time"

	"trpc.group/trpc-go/trpc-agent-graph/subagent"
)

// NodeType is the closed set of node kinds the executor knows how to run.
type NodeType string

// Node types.
const (
	NodeTypeAgent    NodeType = "agent"
	NodeTypeTool     NodeType = "tool"
	NodeTypeDecision NodeType = "decision"
	NodeTypeWait     NodeType = "wait"
	NodeTypeParallel NodeType = "parallel"
	NodeTypeSubgraph NodeType = "subgraph"
	NodeTypeCustom   NodeType = "custom"
)

func (nt NodeType) String() string {
	return string(nt)
}

// Valid reports whether nt is one of the known node types.
func (nt NodeType) Valid() bool {
	switch nt {
	case NodeTypeAgent, NodeTypeTool, NodeTypeDecision, NodeTypeWait,
		NodeTypeParallel, NodeTypeSubgraph, NodeTypeCustom:
		return true
	default:
		return false
	}
}

// NodeFunc is a function that can be executed by a node.
// It returns a partial State, a Signal, or nil for no update.
type NodeFunc func(ctx context.Context, state State, exec *ExecutionContext) (any, error)

// ConditionFunc decides whether an edge is followed.
type ConditionFunc func(ctx context.Context, state State) (bool, error)

// Node represents a node in the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Type        NodeType
	Function    NodeFunc

	retryPolicy *RetryPolicy
	timeout     time.Duration

	parallel *parallelSpec
	loop     *loopSpec
	wait     *WaitConfig
	subgraph *subgraphSpec
}

type parallelSpec struct {
	Branches [][]string
	Join     string
}

type loopSpec struct {
	MaxIterations int
	BodyEntry     string
}

type subgraphSpec struct {
	Graph  *Graph
	Config SubgraphConfig
}

// RetryPolicy returns the node's retry policy, if any.
func (n *Node) RetryPolicy() *RetryPolicy {
	return n.retryPolicy
}

// Branches returns the entry node of every branch of a parallel node, in
// declaration order.
func (n *Node) Branches() []string {
	if n.parallel == nil {
		return nil
	}
	out := make([]string, 0, len(n.parallel.Branches))
	for _, b := range n.parallel.Branches {
		out = append(out, b[0])
	}
	return out
}

// Join returns the node a parallel block converges on; empty when the block
// ends the graph.
func (n *Node) Join() string {
	if n.parallel == nil {
		return ""
	}
	return n.parallel.Join
}

// MaxIterations returns the iteration bound of a loop head, zero otherwise.
func (n *Node) MaxIterations() int {
	if n.loop == nil {
		return 0
	}
	return n.loop.MaxIterations
}

func (n *Node) clone() *Node {
	c := *n
	if n.parallel != nil {
		p := *n.parallel
		p.Branches = make([][]string, len(n.parallel.Branches))
		for i, b := range n.parallel.Branches {
			p.Branches[i] = append([]string(nil), b...)
		}
		c.parallel = &p
	}
	if n.loop != nil {
		l := *n.loop
		c.loop = &l
	}
	if n.wait != nil {
		w := *n.wait
		c.wait = &w
	}
	return &c
}

// Option configures a node.
type Option func(*Node)

// WithName sets the name of the node.
func WithName(name string) Option {
	return func(node *Node) {
		node.Name = name
	}
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithNodeType overrides the node type.
func WithNodeType(nodeType NodeType) Option {
	return func(node *Node) {
		node.Type = nodeType
	}
}

// WithRetryPolicy attaches a retry policy to the node.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(node *Node) {
		p := policy
		node.retryPolicy = &p
	}
}

// WithTimeout bounds each attempt of the node.
func WithTimeout(timeout time.Duration) Option {
	return func(node *Node) {
		node.timeout = timeout
	}
}

// NewNode creates a custom node running fn.
func NewNode(id string, fn NodeFunc, opts ...Option) *Node {
	node := &Node{
		ID:       id,
		Name:     id,
		Type:     NodeTypeCustom,
		Function: fn,
	}
	for _, opt := range opts {
		opt(node)
	}
	return node
}

// NewDecisionNode creates a decision node. fn may be nil; routing is done by
// the node's conditional edges.
func NewDecisionNode(id string, fn NodeFunc, opts ...Option) *Node {
	return NewNode(id, fn, append([]Option{WithNodeType(NodeTypeDecision)}, opts...)...)
}

// WaitConfig configures a human-in-the-loop pause node.
type WaitConfig struct {
	// Reason is reported in the pause signal and snapshot.
	Reason string
	// ResumeKey, when set, is the state field a non-map resume value is
	// merged into.
	ResumeKey string
}

// NewWaitNode creates a node that pauses the run until it is resumed.
func NewWaitNode(id string, cfg WaitConfig, opts ...Option) *Node {
	node := NewNode(id, waitFunc(cfg), append([]Option{WithNodeType(NodeTypeWait)}, opts...)...)
	node.wait = &cfg
	return node
}

func waitFunc(cfg WaitConfig) NodeFunc {
	return func(ctx context.Context, state State, exec *ExecutionContext) (any, error) {
		if exec.Resumed() {
			return nil, nil
		}
		return Pause(cfg.Reason), nil
	}
}

// AgentNodeConfig configures a node that runs one sub-agent session.
type AgentNodeConfig struct {
	// Prompt builds the message sent to the agent.
	Prompt func(state State) string
	// SystemPrompt, Model and Tools are forwarded to the session factory.
	SystemPrompt string
	Model        string
	Tools        []string
	// AgentName labels the agent in status updates.
	AgentName string
	// OutputKey is the state field receiving the agent's output. Defaults to
	// the node id.
	OutputKey string
}

// NewAgentNode creates a node that spawns a sub-agent through the executor's
// Spawner and stores its output in state. A failed spawn is a node error, so
// the node's retry policy applies.
func NewAgentNode(id string, cfg AgentNodeConfig, opts ...Option) *Node {
	outputKey := cfg.OutputKey
	if outputKey == "" {
		outputKey = id
	}
	fn := func(ctx context.Context, state State, exec *ExecutionContext) (any, error) {
		var prompt string
		if cfg.Prompt != nil {
			prompt = cfg.Prompt(state)
		}
		name := cfg.AgentName
		if name == "" {
			name = id
		}
		res, err := exec.Spawn(ctx, subagent.SpawnOptions{
			Name:         name,
			Task:         prompt,
			SystemPrompt: cfg.SystemPrompt,
			Model:        cfg.Model,
			Tools:        cfg.Tools,
		})
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, fmt.Errorf("agent %s failed: %s", res.AgentID, res.Error)
		}
		return State{outputKey: res.Output}, nil
	}
	return NewNode(id, fn, append([]Option{WithNodeType(NodeTypeAgent)}, opts...)...)
}

// ToolNodeConfig configures a node that invokes one registered tool.
type ToolNodeConfig struct {
	// Tool is the registered tool name.
	Tool string
	// Args builds the tool arguments from state.
	Args func(state State) map[string]any
	// OutputKey is the state field receiving the tool result. Defaults to the
	// node id.
	OutputKey string
}

// NewToolNode creates a node that calls a tool from the executor's registry.
func NewToolNode(id string, cfg ToolNodeConfig, opts ...Option) *Node {
	outputKey := cfg.OutputKey
	if outputKey == "" {
		outputKey = id
	}
	fn := func(ctx context.Context, state State, exec *ExecutionContext) (any, error) {
		var args map[string]any
		if cfg.Args != nil {
			args = cfg.Args(state)
		}
		result, err := exec.CallTool(ctx, cfg.Tool, args)
		if err != nil {
			return nil, err
		}
		return State{outputKey: result}, nil
	}
	return NewNode(id, fn, append([]Option{WithNodeType(NodeTypeTool)}, opts...)...)
}

// SubgraphConfig maps state into and out of a nested graph.
type SubgraphConfig struct {
	// Input builds the child's input from the parent state. By default the
	// child receives the parent fields its schema declares, or the whole
	// parent state when the child schema is empty.
	Input func(parent State) State
	// Output builds the parent update from the child's final state. By
	// default every update the child applied is replayed onto the parent
	// through the parent's reducers.
	Output func(child State) State
}

// NewSubgraphNode creates a node that runs g to completion as one step.
func NewSubgraphNode(id string, g *Graph, cfg SubgraphConfig, opts ...Option) *Node {
	node := NewNode(id, nil, append([]Option{WithNodeType(NodeTypeSubgraph)}, opts...)...)
	node.subgraph = &subgraphSpec{Graph: g, Config: cfg}
	return node
}

// ToolRegistry resolves and invokes tools for tool nodes.
type ToolRegistry interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolFunc is a single tool implementation.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tools is a map based ToolRegistry.
type Tools map[string]ToolFunc

// ErrToolNotFound is returned when a tool node names an unknown tool.
var ErrToolNotFound = errors.New("tool not found")

// CallTool implements ToolRegistry.
func (t Tools) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	fn, ok := t[name]
	if !ok || fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return fn(ctx, args)
}

// Spawner starts sub-agent sessions on behalf of agent nodes.
// *subagent.Bridge implements it.
type Spawner interface {
	Spawn(ctx context.Context, opts subagent.SpawnOptions) (*subagent.Result, error)
	Cancel(agentID string) bool
}
