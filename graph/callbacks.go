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
	"time"
)

// NodeCallbackContext describes the node attempt a callback runs for.
type NodeCallbackContext struct {
	ThreadID string
	NodeID   string
	NodeName string
	NodeType NodeType
	// StepNumber is the number of steps completed before this one.
	StepNumber int
	Attempt    int
	// ExecutionStartTime is when the attempt started.
	ExecutionStartTime time.Time
}

// BeforeNodeCallback is called before a node is executed.
// Returns (customResult, error).
// - customResult: if not nil, it is used as the node result and the node
// function is skipped.
// - error: if not nil, the attempt fails with this error.
type BeforeNodeCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
) (any, error)

// AfterNodeCallback is called after a node function returns.
// Returns (customResult, error).
// - customResult: if not nil, it replaces the node result.
// - error: if not nil, the attempt fails with this error.
type AfterNodeCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
	result any,
	nodeErr error,
) (any, error)

// OnNodeErrorCallback is called when a node attempt fails. It only observes.
type OnNodeErrorCallback func(
	ctx context.Context,
	callbackCtx *NodeCallbackContext,
	state State,
	err error,
)

// NodeCallbacks holds callbacks for node operations.
type NodeCallbacks struct {
	BeforeNode  []BeforeNodeCallback
	AfterNode   []AfterNodeCallback
	OnNodeError []OnNodeErrorCallback
}

// NewNodeCallbacks creates a new NodeCallbacks instance.
func NewNodeCallbacks() *NodeCallbacks {
	return &NodeCallbacks{}
}

// RegisterBeforeNode registers a before node callback.
func (c *NodeCallbacks) RegisterBeforeNode(cb BeforeNodeCallback) *NodeCallbacks {
	c.BeforeNode = append(c.BeforeNode, cb)
	return c
}

// RegisterAfterNode registers an after node callback.
func (c *NodeCallbacks) RegisterAfterNode(cb AfterNodeCallback) *NodeCallbacks {
	c.AfterNode = append(c.AfterNode, cb)
	return c
}

// RegisterOnNodeError registers an on node error callback.
func (c *NodeCallbacks) RegisterOnNodeError(cb OnNodeErrorCallback) *NodeCallbacks {
	c.OnNodeError = append(c.OnNodeError, cb)
	return c
}

// runBeforeNode stops at the first callback returning a result or an error.
func (c *NodeCallbacks) runBeforeNode(ctx context.Context, cbCtx *NodeCallbackContext, state State) (any, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.BeforeNode {
		customResult, err := cb(ctx, cbCtx, state)
		if err != nil {
			return nil, err
		}
		if customResult != nil {
			return customResult, nil
		}
	}
	return nil, nil
}

// runAfterNode threads the result through every callback in order.
func (c *NodeCallbacks) runAfterNode(
	ctx context.Context,
	cbCtx *NodeCallbackContext,
	state State,
	result any,
	nodeErr error,
) (any, error) {
	if c == nil {
		return result, nodeErr
	}
	current := result
	for _, cb := range c.AfterNode {
		customResult, err := cb(ctx, cbCtx, state, current, nodeErr)
		if err != nil {
			return nil, err
		}
		if customResult != nil {
			current = customResult
		}
	}
	return current, nodeErr
}

func (c *NodeCallbacks) runOnNodeError(ctx context.Context, cbCtx *NodeCallbackContext, state State, err error) {
	if c == nil {
		return
	}
	for _, cb := range c.OnNodeError {
		cb(ctx, cbCtx, state, err)
	}
}
