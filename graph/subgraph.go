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
	"fmt"
)

// runSubgraph runs the nested graph of node as a child run and returns the
// partial updates to fold into the parent. Without an Output mapping the
// child's updates are replayed in order through the parent's reducers.
func (r *run) runSubgraph(ctx context.Context, node *Node, parent State) (any, error) {
	spec := node.subgraph
	child := spec.Graph
	schema := child.Schema()

	var input State
	switch {
	case spec.Config.Input != nil:
		input = spec.Config.Input(parent)
	case len(schema.FieldNames()) > 0:
		input = make(State)
		for _, name := range schema.FieldNames() {
			if v, ok := parent[name]; ok {
				input[name] = v
			}
		}
	default:
		input = parent
	}
	input = input.DeepClone()
	if err := schema.ValidateUpdate(input); err != nil {
		return nil, fmt.Errorf("subgraph %s input: %w", node.ID, err)
	}

	cr := r.exec.child(child).newRun(r.threadID + "/" + node.ID)
	cr.root = r.root
	cr.emitter = r.emitter
	cr.record = spec.Config.Output == nil
	cr.state = schema.ApplyUpdate(schema.Initialize(), input)
	cr.next = child.EntryPoint()

	res := cr.execute(ctx, nil)
	switch res.Status {
	case StatusCompleted:
		if spec.Config.Output != nil {
			return spec.Config.Output(res.State), nil
		}
		return cr.updates, nil
	case StatusPaused:
		return nil, fmt.Errorf("subgraph %s paused at %s: pause is not supported inside a subgraph",
			node.ID, res.Pause.NodeID)
	case StatusCancelled:
		return nil, fmt.Errorf("subgraph %s: %w", node.ID, ErrCancelled)
	default:
		return nil, fmt.Errorf("subgraph %s: %w", node.ID, res.Err)
	}
}
