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

	"golang.org/x/sync/errgroup"
)

// branchResult is what one parallel branch produced.
type branchResult struct {
	updates []State
	steps   []timedStep
	err     error
}

// runParallel runs every branch of p against its own deep copy of state.
// Partial updates are returned in declared branch order regardless of
// completion order. A failed branch contributes no updates.
func (r *run) runParallel(ctx context.Context, p *Node, state State) nodeOutcome {
	branches := p.parallel.Branches
	results := make([]branchResult, len(branches))
	g := new(errgroup.Group)
	if r.exec.maxParallel > 0 {
		g.SetLimit(r.exec.maxParallel)
	}
	for i, branch := range branches {
		g.Go(func() error {
			results[i] = r.runBranch(ctx, p, branch[0], state.DeepClone())
			return nil
		})
	}
	_ = g.Wait()

	out := nodeOutcome{structural: true, attempts: 1}
	var errs []error
	for i, res := range results {
		out.steps = append(out.steps, res.steps...)
		if res.err != nil {
			r.emit(EventNodeExit, p.ID, map[string]any{
				EventDataBranch: i,
				EventDataError:  res.err.Error(),
			})
			errs = append(errs, fmt.Errorf("branch %d (%s): %w", i, branches[i][0], res.err))
			continue
		}
		out.updates = append(out.updates, res.updates...)
	}
	out.err = errors.Join(errs...)
	return out
}

// runBranch walks one branch from entry until it reaches the join of p.
func (r *run) runBranch(ctx context.Context, p *Node, entry string, state State) branchResult {
	var res branchResult
	schema := r.graph.Schema()
	loops := make(map[string]int)
	visits := 0
	for cur := entry; cur != "" && cur != End && cur != p.parallel.Join; {
		if ctx.Err() != nil {
			res.err = ErrCancelled
			return res
		}
		visits++
		if visits > r.exec.maxSteps {
			res.err = &ExecutionError{Type: ErrorTypeMaxSteps, NodeID: cur, Cause: ErrMaxStepsExceeded}
			return res
		}
		node, ok := r.graph.Node(cur)
		if !ok {
			res.err = &ExecutionError{Type: ErrorTypeInvalidNode, NodeID: cur, Cause: fmt.Errorf("node %s not found", cur)}
			return res
		}
		start := time.Now()
		out := r.runNode(ctx, node, state, loops, nil)
		res.steps = append(res.steps, out.steps...)
		if out.err != nil {
			res.err = nodeFailure(node, out)
			return res
		}
		if _, ok := findSignal[PauseSignal](out.signals); ok {
			res.err = fmt.Errorf("node %s: pause is not supported inside a parallel branch", node.ID)
			return res
		}
		if _, ok := findSignal[CancelSignal](out.signals); ok {
			res.err = fmt.Errorf("node %s: %w", node.ID, ErrCancelled)
			return res
		}
		for _, u := range out.updates {
			state = schema.ApplyUpdate(state, u)
		}
		res.updates = append(res.updates, out.updates...)
		if !out.structural {
			res.steps = append(res.steps, timedStep{nodeID: node.ID, duration: time.Since(start)})
		}
		next, err := r.route(ctx, node, state, loops)
		if err != nil {
			res.err = routeFailure(node, err)
			return res
		}
		cur = next
	}
	return res
}
