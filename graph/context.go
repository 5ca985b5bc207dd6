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
	"maps"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-agent-graph/subagent"
)

// ExecutionContext is the per-attempt scratch space handed to a node
// function. It is owned by that attempt and never shared with siblings.
type ExecutionContext struct {
	ThreadID  string
	NodeID    string
	Attempt   int
	StepCount int

	loopCounters map[string]int
	resumed      bool
	resumeValue  any
	signals      []Signal

	run *run
}

// Resumed reports whether this node is the one a Resume continued from.
func (ec *ExecutionContext) Resumed() bool {
	return ec.resumed
}

// ResumeValue returns the value passed to Resume, or nil.
func (ec *ExecutionContext) ResumeValue() any {
	return ec.resumeValue
}

// LoopIteration returns how many times the body of loop loopID has been
// entered in the current run.
func (ec *ExecutionContext) LoopIteration(loopID string) int {
	return ec.loopCounters[loopID]
}

// LoopCounters returns a copy of every loop counter.
func (ec *ExecutionContext) LoopCounters() map[string]int {
	return maps.Clone(ec.loopCounters)
}

// Signal queues a signal that is processed after the node returns, as if the
// node had returned it.
func (ec *ExecutionContext) Signal(s Signal) {
	if s != nil {
		ec.signals = append(ec.signals, s)
	}
}

// ErrNoSpawner is returned by Spawn when the executor has no Spawner.
var ErrNoSpawner = errors.New("spawner is not configured")

// ErrNoToolRegistry is returned by CallTool when the executor has no
// ToolRegistry.
var ErrNoToolRegistry = errors.New("tool registry is not configured")

// Spawn runs a sub-agent through the executor's Spawner. The agent is
// cancelled together with the run.
func (ec *ExecutionContext) Spawn(ctx context.Context, opts subagent.SpawnOptions) (*subagent.Result, error) {
	if ec.run == nil || ec.run.exec.spawner == nil {
		return nil, ErrNoSpawner
	}
	if opts.AgentID == "" {
		opts.AgentID = uuid.NewString()
	}
	ec.run.trackAgent(opts.AgentID)
	defer ec.run.untrackAgent(opts.AgentID)
	return ec.run.exec.spawner.Spawn(ctx, opts)
}

// CallTool invokes a tool from the executor's ToolRegistry.
func (ec *ExecutionContext) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if ec.run == nil || ec.run.exec.tools == nil {
		return nil, ErrNoToolRegistry
	}
	return ec.run.exec.tools.CallTool(ctx, name, args)
}
