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
	"time"
)

// Status is the state of a graph run.
type Status string

// Run statuses.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// EventType is the kind of a ProgressEvent.
type EventType string

// Progress event types.
const (
	EventNodeEnter  EventType = "node_enter"
	EventNodeExit   EventType = "node_exit"
	EventRetry      EventType = "retry"
	EventCheckpoint EventType = "checkpoint"
	EventSignal     EventType = "signal"
)

// Progress event data keys.
const (
	EventDataAttempt  = "attempt"
	EventDataDelay    = "delay"
	EventDataError    = "error"
	EventDataDuration = "duration"
	EventDataLabel    = "label"
	EventDataSignal   = "signal"
	EventDataReason   = "reason"
	EventDataBranch   = "branch"
	EventDataStatus   = "status"
)

// ProgressEvent is a fire-and-forget notification about a run.
type ProgressEvent struct {
	Type      EventType      `json:"type"`
	ThreadID  string         `json:"threadId"`
	NodeID    string         `json:"nodeId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// StepResult describes one completed step of the main run.
type StepResult struct {
	NodeID   string        `json:"nodeId"`
	Step     int           `json:"step"`
	Attempts int           `json:"attempts"`
	Update   State         `json:"update,omitempty"`
	Duration time.Duration `json:"duration"`
	Next     string        `json:"next,omitempty"`
}

// StreamItem is one element produced by Executor.Stream. Exactly one of
// Event, Step and Result is set; Result marks the end of the stream.
type StreamItem struct {
	Event  *ProgressEvent
	Step   *StepResult
	Result *Result
	Err    error
}

// PauseInfo describes where a paused run stopped.
type PauseInfo struct {
	NodeID string `json:"nodeId"`
	Reason string `json:"reason,omitempty"`
	Label  string `json:"label,omitempty"`
}

// Result is the terminal outcome of Execute or Resume.
type Result struct {
	ThreadID string
	Status   Status
	State    State
	Err      error
	Report   *DebugReport
	Pause    *PauseInfo
}

// NodeTiming aggregates the executions of one node.
type NodeTiming struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Last  time.Duration `json:"last"`
}

// DebugReport summarises a run.
type DebugReport struct {
	ThreadID      string                 `json:"threadId"`
	StepCount     int                    `json:"stepCount"`
	TotalDuration time.Duration          `json:"totalDuration"`
	NodeTimings   map[string]*NodeTiming `json:"nodeTimings"`
	// Trace lists executed node ids in completion order; parallel branches
	// appear in declared branch order.
	Trace []string `json:"trace"`
}

func newDebugReport(threadID string) *DebugReport {
	return &DebugReport{ThreadID: threadID, NodeTimings: make(map[string]*NodeTiming)}
}

func (r *DebugReport) record(nodeID string, d time.Duration) {
	t, ok := r.NodeTimings[nodeID]
	if !ok {
		t = &NodeTiming{}
		r.NodeTimings[nodeID] = t
	}
	t.Count++
	t.Total += d
	t.Last = d
	r.Trace = append(r.Trace, nodeID)
}
