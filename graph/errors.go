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

// Errors.
var (
	ErrThreadIDRequired   = errors.New("thread_id is required")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNoCheckpointer     = errors.New("checkpointer is not configured")
	ErrStreamConsumed     = errors.New("stream already consumed")
	ErrCancelled          = errors.New("graph execution cancelled")
	ErrMaxStepsExceeded   = errors.New("maximum execution steps exceeded")
	ErrThreadRunning      = errors.New("thread is already running")
	ErrNoEdgeMatched      = errors.New("no edge matched")
)

// Error types for graph execution.
const (
	ErrorTypeGraphExecution   = "graph_execution_error"
	ErrorTypeInvalidNode      = "invalid_node_error"
	ErrorTypeInvalidEdge      = "invalid_edge_error"
	ErrorTypeCircularRef      = "circular_reference_error"
	ErrorTypeStateValidation  = "state_validation_error"
	ErrorTypeNodeExecution    = "node_execution_error"
	ErrorTypeLoopLimit        = "loop_limit_exceeded"
	ErrorTypeCheckpoint       = "checkpoint_error"
	ErrorTypeParallelBranches = "parallel_branch_error"
	ErrorTypeMaxSteps         = "max_steps_exceeded"
	ErrorTypeTimeout          = "timeout_error"
)

// ExecutionError is the terminal failure of a graph run. It carries the node
// that failed, how many attempts were made and the underlying cause.
type ExecutionError struct {
	Type     string
	NodeID   string
	Attempts int
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s: node %s failed after %d attempts: %v", e.Type, e.NodeID, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s: node %s: %v", e.Type, e.NodeID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// SchemaValidationError reports a state update that does not match the schema.
// It aborts the node immediately and is never retried.
type SchemaValidationError struct {
	NodeID string
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: invalid state field %q: %s", e.NodeID, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid state field %q: %s", e.Field, e.Reason)
}

// LoopLimitExceededError reports a loop whose condition still held after
// MaxIterations iterations.
type LoopLimitExceededError struct {
	LoopID        string
	MaxIterations int
}

func (e *LoopLimitExceededError) Error() string {
	return fmt.Sprintf("loop %s exceeded %d iterations", e.LoopID, e.MaxIterations)
}

// CheckpointError wraps failures of the configured Checkpointer.
type CheckpointError struct {
	Op       string
	ThreadID string
	Label    string
	Cause    error
}

func (e *CheckpointError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("checkpoint %s %s/%s: %v", e.Op, e.ThreadID, e.Label, e.Cause)
	}
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.ThreadID, e.Cause)
}

func (e *CheckpointError) Unwrap() error { return e.Cause }

// BuildError collects the structural problems found while building or
// compiling a graph.
type BuildError struct {
	Type    string
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func buildErrorf(errType, format string, args ...any) *BuildError {
	return &BuildError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// retryable reports whether err may be retried under a RetryPolicy.
func retryable(err error) bool {
	var sve *SchemaValidationError
	var lle *LoopLimitExceededError
	switch {
	case errors.As(err, &sve), errors.As(err, &lle):
		return false
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return false
	}
	return true
}
