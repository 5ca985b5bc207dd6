//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package subagent runs independent agent sessions on behalf of graph nodes.
//
// A Bridge admits sessions under a concurrency cap in FIFO order, consumes
// each session's message stream, reports status transitions to an optional
// callback and always destroys the session when it ends.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MessageType is the kind of a streamed session message.
type MessageType string

// Message types.
const (
	MessageTypeText    MessageType = "text"
	MessageTypeToolUse MessageType = "tool_use"
	MessageTypeError   MessageType = "error"
)

// MetadataKeyID is the metadata key carrying a tool call id.
const MetadataKeyID = "id"

// MetadataKeyName is the metadata key carrying a tool name.
const MetadataKeyName = "name"

// Message is one item of a session's output stream.
type Message struct {
	Type     MessageType    `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is one agent conversation owned by the bridge.
type Session interface {
	// Stream sends msg and returns the agent's output. The channel is closed
	// when the agent is done.
	Stream(ctx context.Context, msg string) (<-chan Message, error)
	// Destroy releases the session. The bridge calls it exactly once.
	Destroy(ctx context.Context) error
}

// SessionConfig is handed to the session factory.
type SessionConfig struct {
	AgentID      string
	Name         string
	SystemPrompt string
	Model        string
	Tools        []string
}

// CreateSessionFunc creates a session for one spawn.
type CreateSessionFunc func(ctx context.Context, cfg SessionConfig) (Session, error)

// SpawnOptions describes one sub-agent task.
type SpawnOptions struct {
	// AgentID is generated when empty.
	AgentID      string
	Name         string
	Task         string
	SystemPrompt string
	Model        string
	Tools        []string
	// Timeout bounds the whole spawn, queueing included. Zero means none.
	Timeout time.Duration
}

// Result is the outcome of one spawn.
type Result struct {
	AgentID  string        `json:"agentId"`
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	ToolUses int           `json:"toolUses"`
	Duration time.Duration `json:"durationMs"`
	Error    string        `json:"error,omitempty"`
	// Err is the typed failure, if any.
	Err error `json:"-"`
}

// Status is the lifecycle state of a sub-agent.
type Status string

// Agent statuses.
const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusBackground Status = "background"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// AgentStatus is the observable state of one sub-agent.
type AgentStatus struct {
	AgentID     string        `json:"agentId"`
	Name        string        `json:"name,omitempty"`
	Status      Status        `json:"status"`
	CurrentTool string        `json:"currentTool,omitempty"`
	ToolUses    int           `json:"toolUses"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"durationMs,omitempty"`
	Result      string        `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// StatusCallback receives a copy of an agent's status at every transition.
type StatusCallback func(status AgentStatus)

// CancelledMessage is the error text of a cancelled spawn.
const CancelledMessage = "Cancelled"

// Errors.
var (
	ErrBridgeDestroyed = errors.New("subagent bridge destroyed")
	ErrCancelled       = errors.New(CancelledMessage)
	ErrDuplicateAgent  = errors.New("duplicate agent id")
)

// SpawnError reports a session that could not be created or started.
type SpawnError struct {
	AgentID string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn agent %s: %v", e.AgentID, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }
