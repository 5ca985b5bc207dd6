//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import "time"

// StateKeyLastError holds the failure a catch handler is handling. The value
// is a map with the keys below so it survives a JSON checkpoint unchanged.
const StateKeyLastError = "__last_error__"

// Keys of the StateKeyLastError map.
const (
	ErrorInfoKeyNodeID   = "nodeId"
	ErrorInfoKeyAttempts = "attempts"
	ErrorInfoKeyMessage  = "message"
	ErrorInfoKeyAt       = "at"
)

// NodeErrorInfo describes a caught node failure.
type NodeErrorInfo struct {
	NodeID   string    `json:"nodeId"`
	Attempts int       `json:"attempts"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

func newNodeErrorInfo(nodeID string, attempts int, err error) map[string]any {
	return map[string]any{
		ErrorInfoKeyNodeID:   nodeID,
		ErrorInfoKeyAttempts: attempts,
		ErrorInfoKeyMessage:  err.Error(),
		ErrorInfoKeyAt:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// LastError returns the caught failure stored in state, if any. It reads
// both the live value and one restored from a checkpoint.
func LastError(state State) (NodeErrorInfo, bool) {
	var m map[string]any
	switch v := state[StateKeyLastError].(type) {
	case NodeErrorInfo:
		return v, true
	case map[string]any:
		m = v
	case State:
		m = v
	default:
		return NodeErrorInfo{}, false
	}
	nodeID, ok := m[ErrorInfoKeyNodeID].(string)
	if !ok {
		return NodeErrorInfo{}, false
	}
	info := NodeErrorInfo{NodeID: nodeID}
	info.Message, _ = m[ErrorInfoKeyMessage].(string)
	switch n := m[ErrorInfoKeyAttempts].(type) {
	case int:
		info.Attempts = n
	case int64:
		info.Attempts = int(n)
	case float64:
		info.Attempts = int(n)
	}
	switch at := m[ErrorInfoKeyAt].(type) {
	case time.Time:
		info.At = at
	case string:
		info.At, _ = time.Parse(time.RFC3339Nano, at)
	}
	return info, true
}
