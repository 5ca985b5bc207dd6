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
	"maps"
	"time"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// Snapshot is the unit of checkpoint persistence.
type Snapshot struct {
	ThreadID   string    `json:"threadId"`
	Label      string    `json:"label"`
	State      State     `json:"state"`
	NextNodeID string    `json:"nextNodeId"`
	StepCount  int       `json:"stepCount"`
	CreatedAt  time.Time `json:"createdAt"`

	LoopCounters map[string]int `json:"loopCounters,omitempty"`
	PausedNodeID string         `json:"pausedNodeId,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Version      int            `json:"v,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.State = s.State.DeepClone()
	if s.LoopCounters != nil {
		c.LoopCounters = maps.Clone(s.LoopCounters)
	}
	return &c
}

// Checkpointer persists snapshots per thread under caller-chosen labels.
//
// Implementations share one contract:
//   - Save overwrites an existing label and makes it the latest.
//   - Load with an empty label returns the latest snapshot; a missing thread
//     or label yields (nil, nil).
//   - List returns labels ordered oldest to newest.
//   - Delete of a missing label is not an error.
//   - An interrupted Save never corrupts a snapshot that was readable before.
type Checkpointer interface {
	Save(ctx context.Context, threadID, label string, snapshot *Snapshot) error
	Load(ctx context.Context, threadID, label string) (*Snapshot, error)
	List(ctx context.Context, threadID string) ([]string, error)
	Delete(ctx context.Context, threadID, label string) error
}

// Checkpoint labels written by the executor.
const (
	LabelPause    = "pause"
	LabelComplete = "complete"
)

// StepLabel returns the label of the snapshot taken after step n.
func StepLabel(n int) string {
	return fmt.Sprintf("step-%04d", n)
}
