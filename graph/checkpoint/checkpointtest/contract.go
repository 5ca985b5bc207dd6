//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpointtest provides a conformance suite for
// graph.Checkpointer implementations.
package checkpointtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
)

// Factory returns an empty checkpointer for one subtest.
type Factory func(t *testing.T) graph.Checkpointer

// NewSnapshot returns a JSON friendly snapshot for tests.
func NewSnapshot(threadID, label string, step int) *graph.Snapshot {
	return &graph.Snapshot{
		ThreadID:   threadID,
		Label:      label,
		State:      graph.State{"step": float64(step), "tags": []any{"a", "b"}, "nested": map[string]any{"ok": true}},
		NextNodeID: fmt.Sprintf("node-%d", step+1),
		StepCount:  step,
		CreatedAt:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Version:    graph.SnapshotVersion,
	}
}

// RunCheckpointerContract verifies that a Checkpointer honours the graph
// checkpoint contract.
func RunCheckpointerContract(t *testing.T, newCheckpointer Factory) {
	ctx := context.Background()

	t.Run("missing thread yields nil", func(t *testing.T) {
		cp := newCheckpointer(t)
		snap, err := cp.Load(ctx, "nobody", "")
		require.NoError(t, err)
		assert.Nil(t, snap)

		snap, err = cp.Load(ctx, "nobody", "pause")
		require.NoError(t, err)
		assert.Nil(t, snap)

		labels, err := cp.List(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, labels)
	})

	t.Run("round trip", func(t *testing.T) {
		cp := newCheckpointer(t)
		want := NewSnapshot("t1", "pause", 3)
		want.LoopCounters = map[string]int{"loop_1": 2}
		want.PausedNodeID = "review"
		want.Reason = "approve"
		require.NoError(t, cp.Save(ctx, "t1", "pause", want))

		got, err := cp.Load(ctx, "t1", "pause")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "t1", got.ThreadID)
		assert.Equal(t, "pause", got.Label)
		assert.Equal(t, want.State, got.State)
		assert.Equal(t, want.NextNodeID, got.NextNodeID)
		assert.Equal(t, 3, got.StepCount)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, want.LoopCounters, got.LoopCounters)
		assert.Equal(t, "review", got.PausedNodeID)
		assert.Equal(t, "approve", got.Reason)
		assert.Equal(t, graph.SnapshotVersion, got.Version)
	})

	t.Run("saved snapshot is isolated from caller", func(t *testing.T) {
		cp := newCheckpointer(t)
		snap := NewSnapshot("t1", "a", 1)
		require.NoError(t, cp.Save(ctx, "t1", "a", snap))
		snap.State["step"] = float64(99)
		snap.State["nested"].(map[string]any)["ok"] = false

		got, err := cp.Load(ctx, "t1", "a")
		require.NoError(t, err)
		assert.Equal(t, float64(1), got.State["step"])
		assert.Equal(t, true, got.State["nested"].(map[string]any)["ok"])
	})

	t.Run("latest follows save order", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.Save(ctx, "t1", "a", NewSnapshot("t1", "a", 1)))
		require.NoError(t, cp.Save(ctx, "t1", "b", NewSnapshot("t1", "b", 2)))

		latest, err := cp.Load(ctx, "t1", "")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "b", latest.Label)

		require.NoError(t, cp.Save(ctx, "t1", "a", NewSnapshot("t1", "a", 3)))
		latest, err = cp.Load(ctx, "t1", "")
		require.NoError(t, err)
		assert.Equal(t, "a", latest.Label)
		assert.Equal(t, 3, latest.StepCount)

		labels, err := cp.List(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, labels)
	})

	t.Run("delete", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.Save(ctx, "t1", "a", NewSnapshot("t1", "a", 1)))
		require.NoError(t, cp.Save(ctx, "t1", "b", NewSnapshot("t1", "b", 2)))
		require.NoError(t, cp.Delete(ctx, "t1", "b"))
		require.NoError(t, cp.Delete(ctx, "t1", "missing"))
		require.NoError(t, cp.Delete(ctx, "nobody", "a"))

		got, err := cp.Load(ctx, "t1", "b")
		require.NoError(t, err)
		assert.Nil(t, got)

		latest, err := cp.Load(ctx, "t1", "")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "a", latest.Label)

		labels, err := cp.List(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, labels)
	})

	t.Run("threads are isolated", func(t *testing.T) {
		cp := newCheckpointer(t)
		require.NoError(t, cp.Save(ctx, "t1", "a", NewSnapshot("t1", "a", 1)))
		require.NoError(t, cp.Save(ctx, "t2", "b", NewSnapshot("t2", "b", 2)))

		labels, err := cp.List(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, labels)
		got, err := cp.Load(ctx, "t2", "a")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("unusual identifiers", func(t *testing.T) {
		cp := newCheckpointer(t)
		thread := "user/42:run #1"
		label := "step-0001/retry"
		require.NoError(t, cp.Save(ctx, thread, label, NewSnapshot(thread, label, 1)))
		got, err := cp.Load(ctx, thread, label)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, label, got.Label)
		labels, err := cp.List(ctx, thread)
		require.NoError(t, err)
		assert.Equal(t, []string{label}, labels)
	})

	t.Run("concurrent saves", func(t *testing.T) {
		cp := newCheckpointer(t)
		const n = 8
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				label := graph.StepLabel(i)
				assert.NoError(t, cp.Save(ctx, "t1", label, NewSnapshot("t1", label, i)))
			}()
		}
		wg.Wait()
		labels, err := cp.List(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, labels, n)
	})
}
