//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/checkpointtest"
)

func TestSaver_Contract(t *testing.T) {
	checkpointtest.RunCheckpointerContract(t, func(t *testing.T) graph.Checkpointer {
		return NewSaver()
	})
}

func TestSaver_Eviction(t *testing.T) {
	ctx := context.Background()
	s := NewSaver(WithMaxSnapshotsPerThread(2))
	for i := 1; i <= 3; i++ {
		label := graph.StepLabel(i)
		require.NoError(t, s.Save(ctx, "t", label, checkpointtest.NewSnapshot("t", label, i)))
	}
	labels, err := s.List(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{graph.StepLabel(2), graph.StepLabel(3)}, labels)

	got, err := s.Load(ctx, "t", graph.StepLabel(1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaver_DeleteThread(t *testing.T) {
	ctx := context.Background()
	s := NewSaver()
	require.NoError(t, s.Save(ctx, "t", "a", checkpointtest.NewSnapshot("t", "a", 1)))
	require.NoError(t, s.DeleteThread(ctx, "t"))
	got, err := s.Load(ctx, "t", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}
