//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package dir

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/checkpointtest"
)

func TestSaver_Contract(t *testing.T) {
	checkpointtest.RunCheckpointerContract(t, func(t *testing.T) graph.Checkpointer {
		s, err := NewSaver(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestSaver_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewSaver(root)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "team/a", "pause", checkpointtest.NewSnapshot("team/a", "pause", 1)))

	threadDir := filepath.Join(root, "team%2Fa")
	assert.FileExists(t, filepath.Join(threadDir, indexFile))
	assert.FileExists(t, filepath.Join(threadDir, "pause.json"))

	data, err := os.ReadFile(filepath.Join(threadDir, indexFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "thread_id: team/a")
	assert.Contains(t, string(data), "label: pause")
}

func TestSaver_LatestSkipsMissingFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewSaver(root)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "t", "a", checkpointtest.NewSnapshot("t", "a", 1)))
	require.NoError(t, s.Save(ctx, "t", "b", checkpointtest.NewSnapshot("t", "b", 2)))
	require.NoError(t, os.Remove(filepath.Join(root, "t", "b.json")))

	got, err := s.Load(ctx, "t", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Label)
}

func TestSaver_RejectsTraversal(t *testing.T) {
	s, err := NewSaver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	assert.Error(t, s.Save(ctx, "..", "a", checkpointtest.NewSnapshot("..", "a", 1)))
	assert.Error(t, s.Save(ctx, "t", ".", checkpointtest.NewSnapshot("t", ".", 1)))
	_, err = s.Load(ctx, "", "")
	assert.Error(t, err)
}

func TestSaver_DeleteLastRemovesThreadDir(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewSaver(root)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "t", "a", checkpointtest.NewSnapshot("t", "a", 1)))
	require.NoError(t, s.Delete(ctx, "t", "a"))
	assert.NoDirExists(t, filepath.Join(root, "t"))
}
