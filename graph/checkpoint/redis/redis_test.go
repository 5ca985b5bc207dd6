//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/checkpointtest"
)

func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestSaver_Contract(t *testing.T) {
	checkpointtest.RunCheckpointerContract(t, func(t *testing.T) graph.Checkpointer {
		mr := setupTestRedis(t)
		s, err := New(mr.Addr(), "", 0)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSaver_KeysAndTTL(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	s, err := NewFromURL("redis://"+mr.Addr(), WithPrefix("test:"), WithTTL(time.Minute))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "t1", "pause", checkpointtest.NewSnapshot("t1", "pause", 1)))
	assert.True(t, mr.Exists("test:{t1}:snapshots"))
	assert.True(t, mr.Exists("test:{t1}:order"))
	assert.Equal(t, time.Minute, mr.TTL("test:{t1}:snapshots"))

	mr.FastForward(2 * time.Minute)
	got, err := s.Load(ctx, "t1", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaver_NoTTLByDefault(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewFromClient(client)

	require.NoError(t, s.Save(ctx, "t1", "a", checkpointtest.NewSnapshot("t1", "a", 1)))
	assert.Equal(t, time.Duration(0), mr.TTL(defaultPrefix+"{t1}:snapshots"))
	require.NoError(t, s.Close())
	assert.NoError(t, client.Ping(ctx).Err())
}

func TestSaver_DeleteThread(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	s, err := New(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(ctx, "t1", "a", checkpointtest.NewSnapshot("t1", "a", 1)))
	require.NoError(t, s.DeleteThread(ctx, "t1"))
	assert.False(t, mr.Exists(defaultPrefix+"{t1}:seq"))
	labels, err := s.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestSaver_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	s, err := New(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer s.Close()
	mr.Close()

	err = s.Save(context.Background(), "t1", "a", checkpointtest.NewSnapshot("t1", "a", 1))
	assert.Error(t, err)
}
