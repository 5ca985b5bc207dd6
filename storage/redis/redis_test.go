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
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func isolateRegistry(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	old := redisRegistry
	redisRegistry = map[string][]ClientBuilderOpt{}
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		redisRegistry = old
		registryMu.Unlock()
	})
}

func TestSetGetClientBuilder(t *testing.T) {
	oldBuilder := GetClientBuilder()
	defer SetClientBuilder(oldBuilder)

	invoked := false
	SetClientBuilder(func(opts ...ClientBuilderOpt) (redis.UniversalClient, error) {
		invoked = true
		return nil, nil
	})
	_, err := GetClientBuilder()(WithClientBuilderURL("redis://localhost:6379"))
	require.NoError(t, err)
	require.True(t, invoked)
}

func TestDefaultClientBuilder_Empty(t *testing.T) {
	_, err := DefaultClientBuilder()
	require.EqualError(t, err, "redis: url is empty")
}

func TestDefaultClientBuilder_InvalidURL(t *testing.T) {
	_, err := DefaultClientBuilder(WithClientBuilderURL("127.0.0.1:6379"))
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "redis: parse url 127.0.0.1:6379:"))
}

func TestDefaultClientBuilder_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	byURL, err := DefaultClientBuilder(WithClientBuilderURL("redis://" + mr.Addr() + "/0"))
	require.NoError(t, err)
	defer byURL.Close()
	require.NoError(t, byURL.Ping(ctx).Err())

	byAddr, err := DefaultClientBuilder(WithAddr(mr.Addr(), "", 0))
	require.NoError(t, err)
	defer byAddr.Close()
	require.NoError(t, byAddr.Set(ctx, "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestRegisterAndGetRedisInstance(t *testing.T) {
	isolateRegistry(t)
	mr := miniredis.RunT(t)

	_, ok := GetRedisInstance("checkpoints")
	require.False(t, ok)
	_, err := NewInstanceClient("checkpoints")
	require.Error(t, err)

	RegisterRedisInstance("checkpoints", WithAddr(mr.Addr(), "", 0))
	opts, ok := GetRedisInstance("checkpoints")
	require.True(t, ok)
	require.Len(t, opts, 1)

	client, err := NewInstanceClient("checkpoints")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
}
