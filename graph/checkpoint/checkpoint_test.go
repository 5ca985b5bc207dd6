//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/dir"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/file"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/redis"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/sqlite"
)

func TestNew_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	tmp := t.TempDir()

	tests := []struct {
		name string
		cfg  Config
		want any
	}{
		{"default", Config{}, &inmemory.Saver{}},
		{"memory", Config{Backend: BackendMemory, MaxSnapshotsPerThread: 3}, &inmemory.Saver{}},
		{"file", Config{Backend: BackendFile, Path: filepath.Join(tmp, "cp.json")}, &file.Saver{}},
		{"dir", Config{Backend: BackendDir, Path: filepath.Join(tmp, "threads")}, &dir.Saver{}},
		{"sqlite", Config{Backend: BackendSQLite, Path: filepath.Join(tmp, "cp.db")}, &sqlite.Saver{}},
		{"redis addr", Config{Backend: BackendRedis, Redis: RedisConfig{Addr: mr.Addr(), TTL: time.Hour}}, &redis.Saver{}},
		{"redis url", Config{Backend: BackendRedis, Redis: RedisConfig{URL: "redis://" + mr.Addr(), Prefix: "x:"}}, &redis.Saver{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp, err := New(tt.cfg)
			require.NoError(t, err)
			defer Close(cp)
			assert.IsType(t, tt.want, cp)

			ctx := context.Background()
			labels, err := cp.List(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, labels)
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Backend: "etcd"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New(Config{Backend: BackendFile})
	assert.Error(t, err)

	_, err = New(Config{Backend: BackendRedis})
	assert.Error(t, err)

	_, err = New(Config{Backend: BackendRedis, Redis: RedisConfig{Instance: "missing"}})
	assert.Error(t, err)
}

func TestClose_NoCloser(t *testing.T) {
	assert.NoError(t, Close(inmemory.NewSaver()))
}
