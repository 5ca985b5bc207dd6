//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package checkpoint selects a graph.Checkpointer backend from
// configuration.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"time"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/dir"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/file"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/inmemory"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/redis"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/sqlite"
)

// Backend names a checkpoint storage implementation.
type Backend string

// Supported backends.
const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendDir    Backend = "dir"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// RedisConfig configures the redis backend. URL, then Instance, then Addr
// is used, whichever is set first.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	Instance string        `yaml:"instance"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Config selects and configures a backend.
type Config struct {
	// Backend defaults to memory.
	Backend Backend `yaml:"backend"`
	// Path is the file, directory or database path of the file, dir and
	// sqlite backends.
	Path string `yaml:"path"`
	// MaxSnapshotsPerThread bounds the memory backend. Zero keeps its
	// default.
	MaxSnapshotsPerThread int         `yaml:"max_snapshots_per_thread"`
	Redis                 RedisConfig `yaml:"redis"`
}

// ErrUnknownBackend is returned for an unsupported Backend.
var ErrUnknownBackend = errors.New("unknown checkpoint backend")

// New builds the configured checkpointer. Backends holding connections also
// implement io.Closer; see Close.
func New(cfg Config) (graph.Checkpointer, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		var opts []inmemory.Option
		if cfg.MaxSnapshotsPerThread > 0 {
			opts = append(opts, inmemory.WithMaxSnapshotsPerThread(cfg.MaxSnapshotsPerThread))
		}
		return inmemory.NewSaver(opts...), nil
	case BackendFile:
		return checked(file.NewSaver(cfg.Path))
	case BackendDir:
		return checked(dir.NewSaver(cfg.Path))
	case BackendSQLite:
		return checked(sqlite.Open(cfg.Path))
	case BackendRedis:
		return checked(newRedis(cfg.Redis))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// checked keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func checked[T graph.Checkpointer](cp T, err error) (graph.Checkpointer, error) {
	if err != nil {
		return nil, fmt.Errorf("checkpoint backend: %w", err)
	}
	return cp, nil
}

func newRedis(cfg RedisConfig) (*redis.Saver, error) {
	var opts []redis.Option
	if cfg.Prefix != "" {
		opts = append(opts, redis.WithPrefix(cfg.Prefix))
	}
	if cfg.TTL > 0 {
		opts = append(opts, redis.WithTTL(cfg.TTL))
	}
	switch {
	case cfg.URL != "":
		return redis.NewFromURL(cfg.URL, opts...)
	case cfg.Instance != "":
		return redis.NewFromInstance(cfg.Instance, opts...)
	case cfg.Addr != "":
		return redis.New(cfg.Addr, cfg.Password, cfg.DB, opts...)
	default:
		return nil, errors.New("redis checkpoint backend needs url, instance or addr")
	}
}

// Close releases cp when it holds resources.
func Close(cp graph.Checkpointer) error {
	if c, ok := cp.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
