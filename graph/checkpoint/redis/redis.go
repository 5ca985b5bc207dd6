//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package redis stores graph checkpoints in redis. Each thread uses a hash
// of label to snapshot JSON and a sorted set ordering labels by save
// sequence.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	istorage "trpc.group/trpc-go/trpc-agent-graph/storage/redis"
)

const defaultPrefix = "graph:checkpoint:"

// Saver is a redis-backed graph.Checkpointer.
type Saver struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	ownsClient bool
}

// Option configures a Saver.
type Option func(*Saver)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Saver) {
		s.prefix = prefix
	}
}

// WithTTL expires a thread's keys ttl after its last save. Zero keeps them
// forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Saver) {
		s.ttl = ttl
	}
}

// New connects to addr and returns a saver owning the client.
func New(addr, password string, db int, opts ...Option) (*Saver, error) {
	client, err := istorage.GetClientBuilder()(istorage.WithAddr(addr, password, db))
	if err != nil {
		return nil, err
	}
	s := NewFromClient(client, opts...)
	s.ownsClient = true
	return s, nil
}

// NewFromURL builds the client from a redis:// URL.
func NewFromURL(url string, opts ...Option) (*Saver, error) {
	client, err := istorage.GetClientBuilder()(istorage.WithClientBuilderURL(url))
	if err != nil {
		return nil, err
	}
	s := NewFromClient(client, opts...)
	s.ownsClient = true
	return s, nil
}

// NewFromInstance uses a client registered with storage/redis.
func NewFromInstance(name string, opts ...Option) (*Saver, error) {
	client, err := istorage.NewInstanceClient(name)
	if err != nil {
		return nil, err
	}
	s := NewFromClient(client, opts...)
	s.ownsClient = true
	return s, nil
}

// NewFromClient wraps an existing client. Close leaves it open.
func NewFromClient(client redis.UniversalClient, opts ...Option) *Saver {
	s := &Saver{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys of one thread share a hash tag so cluster deployments keep them on
// one slot.
func (s *Saver) snapshotsKey(threadID string) string {
	return s.prefix + "{" + threadID + "}:snapshots"
}

func (s *Saver) orderKey(threadID string) string {
	return s.prefix + "{" + threadID + "}:order"
}

func (s *Saver) seqKey(threadID string) string {
	return s.prefix + "{" + threadID + "}:seq"
}

// Save stores snapshot under label and makes it the thread's latest.
func (s *Saver) Save(ctx context.Context, threadID, label string, snapshot *graph.Snapshot) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	stored := *snapshot
	stored.ThreadID = threadID
	stored.Label = label
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.seqKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("redis incr seq: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.snapshotsKey(threadID), label, data)
		pipe.ZAdd(ctx, s.orderKey(threadID), redis.Z{Score: float64(seq), Member: label})
		if s.ttl > 0 {
			pipe.Expire(ctx, s.snapshotsKey(threadID), s.ttl)
			pipe.Expire(ctx, s.orderKey(threadID), s.ttl)
			pipe.Expire(ctx, s.seqKey(threadID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot under label, or the latest when label is empty.
func (s *Saver) Load(ctx context.Context, threadID, label string) (*graph.Snapshot, error) {
	if label == "" {
		latest, err := s.client.ZRevRange(ctx, s.orderKey(threadID), 0, 0).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("redis latest label: %w", err)
		}
		if len(latest) == 0 {
			return nil, nil
		}
		label = latest[0]
	}
	data, err := s.client.HGet(ctx, s.snapshotsKey(threadID), label).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns the thread's labels ordered oldest to newest.
func (s *Saver) List(ctx context.Context, threadID string) ([]string, error) {
	labels, err := s.client.ZRange(ctx, s.orderKey(threadID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis list labels: %w", err)
	}
	return labels, nil
}

// Delete removes one snapshot.
func (s *Saver) Delete(ctx context.Context, threadID, label string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.snapshotsKey(threadID), label)
		pipe.ZRem(ctx, s.orderKey(threadID), label)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete snapshot: %w", err)
	}
	return nil
}

// DeleteThread removes every key of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	err := s.client.Del(ctx, s.snapshotsKey(threadID), s.orderKey(threadID), s.seqKey(threadID)).Err()
	if err != nil {
		return fmt.Errorf("redis delete thread: %w", err)
	}
	return nil
}

// Close closes the client when the saver created it.
func (s *Saver) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
