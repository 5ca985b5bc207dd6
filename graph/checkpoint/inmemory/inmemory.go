//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides in-memory checkpoint storage for graph
// execution state persistence and recovery.
package inmemory

import (
	"context"
	"slices"
	"sync"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
)

// DefaultMaxSnapshotsPerThread bounds the snapshots kept per thread.
const DefaultMaxSnapshotsPerThread = 100

// Saver provides an in-memory implementation of graph.Checkpointer.
// This is suitable for testing and debugging but not for production use.
type Saver struct {
	mu      sync.RWMutex
	threads map[string]*thread
	// maxPerThread limits the number of snapshots per thread; the oldest
	// are evicted first.
	maxPerThread int
}

type thread struct {
	order     []string
	snapshots map[string]*graph.Snapshot
}

// Option configures a Saver.
type Option func(*Saver)

// WithMaxSnapshotsPerThread sets the maximum number of snapshots per
// thread. Zero or negative disables eviction.
func WithMaxSnapshotsPerThread(n int) Option {
	return func(s *Saver) {
		s.maxPerThread = n
	}
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver(opts ...Option) *Saver {
	s := &Saver{
		threads:      make(map[string]*thread),
		maxPerThread: DefaultMaxSnapshotsPerThread,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores a copy of snapshot under label and makes it the latest.
func (s *Saver) Save(ctx context.Context, threadID, label string, snapshot *graph.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		th = &thread{snapshots: make(map[string]*graph.Snapshot)}
		s.threads[threadID] = th
	}
	stored := snapshot.Clone()
	stored.ThreadID = threadID
	stored.Label = label
	th.order = slices.DeleteFunc(th.order, func(l string) bool { return l == label })
	th.order = append(th.order, label)
	th.snapshots[label] = stored

	if s.maxPerThread > 0 {
		for len(th.order) > s.maxPerThread {
			delete(th.snapshots, th.order[0])
			th.order = th.order[1:]
		}
	}
	return nil
}

// Load returns the snapshot stored under label, or the latest one when
// label is empty.
func (s *Saver) Load(ctx context.Context, threadID, label string) (*graph.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[threadID]
	if !ok || len(th.order) == 0 {
		return nil, nil
	}
	if label == "" {
		label = th.order[len(th.order)-1]
	}
	return th.snapshots[label].Clone(), nil
}

// List returns the labels of a thread ordered oldest to newest.
func (s *Saver) List(ctx context.Context, threadID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(th.order), nil
}

// Delete removes one snapshot.
func (s *Saver) Delete(ctx context.Context, threadID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	delete(th.snapshots, label)
	th.order = slices.DeleteFunc(th.order, func(l string) bool { return l == label })
	if len(th.order) == 0 {
		delete(s.threads, threadID)
	}
	return nil
}

// DeleteThread removes every snapshot of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	return nil
}
