//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package dir stores each thread in its own directory: one JSON file per
// snapshot plus an index.yaml listing labels oldest to newest.
//
// A snapshot file is always written before the index that references it,
// so a crash mid-save leaves the previous latest snapshot loadable.
package dir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/internal/atomicfile"
	"trpc.group/trpc-go/trpc-agent-graph/log"
)

const (
	indexFile   = "index.yaml"
	snapshotExt = ".json"
	filePerm    = 0o600
)

type index struct {
	ThreadID  string       `yaml:"thread_id"`
	UpdatedAt time.Time    `yaml:"updated_at"`
	Snapshots []indexEntry `yaml:"snapshots"`
}

type indexEntry struct {
	Label   string    `yaml:"label"`
	File    string    `yaml:"file"`
	SavedAt time.Time `yaml:"saved_at"`
}

func (ix *index) find(label string) int {
	return slices.IndexFunc(ix.Snapshots, func(e indexEntry) bool { return e.Label == label })
}

func (ix *index) labels() []string {
	out := make([]string, 0, len(ix.Snapshots))
	for _, e := range ix.Snapshots {
		out = append(out, e.Label)
	}
	return out
}

// Saver is a graph.Checkpointer rooted at a directory.
type Saver struct {
	root string
	mu   sync.Mutex
}

// NewSaver returns a saver storing threads below root.
func NewSaver(root string) (*Saver, error) {
	if root == "" {
		return nil, errors.New("checkpoint directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Saver{root: root}, nil
}

// escape maps an identifier onto a single safe path element.
func escape(id string) (string, error) {
	if id == "" || id == "." || id == ".." {
		return "", fmt.Errorf("invalid identifier %q", id)
	}
	return url.PathEscape(id), nil
}

func (s *Saver) threadDir(threadID string) (string, error) {
	name, err := escape(threadID)
	if err != nil {
		return "", fmt.Errorf("thread id: %w", err)
	}
	return filepath.Join(s.root, name), nil
}

func (s *Saver) readIndex(dir string) (*index, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &index{}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	var ix index
	if err := yaml.Unmarshal(data, &ix); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", dir, err)
	}
	return &ix, nil
}

func (s *Saver) writeIndex(dir string, ix *index) error {
	ix.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(ix)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return atomicfile.WriteFile(filepath.Join(dir, indexFile), data, filePerm)
}

func readSnapshot(path string) (*graph.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Save writes snapshot under label and makes it the latest.
func (s *Saver) Save(ctx context.Context, threadID, label string, snapshot *graph.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	dir, err := s.threadDir(threadID)
	if err != nil {
		return err
	}
	name, err := escape(label)
	if err != nil {
		return fmt.Errorf("label: %w", err)
	}
	stored := *snapshot
	stored.ThreadID = threadID
	stored.Label = label
	data, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.readIndex(dir)
	if err != nil {
		return err
	}
	file := name + snapshotExt
	if err := atomicfile.WriteFile(filepath.Join(dir, file), data, filePerm); err != nil {
		return err
	}
	if i := ix.find(label); i >= 0 {
		ix.Snapshots = slices.Delete(ix.Snapshots, i, i+1)
	}
	ix.ThreadID = threadID
	ix.Snapshots = append(ix.Snapshots, indexEntry{Label: label, File: file, SavedAt: time.Now().UTC()})
	return s.writeIndex(dir, ix)
}

// Load returns the snapshot under label, or the newest readable one when
// label is empty.
func (s *Saver) Load(ctx context.Context, threadID, label string) (*graph.Snapshot, error) {
	dir, err := s.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.readIndex(dir)
	if err != nil {
		return nil, err
	}
	if label != "" {
		i := ix.find(label)
		if i < 0 {
			return nil, nil
		}
		snap, err := readSnapshot(filepath.Join(dir, ix.Snapshots[i].File))
		if os.IsNotExist(err) {
			return nil, nil
		}
		return snap, err
	}
	for i := len(ix.Snapshots) - 1; i >= 0; i-- {
		snap, err := readSnapshot(filepath.Join(dir, ix.Snapshots[i].File))
		if err == nil {
			return snap, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Warnw("indexed snapshot is missing", "thread", threadID, "label", ix.Snapshots[i].Label)
	}
	return nil, nil
}

// List returns a thread's labels ordered oldest to newest.
func (s *Saver) List(ctx context.Context, threadID string) ([]string, error) {
	dir, err := s.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.readIndex(dir)
	if err != nil {
		return nil, err
	}
	return ix.labels(), nil
}

// Delete removes one snapshot. The index is updated before the file is
// removed.
func (s *Saver) Delete(ctx context.Context, threadID, label string) error {
	dir, err := s.threadDir(threadID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, err := s.readIndex(dir)
	if err != nil {
		return err
	}
	i := ix.find(label)
	if i < 0 {
		return nil
	}
	file := ix.Snapshots[i].File
	ix.Snapshots = slices.Delete(ix.Snapshots, i, i+1)
	if len(ix.Snapshots) == 0 {
		return os.RemoveAll(dir)
	}
	if err := s.writeIndex(dir, ix); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
