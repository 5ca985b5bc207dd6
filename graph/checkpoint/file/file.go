//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package file stores every thread's snapshots in one JSON document. Each
// change rewrites the document atomically.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"trpc.group/trpc-go/trpc-agent-graph/graph"
	"trpc.group/trpc-go/trpc-agent-graph/graph/checkpoint/internal/atomicfile"
)

const documentVersion = 1

type document struct {
	Version int                   `json:"v"`
	Threads map[string]*threadDoc `json:"threads"`
}

type threadDoc struct {
	Order     []string                   `json:"order"`
	Snapshots map[string]*graph.Snapshot `json:"snapshots"`
}

// Saver is a graph.Checkpointer backed by a single JSON file. It is safe
// for concurrent use within one process.
type Saver struct {
	path string
	mu   sync.Mutex
}

// NewSaver returns a saver writing to path. The file is created on the
// first Save.
func NewSaver(path string) (*Saver, error) {
	if path == "" {
		return nil, errors.New("checkpoint file path is empty")
	}
	return &Saver{path: path}, nil
}

// Path returns the backing file.
func (s *Saver) Path() string {
	return s.path
}

func (s *Saver) read() (*document, error) {
	doc := &document{Version: documentVersion, Threads: make(map[string]*threadDoc)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode checkpoint file %s: %w", s.path, err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("checkpoint file %s has unsupported version %d", s.path, doc.Version)
	}
	if doc.Threads == nil {
		doc.Threads = make(map[string]*threadDoc)
	}
	return doc, nil
}

func (s *Saver) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint file: %w", err)
	}
	return atomicfile.WriteFile(s.path, data, 0o600)
}

// Save stores snapshot under label and makes it the latest.
func (s *Saver) Save(ctx context.Context, threadID, label string, snapshot *graph.Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	th, ok := doc.Threads[threadID]
	if !ok {
		th = &threadDoc{Snapshots: make(map[string]*graph.Snapshot)}
		doc.Threads[threadID] = th
	}
	stored := *snapshot
	stored.ThreadID = threadID
	stored.Label = label
	th.Order = append(slices.DeleteFunc(th.Order, func(l string) bool { return l == label }), label)
	th.Snapshots[label] = &stored
	return s.write(doc)
}

// Load returns the snapshot under label, or the latest when label is empty.
func (s *Saver) Load(ctx context.Context, threadID, label string) (*graph.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	th, ok := doc.Threads[threadID]
	if !ok || len(th.Order) == 0 {
		return nil, nil
	}
	if label == "" {
		label = th.Order[len(th.Order)-1]
	}
	return th.Snapshots[label], nil
}

// List returns a thread's labels ordered oldest to newest.
func (s *Saver) List(ctx context.Context, threadID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	if th, ok := doc.Threads[threadID]; ok {
		return th.Order, nil
	}
	return nil, nil
}

// Delete removes one snapshot.
func (s *Saver) Delete(ctx context.Context, threadID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	th, ok := doc.Threads[threadID]
	if !ok {
		return nil
	}
	if _, exists := th.Snapshots[label]; !exists {
		return nil
	}
	delete(th.Snapshots, label)
	th.Order = slices.DeleteFunc(th.Order, func(l string) bool { return l == label })
	if len(th.Order) == 0 {
		delete(doc.Threads, threadID)
	}
	return s.write(doc)
}
