//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides SQLite-based checkpoint storage for graph
// execution state persistence and recovery.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register the sqlite3 driver.

	"trpc.group/trpc-go/trpc-agent-graph/graph"
)

const (
	driverName = "sqlite3"

	sqliteCreateSnapshots = "CREATE TABLE IF NOT EXISTS graph_snapshots (" +
		"thread_id TEXT NOT NULL, " +
		"label TEXT NOT NULL, " +
		"seq INTEGER NOT NULL, " +
		"created_at INTEGER NOT NULL, " +
		"snapshot_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, label)" +
		")"

	sqliteCreateSeqIndex = "CREATE INDEX IF NOT EXISTS idx_graph_snapshots_seq " +
		"ON graph_snapshots (thread_id, seq)"

	// seq is assigned in the same statement so ordering survives
	// concurrent writers on one database.
	sqliteUpsert = "INSERT OR REPLACE INTO graph_snapshots " +
		"(thread_id, label, seq, created_at, snapshot_json) " +
		"SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM graph_snapshots WHERE thread_id = ?"

	sqliteSelectByLabel = "SELECT snapshot_json FROM graph_snapshots " +
		"WHERE thread_id = ? AND label = ? LIMIT 1"

	sqliteSelectLatest = "SELECT snapshot_json FROM graph_snapshots " +
		"WHERE thread_id = ? ORDER BY seq DESC LIMIT 1"

	sqliteSelectLabels = "SELECT label FROM graph_snapshots " +
		"WHERE thread_id = ? ORDER BY seq ASC"

	sqliteDelete       = "DELETE FROM graph_snapshots WHERE thread_id = ? AND label = ?"
	sqliteDeleteThread = "DELETE FROM graph_snapshots WHERE thread_id = ?"
)

// Saver is a SQLite-backed graph.Checkpointer. Snapshots are stored as JSON
// blobs keyed by thread and label.
type Saver struct {
	db     *sql.DB
	ownsDB bool
	// mu serialises writes; SQLite allows a single writer anyway and the
	// driver reports SQLITE_BUSY instead of waiting.
	mu sync.Mutex
}

// NewSaver creates a saver on an initialised DB and creates the schema if
// needed. The DB must use a SQLite driver.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateSnapshots); err != nil {
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	if _, err := db.Exec(sqliteCreateSeqIndex); err != nil {
		return nil, fmt.Errorf("create seq index: %w", err)
	}
	return &Saver{db: db}, nil
}

// Open opens the database file at path and returns a saver owning it.
func Open(path string) (*Saver, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	s, err := NewSaver(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
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
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, sqliteUpsert,
		threadID, label, time.Now().UTC().UnixNano(), data, threadID); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot under label, or the latest when label is empty.
// A missing snapshot yields nil without error.
func (s *Saver) Load(ctx context.Context, threadID, label string) (*graph.Snapshot, error) {
	var row *sql.Row
	if label == "" {
		row = s.db.QueryRowContext(ctx, sqliteSelectLatest, threadID)
	} else {
		row = s.db.QueryRowContext(ctx, sqliteSelectByLabel, threadID, label)
	}
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	var snap graph.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns the thread's labels ordered oldest to newest.
func (s *Saver) List(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectLabels, threadID)
	if err != nil {
		return nil, fmt.Errorf("select labels: %w", err)
	}
	defer rows.Close()
	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

// Delete removes one snapshot. Deleting a missing snapshot is not an error.
func (s *Saver) Delete(ctx context.Context, threadID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, sqliteDelete, threadID, label); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// DeleteThread removes every snapshot of a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThread, threadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// Close releases the database when the saver opened it.
func (s *Saver) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
