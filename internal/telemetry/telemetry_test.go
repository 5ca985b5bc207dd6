//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// stubSpan records the attributes set on it and forwards everything else to
// a noop span.
type stubSpan struct {
	trace.Span
	attrs map[attribute.Key]attribute.Value
}

func (s *stubSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
	s.Span.SetAttributes(kv...)
}

func newStubSpan() *stubSpan {
	_, baseSpan := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "test")
	return &stubSpan{Span: baseSpan, attrs: make(map[attribute.Key]attribute.Value)}
}

func TestSpanNameHelpers(t *testing.T) {
	if got := NewNodeSpanName("plan"); got != "graph.node plan" {
		t.Fatalf("NewNodeSpanName got %q", got)
	}
	if got := NewNodeSpanName(""); got != "graph.node" {
		t.Fatalf("NewNodeSpanName empty got %q", got)
	}
	if got := NewSpawnSpanName("researcher"); got != "subagent.spawn researcher" {
		t.Fatalf("NewSpawnSpanName got %q", got)
	}
}

func TestTraceFunctions(t *testing.T) {
	span := newStubSpan()
	TraceNode(span, "thread-1", "plan", "custom", 2)
	require.Equal(t, "plan", span.attrs[attribute.Key(KeyNodeID)].AsString())
	require.Equal(t, int64(2), span.attrs[attribute.Key(KeyAttempt)].AsInt64())

	TraceRunResult(span, "completed", 4)
	require.Equal(t, "completed", span.attrs[attribute.Key(KeyStatus)].AsString())
	require.Equal(t, int64(4), span.attrs[attribute.Key(KeyStepCount)].AsInt64())

	TraceSpawn(span, "agent-1", "researcher", true)
	require.Equal(t, "agent-1", span.attrs[attribute.Key(KeyAgentID)].AsString())
	require.True(t, span.attrs[attribute.Key(KeyBackground)].AsBool())
}

// TestNewConn_Lazy ensures a lazily dialled connection is returned for an
// address that is never contacted.
func TestNewConn_Lazy(t *testing.T) {
	conn, err := NewConn("localhost:4317")
	if err != nil {
		t.Fatalf("did not expect error, got %v", err)
	}
	if conn == nil {
		t.Fatalf("expected non-nil connection")
	}
	_ = conn.Close()
}
