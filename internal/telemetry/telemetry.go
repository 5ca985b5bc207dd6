//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span names, attribute keys and connection
// helpers shared by the tracing and metric packages.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-agent"
	InstrumentName   = "trpc.agent.graph"

	SpanNameRun           = "graph.run"
	SpanNamePrefixNode    = "graph.node"
	SpanNamePrefixSpawn   = "subagent.spawn"
	SpanNameSpawnParallel = "subagent.spawn_parallel"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

var (
	KeyThreadID   = "trpc.go.agent.graph.thread_id"
	KeyNodeID     = "trpc.go.agent.graph.node_id"
	KeyNodeType   = "trpc.go.agent.graph.node_type"
	KeyAttempt    = "trpc.go.agent.graph.attempt"
	KeyStatus     = "trpc.go.agent.graph.status"
	KeyStepCount  = "trpc.go.agent.graph.step_count"
	KeyAgentID    = "trpc.go.agent.subagent.agent_id"
	KeyAgentName  = "trpc.go.agent.subagent.name"
	KeyToolUses   = "trpc.go.agent.subagent.tool_uses"
	KeyBackground = "trpc.go.agent.subagent.background"
)

// Metric instrument names.
const (
	MetricNodeExecutions = "trpc.agent.graph.node.executions"
	MetricNodeRetries    = "trpc.agent.graph.node.retries"
	MetricRuns           = "trpc.agent.graph.runs"
	MetricSpawns         = "trpc.agent.subagent.spawns"
)

// NewNodeSpanName returns the span name of one node attempt.
func NewNodeSpanName(nodeID string) string {
	return joinName(SpanNamePrefixNode, nodeID)
}

// NewSpawnSpanName returns the span name of one sub-agent session.
func NewSpawnSpanName(name string) string {
	return joinName(SpanNamePrefixSpawn, name)
}

func joinName(prefix, name string) string {
	if name == "" {
		return prefix
	}
	return prefix + " " + name
}

// TraceNode records the identity of a node attempt on span.
func TraceNode(span trace.Span, threadID, nodeID, nodeType string, attempt int) {
	span.SetAttributes(
		attribute.String("gen_ai.system", "trpc.go.agent"),
		attribute.String("gen_ai.operation.name", "graph.node"),
		attribute.String(KeyThreadID, threadID),
		attribute.String(KeyNodeID, nodeID),
		attribute.String(KeyNodeType, nodeType),
		attribute.Int(KeyAttempt, attempt),
	)
}

// TraceRunResult records the outcome of a graph run on span.
func TraceRunResult(span trace.Span, status string, steps int) {
	span.SetAttributes(
		attribute.String(KeyStatus, status),
		attribute.Int(KeyStepCount, steps),
	)
}

// TraceSpawn records a sub-agent session on span.
func TraceSpawn(span trace.Span, agentID, name string, background bool) {
	span.SetAttributes(
		attribute.String("gen_ai.system", "trpc.go.agent"),
		attribute.String("gen_ai.operation.name", "subagent.spawn"),
		attribute.String(KeyAgentID, agentID),
		attribute.String(KeyAgentName, name),
		attribute.Bool(KeyBackground, background),
	)
}

// NewConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewConn(endpoint string) (*grpc.ClientConn, error) {
	// It connects the OpenTelemetry Collector through gRPC connection.
	conn, err := grpc.NewClient(endpoint,
		// Note the use of insecure transport here. TLS is recommended in production.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
