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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-graph/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-graph/telemetry/trace"
)

func TestStart_Disabled(t *testing.T) {
	tracer, meter := trace.Tracer, metric.Meter
	clean, err := Start(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, clean())
	assert.Equal(t, tracer, trace.Tracer)
	assert.Equal(t, meter, metric.Meter)
}

func TestStart_Enabled(t *testing.T) {
	tracer, meter := trace.Tracer, metric.Meter
	clean, err := Start(context.Background(), Config{
		Enabled:         true,
		TracesEndpoint:  "localhost:4317",
		MetricsEndpoint: "localhost:4317",
		ServiceName:     "graph-test",
	})
	require.NoError(t, err)
	assert.NotEqual(t, tracer, trace.Tracer)
	_ = clean() // no collector is running
	assert.Equal(t, tracer, trace.Tracer)
	assert.Equal(t, meter, metric.Meter)
}

func TestStart_BadProtocol(t *testing.T) {
	tracer := trace.Tracer
	_, err := Start(context.Background(), Config{Enabled: true, Protocol: "udp"})
	assert.Error(t, err)
	assert.Equal(t, tracer, trace.Tracer)
}
