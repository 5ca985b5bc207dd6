//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry starts tracing and metrics together for a process
// embedding the graph engine.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-agent-graph/telemetry/metric"
	"trpc.group/trpc-go/trpc-agent-graph/telemetry/trace"
)

// Config selects the OTLP collector. Empty endpoints fall back to the
// OTEL_EXPORTER_OTLP_* environment variables.
type Config struct {
	Enabled         bool    `yaml:"enabled" env:"ENABLED"`
	Protocol        string  `yaml:"protocol" env:"PROTOCOL"`
	TracesEndpoint  string  `yaml:"traces_endpoint" env:"TRACES_ENDPOINT"`
	MetricsEndpoint string  `yaml:"metrics_endpoint" env:"METRICS_ENDPOINT"`
	ServiceName     string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio     float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Start installs trace and metric providers according to cfg. A disabled
// config is a no-op whose clean func returns nil.
func Start(ctx context.Context, cfg Config) (clean func() error, err error) {
	if !cfg.Enabled {
		return func() error { return nil }, nil
	}
	traceOpts := []trace.Option{trace.WithSampleRatio(cfg.SampleRatio)}
	metricOpts := []metric.Option{}
	if cfg.Protocol != "" {
		traceOpts = append(traceOpts, trace.WithProtocol(cfg.Protocol))
		metricOpts = append(metricOpts, metric.WithProtocol(cfg.Protocol))
	}
	if cfg.TracesEndpoint != "" {
		traceOpts = append(traceOpts, trace.WithEndpoint(cfg.TracesEndpoint))
	}
	if cfg.MetricsEndpoint != "" {
		metricOpts = append(metricOpts, metric.WithEndpoint(cfg.MetricsEndpoint))
	}
	if cfg.ServiceName != "" {
		traceOpts = append(traceOpts, trace.WithServiceName(cfg.ServiceName))
		metricOpts = append(metricOpts, metric.WithServiceName(cfg.ServiceName))
	}

	cleanTrace, err := trace.Start(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("start tracing: %w", err)
	}
	cleanMetric, err := metric.Start(ctx, metricOpts...)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("start metrics: %w", err), cleanTrace())
	}
	return func() error {
		return errors.Join(cleanTrace(), cleanMetric())
	}, nil
}
