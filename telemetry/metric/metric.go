//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package metric holds the meter used for graph and sub-agent counters. It
// is a no-op until Start installs an OpenTelemetry SDK provider.
package metric

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "trpc.group/trpc-go/trpc-agent-graph/internal/telemetry"
)

// Meter is the global OpenTelemetry meter. Instruments are created from it
// when an executor or bridge is constructed, so Start must run first for
// them to be exported.
var Meter metric.Meter = noopm.Meter{}

// Option configures Start.
type Option func(*options)

type options struct {
	endpoint    string
	protocol    string
	serviceName string
	reader      sdkmetric.Reader
}

// WithEndpoint sets the collector host:port. OTEL_EXPORTER_OTLP_METRICS_ENDPOINT
// and OTEL_EXPORTER_OTLP_ENDPOINT are consulted when unset.
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.endpoint = endpoint
	}
}

// WithProtocol selects "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(opts *options) {
		opts.serviceName = name
	}
}

// WithReader collects into r instead of a periodic OTLP exporter.
func WithReader(r sdkmetric.Reader) Option {
	return func(opts *options) {
		opts.reader = r
	}
}

// Start installs a meter provider and replaces Meter. The returned func
// flushes and restores the previous Meter.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	options := &options{
		protocol:    itelemetry.ProtocolGRPC,
		serviceName: itelemetry.ServiceName,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.endpoint == "" {
		options.endpoint = metricsEndpoint(options.protocol)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNamespace(itelemetry.ServiceNamespace),
		semconv.ServiceName(options.serviceName),
		semconv.ServiceVersion(itelemetry.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := options.reader
	if reader == nil {
		exp, err := newExporter(ctx, options)
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	previous := Meter
	Meter = provider.Meter(itelemetry.InstrumentName)
	return func() error {
		Meter = previous
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

func newExporter(ctx context.Context, opts *options) (sdkmetric.Exporter, error) {
	switch opts.protocol {
	case itelemetry.ProtocolHTTP:
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP metrics exporter: %w", err)
		}
		return exp, nil
	case itelemetry.ProtocolGRPC:
		conn, err := itelemetry.NewConn(opts.endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics connection: %w", err)
		}
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported metric protocol %q", opts.protocol)
	}
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == itelemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}
