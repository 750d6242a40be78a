// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxxmpp/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "fluxxmpp"

// InitProvider registers the global tracer and meter providers, exporting
// over OTLP/gRPC to cfg.Server.MetricsAddr. The returned function flushes
// and stops both.
func InitProvider(cfg *config.Config, instanceID string) (func(context.Context) error, error) {
	ctx := context.Background()
	srv := cfg.Server

	res, err := newResource(ctx, srv, cfg.XMPP.Domain, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	if srv.OtelTracesEnabled {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(srv.MetricsAddr),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(30*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(sampler(srv.OtelTraceSampleRate)),
			trace.WithBatcher(exporter,
				trace.WithMaxExportBatchSize(512),
				trace.WithBatchTimeout(5*time.Second),
			),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	} else {
		// Resume spans cost nothing when tracing is off.
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if srv.OtelMetricsEnabled {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(srv.MetricsAddr),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithTimeout(30*time.Second),
		)
		if err != nil {
			shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(10*time.Second))),
		)
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}

func newResource(ctx context.Context, srv config.ServerConfig, domain, instanceID string) (*resource.Resource, error) {
	name := srv.OtelServiceName
	if name == "" {
		name = defaultServiceName
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(srv.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(instanceID),
			attribute.String("xmpp.domain", domain),
		),
	)
}

// sampler honours the parent's decision and samples root spans at rate.
func sampler(rate float64) trace.Sampler {
	switch {
	case rate >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case rate <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(rate))
	}
}
