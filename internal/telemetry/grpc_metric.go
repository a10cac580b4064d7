package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// GrpcServerMetrics holds the per-RPC instruments of the bridge service.
type GrpcServerMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

func NewGrpcServerMetrics(meter metric.Meter) (*GrpcServerMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"txbridge.grpc.server.started",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"txbridge.grpc.server.handled",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"txbridge.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"txbridge.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcServerMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// RPCRecorder pairs the RPC instruments with a tracer.
type RPCRecorder struct {
	metrics     *GrpcServerMetrics
	tracer      trace.Tracer
	serviceName string
}

func NewRPCRecorder(metrics *GrpcServerMetrics, tracer trace.Tracer, serviceName string) *RPCRecorder {
	return &RPCRecorder{metrics: metrics, tracer: tracer, serviceName: serviceName}
}

// StartMetricsAndTrace begins the telemetry recording for a gRPC method.
// It returns a new context, the trace span, and the start time.
func (r *RPCRecorder) StartMetricsAndTrace(ctx context.Context, fullMethodName string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("grpc.service", r.serviceName),
		attribute.String("grpc.method", fullMethodName),
	)
	r.metrics.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
	r.metrics.RpcsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := r.tracer.Start(ctx, fullMethodName, trace.WithAttributes(
		attribute.String("grpc.service", r.serviceName),
		attribute.String("grpc.method", fullMethodName),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for a gRPC method.
// code is the gRPC status code name of the outcome.
func (r *RPCRecorder) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, fullMethodName, code string) {
	latency := time.Since(startTime).Milliseconds()

	if code != "OK" {
		span.SetStatus(otelcodes.Error, code)
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	r.metrics.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("grpc.service", r.serviceName),
		attribute.String("grpc.method", fullMethodName),
	))
	attrs := metric.WithAttributes(
		attribute.String("grpc.service", r.serviceName),
		attribute.String("grpc.method", fullMethodName),
		attribute.String("grpc.code", code),
	)
	r.metrics.RpcsHandledCounter.Add(ctx, 1, attrs)
	r.metrics.RpcLatencyHistogram.Record(ctx, latency, attrs)
}
