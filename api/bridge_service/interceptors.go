package bridgeservice

import (
	"context"

	internaltelemetry "github.com/sushant-115/txbridge/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitInterceptor rejects calls beyond rps per second (with the given
// burst) with ResourceExhausted. A non-positive rps disables the limit.
func RateLimitInterceptor(rps float64, burst int) grpc.UnaryServerInterceptor {
	if rps <= 0 {
		return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			return handler(ctx, req)
		}
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !limiter.Allow() {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// TelemetryInterceptor records RPC metrics and a span around every call.
func TelemetryInterceptor(rec *internaltelemetry.RPCRecorder, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span, start := rec.StartMetricsAndTrace(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		code := status.Code(err)
		rec.EndMetricsAndTrace(ctx, span, start, info.FullMethod, code.String())
		if err != nil && code != codes.FailedPrecondition && code != codes.Aborted {
			logger.Warn("RPC failed", zap.String("method", info.FullMethod), zap.String("code", code.String()), zap.Error(err))
		}
		return resp, err
	}
}
