package grpchealth

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/helioslabs/helios/internal/domain"
	"github.com/helioslabs/helios/internal/logging"
)

// loggingInterceptor records every RPC with its duration. Probes arrive
// on a tight cadence, so successes log at debug and only failures at
// warn.
func loggingInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	duration := time.Since(start)

	if err != nil {
		logging.Op().Warn("grpc request failed",
			"method", info.FullMethod,
			"duration", duration,
			"error", err,
		)
	} else {
		logging.Op().Debug("grpc request completed",
			"method", info.FullMethod,
			"duration", duration,
		)
	}
	return resp, err
}

// errorInterceptor converts failures into gRPC status errors so clients
// see a code instead of an opaque string. Errors that already carry a
// status pass through untouched.
func errorInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	resp, err := handler(ctx, req)
	if err == nil {
		return resp, nil
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}
	return nil, status.Error(statusCode(err), err.Error())
}

// statusCode maps a wire error type to its gRPC code.
func statusCode(err error) codes.Code {
	switch domain.Classify(err) {
	case domain.ErrTypeValidation, domain.ErrTypeMalformedResponse:
		return codes.InvalidArgument
	case domain.ErrTypeAuthentication:
		return codes.Unauthenticated
	case domain.ErrTypeAuthorization:
		return codes.PermissionDenied
	case domain.ErrTypeQuota, domain.ErrTypeRateLimited:
		return codes.ResourceExhausted
	case domain.ErrTypeTimeout:
		return codes.DeadlineExceeded
	case domain.ErrTypeCancelled:
		return codes.Canceled
	case domain.ErrTypeCapacity, domain.ErrTypeCircuitOpen,
		domain.ErrTypeProviderUnavailable, domain.ErrTypeAllRunnersFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
