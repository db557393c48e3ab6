package server

import (
	"context"
	"errors"
	"net/http"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// statusFromError maps a ledger error onto a gRPC status.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	switch {
	case errors.Is(err, ingestion.ErrMalformedCommand), errors.Is(err, core.ErrInvalidCommand):
		return codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, core.ErrRunnerStopped):
		return codes.Unavailable
	}

	switch core.RejectReason(err) {
	case "duplicate":
		return codes.AlreadyExists
	case "authorization":
		return codes.PermissionDenied
	case "not_found":
		return codes.NotFound
	case "transfer":
		return codes.Aborted
	case "arithmetic", "unrecoverable":
		return codes.Internal
	default:
		// in_progress and every other domain precondition
		return codes.FailedPrecondition
	}
}

// httpStatus is the HTTP equivalent of a gRPC code, as grpc-gateway maps it.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
