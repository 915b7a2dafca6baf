package server

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/ingestion"
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errNotFound        = errors.New("not found")
	errNoQueries       = errors.New("history queries unavailable: service runs without postgres")
	errUnauthenticated = errors.New("request is not signed")
)

// errorCode maps an error to its HTTP status and gRPC code.
func errorCode(err error) (int, codes.Code) {
	var upkeep *core.UpkeepNotNeededError
	switch {
	case errors.Is(err, ingestion.ErrDepositUnverified):
		return http.StatusPaymentRequired, codes.PermissionDenied
	case errors.Is(err, core.ErrInsufficientPayment),
		errors.Is(err, core.ErrInvalidRandomWords),
		errors.Is(err, core.ErrInvalidCommand):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.As(err, &upkeep),
		errors.Is(err, core.ErrRoundNotOpen),
		errors.Is(err, core.ErrRoundNotCalculating),
		errors.Is(err, core.ErrRequestNotExpired):
		return http.StatusConflict, codes.FailedPrecondition
	case errors.Is(err, core.ErrDuplicateCommand):
		return http.StatusConflict, codes.AlreadyExists
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden, codes.PermissionDenied
	case errors.Is(err, errUnauthenticated),
		errors.Is(err, auth.ErrBadPrincipal),
		errors.Is(err, auth.ErrBadSignature):
		return http.StatusUnauthorized, codes.Unauthenticated
	case errors.Is(err, core.ErrUnknownRequest),
		errors.Is(err, errNotFound):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, core.ErrNotInitialized),
		errors.Is(err, core.ErrSequencerStopped),
		errors.Is(err, core.ErrNotDurable),
		errors.Is(err, errNoQueries):
		return http.StatusServiceUnavailable, codes.Unavailable
	case errors.Is(err, core.ErrRefundTransferFailed),
		errors.Is(err, core.ErrPrizeTransferFailed),
		errors.Is(err, core.ErrFeesTransferFailed),
		errors.Is(err, core.ErrRandomnessRequestFailed):
		return http.StatusBadGateway, codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return 499, codes.Canceled
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}

// grpcError converts a service error into a gRPC status error.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	_, code := errorCode(err)
	return status.Error(code, err.Error())
}

// errorKind is the metric label for a failed call.
func errorKind(err error) string {
	if errors.Is(err, ingestion.ErrDepositUnverified) {
		return "unfunded"
	}
	if errors.Is(err, errUnauthenticated) || errors.Is(err, auth.ErrBadSignature) || errors.Is(err, auth.ErrBadPrincipal) {
		return "unauthenticated"
	}
	return core.RejectReason(err)
}
