package rpc

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
)

// ErrorDomain tags ErrorInfo details produced by this service.
const ErrorDomain = "x402.org"

// Metadata keys carried by INSUFFICIENT_VALUE / EXCESS_VALUE details.
const (
	MetaExpected = "expected"
	MetaActual   = "actual"
)

// toStatus converts a ledger rejection into a gRPC status with an ErrorInfo
// detail naming the stable reason. Unknown errors become Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return status.Error(codes.Unauthenticated, err.Error())
	}

	reason := ledger.Reason(err)
	if reason == "" {
		return status.Error(codes.Internal, "internal error")
	}

	var code codes.Code
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, ledger.ErrRequestNotFound):
		code = codes.NotFound
	case errors.Is(err, ledger.ErrAlreadyExecuted), errors.Is(err, ledger.ErrExpired):
		code = codes.FailedPrecondition
	case errors.Is(err, ledger.ErrTransferFailed):
		code = codes.Aborted
	default:
		code = codes.InvalidArgument
	}

	info := &errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}
	var iv *ledger.IncorrectValueError
	if errors.As(err, &iv) {
		info.Metadata = map[string]string{
			MetaExpected: iv.Expected.String(),
			MetaActual:   iv.Actual.String(),
		}
	}
	st, derr := status.New(code, err.Error()).WithDetails(info)
	if derr != nil {
		return status.Error(code, err.Error())
	}
	return st.Err()
}
