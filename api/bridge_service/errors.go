package bridgeservice

import (
	"context"
	"errors"

	"github.com/sushant-115/txbridge/core/dberror"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain tags the ErrorInfo detail attached to every failed call.
const ErrorDomain = "txbridge"

var kindCodes = map[string]codes.Code{
	"AlreadyInProgress":   codes.FailedPrecondition,
	"NoneInProgress":      codes.FailedPrecondition,
	"OperationInProgress": codes.Aborted,
	"PermissionDenied":    codes.PermissionDenied,
	"ClosedResource":      codes.NotFound,
	"ConversionError":     codes.InvalidArgument,
	"TypeNotFound":        codes.NotFound,
	"InvalidQuery":        codes.InvalidArgument,
	"SessionNotFound":     codes.NotFound,
	"StoreError":          codes.Internal,
}

var kindErrors = map[string]error{
	"AlreadyInProgress":   dberror.ErrAlreadyInProgress,
	"NoneInProgress":      dberror.ErrNoneInProgress,
	"OperationInProgress": dberror.ErrOperationInProgress,
	"PermissionDenied":    dberror.ErrPermissionDenied,
	"ClosedResource":      dberror.ErrClosedResource,
	"ConversionError":     dberror.ErrConversion,
	"TypeNotFound":        dberror.ErrTypeNotFound,
	"InvalidQuery":        dberror.ErrInvalidQuery,
	"SessionNotFound":     dberror.ErrSessionNotFound,
	"StoreError":          dberror.ErrStore,
}

// toStatus converts a worker error into a gRPC status carrying the error kind
// as an ErrorInfo reason.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Unknown
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	kind := dberror.Kind(err)
	if c, ok := kindCodes[kind]; ok {
		code = c
	}
	st := status.New(code, err.Error())
	withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: kind, Domain: ErrorDomain})
	if derr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// FromStatus restores the worker error kind of a failed call, so callers can
// match it with errors.Is. Errors without a known kind are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != ErrorDomain {
			continue
		}
		if sentinel, ok := kindErrors[info.GetReason()]; ok {
			return &remoteError{sentinel: sentinel, st: st}
		}
	}
	return err
}

// remoteError matches its sentinel and keeps the status reachable.
type remoteError struct {
	sentinel error
	st       *status.Status
}

func (e *remoteError) Error() string              { return e.st.Message() }
func (e *remoteError) Unwrap() error              { return e.sentinel }
func (e *remoteError) GRPCStatus() *status.Status { return e.st }
