package service

import (
	"context"
	"errors"

	"connectrpc.com/connect"

	"github.com/mmynk/splitkeeper/internal/errs"
)

const (
	msgStorage  = "storage unavailable, retry or contact support"
	msgTimeout  = "operation timed out, retry or contact support"
	msgInternal = "internal error, contact support"
)

// toConnectError maps a core error to a connect error. Integrity, state and
// unsupported-operation failures keep their message so the caller can act on
// it; storage failures and timeouts get a generic message and are logged in
// full by the interceptor.
func toConnectError(err error) *connect.Error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.Canceled) {
		return connect.NewError(connect.CodeCanceled, err)
	}

	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case errs.KindIntegrityViolation:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errs.KindStateConflict:
		return connect.NewError(connect.CodeAborted, err)
	case errs.KindUnsupportedOperation:
		return connect.NewError(connect.CodeUnimplemented, err)
	case errs.KindTimeout:
		return connect.NewError(connect.CodeDeadlineExceeded, errors.New(msgTimeout))
	case errs.KindStorageFailure:
		return connect.NewError(connect.CodeUnavailable, errors.New(msgStorage))
	default:
		return connect.NewError(connect.CodeInternal, errors.New(msgInternal))
	}
}

func invalidArgument(msg string) *connect.Error {
	return connect.NewError(connect.CodeInvalidArgument, errors.New(msg))
}
