package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/baaaht/pktrelay/pkg/types"
)

var codeToGRPC = map[string]codes.Code{
	types.ErrCodeNotFound:           codes.NotFound,
	types.ErrCodeAlreadyExists:      codes.AlreadyExists,
	types.ErrCodeInvalidArgument:    codes.InvalidArgument,
	types.ErrCodeInvalid:            codes.InvalidArgument,
	types.ErrCodeFailedPrecondition: codes.FailedPrecondition,
	types.ErrCodeResourceExhausted:  codes.ResourceExhausted,
	types.ErrCodeUnavailable:        codes.Unavailable,
	types.ErrCodeTimeout:            codes.DeadlineExceeded,
	types.ErrCodeCanceled:           codes.Canceled,
	types.ErrCodeInternal:           codes.Internal,
}

var grpcToCode = map[codes.Code]string{
	codes.NotFound:           types.ErrCodeNotFound,
	codes.AlreadyExists:      types.ErrCodeAlreadyExists,
	codes.InvalidArgument:    types.ErrCodeInvalidArgument,
	codes.FailedPrecondition: types.ErrCodeFailedPrecondition,
	codes.ResourceExhausted:  types.ErrCodeResourceExhausted,
	codes.Unavailable:        types.ErrCodeUnavailable,
	codes.DeadlineExceeded:   types.ErrCodeTimeout,
	codes.Canceled:           types.ErrCodeCanceled,
}

// ToGRPCStatus converts a pktrelay error to a gRPC status.
// Errors without a known code are reported as Internal without details.
func ToGRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	}
	if code, ok := codeToGRPC[types.GetErrorCode(err)]; ok {
		return status.New(code, err.Error())
	}
	return status.New(codes.Internal, "internal error")
}

// ToGRPCError converts a pktrelay error to a gRPC error.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	return ToGRPCStatus(err).Err()
}

// FromGRPCError converts an RPC failure back into a *types.Error so callers
// can test codes with types.IsErrCode regardless of transport.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return types.WrapError(types.ErrCodeInternal, "rpc failed", err)
	}
	code, known := grpcToCode[st.Code()]
	if !known {
		code = types.ErrCodeInternal
	}
	return types.WrapError(code, st.Message(), err)
}
