package model

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcCodes maps every stable Code to the gRPC status code the (external)
// RPC front-end should return, grounded on the same status-code mapping
// table bpfd's own gRPC service applies over its error enum.
var grpcCodes = map[Code]codes.Code{
	CodeIDInUse:               codes.AlreadyExists,
	CodeTooManyPrograms:       codes.ResourceExhausted,
	CodeInvalidInterface:      codes.InvalidArgument,
	CodeSectionNotValid:       codes.InvalidArgument,
	CodeDispatcherNotRequired: codes.FailedPrecondition,
	CodeNotAuthorised:         codes.PermissionDenied,
	CodeInvalidID:             codes.NotFound,
	CodeMapInUse:              codes.FailedPrecondition,
	CodeMapGroupMissing:       codes.FailedPrecondition,
	CodeInvalidAttach:         codes.InvalidArgument,
	CodeKretprobeOffsetInvalid: codes.InvalidArgument,
	CodeProbeKindMismatch:     codes.InvalidArgument,
	CodePinProgramFailed:      codes.Internal,
	CodePinLinkFailed:         codes.Internal,
	CodeBytecodeError:         codes.InvalidArgument,
	CodeLoadFailed:            codes.Internal,
	CodeAttachFailed:          codes.Internal,
	CodeInternal:              codes.Internal,
}

// GRPCStatus implements the interface github.com/grpc-ecosystem/go-grpc-middleware
// and grpc's own status package look for on an error, letting an *Error
// returned from the command loop cross the (external) RPC boundary as a
// correctly-coded status.Status without any call site needing to switch
// on Code by hand.
func (e *Error) GRPCStatus() *status.Status {
	code, ok := grpcCodes[e.Code]
	if !ok {
		code = codes.Unknown
	}
	return status.New(code, e.Error())
}
