package model

import (
	"testing"

	"google.golang.org/grpc/codes"
)

func TestGRPCStatusMapsKnownCodes(t *testing.T) {
	cases := map[Code]codes.Code{
		CodeIDInUse:      codes.AlreadyExists,
		CodeInvalidID:    codes.NotFound,
		CodeNotAuthorised: codes.PermissionDenied,
		CodeInternal:     codes.Internal,
	}
	for code, want := range cases {
		err := NewError(code, "boom")
		st := err.GRPCStatus()
		if st.Code() != want {
			t.Fatalf("Code %s: expected gRPC code %s, got %s", code, want, st.Code())
		}
	}
}

func TestGRPCStatusUnknownCodeFallsBackToUnknown(t *testing.T) {
	err := &Error{Code: Code("not-a-real-code"), Msg: "boom"}
	if got := err.GRPCStatus().Code(); got != codes.Unknown {
		t.Fatalf("expected codes.Unknown for an unmapped Code, got %s", got)
	}
}

func TestCodeOfExtractsWrappedError(t *testing.T) {
	inner := NewError(CodeMapInUse, "busy")
	wrapped := WrapError(CodeInternal, inner, "outer")
	if got := CodeOf(wrapped); got != CodeInternal {
		t.Fatalf("CodeOf must report the outermost *Error's code, got %s", got)
	}
	if got := CodeOf(inner); got != CodeMapInUse {
		t.Fatalf("CodeOf(inner): got %s", got)
	}
}
