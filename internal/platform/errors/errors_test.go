package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	base := New(CodeLinkConflict, "profile already linked")
	other := Wrap(CodeLinkConflict, "different message", stderrors.New("cause"))

	if !stderrors.Is(other, base) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(New(CodeWriteFailure, "write"), base) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	wrapped := Wrap(CodeWriteFailure, "append message", cause)

	if !stderrors.Is(wrapped, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
}

func TestCodeOf(t *testing.T) {
	cause := New(CodeLookupFailure, "store unreachable")
	wrapped := fmt.Errorf("load profiles: %w", cause)

	if got := CodeOf(wrapped); got != CodeLookupFailure {
		t.Fatalf("CodeOf = %q, want %q", got, CodeLookupFailure)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf plain error = %q, want %q", got, CodeUnknown)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Fatalf("CodeOf nil = %q, want %q", got, CodeUnknown)
	}
}

func TestToGRPCStatus(t *testing.T) {
	err := WithMetadata(CodeRecipientNotFound, "no such participant", map[string]string{
		"profile_id": "abc",
	}).ToGRPCStatus()

	st, ok := status.FromError(err)
	if !ok {
		t.Fatal("expected a gRPC status error")
	}
	if st.Code() != codes.NotFound {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.NotFound)
	}
	if st.Message() != "no such participant" {
		t.Fatalf("status message = %q", st.Message())
	}
	if len(st.Details()) != 1 {
		t.Fatalf("expected one detail, got %d", len(st.Details()))
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want codes.Code
	}{
		{CodeLookupFailure, codes.Unavailable},
		{CodeWriteFailure, codes.Aborted},
		{CodeLinkConflict, codes.AlreadyExists},
		{CodeSessionRequired, codes.Unauthenticated},
		{CodeMessageEmptyContent, codes.InvalidArgument},
		{CodeUnknown, codes.Unknown},
	}
	for _, tc := range tests {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("%s.GRPCCode() = %v, want %v", tc.code, got, tc.want)
		}
	}
}
