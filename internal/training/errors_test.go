package training

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
)

func TestFromRPC_ClassifiesGRPCCodes(t *testing.T) {
	terminalCodes := []codes.Code{
		codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
		codes.Unauthenticated, codes.NotFound, codes.AlreadyExists,
		codes.OutOfRange, codes.Unimplemented,
	}
	for _, code := range terminalCodes {
		se := FromRPC("call", status.Error(code, "nope"))
		if se.Kind != KindTerminalService {
			t.Fatalf("code %s: expected terminal, got %s", code, se.Kind)
		}
	}

	transientCodes := []codes.Code{
		codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Internal, codes.Aborted, codes.Unknown,
	}
	for _, code := range transientCodes {
		se := FromRPC("call", status.Error(code, "later"))
		if se.Kind != KindTransientService {
			t.Fatalf("code %s: expected transient, got %s", code, se.Kind)
		}
	}
}

func TestFromRPC_PlainErrorIsTransient(t *testing.T) {
	se := FromRPC("call", errors.New("connection reset"))
	if se.Kind != KindTransientService {
		t.Fatalf("expected transient for unknown error shape, got %s", se.Kind)
	}
}

func TestFromRPC_NilIsNil(t *testing.T) {
	if se := FromRPC("call", nil); se != nil {
		t.Fatalf("expected nil, got %v", se)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{fmt.Errorf("await op after 2h: %w", ErrTimedOut), KindTimedOut},
		{apperrors.ErrConflict, KindConflict},
		{Validationf("bad input"), KindValidation},
		{Terminal("denied", nil), KindTerminalService},
		{Transient("blip", nil), KindTransientService},
		{errors.New("anything else"), KindTransientService},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.kind {
			t.Fatalf("KindOf(%v): expected %s, got %s", c.err, c.kind, got)
		}
	}
	if KindOf(nil) != "" {
		t.Fatalf("KindOf(nil) must be empty")
	}
}

func TestServiceError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("root cause")
	se := Transient("wrapped", cause)
	if !errors.Is(se, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}
