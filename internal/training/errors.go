package training

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "github.com/tetrix-ml/autotrain/internal/pkg/errors"
)

// ErrorKind buckets every failure the orchestrator can see. The kind is
// persisted on the batch record as error_kind so a failed batch explains
// itself without log archaeology.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindConflict         ErrorKind = "conflict"
	KindTransientService ErrorKind = "transient_service"
	KindTerminalService  ErrorKind = "terminal_service"
	KindTimedOut         ErrorKind = "timed_out"
)

// ErrTimedOut marks an operation that exceeded its poll timeout. The poller
// reports it; whether that fails the batch is the orchestrator's call.
var ErrTimedOut = errors.New("operation timed out")

type ServiceError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

func Validationf(format string, args ...any) *ServiceError {
	return &ServiceError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Transient(msg string, cause error) *ServiceError {
	return &ServiceError{Kind: KindTransientService, Message: msg, cause: cause}
}

func Terminal(msg string, cause error) *ServiceError {
	return &ServiceError{Kind: KindTerminalService, Message: msg, cause: cause}
}

// FromRPC classifies a remote call failure into the transient/terminal split
// the retry loop keys off. Unknown shapes count as transient so a flaky
// network path gets its bounded retries.
func FromRPC(msg string, err error) *ServiceError {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
			codes.Unauthenticated, codes.NotFound, codes.AlreadyExists,
			codes.OutOfRange, codes.Unimplemented:
			return Terminal(msg, err)
		}
	}
	return Transient(msg, err)
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTimedOut) {
		return KindTimedOut
	}
	if errors.Is(err, apperrors.ErrConflict) {
		return KindConflict
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransientService
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransientService
}

func IsTimedOut(err error) bool {
	return errors.Is(err, ErrTimedOut)
}
