package contract

import (
	"errors"
	"fmt"

	"github.com/seantiz/simproxy/internal/codec"
)

// Error kinds carried in codec.ErrorDescriptor.
const (
	KindEngine               = "engine"
	KindUnsupportedOperation = "unsupported_operation"
	KindBadArguments         = "bad_arguments"
	KindCodec                = "codec"
	KindPanic                = "panic"
	KindNotFound             = "not_found"
)

var (
	// ErrUnsupportedOperation is returned by the worker for names outside
	// the operation table or extensions its engine does not implement.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrNotSupported is returned by the proxy, before any network traffic,
	// for names outside the operation table.
	ErrNotSupported = errors.New("operation not supported")

	// ErrBadArguments reports arguments that do not match an operation's
	// declared parameters.
	ErrBadArguments = errors.New("bad arguments")

	// ErrNotFound is returned by engines for unknown dataset or entity ids.
	ErrNotFound = errors.New("not found")
)

// Kinded is implemented by engine errors that declare their own kind.
type Kinded interface {
	Kind() string
}

// RemoteError is an error raised on the worker and decoded by the proxy.
// It matches the sentinel for its kind via errors.Is.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

// Is maps well-known kinds onto their sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == ErrNotFound
	case KindUnsupportedOperation:
		return target == ErrUnsupportedOperation
	case KindBadArguments:
		return target == ErrBadArguments
	case KindCodec:
		return target == codec.ErrCodec
	}
	return false
}

// FromDescriptor converts a wire error descriptor into a RemoteError.
func FromDescriptor(d codec.ErrorDescriptor) *RemoteError {
	return &RemoteError{Kind: d.Kind, Message: d.Message}
}

// KindOf classifies err for the wire.
func KindOf(err error) string {
	var k Kinded
	if errors.As(err, &k) && k.Kind() != "" {
		return k.Kind()
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnsupportedOperation):
		return KindUnsupportedOperation
	case errors.Is(err, ErrBadArguments):
		return KindBadArguments
	case errors.Is(err, codec.ErrCodec):
		return KindCodec
	}
	return KindEngine
}

// Descriptor builds the wire descriptor for err.
func Descriptor(err error) codec.ErrorDescriptor {
	return codec.ErrorDescriptor{Kind: KindOf(err), Message: err.Error()}
}

// UnsupportedError reports a name the worker cannot dispatch.
type UnsupportedError struct {
	Op string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported operation %q", e.Op)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupportedOperation }

// NotSupportedError reports a name rejected at the proxy boundary.
type NotSupportedError struct {
	Op string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("operation %q is not part of capability contract v%s", e.Op, Version)
}

func (e *NotSupportedError) Is(target error) bool { return target == ErrNotSupported }

func badArgs(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrBadArguments, fmt.Sprintf(format, args...))
}
