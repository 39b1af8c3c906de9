package codec

import (
	"errors"
	"fmt"
)

// ErrCodec matches every error produced by this package via errors.Is.
var ErrCodec = errors.New("codec error")

// CodecError describes a malformed or unencodable value.
type CodecError struct {
	Op     string // "encode" or "decode"
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec: %s: %s", e.Op, e.Reason)
}

// Is reports whether target is ErrCodec.
func (e *CodecError) Is(target error) bool {
	return target == ErrCodec
}

func encodeErr(format string, args ...any) error {
	return &CodecError{Op: "encode", Reason: fmt.Sprintf(format, args...)}
}

func decodeErr(format string, args ...any) error {
	return &CodecError{Op: "decode", Reason: fmt.Sprintf(format, args...)}
}
