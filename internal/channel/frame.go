package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed frame payload (64 MiB).
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge reports a payload over MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes payload with a 4-byte big-endian length prefix.
// The prefix and payload go out in a single Write so a frame is never split
// between concurrent writers holding the same lock.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: size %d exceeds maximum %d", ErrFrameTooLarge, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}
