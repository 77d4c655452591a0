// Package protocol implements the length-prefixed frame format of lucid-rpc.
//
// A TCP stream has no message boundaries, so every message is preceded by a
// 4-byte length prefix. The receiver reads the prefix first, then reads
// exactly that many payload bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬────────────────────────┐
//	│ bodyLen │        body ...        │
//	│ uint32  │  bodyLen bytes (UTF-8) │
//	└─────────┴────────────────────────┘
//
// The prefix is big-endian (network byte order). The frame format is the same
// on both sides and in both directions.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured ceiling.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// FrameError reports a stream that closed in the middle of a frame.
type FrameError struct {
	Stage string // "prefix" or "payload"
	Want  int    // bytes expected for this stage
	Got   int    // bytes actually read
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("protocol: stream closed mid-%s (read %d of %d bytes): %v", e.Stage, e.Got, e.Want, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Encode writes a complete frame (prefix + body) to w in a single Write.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, body []byte) error {
	if uint64(len(body)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r with no size ceiling.
func Decode(r io.Reader) ([]byte, error) {
	return DecodeLimit(r, 0)
}

// DecodeLimit reads one frame from r. A limit of 0 means unlimited.
//
// A stream that ends cleanly before the first prefix byte returns io.EOF.
// A stream that ends after that returns a *FrameError.
func DecodeLimit(r io.Reader, limit uint32) ([]byte, error) {
	// Step 1: Read the fixed 4-byte prefix
	prefix := make([]byte, HeaderSize)
	if n, err := io.ReadFull(r, prefix); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &FrameError{Stage: "prefix", Want: HeaderSize, Got: n, Err: unexpected(err)}
	}

	bodyLen := binary.BigEndian.Uint32(prefix)
	if limit > 0 && bodyLen > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, bodyLen, limit)
	}

	// Step 2: Read exactly bodyLen bytes
	body := make([]byte, bodyLen)
	if n, err := io.ReadFull(r, body); err != nil {
		return nil, &FrameError{Stage: "payload", Want: int(bodyLen), Got: n, Err: unexpected(err)}
	}
	return body, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
