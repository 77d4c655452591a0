// Package codec turns messages into frames and frames back into JSON payloads.
//
// It sits on top of the protocol package: protocol knows only about length
// prefixes, codec adds the UTF-8 JSON payload rule. Both sides of a connection
// use the same Codec.
package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"lucid-rpc/protocol"
)

// SyntaxError reports a complete frame whose payload is not UTF-8 JSON.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("codec: malformed payload: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Codec is stateless apart from its frame size ceiling.
// The zero value imposes no ceiling.
type Codec struct {
	MaxFrameSize uint32
}

// Default is the codec used when none is configured.
var Default = &Codec{}

// Encode marshals v as JSON into a frame body.
func (c *Codec) Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if c.MaxFrameSize > 0 && uint64(len(body)) > uint64(c.MaxFrameSize) {
		return nil, fmt.Errorf("%w: %d > %d", protocol.ErrFrameTooLarge, len(body), c.MaxFrameSize)
	}
	return body, nil
}

// WriteMessage encodes v and writes it as one frame.
// Callers sharing w across goroutines must serialize calls.
func (c *Codec) WriteMessage(w io.Writer, v any) error {
	body, err := c.Encode(v)
	if err != nil {
		return err
	}
	return protocol.Encode(w, body)
}

// ReadMessage blocks for one frame and checks that it holds UTF-8 JSON.
// Framing failures are returned as-is; a bad payload yields *SyntaxError.
func (c *Codec) ReadMessage(r io.Reader) (json.RawMessage, error) {
	body, err := protocol.DecodeLimit(r, c.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(body) {
		return nil, &SyntaxError{Err: fmt.Errorf("payload is not valid UTF-8")}
	}
	if !json.Valid(body) {
		var probe any
		return nil, &SyntaxError{Err: json.Unmarshal(body, &probe)}
	}
	return body, nil
}
