// ABOUTME: Encodes and decodes wire messages as newline-delimited JSON frames.
// ABOUTME: Decode failures are per-message protocol errors, never connection-fatal.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Decode errors. Callers log these and keep reading; only the framing layer
// (see FrameReader) can declare a connection unusable.
var (
	ErrInvalidUTF8     = errors.New("frame is not valid UTF-8")
	ErrInvalidJSON     = errors.New("frame is not valid JSON")
	ErrMissingType     = errors.New("frame has no type field")
	ErrUnknownType     = errors.New("unknown message type")
	ErrEmbeddedNewline = errors.New("message encodes with embedded newline")
)

// Encode serializes a message to a single JSON object followed by exactly one
// newline delimiter. The JSON encoder escapes control characters, so the only
// newline byte in the output is the trailing delimiter; the check is kept as
// an invariant guard.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	for _, b := range data {
		if b == '\n' {
			return nil, ErrEmbeddedNewline
		}
	}
	return append(data, '\n'), nil
}

// Decode parses one frame (without its trailing delimiter) into a Message.
func Decode(frame []byte) (*Message, error) {
	if !utf8.Valid(frame) {
		return nil, ErrInvalidUTF8
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if msg.Type == "" {
		return nil, ErrMissingType
	}
	if !knownTypes[msg.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	return &msg, nil
}
