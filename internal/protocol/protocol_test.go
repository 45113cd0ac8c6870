// ABOUTME: Tests for message encoding, decoding, and newline framing.
// ABOUTME: Covers round-trips for every variant and chunk-boundary splits.

package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	info := &SystemInfo{
		Hostname:        "vps-01",
		Platform:        "linux",
		PlatformVersion: "6.1.0",
		RuntimeVersion:  "go1.25.5",
		ClientID:        "3f6c1f6e-9f1f-4d55-9c34-8c6f6f1e2ab0",
		IPAddress:       "10.0.0.7",
	}

	cases := []struct {
		name string
		msg  *Message
	}{
		{"registration", NewRegistration(info, "")},
		{"registration with token", NewRegistration(info, "secret-token")},
		{"command", NewCommand("cmd-1", "uname -a")},
		{"command_result", NewCommandResult("cmd-1", &Result{
			Status:   StatusSuccess,
			ExitCode: 0,
			Stdout:   "Linux vps-01\n",
			Cwd:      "/root",
		})},
		{"command_result error", NewCommandResult("cmd-2", &Result{
			Status: StatusError,
			Error:  "Command timed out after 60 seconds",
			Cwd:    "/root",
		})},
		{"command_request", NewCommandRequest("req-1", "whoami")},
		{"command_response", NewCommandResponse("req-1", &Result{
			Status: StatusSuccess, Stdout: "operator\n", Cwd: "/home/operator",
		})},
		{"ping", NewPing(1756300000.25)},
		{"pong", NewPong(1756300000.25)},
		{"chat", NewChat("hello from vps-01", "vps-01 (3f6c1f6e)", 1756300001)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)
			require.Equal(t, byte('\n'), data[len(data)-1], "frame must end with delimiter")
			assert.NotContains(t, string(data[:len(data)-1]), "\n",
				"payload must not contain a raw newline")

			decoded, err := Decode(data[:len(data)-1])
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"invalid utf-8", []byte{0xff, 0xfe, '{', '}'}, ErrInvalidUTF8},
		{"invalid json", []byte(`{"type":`), ErrInvalidJSON},
		{"missing type", []byte(`{"command":"ls"}`), ErrMissingType},
		{"unknown type", []byte(`{"type":"teleport"}`), ErrUnknownType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

// chunkReader returns data in fixed-size pieces to exercise arbitrary TCP
// segment boundaries.
type chunkReader struct {
	data  []byte
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestFrameReaderConcatenatedFrames(t *testing.T) {
	first, err := Encode(NewCommand("a", "echo one"))
	require.NoError(t, err)
	second, err := Encode(NewCommand("b", "echo two"))
	require.NoError(t, err)
	stream := append(append([]byte{}, first...), second...)

	// Every chunk size must yield the same two frames in order.
	for _, chunk := range []int{1, 2, 3, 7, 16, len(stream)} {
		fr := NewFrameReader(&chunkReader{data: append([]byte{}, stream...), chunk: chunk}, 0)

		f1, err := fr.Next()
		require.NoError(t, err, "chunk=%d", chunk)
		m1, err := Decode(f1)
		require.NoError(t, err)
		assert.Equal(t, "echo one", m1.Command)

		f2, err := fr.Next()
		require.NoError(t, err, "chunk=%d", chunk)
		m2, err := Decode(f2)
		require.NoError(t, err)
		assert.Equal(t, "echo two", m2.Command)

		_, err = fr.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestFrameReaderPreservesRemainderAcrossReads(t *testing.T) {
	// One read delivers a full frame plus the start of the next.
	fr := NewFrameReader(bytes.NewReader([]byte("{\"type\":\"ping\"}\n{\"type\":\"po")), 0)

	f1, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(f1))

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, len(`{"type":"po`), fr.Buffered())
}

func TestFrameReaderTooLarge(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 256)
	fr := NewFrameReader(bytes.NewReader(big), 64)

	_, err := fr.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameReaderResumesAfterReaderError(t *testing.T) {
	// A transient error (a read deadline in production) must not discard the
	// partial frame already buffered.
	transient := errors.New("i/o timeout")
	r := &scriptedReader{steps: []scriptedStep{
		{data: []byte(`{"type":"pi`)},
		{err: transient},
		{data: []byte("ng\"}\n")},
	}}
	fr := NewFrameReader(r, 0)

	_, err := fr.Next()
	require.ErrorIs(t, err, transient)

	frame, err := fr.Next()
	require.NoError(t, err)
	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
}

type scriptedStep struct {
	data []byte
	err  error
}

type scriptedReader struct {
	steps []scriptedStep
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.steps) == 0 {
		return 0, io.EOF
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return 0, step.err
	}
	n := copy(p, step.data)
	return n, nil
}
