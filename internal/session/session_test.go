// ABOUTME: Tests for the session receive loop, send serialization, and teardown.

package session

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// startSession wires a session over one end of a pipe and runs its read loop,
// collecting decoded messages.
func startSession(t *testing.T, opts Options) (*Session, net.Conn, <-chan *protocol.Message, <-chan struct{}) {
	t.Helper()
	local, remote := net.Pipe()

	msgs := make(chan *protocol.Message, 16)
	done := make(chan struct{})

	s := New(local, opts)
	go func() {
		defer close(done)
		s.ReadLoop(func(_ *Session, m *protocol.Message) {
			msgs <- m
		})
	}()

	t.Cleanup(func() {
		s.Close()
		remote.Close()
	})
	return s, remote, msgs, done
}

func TestReadLoopDispatchesMessages(t *testing.T) {
	_, remote, msgs, _ := startSession(t, Options{ReadTimeout: time.Second, OnIdle: keepAlive})

	frame, err := protocol.Encode(protocol.NewCommand("c1", "uptime"))
	require.NoError(t, err)
	_, err = remote.Write(frame)
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.Equal(t, protocol.TypeCommand, m.Type)
		assert.Equal(t, "c1", m.CommandID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
}

func TestReadLoopSurvivesBadFrame(t *testing.T) {
	_, remote, msgs, _ := startSession(t, Options{ReadTimeout: time.Second, OnIdle: keepAlive})

	// Garbage, a blank line, then a valid frame: only the valid one arrives.
	_, err := remote.Write([]byte("this is not json\n  \n"))
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.NewPing(1))
	require.NoError(t, err)
	_, err = remote.Write(frame)
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.Equal(t, protocol.TypePing, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not survive the bad frame")
	}
}

func TestPeerCloseIsTerminal(t *testing.T) {
	var closes atomic.Int32
	_, remote, _, done := startSession(t, Options{
		ReadTimeout: time.Second,
		OnIdle:      keepAlive,
		OnClose:     func(*Session) { closes.Add(1) },
	})

	remote.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit on peer close")
	}
	assert.Equal(t, int32(1), closes.Load(), "teardown callback fires exactly once")
}

func TestCloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	s, _, _, done := startSession(t, Options{
		ReadTimeout: time.Second,
		OnIdle:      keepAlive,
		OnClose:     func(*Session) { closes.Add(1) },
	})

	s.Close()
	s.Close()
	<-done
	assert.Equal(t, int32(1), closes.Load())
	assert.True(t, s.IsClosed())
	assert.ErrorIs(t, s.Send(protocol.NewPing(1)), ErrSessionClosed)
}

func TestIdleProbeRunsOnReadTimeout(t *testing.T) {
	var probes atomic.Int32
	_, _, _, done := startSession(t, Options{
		ReadTimeout: 50 * time.Millisecond,
		OnIdle: func(*Session) bool {
			// Allow two probes, then declare the peer dead.
			return probes.Add(1) < 3
		},
	})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after probe gave up")
	}
	assert.Equal(t, int32(3), probes.Load())
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	s, remote, _, _ := startSession(t, Options{ReadTimeout: time.Second, OnIdle: keepAlive})

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_ = s.Send(protocol.NewChat("hello from a concurrent sender", "test", 1))
			}
		}()
	}

	// Every line on the wire must be an independently valid frame.
	scanner := bufio.NewScanner(remote)
	received := 0
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for scanner.Scan() {
			_, err := protocol.Decode(scanner.Bytes())
			assert.NoError(t, err, "interleaved or corrupt frame")
			received++
			if received == senders*perSender {
				return
			}
		}
	}()

	wg.Wait()
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d frames arrived intact", received, senders*perSender)
	}
}

func TestSendTimesOutWhenPeerStopsReading(t *testing.T) {
	s, _, _, done := startSession(t, Options{
		ReadTimeout:  time.Second,
		WriteTimeout: 100 * time.Millisecond,
		OnIdle:       keepAlive,
	})

	// net.Pipe is unbuffered: with nobody reading the remote end, the write
	// can never complete. The deadline must fail it and close the session.
	start := time.Now()
	err := s.Send(protocol.NewChat("nobody is listening", "test", 1))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 2*time.Second, "send must not block past its write timeout")
	assert.True(t, s.IsClosed(), "write timeout is terminal")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after write timeout")
	}
}

// keepAlive is an OnIdle hook that never gives up, for tests that exercise
// other paths.
func keepAlive(*Session) bool { return true }
