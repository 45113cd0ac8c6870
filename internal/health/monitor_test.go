// ABOUTME: Tests for the staleness sweep: fresh records left alone, stale
// ABOUTME: ones probed, unreachable ones torn down.

package health

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/registry"
	"github.com/cmdmesh/cmdmesh/internal/session"
)

func registerPipeClient(t *testing.T, reg *registry.Registry, id string) (*registry.Record, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	sess := session.New(local, session.Options{ReadTimeout: time.Second})
	rec := reg.Register(id, sess, protocol.SystemInfo{Hostname: "host-" + id})
	t.Cleanup(func() {
		sess.Close()
		remote.Close()
	})
	return rec, remote
}

func TestSweepProbesOnlyStaleClients(t *testing.T) {
	reg := registry.New(nil)
	m := New(reg, time.Hour, 100*time.Millisecond, nil, nil)

	staleRec, staleConn := registerPipeClient(t, reg, "stale")
	freshRec, freshConn := registerPipeClient(t, reg, "fresh")

	// Collect frames each fake client receives.
	frames := func(conn net.Conn) <-chan *protocol.Message {
		out := make(chan *protocol.Message, 4)
		go func() {
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				if msg, err := protocol.Decode(scanner.Bytes()); err == nil {
					out <- msg
				}
			}
		}()
		return out
	}
	staleFrames := frames(staleConn)
	freshFrames := frames(freshConn)

	// Age the stale record past the threshold; keep the fresh one touched.
	time.Sleep(150 * time.Millisecond)
	freshRec.Touch()

	m.sweep()

	select {
	case msg := <-staleFrames:
		assert.Equal(t, protocol.TypePing, msg.Type)
		assert.Greater(t, msg.Timestamp, float64(0))
	case <-time.After(time.Second):
		t.Fatal("stale client was not probed")
	}

	select {
	case msg := <-freshFrames:
		t.Fatalf("fresh client should not be probed, got %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}

	_ = staleRec
}

func TestSweepTearsDownUnreachableClient(t *testing.T) {
	reg := registry.New(nil)
	m := New(reg, time.Hour, time.Nanosecond, nil, nil)

	rec, remote := registerPipeClient(t, reg, "gone")

	// Simulate a half-open socket: the peer is gone and writes fail.
	remote.Close()
	time.Sleep(10 * time.Millisecond)

	m.sweep()

	assert.True(t, rec.Session.IsClosed(), "failed probe closes the session")
}

func TestMonitorStartStop(t *testing.T) {
	reg := registry.New(nil)
	m := New(reg, 10*time.Millisecond, time.Hour, nil, nil)

	m.Start()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	require.Equal(t, 0, reg.Len(), "no registrations were made")
}
