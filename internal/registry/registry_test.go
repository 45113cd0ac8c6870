// ABOUTME: Tests for registry registration, replacement, identity-matched
// ABOUTME: removal, prefix lookup, and pending-command teardown.

package registry

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
	"github.com/cmdmesh/cmdmesh/internal/session"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	// Drain the remote end so Send never blocks on the synchronous pipe.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := remote.Read(buf); err != nil {
				return
			}
		}
	}()
	return session.New(local, session.Options{ReadTimeout: time.Second})
}

func testInfo(hostname string) protocol.SystemInfo {
	return protocol.SystemInfo{Hostname: hostname, Platform: "linux"}
}

func TestRegisterAndFind(t *testing.T) {
	reg := New(nil)
	sess := newTestSession(t)

	rec := reg.Register("aaaa-bbbb-cccc", sess, testInfo("host-a"))
	require.NotNil(t, rec)
	assert.True(t, rec.Active())
	assert.Equal(t, 1, reg.Len())

	found, err := reg.Find("aaaa-bbbb-cccc")
	require.NoError(t, err)
	assert.Same(t, rec, found)

	found, err = reg.Find("aaaa")
	require.NoError(t, err)
	assert.Same(t, rec, found, "unique prefix resolves")

	_, err = reg.Find("zzzz")
	assert.ErrorIs(t, err, ErrClientNotFound)
}

func TestFindAmbiguousPrefix(t *testing.T) {
	reg := New(nil)
	reg.Register("aa11", newTestSession(t), testInfo("one"))
	reg.Register("aa22", newTestSession(t), testInfo("two"))

	_, err := reg.Find("aa")
	assert.ErrorIs(t, err, ErrAmbiguousClient)

	// An exact id that is also a prefix of another must resolve exactly.
	reg.Register("aa", newTestSession(t), testInfo("three"))
	rec, err := reg.Find("aa")
	require.NoError(t, err)
	assert.Equal(t, "aa", rec.ClientID)
}

func TestRegisterReplacesExisting(t *testing.T) {
	reg := New(nil)
	oldSess := newTestSession(t)
	newSess := newTestSession(t)

	oldRec := reg.Register("client-x", oldSess, testInfo("host-x"))
	ch, ok := oldRec.AddPending("corr-1")
	require.True(t, ok)

	newRec := reg.Register("client-x", newSess, testInfo("host-x"))

	assert.Equal(t, 1, reg.Len(), "exactly one active record per client id")
	found, err := reg.Find("client-x")
	require.NoError(t, err)
	assert.Same(t, newRec, found)

	assert.True(t, oldSess.IsClosed(), "evicted session is closed")
	assert.ErrorIs(t, oldSess.Send(protocol.NewPing(1)), session.ErrSessionClosed)
	assert.False(t, oldRec.Active())

	// The evicted record's pending command fails rather than hanging.
	select {
	case res := <-ch:
		assert.Equal(t, protocol.StatusError, res.Status)
		assert.Equal(t, DisconnectedError, res.Error)
	case <-time.After(time.Second):
		t.Fatal("pending command not failed on eviction")
	}
}

func TestUnregisterMatchesByIdentity(t *testing.T) {
	reg := New(nil)
	oldSess := newTestSession(t)
	newSess := newTestSession(t)

	reg.Register("client-y", oldSess, testInfo("host-y"))
	newRec := reg.Register("client-y", newSess, testInfo("host-y"))

	// Teardown of the replaced session must not evict the replacement.
	removed := reg.Unregister(oldSess)
	assert.Nil(t, removed, "stale teardown is a no-op")
	assert.Equal(t, 1, reg.Len())

	removed = reg.Unregister(newSess)
	require.NotNil(t, removed)
	assert.Same(t, newRec, removed)
	assert.Equal(t, 0, reg.Len())

	// Double unregister is harmless.
	assert.Nil(t, reg.Unregister(newSess))
}

func TestUnregisterFailsAllPending(t *testing.T) {
	reg := New(nil)
	sess := newTestSession(t)
	rec := reg.Register("client-z", sess, testInfo("host-z"))

	const n = 10
	channels := make([]<-chan *protocol.Result, n)
	for i := range channels {
		ch, ok := rec.AddPending(fmt.Sprintf("corr-%d", i))
		require.True(t, ok)
		channels[i] = ch
	}

	reg.Unregister(sess)

	for i, ch := range channels {
		select {
		case res := <-ch:
			assert.Equal(t, protocol.StatusError, res.Status, "sink %d", i)
			assert.Equal(t, DisconnectedError, res.Error)
		case <-time.After(time.Second):
			t.Fatalf("sink %d never fulfilled", i)
		}
	}
	assert.Equal(t, 0, rec.PendingCount())

	// New pending registrations after teardown are refused.
	_, ok := rec.AddPending("late")
	assert.False(t, ok)
}

func TestResolveExactlyOnce(t *testing.T) {
	reg := New(nil)
	rec := reg.Register("client-r", newTestSession(t), testInfo("host-r"))

	ch, ok := rec.AddPending("corr-9")
	require.True(t, ok)

	res := &protocol.Result{Status: protocol.StatusSuccess, Stdout: "ok\n"}
	assert.True(t, rec.Resolve("corr-9", res))
	assert.False(t, rec.Resolve("corr-9", res), "second resolution must be rejected")
	assert.False(t, rec.Resolve("never-registered", res))

	got := <-ch
	assert.Equal(t, "ok\n", got.Stdout)
}

func TestListSnapshotsSorted(t *testing.T) {
	reg := New(nil)
	reg.Register("bbb", newTestSession(t), testInfo("two"))
	reg.Register("aaa", newTestSession(t), testInfo("one"))
	reg.Register("ccc", newTestSession(t), testInfo("three"))

	records := reg.List()
	require.Len(t, records, 3)
	assert.Equal(t, "aaa", records[0].ClientID)
	assert.Equal(t, "bbb", records[1].ClientID)
	assert.Equal(t, "ccc", records[2].ClientID)
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	reg := New(nil)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Register("contended", newTestSession(t), testInfo("host"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Len(), "concurrent registration leaves one record")
	rec, err := reg.Find("contended")
	require.NoError(t, err)
	assert.True(t, rec.Active())
}

func TestIdentifierFormat(t *testing.T) {
	reg := New(nil)
	rec := reg.Register("3f6c1f6e-9f1f-4d55-9c34-8c6f6f1e2ab0", newTestSession(t), testInfo("vps-01"))
	assert.Equal(t, "vps-01 (3f6c1f6e)", rec.Identifier())
}
