// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: intel/ztunnel src/proxy/connection_manager.rs (test_connection_manager_close,
// test_connection_manager_release)
//

package connguard

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddrPort(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func assertWatcherFires(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.Await(ctx))
}

// Scenario 1: single connection close — both watchers resolve and the
// registry empties.
func TestTrackerSingleConnectionClose(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("192.168.0.1:80"), DstAddr: mustAddrPort("192.168.0.2:8080")}

	tr.Register(ctx1)
	require.Equal(t, 1, tr.Len())

	w1, ok := tr.Track(ctx1)
	require.True(t, ok)
	defer w1.Release()

	w2, ok := tr.Track(ctx1)
	require.True(t, ok)
	defer w2.Release()

	require.Equal(t, 1, tr.Len())

	done1 := make(chan struct{})
	done2 := make(chan struct{})
	// Each task drops its watcher once it has observed the signal, as a
	// connection task would; Close cannot finish draining until both do.
	go func() { assertWatcherFires(t, w1); w1.Release(); close(done1) }()
	go func() { assertWatcherFires(t, w2); w2.Release(); close(done2) }()

	require.NoError(t, tr.Close(context.Background(), ctx1))

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("w1 never fired")
	}
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("w2 never fired")
	}
	assert.Equal(t, 0, tr.Len())
}

// Scenario 2: refcount release — dropping one clone of a shared tracking
// slot does not remove the entry; dropping the last one does.
func TestTrackerRefcountRelease(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("192.168.0.1:80"), DstAddr: mustAddrPort("192.168.0.2:8080")}
	ctx2 := AuthContext{SrcAddr: mustAddrPort("192.168.0.3:80"), DstAddr: mustAddrPort("192.168.0.2:8080")}

	tr.Register(ctx1)
	w1, ok := tr.Track(ctx1)
	require.True(t, ok)
	w2, ok := tr.Track(ctx1)
	require.True(t, ok)

	w2.Release()
	tr.Release(ctx1)
	assert.Equal(t, 1, tr.Len())

	tr.Register(ctx2)
	w3, ok := tr.Track(ctx2)
	require.True(t, ok)
	defer w3.Release()

	w1.Release()
	tr.Release(ctx1)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, []AuthContext{ctx2}, tr.List())
}

// Double Register is a no-op: refcount is unaffected and the watcher
// identity of the existing entry is preserved.
func TestTrackerDoubleRegisterNoOp(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}

	tr.Register(ctx1)
	w1, ok := tr.Track(ctx1)
	require.True(t, ok)
	defer w1.Release()

	tr.Register(ctx1)
	assert.Equal(t, 1, tr.Len())

	w2, ok := tr.Track(ctx1)
	require.True(t, ok)
	defer w2.Release()

	// Both watchers are dropped so Close can finish draining. w1, taken
	// before the second Register, still observes the signal Close fires.
	w1.Release()
	w2.Release()
	require.NoError(t, tr.Close(context.Background(), ctx1))
	assertWatcherFires(t, w1)
}

// Release on an absent key is a no-op.
func TestTrackerReleaseAbsentNoOp(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}
	tr.Release(ctx1)
	assert.Equal(t, 0, tr.Len())
}

// Register then Release with no intervening Track removes the entry.
func TestTrackerRegisterThenReleaseRemoves(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}
	tr.Register(ctx1)
	tr.Release(ctx1)
	assert.Equal(t, 0, tr.Len())
}

// Track on an unregistered key returns ok=false.
func TestTrackerTrackUnregistered(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}
	w, ok := tr.Track(ctx1)
	assert.False(t, ok)
	assert.Nil(t, w)
}

// Scenario 4: track after close returns ok=false, and Close itself
// resolves immediately when there are no external watchers.
func TestTrackerTrackAfterClose(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}
	tr.Register(ctx1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, tr.Close(ctx, ctx1))

	w, ok := tr.Track(ctx1)
	assert.False(t, ok)
	assert.Nil(t, w)
}

// Close on an unregistered key logs and does not hang.
func TestTrackerCloseUnregistered(t *testing.T) {
	logger, records := newCapturingLogger()
	tr := NewTracker(logger)
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Close(ctx, ctx1))
	assert.NotEmpty(t, *records)
}

// Scenario 5: admission denial path — register then release without ever
// tracking leaves the registry empty and leaks no watcher.
func TestTrackerAdmissionDenialPath(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{SrcAddr: mustAddrPort("10.0.0.1:1"), DstAddr: mustAddrPort("10.0.0.2:2")}
	tr.Register(ctx1)
	tr.Release(ctx1)
	assert.Equal(t, 0, tr.Len())
}

// ListConnections projects away destination workload metadata.
func TestTrackerListConnectionsProjection(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	ctx1 := AuthContext{
		SrcAddr:     mustAddrPort("10.0.0.1:1"),
		DstAddr:     mustAddrPort("10.0.0.2:2"),
		DstWorkload: WorkloadIdentity{UID: "pod-a"},
	}
	tr.Register(ctx1)

	conns := tr.ListConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, ctx1.SrcAddr.String(), conns[0].SrcAddr)
	assert.Equal(t, ctx1.DstAddr.String(), conns[0].DstAddr)
}

// Concurrent register/track/release/close under churn never leaves the
// registry in an inconsistent state (no panic, and Len settles to zero).
func TestTrackerHighChurn(t *testing.T) {
	tr := NewTracker(DefaultSLogger())
	const n = 200

	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			ac := AuthContext{
				SrcAddr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i % 256)}), uint16(1000+i)),
				DstAddr: mustAddrPort("10.0.0.2:2"),
			}
			tr.Register(ac)
			w, ok := tr.Track(ac)
			if ok {
				w.Release()
				tr.Release(ac)
			}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	assert.Equal(t, 0, tr.Len())
}
