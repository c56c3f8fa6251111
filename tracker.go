// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: intel/ztunnel src/proxy/connection_manager.rs (ConnectionManager)
//

package connguard

import (
	"context"
	"log/slog"
	"sync"
)

// trackedEntry is a single registry slot. Only [*Tracker] ever touches it;
// the zero value is never valid, entries are only constructed by Register.
type trackedEntry struct {
	sig *Signaler

	// self is the entry's own retained watcher. It guarantees Close can
	// always complete its drain even with zero external subscribers. It
	// must be released before the signaler is drained, never after.
	self *Watcher

	// refcount is the number of successful Track calls minus the number
	// of matching Release calls since the entry was last (re-)registered.
	refcount int
}

// NewTracker returns a new, empty [*Tracker]. Pass a logger to observe
// close-on-unregistered-key errors; pass [DefaultSLogger] to discard them.
func NewTracker(logger SLogger) *Tracker {
	return &Tracker{
		entries: make(map[AuthContext]*trackedEntry),
		Logger:  logger,
	}
}

// Tracker is the process-wide registry mapping [AuthContext] to a
// cancellation channel and refcount. All exported methods are safe for
// concurrent use. See SPEC_FULL.md §4.2 and §5 for the concurrency
// contract: mutations take the registry's exclusive lock synchronously and
// never suspend while holding it; only [Tracker.Close] suspends, and it
// does so after releasing the lock.
type Tracker struct {
	// Logger is the [SLogger] used for the "drain requested on
	// uninitialized connection" error. Set by [NewTracker].
	Logger SLogger

	mu      sync.RWMutex
	entries map[AuthContext]*trackedEntry
}

// Register creates a tracking slot for ac with a fresh cancellation
// channel and refcount zero, unless one already exists, in which case
// Register is a no-op. Register must be called before any Track call for a
// freshly accepted connection.
func (t *Tracker) Register(ac AuthContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[ac]; ok {
		return
	}
	sig, w := NewSignal()
	t.entries[ac] = &trackedEntry{sig: sig, self: w}
}

// Track increments ac's refcount and returns a clone of its watcher, or
// returns ok=false if ac is not registered. A false result means a
// concurrent Close raced this call; the caller must treat the connection
// as invalid and close it rather than re-register, or it would resurrect a
// just-cancelled connection.
func (t *Tracker) Track(ac AuthContext) (watcher *Watcher, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.entries[ac]
	if !found {
		return nil, false
	}
	e.refcount++
	return e.self.Clone(), true
}

// Release decrements ac's refcount. If the decremented count would be zero
// or less, the entry is removed entirely — this also covers the case where
// Release is called without ever calling Track (refcount stays at zero),
// which removes the entry immediately. Release on an unregistered ac is a
// no-op.
func (t *Tracker) Release(ac AuthContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.entries[ac]
	if !found {
		return
	}
	delete(t.entries, ac)
	if e.refcount > 1 {
		e.refcount--
		t.entries[ac] = e
	}
}

// Close removes ac's tracking slot and signals every watcher derived from
// it, then blocks until they have all been released (or until ctx is
// done). If ac is not registered, Close logs at error level and returns nil
// without error — draining something that was never there is a
// programmer-visible condition, not a fatal one.
func (t *Tracker) Close(ctx context.Context, ac AuthContext) error {
	t.mu.Lock()
	e, found := t.entries[ac]
	if found {
		delete(t.entries, ac)
	}
	t.mu.Unlock()

	if !found {
		t.logger().Error("drain requested on uninitialized connection", slog.String("connection", ac.String()))
		return nil
	}

	// The entry's own retained watcher must be dropped before awaiting
	// drain, or drain can never observe a live count of zero.
	e.self.Release()
	return e.sig.Drain(ctx)
}

// List returns a point-in-time snapshot of every tracked [AuthContext].
// Ordering is unspecified.
func (t *Tracker) List() []AuthContext {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]AuthContext, 0, len(t.entries))
	for ac := range t.entries {
		out = append(out, ac)
	}
	return out
}

// ListConnections is like List, but projects each key to its
// [ConnectionDescriptor] (the flow-identifying subset, omitting
// destination workload metadata), for admin-API serialization. A
// connection closed concurrently with this call may or may not appear;
// callers must tolerate that.
func (t *Tracker) ListConnections() []ConnectionDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ConnectionDescriptor, 0, len(t.entries))
	for ac := range t.entries {
		out = append(out, ac.Descriptor())
	}
	return out
}

// Len returns the number of currently tracked connections. Convenience for
// tests and admin introspection; equivalent to len(t.List()) without the
// allocation.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tracker) logger() SLogger {
	if t.Logger == nil {
		return DefaultSLogger()
	}
	return t.Logger
}
