// SPDX-License-Identifier: GPL-3.0-or-later

package connguard

import (
	"context"
	"sync"
	"sync/atomic"
)

// NewSignal returns a new cancellation channel: a one-shot broadcast
// primitive with two halves. The returned [*Watcher] is the channel's own
// first observer — see [Signaler.Drain] for why that matters.
//
// Any [*Watcher] obtained by cloning the returned watcher (directly or
// transitively) observes the same signal. [Signaler.Drain] resolves only
// after every such watcher has called [Watcher.Release].
func NewSignal() (*Signaler, *Watcher) {
	state := &signalState{fire: make(chan struct{})}
	state.live.Add(1)
	return &Signaler{state: state}, &Watcher{state: state}
}

// signalState is the shared state between a [Signaler] and every
// [*Watcher] cloned from its paired watcher.
type signalState struct {
	fire chan struct{} // closed exactly once, by Drain
	live sync.WaitGroup
}

// Signaler is the firing half of a cancellation channel.
//
// The zero value is not usable; construct via [NewSignal]. A Signaler must
// not be drained more than once.
type Signaler struct {
	state *signalState
	drawn atomic.Bool
}

// Drain fires the signal exactly once, then blocks until every [*Watcher]
// derived from this channel has called [Watcher.Release], or until ctx is
// done. Drain panics if called more than once on the same Signaler.
//
// Callers that retain their own watcher on the same channel (as
// [*Tracker] does for every [AuthContext] it tracks) must call
// [Watcher.Release] on it before calling Drain, or Drain can never
// observe a live count of zero.
func (s *Signaler) Drain(ctx context.Context) error {
	if !s.drawn.CompareAndSwap(false, true) {
		panic("connguard: Signaler.Drain called twice")
	}
	close(s.state.fire)

	done := make(chan struct{})
	go func() {
		s.state.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watcher is a cheaply cloneable observer of a cancellation channel.
//
// Every Watcher obtained from [NewSignal] or [Watcher.Clone] must have
// [Watcher.Release] called, typically via defer, or the paired
// [Signaler.Drain] can never complete; calls after the first are no-ops.
type Watcher struct {
	state    *signalState
	released atomic.Bool
}

// Clone returns an independent observer of the same signal. The clone
// counts toward the paired Signaler's live-watcher count until its own
// Release is called.
func (w *Watcher) Clone() *Watcher {
	w.state.live.Add(1)
	return &Watcher{state: w.state}
}

// Done returns a channel that is closed once the paired Signaler fires.
// Unlike [Watcher.Await], reading from Done never blocks on anything but
// the signal itself — useful for select statements that also watch other
// channels.
func (w *Watcher) Done() <-chan struct{} {
	return w.state.fire
}

// Await blocks until the paired Signaler fires or ctx is done, whichever
// happens first. A watcher created before Drain is called cannot miss the
// signal: the fire channel is shared, not buffered or re-armed.
func (w *Watcher) Await(ctx context.Context) error {
	select {
	case <-w.state.fire:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release drops this watcher's reference to the channel. Calling Release
// more than once on the same Watcher value is a safe no-op, so that it can
// be deferred unconditionally even on paths that also release explicitly.
func (w *Watcher) Release() {
	if w.released.CompareAndSwap(false, true) {
		w.state.live.Done()
	}
}
