// SPDX-License-Identifier: GPL-3.0-or-later

package connguard

import (
	"context"
	"net"
	"sync"
)

// NewCancelWatchFunc returns a new [*CancelWatchFunc].
func NewCancelWatchFunc() *CancelWatchFunc {
	return &CancelWatchFunc{}
}

// CancelWatchFunc arranges for the connection to be closed when the context
// is done (cancelled or deadline exceeded). This provides responsive cleanup
// on external cancellation (e.g., SIGINT via signal.NotifyContext) rather than
// waiting for per-operation timeouts.
//
// The returned connection wraps the input connection. Closing the returned
// connection unregisters the context watcher and closes the underlying
// connection. This ensures no goroutine leaks even if the context is
// never cancelled.
//
// The watcher is safe to use with any [net.Conn] implementation because
// Go's standard library uses the [net.ErrClosed] pattern: closing an
// already-closed connection returns [net.ErrClosed], and I/O operations
// on a closed connection fail gracefully. The [ObserveConnFunc] wrapper
// follows this same pattern.
//
// Use this primitive in pipelines where:
//   - The context lifetime matches the intended connection lifetime
//   - Immediate cleanup on cancellation is desired (e.g., CLI tools)
//
// Do not use this primitive when:
//   - The connection will be returned and may outlive the current context
//   - You're implementing a connection pool or long-lived connection management
type CancelWatchFunc struct{}

var _ Func[net.Conn, net.Conn] = &CancelWatchFunc{}

// Call registers a context watcher using [context.AfterFunc] that closes
// the connection when the context is done. The returned [net.Conn] wraps
// the input: closing it unregisters the watcher and closes the underlying
// connection.
func (op *CancelWatchFunc) Call(ctx context.Context, conn net.Conn) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	return &cancelWatchedConn{Conn: conn, stop: stop}, nil
}

// cancelWatchedConn wraps a [net.Conn] with a context cancellation watcher.
type cancelWatchedConn struct {
	net.Conn
	stop func() bool
}

// Close unregisters the context watcher and closes the underlying connection.
func (c *cancelWatchedConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// CloseWrite forwards to the underlying connection's CloseWrite, if it has
// one, so half-close still works through this wrapper.
func (c *cancelWatchedConn) CloseWrite() error {
	if wc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return wc.CloseWrite()
	}
	return c.Conn.Close()
}

// RevokeWatchInput is the input to [*RevokeWatchFunc]: the connection to
// guard and the [Watcher] whose firing should close it.
type RevokeWatchInput struct {
	Conn    net.Conn
	Watcher *Watcher
}

// NewRevokeWatchFunc returns a new [*RevokeWatchFunc].
func NewRevokeWatchFunc() *RevokeWatchFunc {
	return &RevokeWatchFunc{}
}

// RevokeWatchFunc is [CancelWatchFunc] generalized from binding a
// connection's lifetime to a [context.Context] to binding it to a
// [Watcher]: when the watcher fires — because [Tracker.Close] ran, driven
// by [PolicyWatcher] or an external caller — the connection is closed
// immediately, unblocking any goroutine stuck in a read or write on it.
//
// Unlike [CancelWatchFunc], which relies on [context.AfterFunc], a
// [Watcher] has no context to hook into, so the wait runs in its own
// goroutine; closing the returned connection stops that goroutine.
type RevokeWatchFunc struct{}

var _ Func[RevokeWatchInput, net.Conn] = &RevokeWatchFunc{}

// Call starts watching in.Watcher and returns a [net.Conn] wrapping
// in.Conn that closes early if the watcher fires before the caller closes
// it directly.
func (op *RevokeWatchFunc) Call(ctx context.Context, in RevokeWatchInput) (net.Conn, error) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-in.Watcher.Done():
			in.Conn.Close()
		case <-stop:
		}
	}()
	return &revokeWatchedConn{Conn: in.Conn, stop: stop}, nil
}

// revokeWatchedConn wraps a [net.Conn] with a [Watcher]-driven close.
type revokeWatchedConn struct {
	net.Conn
	stopOnce sync.Once
	stop     chan struct{}
}

// Close stops the watch goroutine and closes the underlying connection.
func (c *revokeWatchedConn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.Conn.Close()
}

// CloseWrite forwards to the underlying connection's CloseWrite, if it has
// one, so half-close still works through this wrapper.
func (c *revokeWatchedConn) CloseWrite() error {
	if wc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return wc.CloseWrite()
	}
	return c.Conn.Close()
}
