// SPDX-License-Identifier: GPL-3.0-or-later

// Package connguard implements the connection lifecycle and policy-revocation
// core of a plaintext inbound passthrough proxy: admission control, live
// connection tracking, and mid-flight revocation when authorization policy
// changes.
//
// # Core Abstraction
//
// Connection-wrapping stages are built around a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success mode and
// one failure mode: [*ConnectFunc] dials, [*ObserveConnFunc] wraps a
// connection for logging, [*CancelWatchFunc] and [*RevokeWatchFunc] wrap a
// connection to close it on context cancellation or connection-tracker
// revocation. [InboundConn] calls these directly in sequence rather than
// through a generic combinator, since admission, tracking, and stats
// recording between the stages are side effects a pure Func-to-Func pipeline
// has no slot for.
//
// # Connection Lifecycle
//
// Three components cooperate to track and revoke live connections:
//
//   - [Signaler] and [Watcher] implement a one-shot, multi-subscriber
//     cancellation signal: [Signaler.Drain] fires the signal and blocks
//     until every outstanding [Watcher] has called [Watcher.Release].
//
//   - [Tracker] is the process-wide registry mapping [AuthContext] to a
//     [Signaler]/[Watcher] pair and a refcount, keyed by full flow and
//     destination-workload identity. [Tracker.Register] admits a connection,
//     [Tracker.Track] and [Tracker.Release] bracket its use by a relay
//     goroutine, and [Tracker.Close] revokes it.
//
//   - [PolicyWatcher] subscribes to [ProxyState.Policies] and, on every
//     notification, re-evaluates each tracked [AuthContext] against
//     [ProxyState.AssertRBAC], closing any connection that is no longer
//     authorized.
//
// [InboundConn] ties these together per accepted connection: it constructs
// an [AuthContext] from the local ProxyState, registers the connection,
// performs the admission check, tracks it, dials upstream, and relays bytes
// until either side closes the connection or [Tracker.Close] fires the
// connection's [Watcher].
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled; set a field to a real
// [*slog.Logger] to enable it. Error classification for logged I/O failures
// is configurable via [ErrClassifier]; by default [DefaultErrClassifier]
// classifies platform syscall errnos into short categorical labels (see the
// errclass subpackage).
//
// Primitives emit span events (*Start/*Done pairs) recording operation
// timing and success/failure, plus lifecycle events for accepted and denied
// inbound connections and policy-driven revocation. Connection I/O span
// events carry localAddr, remoteAddr, protocol, and t (timestamp) fields;
// their completion events additionally include t0, err, and errClass.
// [Tracker] logs nothing for Register, Track, or Release. I/O-level events are emitted
// at [slog.LevelDebug]; lifecycle events at [slog.LevelInfo]; programmer-bug
// conditions (e.g. closing an unregistered connection) at [slog.LevelError].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for
// each accepted connection, then attach it to the logger with
// [*slog.Logger.With] so every log entry from that connection's lifetime
// shares the same spanID.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context
// they receive. [CancelWatchFunc] binds a connection's lifecycle to a
// context, and [RevokeWatchFunc] binds it to a [Watcher]: when the watcher fires (because [Tracker.Close] was called, by
// [PolicyWatcher] or by the caller directly), the connection is closed
// immediately, causing any in-progress I/O to fail and unblocking the relay
// goroutines. Every [InboundConn] pipeline includes this wiring; without it,
// policy revocation could never interrupt a connection already blocked in a
// read or write.
//
// # Design Boundaries
//
// This package provides the admission, tracking, and revocation core only.
// The following are out of scope and are the responsibility of the
// surrounding proxy process:
//
//   - mTLS identity extraction and certificate validation
//   - the wire representation of authorization policy itself
//   - load balancing or endpoint selection for outbound traffic
//   - HBONE/tunneled transport framing
package connguard
