// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: intel/ztunnel src/proxy/inbound_passthrough.rs (InboundPassthrough)
//

package connguard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Outcome classifies how an inbound connection's handling ended, for
// logging and [Stats].
type Outcome string

const (
	// OutcomeEarlyDeny means the connection was rejected before any
	// tracking slot was registered (self-call loop, unknown destination).
	OutcomeEarlyDeny Outcome = "earlyDeny"

	// OutcomeAdmissionDenied means the connection failed
	// [ProxyState.AssertRBAC] after being registered.
	OutcomeAdmissionDenied Outcome = "admissionDenied"

	// OutcomeLateRejection means a concurrent [Tracker.Close] (almost
	// always policy-driven) fired before or during the relay.
	OutcomeLateRejection Outcome = "lateRejection"

	// OutcomeConnectFailed means the upstream dial failed.
	OutcomeConnectFailed Outcome = "connectFailed"

	// OutcomeCompleted means the relay ran to completion on both legs.
	OutcomeCompleted Outcome = "completed"
)

// Stats accumulates counts of inbound connection outcomes. The zero value
// is ready to use; all methods are safe for concurrent use.
type Stats struct {
	accepted        atomic.Int64
	earlyDenied     atomic.Int64
	admissionDenied atomic.Int64
	lateRejected    atomic.Int64
	connectFailed   atomic.Int64
	completed       atomic.Int64
}

func (s *Stats) recordAccepted() { s.accepted.Add(1) }

func (s *Stats) record(outcome Outcome) {
	switch outcome {
	case OutcomeEarlyDeny:
		s.earlyDenied.Add(1)
	case OutcomeAdmissionDenied:
		s.admissionDenied.Add(1)
	case OutcomeLateRejection:
		s.lateRejected.Add(1)
	case OutcomeConnectFailed:
		s.connectFailed.Add(1)
	case OutcomeCompleted:
		s.completed.Add(1)
	}
}

// Snapshot returns a point-in-time copy of every counter, keyed by the
// same names used for the admin-API stats endpoint.
func (s *Stats) Snapshot() map[string]int64 {
	return map[string]int64{
		"accepted":        s.accepted.Load(),
		"earlyDenied":     s.earlyDenied.Load(),
		"admissionDenied": s.admissionDenied.Load(),
		"lateRejected":    s.lateRejected.Load(),
		"connectFailed":   s.connectFailed.Load(),
		"completed":       s.completed.Load(),
	}
}

// NewInboundConn returns a new [*InboundConn] wiring cfg, state, and
// tracker into the listening primitives.
func NewInboundConn(cfg *Config, state ProxyState, tracker *Tracker, logger SLogger) *InboundConn {
	return &InboundConn{
		Config:      cfg,
		State:       state,
		Tracker:     tracker,
		Logger:      logger,
		Stats:       &Stats{},
		connect:     NewConnectFunc(cfg, cfg.Network, logger),
		observe:     NewObserveConnFunc(cfg, logger),
		cancelWatch: NewCancelWatchFunc(),
		revokeWatch: NewRevokeWatchFunc(),
	}
}

// InboundConn serves plaintext inbound connections: for each accepted
// [net.Conn] it builds an [AuthContext], admits or rejects it against
// [ProxyState], tracks it for the duration of the relay, dials upstream,
// and relays bytes until either side closes or the connection's [Watcher]
// fires.
//
// All fields are safe to modify after construction but before first use
// of [InboundConn.ServeInbound].
type InboundConn struct {
	// Config is the common proxy configuration.
	Config *Config

	// State is the workload/policy oracle.
	State ProxyState

	// Tracker is the registry every accepted connection is admitted into.
	Tracker *Tracker

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Stats accumulates outcome counters for the admin API. Set by
	// [NewInboundConn] to a fresh [*Stats]; replace to share counters
	// across multiple [*InboundConn] instances.
	Stats *Stats

	connect     *ConnectFunc
	observe     *ObserveConnFunc
	cancelWatch *CancelWatchFunc
	revokeWatch *RevokeWatchFunc
}

// ServeInbound accepts connections from ln until ctx is done, handling
// each one in its own goroutine. ServeInbound returns nil when ctx is
// done; it does not wait for in-flight connections to finish relaying.
func (ic *InboundConn) ServeInbound(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			ic.logger().Error("accept failed", slog.Any("err", err))
			continue
		}
		go ic.handle(ctx, conn)
	}
}

// handle runs the full admit-track-dial-relay sequence for one accepted
// connection. It never returns an error: every failure path is recorded
// in [InboundConn.Stats] and logged, and the connection is always closed.
func (ic *InboundConn) handle(ctx context.Context, conn net.Conn) {
	spanID := NewSpanID()
	logger := ic.withSpan(spanID)
	ic.Stats.recordAccepted()

	srcAddr := addrPortOf(conn.RemoteAddr())
	dstAddr := addrPortOf(conn.LocalAddr())
	logger.Info("inboundAccepted", slog.String("srcAddr", srcAddr.String()), slog.String("dstAddr", dstAddr.String()))

	defer func() {
		conn.Close()
		logger.Info("inboundClosed")
	}()

	if ic.Config.ProxyMode == ProxyModeShared && dstAddr.Addr() == ic.Config.LocalIP {
		ic.deny(logger, OutcomeEarlyDeny, "self-call loop detected")
		return
	}

	workload, _ := ic.State.FetchWorkloadServices(ctx, dstAddr.Addr())
	if workload == nil {
		ic.deny(logger, OutcomeEarlyDeny, "unknown destination workload")
		return
	}

	ac := AuthContext{
		SrcAddr:    srcAddr,
		DstNetwork: ic.Config.Network,
		DstAddr:    dstAddr,
	}
	if len(workload.Identity.UID) > 0 {
		ac.DstWorkload = workload.Identity
	}

	// Register before the RBAC check so the connection is tracked for its
	// entire valid span, including the window in which the check itself
	// runs — a policy update mid-check must still be able to find it.
	ic.Tracker.Register(ac)

	if !ic.State.AssertRBAC(ctx, ac) {
		ic.Tracker.Release(ac)
		ic.deny(logger, OutcomeAdmissionDenied, "rejected by authorization policy")
		return
	}

	watcher, ok := ic.Tracker.Track(ac)
	if !ok {
		// A concurrent policy-driven Close raced us between Register and
		// Track; treat this exactly like a late rejection.
		ic.deny(logger, OutcomeLateRejection, "revoked before tracking began")
		return
	}
	defer watcher.Release()

	outcome := ic.dialAndRelay(ctx, logger, conn, dstAddr, watcher)
	if outcome != OutcomeLateRejection {
		// On a late rejection, Tracker.Close already removed the entry;
		// releasing here would be a no-op but would misstate the control
		// flow spec'd for this path.
		ic.Tracker.Release(ac)
	}
	ic.Stats.record(outcome)
}

func (ic *InboundConn) dialAndRelay(
	ctx context.Context, logger SLogger, inbound net.Conn, dstAddr netip.AddrPort, watcher *Watcher) Outcome {
	upstream, err := ic.connect.Call(ctx, dstAddr)
	if err != nil {
		logger.Info("connectFailed", slog.Any("err", err))
		return OutcomeConnectFailed
	}

	upstream, _ = ic.observe.Call(ctx, upstream)
	upstream, _ = ic.cancelWatch.Call(ctx, upstream)
	upstream, _ = ic.revokeWatch.Call(ctx, RevokeWatchInput{Conn: upstream, Watcher: watcher})
	defer upstream.Close()

	observedInbound, _ := ic.observe.Call(ctx, inbound)
	watched, _ := ic.cancelWatch.Call(ctx, observedInbound)
	guarded, _ := ic.revokeWatch.Call(ctx, RevokeWatchInput{Conn: watched, Watcher: watcher})
	defer guarded.Close()

	err = relay(guarded, upstream)
	select {
	case <-watcher.Done():
		if err != nil {
			return OutcomeLateRejection
		}
	default:
	}
	return OutcomeCompleted
}

// relay copies bytes in both directions between a and b until both
// directions have finished, closing each side's write half as its source
// runs dry so the peer observes EOF promptly.
func relay(a, b net.Conn) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(b, a)
		closeWrite(b)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(a, b)
		closeWrite(a)
		return err
	})
	return g.Wait()
}

// closeWrite half-closes conn's write side if it supports it, otherwise
// closes it outright.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

func (ic *InboundConn) deny(logger SLogger, outcome Outcome, reason string) {
	logger.Info("inboundDenied", slog.String("outcome", string(outcome)), slog.String("reason", reason))
	ic.Stats.record(outcome)
}

func (ic *InboundConn) withSpan(spanID string) SLogger {
	if sl, ok := ic.logger().(*slog.Logger); ok {
		return sl.With(slog.String("spanID", spanID))
	}
	return ic.logger()
}

func (ic *InboundConn) logger() SLogger {
	if ic.Logger == nil {
		return DefaultSLogger()
	}
	return ic.Logger
}

// addrPortOf converts a [net.Addr] to a [netip.AddrPort], returning the
// zero value if addr is nil or not IP-based.
func addrPortOf(addr net.Addr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}
