// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: intel/ztunnel src/proxy/connection_manager.rs (PolicyWatcher)
//

package connguard

import (
	"context"
	"log/slog"
)

// NewPolicyWatcher returns a new [*PolicyWatcher].
func NewPolicyWatcher(tracker *Tracker, state ProxyState, logger SLogger) *PolicyWatcher {
	return &PolicyWatcher{
		Tracker: tracker,
		State:   state,
		Logger:  logger,
	}
}

// PolicyWatcher re-evaluates every tracked connection against the latest
// policy whenever the policy store signals a change, closing any
// connection that is no longer authorized.
//
// All fields are safe to modify after construction but before first use of
// [PolicyWatcher.Run].
type PolicyWatcher struct {
	// Tracker is the registry PolicyWatcher snapshots and closes into.
	Tracker *Tracker

	// State is the policy oracle and change-notification source.
	State ProxyState

	// Logger is the [SLogger] to use.
	Logger SLogger
}

// Run subscribes to policy changes and processes them until ctx is done.
// Each iteration snapshots the tracker, re-evaluates every context
// sequentially against [ProxyState.AssertRBAC], and closes any context that
// no longer passes. All connections denied by one policy-change event are
// closed before the next event is processed; multiple changes that arrive
// while a scan is in progress coalesce into a single following iteration,
// per [PolicyChangeSignal]'s contract.
//
// Each [Tracker.Close] issued by a scan waits without a deadline until the
// connection's watchers are released; ctx is not passed to it.
//
// Run never returns an error: on ctx done it exits cleanly.
func (pw *PolicyWatcher) Run(ctx context.Context) error {
	changed := pw.State.Policies().Changed()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			pw.scan(ctx)
		}
	}
}

func (pw *PolicyWatcher) scan(ctx context.Context) {
	pw.logger().Info("policyScanStart")
	connections := pw.Tracker.List()
	for _, ac := range connections {
		if ctx.Err() != nil {
			return
		}
		if pw.State.AssertRBAC(ctx, ac) {
			continue
		}
		if err := pw.Tracker.Close(context.Background(), ac); err != nil {
			pw.logger().Error("policy-driven close did not complete", slog.String("connection", ac.String()), slog.Any("err", err))
			continue
		}
		pw.logger().Info("connection closed because it's no longer allowed after a policy update",
			slog.String("connection", ac.String()))
	}
	pw.logger().Info("policyScanDone", slog.Int("scanned", len(connections)))
}

func (pw *PolicyWatcher) logger() SLogger {
	if pw.Logger == nil {
		return DefaultSLogger()
	}
	return pw.Logger
}
