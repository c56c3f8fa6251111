// SPDX-License-Identifier: GPL-3.0-or-later

package connguard

import "context"

// Func is a generic operation that accepts an input and returns a result.
//
// [*ConnectFunc], [*ObserveConnFunc], [*CancelWatchFunc], and [*RevokeWatchFunc]
// all implement Func; [InboundConn] wires them together imperatively rather
// than through a generic combinator, since each stage needs to interleave
// tracker mutations and stats between the pure dial/wrap steps.
//
// Resource cleanup contract: when a Func receives a closeable resource as input
// and returns an error, it is responsible for closing that resource before returning.
// This ensures callers do not leak resources on partial failure. The
// wrapping primitives in this package ([*ObserveConnFunc], [*CancelWatchFunc],
// [*RevokeWatchFunc]) never return an error, so they never close their input.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}
