// SPDX-License-Identifier: GPL-3.0-or-later

package connguard

import (
	"context"
	"fmt"
	"net/netip"
)

// ProxyMode selects how the inbound listener derives its original
// destination and whether self-calls must be rejected.
type ProxyMode string

const (
	// ProxyModeShared runs one proxy instance for many workloads on the
	// node; a destination equal to [Config.LocalIP] is a recursive
	// self-call and must be rejected before any state lookup.
	ProxyModeShared ProxyMode = "shared"

	// ProxyModeDedicated runs one proxy instance per workload; self-call
	// rejection does not apply.
	ProxyModeDedicated ProxyMode = "dedicated"
)

// WorkloadIdentity is the comparable subset of workload metadata that
// participates in an [AuthContext]'s identity.
//
// [WorkloadInfo] (the full record returned by [ProxyState.FetchWorkload])
// carries more fields than are safe to use as a map key — in particular it
// may be shared and mutated by the workload cache. WorkloadIdentity is the
// immutable, value-comparable projection of it that is actually needed to
// distinguish one destination workload from another for policy purposes.
// The zero value means "no destination workload metadata known".
type WorkloadIdentity struct {
	UID       string
	Name      string
	Namespace string
}

// IsZero reports whether no workload identity is present.
func (w WorkloadIdentity) IsZero() bool {
	return w == WorkloadIdentity{}
}

// WorkloadInfo describes a workload as returned by workload discovery.
//
// Workload discovery itself ([ProxyState.FetchWorkload]) is an external
// collaborator named by contract only; this type is the shape callers
// populate.
type WorkloadInfo struct {
	Identity  WorkloadIdentity
	Addresses []netip.Addr
	Network   string
}

// ServiceInfo describes the service(s) fronting a workload, as returned by
// [ProxyState.FetchWorkloadServices].
type ServiceInfo struct {
	Hostnames []string
}

// AuthContext is the value-identity of one proxied flow: the key the
// connection tracker uses to correlate registration, tracking, and policy
// revocation for a single connection.
//
// AuthContext is a plain comparable struct so it can be used directly as a
// Go map key with the value equality and stable hash the tracker requires;
// see DESIGN.md for why destination workload metadata is folded into
// [WorkloadIdentity] rather than carried as a pointer.
type AuthContext struct {
	SrcAddr     netip.AddrPort
	SrcIdentity string // empty means absent
	DstNetwork  string
	DstAddr     netip.AddrPort
	DstWorkload WorkloadIdentity // zero value means absent
}

// String renders the AuthContext the way log messages and policy-revocation
// events reference it: a compact, stable, single-line form.
func (a AuthContext) String() string {
	if a.SrcIdentity != "" {
		return fmt.Sprintf("src=%s (%s) dst=%s network=%q", a.SrcAddr, a.SrcIdentity, a.DstAddr, a.DstNetwork)
	}
	return fmt.Sprintf("src=%s dst=%s network=%q", a.SrcAddr, a.DstAddr, a.DstNetwork)
}

// ConnectionDescriptor is the admin-API projection of an [AuthContext]: the
// flow-identifying subset, omitting destination workload metadata.
type ConnectionDescriptor struct {
	SrcAddr     string `json:"srcAddr"`
	SrcIdentity string `json:"srcIdentity,omitempty"`
	DstNetwork  string `json:"dstNetwork"`
	DstAddr     string `json:"dstAddr"`
}

// Descriptor projects a into its [ConnectionDescriptor].
func (a AuthContext) Descriptor() ConnectionDescriptor {
	return ConnectionDescriptor{
		SrcAddr:     a.SrcAddr.String(),
		SrcIdentity: a.SrcIdentity,
		DstNetwork:  a.DstNetwork,
		DstAddr:     a.DstAddr.String(),
	}
}

// PolicyChangeSignal is a watch-style notification from the policy store.
//
// Changed returns a channel that receives a value each time policy may have
// changed. Implementations must coalesce missed notifications rather than
// block the producer or drop the fact that *something* changed: a buffered
// channel of capacity one, written to with a non-blocking send, satisfies
// this contract.
type PolicyChangeSignal interface {
	Changed() <-chan struct{}
}

// ProxyState is the external state and policy oracle the [PolicyWatcher]
// and inbound passthrough path consult. It is implemented by the proxy's
// control-plane glue; this module treats it as a contract.
type ProxyState interface {
	// AssertRBAC reports whether ac is currently authorized. Per contract
	// this never fails: an evaluator that cannot reach its policy source
	// is expected to fail closed (return false) rather than surface an error.
	AssertRBAC(ctx context.Context, ac AuthContext) bool

	// FetchWorkload resolves addr to workload metadata, or nil if unknown.
	FetchWorkload(ctx context.Context, addr netip.Addr) *WorkloadInfo

	// FetchWorkloadServices resolves addr to its workload and the
	// service(s) fronting it, or nil if the destination is unknown.
	FetchWorkloadServices(ctx context.Context, addr netip.Addr) (*WorkloadInfo, *ServiceInfo)

	// Policies returns the subscribable policy-change notification.
	Policies() PolicyChangeSignal
}
