// SPDX-License-Identifier: GPL-3.0-or-later

package connguard

import (
	"net"
	"net/netip"
	"time"
)

// Config holds common configuration for connguard operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// ProxyMode selects whether [InboundConn] rejects self-calls:
	// under [ProxyModeShared] a connection whose destination IP equals
	// LocalIP is denied; under [ProxyModeDedicated] no such check runs.
	// Set by [NewConfig] to [ProxyModeShared].
	ProxyMode ProxyMode

	// LocalIP is the address the proxy itself is reachable at, used by
	// [InboundConn] in shared mode to detect self-calls. Set by [NewConfig]
	// to the unspecified IPv4 address.
	LocalIP netip.Addr

	// Network is the network passed to [*ConnectFunc] (either "tcp" or
	// "udp") and recorded as [AuthContext.DstNetwork] for inbound
	// connections. Set by [NewConfig] to "tcp".
	Network string

	// InboundPlaintextAddr is the address the plaintext inbound listener
	// binds to. Set by [NewConfig] to ":15006", ztunnel's inbound
	// plaintext-passthrough port.
	InboundPlaintextAddr string

	// EnableOriginalSource records whether the surrounding proxy reuses
	// the original client's source address for outbound dials. It is
	// carried as configuration only: no code in this package reads it, and
	// [*ConnectFunc] always dials from the proxy's own address. Set by
	// [NewConfig] to false.
	EnableOriginalSource bool
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:               &net.Dialer{},
		ErrClassifier:        DefaultErrClassifier,
		TimeNow:              time.Now,
		ProxyMode:            ProxyModeShared,
		LocalIP:              netip.IPv4Unspecified(),
		Network:              "tcp",
		InboundPlaintextAddr: ":15006",
		EnableOriginalSource: false,
	}
}
