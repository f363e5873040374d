// SPDX-License-Identifier: GPL-3.0-or-later

package tunburst

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000

	// MTUTunnel is the default MTU of a [*TUN]. It leaves room for
	// encapsulation overhead when the tunnel itself rides on Ethernet.
	MTUTunnel = 1300
)
