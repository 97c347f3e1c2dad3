package ndmsg

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Checksum returns the ICMPv6 checksum of msg over the IPv6 pseudo-header.
// The checksum field of msg is included as is, so a received message with a
// correct checksum sums to zero.
func Checksum(src, dst netip.Addr, msg []byte) uint16 {
	xsum := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber,
		tcpip.AddrFrom16(src.As16()), tcpip.AddrFrom16(dst.As16()), uint16(len(msg)))
	return ^checksum.Checksum(msg, xsum)
}

// VerifyChecksum reports whether msg carries a valid ICMPv6 checksum
func VerifyChecksum(src, dst netip.Addr, msg []byte) bool {
	return len(msg) >= icmpHeaderLength && Checksum(src, dst, msg) == 0
}

// SetChecksum recomputes the checksum field of msg in place
func SetChecksum(src, dst netip.Addr, msg []byte) {
	if len(msg) < icmpHeaderLength {
		return
	}
	h := header.ICMPv6(msg)
	h.SetChecksum(0)
	h.SetChecksum(Checksum(src, dst, msg))
}
