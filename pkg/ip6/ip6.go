package ip6

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/mdlayher/ndp"
)

const (
	// MinMTU is the smallest link MTU an IPv6 link may have (RFC8200).
	MinMTU = 1280

	// HeaderLength is the size of the fixed IPv6 header
	HeaderLength = 40

	// NDHopLimit is the only hop limit accepted on, and used for, Neighbor Discovery messages
	NDHopLimit = 255

	// DefaultHopLimit is used for ordinary traffic until a router advertises another value
	DefaultHopLimit = 64

	// InfiniteLifetime marks a prefix or address lifetime that never expires
	InfiniteLifetime uint32 = 0xFFFFFFFF

	// InterfaceIDLength is the number of bits SLAAC appends to an advertised prefix
	InterfaceIDLength = 64

	// MaxHWAddrLen bounds the link-layer addresses the neighbor cache can hold
	MaxHWAddrLen = 16
)

var (
	// AllNodes is the link-local all-nodes multicast group
	AllNodes = netip.MustParseAddr("ff02::1")

	// AllRouters is the link-local all-routers multicast group
	AllRouters = netip.MustParseAddr("ff02::2")

	// LinkLocalPrefix is the prefix every interface is on-link for
	LinkLocalPrefix = netip.MustParsePrefix("fe80::/64")

	// Unspecified is "::"
	Unspecified = netip.IPv6Unspecified()
)

// ErrUnsupportedHWAddr is returned for hardware addresses that are neither 48-bit MAC nor EUI-64
var ErrUnsupportedHWAddr = errors.New("unsupported hardware address size")

// IsIPv6 returns true only if address is a valid IPv6 address
func IsIPv6(address string) bool {
	addr, err := netip.ParseAddr(StripCIDR(address))
	if err != nil {
		return false
	}
	return addr.Is6() && !addr.Is4In6()
}

// StripCIDR removes the CIDR notation (e.g., "/64") from an address string.
// If no CIDR notation is present, the original string is returned unchanged.
func StripCIDR(ip string) string {
	if idx := strings.Index(ip, "/"); idx >= 0 {
		return ip[:idx]
	}
	return ip
}

// IsLinkLocal reports whether addr is a unicast fe80::/10 address
func IsLinkLocal(addr netip.Addr) bool {
	return addr.Is6() && addr.IsLinkLocalUnicast()
}

// IsSolicitedNodeMulticast reports whether addr lies in ff02::1:ff00:0/104
func IsSolicitedNodeMulticast(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}
	b := addr.As16()
	return b[0] == 0xff && b[1] == 0x02 &&
		b[2] == 0 && b[3] == 0 && b[4] == 0 && b[5] == 0 && b[6] == 0 && b[7] == 0 &&
		b[8] == 0 && b[9] == 0 && b[10] == 0 && b[11] == 0x01 && b[12] == 0xff
}

// SolicitedNodeMulticast returns the solicited-node multicast group for addr
func SolicitedNodeMulticast(addr netip.Addr) (netip.Addr, error) {
	group, err := ndp.SolicitedNodeMulticast(addr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("solicited-node group for %s: %w", addr, err)
	}
	return group, nil
}

// InterfaceID derives the modified EUI-64 interface identifier (RFC4291
// appendix A) from a 48-bit MAC or a 64-bit EUI-64 hardware address.
func InterfaceID(hw net.HardwareAddr) ([8]byte, error) {
	var id [8]byte
	switch len(hw) {
	case 6:
		copy(id[0:3], hw[0:3])
		id[3] = 0xff
		id[4] = 0xfe
		copy(id[5:8], hw[3:6])
	case 8:
		copy(id[:], hw)
	default:
		return id, fmt.Errorf("%w: %d bytes", ErrUnsupportedHWAddr, len(hw))
	}
	id[0] ^= 0x02
	return id, nil
}

// AddrFromPrefix joins the upper 64 bits of prefix with an interface identifier
func AddrFromPrefix(prefix netip.Addr, id [8]byte) netip.Addr {
	b := prefix.As16()
	copy(b[8:], id[:])
	return netip.AddrFrom16(b)
}

// LinkLocalAddr returns the fe80::/64 address formed from the hardware address
func LinkLocalAddr(hw net.HardwareAddr) (netip.Addr, error) {
	id, err := InterfaceID(hw)
	if err != nil {
		return netip.Addr{}, err
	}
	return AddrFromPrefix(LinkLocalPrefix.Addr(), id), nil
}

// PrefixMatch reports whether the first bits of a and b are equal
func PrefixMatch(a, b netip.Addr, bits int) bool {
	if !a.Is6() || !b.Is6() || bits < 0 || bits > 128 {
		return false
	}
	p, err := a.Prefix(bits)
	if err != nil {
		return false
	}
	return p.Contains(b)
}

// MulticastMAC maps an IPv6 multicast group onto its 33:33:xx:xx:xx:xx Ethernet address
func MulticastMAC(group netip.Addr) net.HardwareAddr {
	b := group.As16()
	return net.HardwareAddr{0x33, 0x33, b[12], b[13], b[14], b[15]}
}
