// Package ndmsg encodes and decodes the ICMPv6 Neighbor Discovery messages of
// RFC4861 (and the RDNSS option of RFC6106).
//
// Every buffer handled here is a complete ICMPv6 message: type, code,
// checksum, then the message body and its option chain.
package ndmsg

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// ICMPv6 message types handled by Neighbor Discovery
const (
	TypeRouterSolicitation    uint8 = layers.ICMPv6TypeRouterSolicitation
	TypeRouterAdvertisement   uint8 = layers.ICMPv6TypeRouterAdvertisement
	TypeNeighborSolicitation  uint8 = layers.ICMPv6TypeNeighborSolicitation
	TypeNeighborAdvertisement uint8 = layers.ICMPv6TypeNeighborAdvertisement
	TypeRedirect              uint8 = layers.ICMPv6TypeRedirect
)

// Option types
const (
	OptionSourceLinkAddr  = layers.ICMPv6OptSourceAddress
	OptionTargetLinkAddr  = layers.ICMPv6OptTargetAddress
	OptionPrefixInfo      = layers.ICMPv6OptPrefixInfo
	OptionRedirectedHdr   = layers.ICMPv6OptRedirectedHeader
	OptionMTU             = layers.ICMPv6OptMTU
	OptionRecursiveDNS    = layers.ICMPv6Opt(25)
	optionUnitLength      = 8
	prefixInfoDataLength  = 30
	mtuDataLength         = 6
	rdnssMinDataLength    = 22
	icmpHeaderLength      = 4
	nsMinLength           = 24
	naMinLength           = 24
	rsMinLength           = 8
	raMinLength           = 16
	redirectMinLength     = 40
	naFlagRouter          = 0x80
	naFlagSolicited       = 0x40
	naFlagOverride        = 0x20
	raFlagManaged         = 0x80
	raFlagOther           = 0x40
	prefixFlagOnLink      = 0x80
	prefixFlagAutonomous  = 0x40
	maxLinkLayerAddrBytes = 16
)

var (
	// ErrTruncated is returned when a message is shorter than its fixed part
	ErrTruncated = errors.New("truncated neighbor discovery message")

	// ErrMalformedOption is returned for option chains that cannot be walked:
	// zero length options, options running past the end, short link-layer
	// address options.
	ErrMalformedOption = errors.New("malformed neighbor discovery option")

	// ErrUnknownType is returned for ICMPv6 types that are not Neighbor Discovery
	ErrUnknownType = errors.New("not a neighbor discovery message")
)

// Message is one of the five Neighbor Discovery messages
type Message interface {
	// Type returns the ICMPv6 type of the message
	Type() uint8
	fmt.Stringer
}

// NeighborSolicitation is ICMPv6 type 135
type NeighborSolicitation struct {
	Target netip.Addr
	// SourceLinkAddr is nil when the message carries no SLLA option
	SourceLinkAddr net.HardwareAddr
}

func (m *NeighborSolicitation) Type() uint8 { return TypeNeighborSolicitation }

func (m *NeighborSolicitation) String() string {
	return fmt.Sprintf("NS target=%s slla=%s", m.Target, m.SourceLinkAddr)
}

// NeighborAdvertisement is ICMPv6 type 136
type NeighborAdvertisement struct {
	Router    bool
	Solicited bool
	Override  bool
	Target    netip.Addr
	// TargetLinkAddr is nil when the message carries no TLLA option
	TargetLinkAddr net.HardwareAddr
}

func (m *NeighborAdvertisement) Type() uint8 { return TypeNeighborAdvertisement }

func (m *NeighborAdvertisement) String() string {
	return fmt.Sprintf("NA target=%s tlla=%s R=%t S=%t O=%t", m.Target, m.TargetLinkAddr, m.Router, m.Solicited, m.Override)
}

// RouterSolicitation is ICMPv6 type 133
type RouterSolicitation struct {
	SourceLinkAddr net.HardwareAddr
}

func (m *RouterSolicitation) Type() uint8 { return TypeRouterSolicitation }

func (m *RouterSolicitation) String() string {
	return fmt.Sprintf("RS slla=%s", m.SourceLinkAddr)
}

// PrefixInformation is the 32 byte option of type 3
type PrefixInformation struct {
	PrefixLength      uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            netip.Addr
}

// RecursiveDNS is the RFC6106 option of type 25
type RecursiveDNS struct {
	Lifetime uint32
	Servers  []netip.Addr
}

// RouterAdvertisement is ICMPv6 type 134
type RouterAdvertisement struct {
	CurHopLimit    uint8
	Managed        bool
	Other          bool
	RouterLifetime uint16
	ReachableTime  uint32
	RetransTimer   uint32

	SourceLinkAddr net.HardwareAddr
	// MTU is 0 when no MTU option is present
	MTU          uint32
	Prefixes     []PrefixInformation
	RecursiveDNS []RecursiveDNS
}

func (m *RouterAdvertisement) Type() uint8 { return TypeRouterAdvertisement }

func (m *RouterAdvertisement) String() string {
	return fmt.Sprintf("RA hoplimit=%d lifetime=%d reachable=%d retrans=%d slla=%s mtu=%d prefixes=%d rdnss=%d",
		m.CurHopLimit, m.RouterLifetime, m.ReachableTime, m.RetransTimer, m.SourceLinkAddr, m.MTU, len(m.Prefixes), len(m.RecursiveDNS))
}

// Redirect is ICMPv6 type 137
type Redirect struct {
	Target         netip.Addr
	Destination    netip.Addr
	TargetLinkAddr net.HardwareAddr
}

func (m *Redirect) Type() uint8 { return TypeRedirect }

func (m *Redirect) String() string {
	return fmt.Sprintf("Redirect target=%s destination=%s tlla=%s", m.Target, m.Destination, m.TargetLinkAddr)
}

// LinkAddrOptionLength is the on-wire size of a link-layer address option
// carrying hwAddrSize bytes: type and length plus the address, rounded up to
// the 8 byte option unit.
func LinkAddrOptionLength(hwAddrSize int) int {
	return (2 + hwAddrSize + optionUnitLength - 1) / optionUnitLength * optionUnitLength
}

// TypeName returns a short label for an ICMPv6 Neighbor Discovery type
func TypeName(t uint8) string {
	switch t {
	case TypeRouterSolicitation:
		return "rs"
	case TypeRouterAdvertisement:
		return "ra"
	case TypeNeighborSolicitation:
		return "ns"
	case TypeNeighborAdvertisement:
		return "na"
	case TypeRedirect:
		return "redirect"
	}
	return fmt.Sprintf("icmpv6-%d", t)
}
