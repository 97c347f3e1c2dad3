package ndmsg

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// marshalOptions builds the option chain of m in wire order
func marshalOptions(m Message) ([]byte, error) {
	var out []byte
	var err error
	switch msg := m.(type) {
	case *NeighborSolicitation:
		out, err = appendLinkAddr(out, OptionSourceLinkAddr, msg.SourceLinkAddr)
	case *NeighborAdvertisement:
		out, err = appendLinkAddr(out, OptionTargetLinkAddr, msg.TargetLinkAddr)
	case *RouterSolicitation:
		out, err = appendLinkAddr(out, OptionSourceLinkAddr, msg.SourceLinkAddr)
	case *Redirect:
		out, err = appendLinkAddr(out, OptionTargetLinkAddr, msg.TargetLinkAddr)
	case *RouterAdvertisement:
		out, err = appendLinkAddr(out, OptionSourceLinkAddr, msg.SourceLinkAddr)
		if err != nil {
			return nil, err
		}
		if msg.MTU != 0 {
			o := make([]byte, 8)
			o[0] = byte(OptionMTU)
			o[1] = 1
			binary.BigEndian.PutUint32(o[4:], msg.MTU)
			out = append(out, o...)
		}
		for _, p := range msg.Prefixes {
			out = appendPrefixInfo(out, p)
		}
		for _, r := range msg.RecursiveDNS {
			out = appendRecursiveDNS(out, r)
		}
	}
	return out, err
}

func appendLinkAddr(out []byte, t layers.ICMPv6Opt, hw net.HardwareAddr) ([]byte, error) {
	if len(hw) == 0 {
		return out, nil
	}
	if len(hw) > maxLinkLayerAddrBytes {
		return nil, fmt.Errorf("%w: %d byte link-layer address", ErrMalformedOption, len(hw))
	}
	o := make([]byte, LinkAddrOptionLength(len(hw)))
	o[0] = byte(t)
	o[1] = byte(len(o) / optionUnitLength)
	copy(o[2:], hw)
	return append(out, o...), nil
}

func appendPrefixInfo(out []byte, p PrefixInformation) []byte {
	o := make([]byte, 2+prefixInfoDataLength)
	o[0] = byte(OptionPrefixInfo)
	o[1] = 4
	o[2] = p.PrefixLength
	if p.OnLink {
		o[3] |= prefixFlagOnLink
	}
	if p.Autonomous {
		o[3] |= prefixFlagAutonomous
	}
	binary.BigEndian.PutUint32(o[4:8], p.ValidLifetime)
	binary.BigEndian.PutUint32(o[8:12], p.PreferredLifetime)
	prefix := p.Prefix
	if !prefix.IsValid() {
		prefix = netip.IPv6Unspecified()
	}
	b := prefix.As16()
	copy(o[16:32], b[:])
	return append(out, o...)
}

func appendRecursiveDNS(out []byte, r RecursiveDNS) []byte {
	o := make([]byte, 8+net.IPv6len*len(r.Servers))
	o[0] = byte(OptionRecursiveDNS)
	o[1] = byte(len(o) / optionUnitLength)
	binary.BigEndian.PutUint32(o[4:8], r.Lifetime)
	for n, s := range r.Servers {
		b := s.As16()
		copy(o[8+n*net.IPv6len:], b[:])
	}
	return append(out, o...)
}
