package ndmsg

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Marshal encodes m as an ICMPv6 message with the checksum computed over the
// IPv6 pseudo-header of src and dst. Link-layer address options are padded
// to the 8 byte option unit.
func Marshal(m Message, src, dst netip.Addr) ([]byte, error) {
	body, err := messageLayer(m)
	if err != nil {
		return nil, err
	}
	opts, err := marshalOptions(m)
	if err != nil {
		return nil, err
	}

	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(m.Type(), 0),
	}
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("icmpv6 checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true},
		icmp, body, gopacket.Payload(opts))
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", TypeName(m.Type()), err)
	}
	return buf.Bytes(), nil
}

// messageLayer returns the fixed part of m as a gopacket layer. Options are
// serialized separately so their order is kept.
func messageLayer(m Message) (gopacket.SerializableLayer, error) {
	switch msg := m.(type) {
	case *NeighborSolicitation:
		return &layers.ICMPv6NeighborSolicitation{TargetAddress: ipOf(msg.Target)}, nil
	case *NeighborAdvertisement:
		var flags uint8
		if msg.Router {
			flags |= naFlagRouter
		}
		if msg.Solicited {
			flags |= naFlagSolicited
		}
		if msg.Override {
			flags |= naFlagOverride
		}
		return &layers.ICMPv6NeighborAdvertisement{Flags: flags, TargetAddress: ipOf(msg.Target)}, nil
	case *RouterSolicitation:
		return &layers.ICMPv6RouterSolicitation{}, nil
	case *RouterAdvertisement:
		var flags uint8
		if msg.Managed {
			flags |= raFlagManaged
		}
		if msg.Other {
			flags |= raFlagOther
		}
		return &layers.ICMPv6RouterAdvertisement{
			HopLimit:       msg.CurHopLimit,
			Flags:          flags,
			RouterLifetime: msg.RouterLifetime,
			ReachableTime:  msg.ReachableTime,
			RetransTimer:   msg.RetransTimer,
		}, nil
	case *Redirect:
		return &layers.ICMPv6Redirect{
			TargetAddress:      ipOf(msg.Target),
			DestinationAddress: ipOf(msg.Destination),
		}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
}

func ipOf(a netip.Addr) net.IP {
	if !a.IsValid() {
		return net.IP(make([]byte, net.IPv6len))
	}
	b := a.As16()
	return net.IP(b[:])
}

// Header reads the type and code of an ICMPv6 message without decoding the body
func Header(b []byte) (typ, code uint8, err error) {
	if len(b) < icmpHeaderLength {
		return 0, 0, ErrTruncated
	}
	return b[0], b[1], nil
}

// Parse decodes an ICMPv6 Neighbor Discovery message. hwAddrSize is the
// hardware address size of the receiving link: link-layer address options
// carry that many bytes followed by padding. Unknown options are skipped, a
// zero length option fails the whole message.
func Parse(b []byte, hwAddrSize int) (Message, error) {
	typ, _, err := Header(b)
	if err != nil {
		return nil, err
	}
	if hwAddrSize <= 0 || hwAddrSize > maxLinkLayerAddrBytes {
		return nil, fmt.Errorf("hardware address size %d out of range", hwAddrSize)
	}
	body := b[icmpHeaderLength:]
	df := gopacket.NilDecodeFeedback

	switch typ {
	case TypeNeighborSolicitation:
		if len(b) < nsMinLength {
			return nil, ErrTruncated
		}
		if err := checkOptions(b[nsMinLength:]); err != nil {
			return nil, err
		}
		var l layers.ICMPv6NeighborSolicitation
		if err := l.DecodeFromBytes(body, df); err != nil {
			return nil, wrapDecode(err)
		}
		m := &NeighborSolicitation{Target: addrOf(l.TargetAddress)}
		m.SourceLinkAddr, err = linkAddrOption(l.Options, OptionSourceLinkAddr, hwAddrSize)
		if err != nil {
			return nil, err
		}
		return m, nil

	case TypeNeighborAdvertisement:
		if len(b) < naMinLength {
			return nil, ErrTruncated
		}
		if err := checkOptions(b[naMinLength:]); err != nil {
			return nil, err
		}
		var l layers.ICMPv6NeighborAdvertisement
		if err := l.DecodeFromBytes(body, df); err != nil {
			return nil, wrapDecode(err)
		}
		m := &NeighborAdvertisement{
			Router:    l.Flags&naFlagRouter != 0,
			Solicited: l.Flags&naFlagSolicited != 0,
			Override:  l.Flags&naFlagOverride != 0,
			Target:    addrOf(l.TargetAddress),
		}
		m.TargetLinkAddr, err = linkAddrOption(l.Options, OptionTargetLinkAddr, hwAddrSize)
		if err != nil {
			return nil, err
		}
		return m, nil

	case TypeRouterSolicitation:
		if len(b) < rsMinLength {
			return nil, ErrTruncated
		}
		if err := checkOptions(b[rsMinLength:]); err != nil {
			return nil, err
		}
		var l layers.ICMPv6RouterSolicitation
		if err := l.DecodeFromBytes(body, df); err != nil {
			return nil, wrapDecode(err)
		}
		m := &RouterSolicitation{}
		m.SourceLinkAddr, err = linkAddrOption(l.Options, OptionSourceLinkAddr, hwAddrSize)
		if err != nil {
			return nil, err
		}
		return m, nil

	case TypeRouterAdvertisement:
		if len(b) < raMinLength {
			return nil, ErrTruncated
		}
		if err := checkOptions(b[raMinLength:]); err != nil {
			return nil, err
		}
		var l layers.ICMPv6RouterAdvertisement
		if err := l.DecodeFromBytes(body, df); err != nil {
			return nil, wrapDecode(err)
		}
		return routerAdvertisement(&l, hwAddrSize)

	case TypeRedirect:
		if len(b) < redirectMinLength {
			return nil, ErrTruncated
		}
		if err := checkOptions(b[redirectMinLength:]); err != nil {
			return nil, err
		}
		var l layers.ICMPv6Redirect
		if err := l.DecodeFromBytes(body, df); err != nil {
			return nil, wrapDecode(err)
		}
		m := &Redirect{
			Target:      addrOf(l.TargetAddress),
			Destination: addrOf(l.DestinationAddress),
		}
		m.TargetLinkAddr, err = linkAddrOption(l.Options, OptionTargetLinkAddr, hwAddrSize)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: type %d", ErrUnknownType, typ)
}

func routerAdvertisement(l *layers.ICMPv6RouterAdvertisement, hwAddrSize int) (*RouterAdvertisement, error) {
	m := &RouterAdvertisement{
		CurHopLimit:    l.HopLimit,
		Managed:        l.Flags&raFlagManaged != 0,
		Other:          l.Flags&raFlagOther != 0,
		RouterLifetime: l.RouterLifetime,
		ReachableTime:  l.ReachableTime,
		RetransTimer:   l.RetransTimer,
	}
	var err error
	m.SourceLinkAddr, err = linkAddrOption(l.Options, OptionSourceLinkAddr, hwAddrSize)
	if err != nil {
		return nil, err
	}

	for _, opt := range l.Options {
		switch opt.Type {
		case OptionMTU:
			if len(opt.Data) == mtuDataLength {
				m.MTU = binary.BigEndian.Uint32(opt.Data[2:6])
			}
		case OptionPrefixInfo:
			if len(opt.Data) != prefixInfoDataLength {
				continue
			}
			m.Prefixes = append(m.Prefixes, PrefixInformation{
				PrefixLength:      opt.Data[0],
				OnLink:            opt.Data[1]&prefixFlagOnLink != 0,
				Autonomous:        opt.Data[1]&prefixFlagAutonomous != 0,
				ValidLifetime:     binary.BigEndian.Uint32(opt.Data[2:6]),
				PreferredLifetime: binary.BigEndian.Uint32(opt.Data[6:10]),
				Prefix:            netip.AddrFrom16([16]byte(opt.Data[14:30])),
			})
		case OptionRecursiveDNS:
			if len(opt.Data) < rdnssMinDataLength || (len(opt.Data)-6)%net.IPv6len != 0 {
				continue
			}
			r := RecursiveDNS{Lifetime: binary.BigEndian.Uint32(opt.Data[2:6])}
			for off := 6; off < len(opt.Data); off += net.IPv6len {
				r.Servers = append(r.Servers, netip.AddrFrom16([16]byte(opt.Data[off:off+net.IPv6len])))
			}
			m.RecursiveDNS = append(m.RecursiveDNS, r)
		}
	}
	return m, nil
}

// linkAddrOption returns the first option of type t, trimmed to the link's
// hardware address size. A missing option yields nil.
func linkAddrOption(opts layers.ICMPv6Options, t layers.ICMPv6Opt, hwAddrSize int) (net.HardwareAddr, error) {
	for _, opt := range opts {
		if opt.Type != t {
			continue
		}
		if len(opt.Data) < hwAddrSize {
			return nil, fmt.Errorf("%w: %v option carries %d bytes, link needs %d", ErrMalformedOption, opt.Type, len(opt.Data), hwAddrSize)
		}
		return append(net.HardwareAddr(nil), opt.Data[:hwAddrSize]...), nil
	}
	return nil, nil
}

func addrOf(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip.To16())
	if !ok {
		return netip.Addr{}
	}
	return a
}

// checkOptions walks the option chain: every option needs a non-zero length
// that stays inside the message
func checkOptions(b []byte) error {
	for len(b) > 0 {
		if len(b) < 2 {
			return fmt.Errorf("%w: %d trailing bytes", ErrMalformedOption, len(b))
		}
		n := int(b[1]) * 8
		if n == 0 {
			return fmt.Errorf("%w: option %d has length 0", ErrMalformedOption, b[0])
		}
		if n > len(b) {
			return fmt.Errorf("%w: option %d runs past the end", ErrMalformedOption, b[0])
		}
		b = b[n:]
	}
	return nil
}

func wrapDecode(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedOption, err)
}
