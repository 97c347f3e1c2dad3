package stack

import (
	"bytes"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
)

const (
	icmpTypeEchoRequest = layers.ICMPv6TypeEchoRequest
	icmpTypeEchoReply   = layers.ICMPv6TypeEchoReply
	echoHeaderLength    = 8
)

// Input processes one Ethernet frame received on interface name
func (s *Stack) Input(name string, frame []byte) {
	a, ok := s.attach[name]
	if !ok {
		s.log.WithFields(log.Fields{"interface": name}).Warn("frame for unknown interface")
		return
	}
	df := gopacket.NilDecodeFeedback

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, df); err != nil {
		s.log.WithError(err).Debug("ethernet decode")
		return
	}
	if eth.EthernetType != layers.EthernetTypeIPv6 {
		return
	}
	if !bytes.Equal(eth.DstMAC, a.ifc.HWAddr()) && !isIPv6MulticastMAC(eth.DstMAC) {
		return
	}

	var ip layers.IPv6
	if err := ip.DecodeFromBytes(eth.Payload, df); err != nil {
		s.log.WithError(err).Debug("ipv6 decode")
		return
	}
	if ip.Version != 6 || ip.NextHeader == layers.IPProtocolIPv6HopByHop {
		return
	}
	src, dst := addrOf(ip.SrcIP), addrOf(ip.DstIP)
	if !s.accepts(a, dst) {
		return
	}
	if src.IsMulticast() {
		s.log.WithFields(log.Fields{"src": src}).Debug("multicast source address")
		return
	}
	datagram := eth.Payload[:ip6.HeaderLength+len(ip.Payload)]
	s.deliver(a, src, dst, uint8(ip.NextHeader), ip.Payload, datagram, false)
}

// accepts reports whether dst is one of our addresses (Tentative ones
// included, Neighbor Discovery needs them) or a group we listen to
func (s *Stack) accepts(a *attachment, dst netip.Addr) bool {
	if a.ifc.IsMember(dst) || a.ifc.AddrInfo(dst) != nil {
		return true
	}
	return a.router != nil && dst == ip6.AllRouters
}

func (s *Stack) deliver(a *attachment, src, dst netip.Addr, next uint8, payload, datagram []byte, reassembled bool) {
	switch layers.IPProtocol(next) {
	case layers.IPProtocolIPv6Fragment:
		s.fragmentInput(a, src, dst, payload, datagram)
	case layers.IPProtocolICMPv6:
		s.icmpInput(a, src, dst, payload, datagram, reassembled)
	default:
		if a.nd.Disabled() || !(dst.IsMulticast() || a.ifc.IsMyAddr(dst)) {
			return
		}
		if h, ok := s.handler[next]; ok {
			h(a.ifc, src, dst, payload)
		}
	}
}

func (s *Stack) icmpInput(a *attachment, src, dst netip.Addr, payload, datagram []byte, reassembled bool) {
	typ, _, err := ndmsg.Header(payload)
	if err != nil {
		return
	}
	if !ndmsg.VerifyChecksum(src, dst, payload) {
		s.log.WithFields(log.Fields{"interface": a.ifc.Name(), "type": typ, "src": src}).Debug("icmpv6 checksum mismatch")
		return
	}

	switch typ {
	case ndmsg.TypeRouterSolicitation:
		if a.router != nil && !reassembled {
			a.router.solicitation(src, datagram, payload)
		}
		return
	case ndmsg.TypeRouterAdvertisement, ndmsg.TypeNeighborSolicitation,
		ndmsg.TypeNeighborAdvertisement, ndmsg.TypeRedirect:
		if reassembled {
			s.log.WithFields(log.Fields{"type": ndmsg.TypeName(typ)}).Debug("fragmented neighbor discovery message")
			return
		}
		icmp, ipb := s.pool.FromBytes(payload), s.pool.FromBytes(datagram)
		switch typ {
		case ndmsg.TypeRouterAdvertisement:
			a.nd.RouterAdvertisementReceive(src, dst, icmp, ipb)
		case ndmsg.TypeNeighborSolicitation:
			a.nd.NeighborSolicitationReceive(src, dst, icmp, ipb)
		case ndmsg.TypeNeighborAdvertisement:
			a.nd.NeighborAdvertisementReceive(src, dst, icmp, ipb)
		case ndmsg.TypeRedirect:
			a.nd.RedirectReceive(src, dst, icmp, ipb)
		}
		return
	}

	if a.nd.Disabled() || !(dst.IsMulticast() || a.ifc.IsMyAddr(dst)) {
		return
	}
	if typ == icmpTypeEchoRequest {
		s.echoReply(src, dst, payload)
		return
	}
	if h, ok := s.handler[uint8(layers.IPProtocolICMPv6)]; ok {
		h(a.ifc, src, dst, payload)
	}
}

// echoReply answers an echo request from the address it was sent to, or
// from a selected source when it was sent to a group
func (s *Stack) echoReply(src, dst netip.Addr, request []byte) {
	var echo layers.ICMPv6Echo
	if err := echo.DecodeFromBytes(request[4:], gopacket.NilDecodeFeedback); err != nil {
		return
	}
	reply, err := echoMessage(icmpTypeEchoReply, echo.Identifier, echo.SeqNumber, request[echoHeaderLength:])
	if err != nil {
		s.log.WithError(err).Error("building echo reply")
		return
	}
	from := dst
	if dst.IsMulticast() {
		from = netip.Addr{}
	}
	if err := s.send(from, src, uint8(layers.IPProtocolICMPv6), reply); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"to": src}).Debug("echo reply")
	}
}

func isIPv6MulticastMAC(mac net.HardwareAddr) bool {
	return len(mac) == 6 && mac[0] == 0x33 && mac[1] == 0x33
}

func addrOf(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip.To16())
	if !ok {
		return netip.Addr{}
	}
	return a
}

func ipOf(a netip.Addr) net.IP {
	b := a.As16()
	return net.IP(b[:])
}
