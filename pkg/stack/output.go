package stack

import (
	"math/bits"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/nd6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
	"github.com/kube-vip/nd6/pkg/netbuf"
	"github.com/kube-vip/nd6/pkg/netif"
)

var _ nd6.Output = (*Stack)(nil)

// Output sends an ICMPv6 message built by Neighbor Discovery. The next hop
// is the destination itself: multicast groups map onto their Ethernet
// group, unicast destinations without a link-layer address wait for address
// resolution.
func (s *Stack) Output(ifc *netif.Interface, src, dst netip.Addr, hopLimit uint8, icmp *netbuf.Buffer) {
	defer icmp.Free()
	a, ok := s.attach[ifc.Name()]
	if !ok {
		return
	}
	datagram, err := ipv6Datagram(src, dst, layers.IPProtocolICMPv6, hopLimit, icmp.Bytes())
	if err != nil {
		s.log.WithError(err).Error("building neighbor discovery datagram")
		return
	}
	if dst.IsMulticast() {
		s.frame(a, ip6.MulticastMAC(dst), datagram)
		return
	}
	n := a.nd.NeighborCacheGet(dst)
	switch {
	case n == nil:
		s.log.WithFields(log.Fields{"interface": ifc.Name(), "dst": dst}).Debug("resolving destination of neighbor discovery message")
		a.nd.NeighborResolve(dst, src, s.pool.FromBytes(datagram))
	case n.LinkAddr() == nil:
		a.nd.EnqueueWaiting(n, s.pool.FromBytes(datagram))
	default:
		s.frame(a, n.LinkAddr(), datagram)
	}
}

// OutputLink transmits a datagram that waited for address resolution
func (s *Stack) OutputLink(ifc *netif.Interface, nextHop netip.Addr, datagram *netbuf.Buffer) {
	defer datagram.Free()
	a, ok := s.attach[ifc.Name()]
	if !ok {
		return
	}
	n := a.nd.NeighborCacheGet(nextHop)
	if n == nil || n.LinkAddr() == nil {
		return
	}
	s.frame(a, n.LinkAddr(), datagram.Bytes())
}

// SelectSourceAddr picks the source for dst: the link-local address for
// link-local and link-scope multicast destinations, otherwise the preferred
// global address sharing the longest prefix with dst. Tentative addresses
// are never picked.
func (s *Stack) SelectSourceAddr(ifc *netif.Interface, dst netip.Addr) (netip.Addr, bool) {
	if ip6.IsLinkLocal(dst) || dst.IsLinkLocalMulticast() || dst.IsInterfaceLocalMulticast() {
		return ifc.LinkLocal()
	}
	var best netip.Addr
	bestLen := -1
	table := ifc.Table()
	for i := range table {
		a := &table[i]
		if a.State != netif.AddrPreferred || ip6.IsLinkLocal(a.Address) {
			continue
		}
		if l := commonPrefixLen(a.Address, dst); l > bestLen {
			best, bestLen = a.Address, l
		}
	}
	if best.IsValid() {
		return best, true
	}
	return ifc.LinkLocal()
}

func commonPrefixLen(a, b netip.Addr) int {
	x, y := a.As16(), b.As16()
	for i := range x {
		if d := x[i] ^ y[i]; d != 0 {
			return i*8 + bits.LeadingZeros8(d)
		}
	}
	return 128
}

// Send transmits payload as next header proto to dst. ICMPv6 payloads get
// their checksum filled in. Datagrams above the path MTU are fragmented.
func (s *Stack) Send(dst netip.Addr, proto uint8, payload []byte) error {
	return s.send(netip.Addr{}, dst, proto, payload)
}

// Ping sends an echo request
func (s *Stack) Ping(dst netip.Addr, id, seq uint16, data []byte) error {
	msg, err := echoMessage(icmpTypeEchoRequest, id, seq, data)
	if err != nil {
		return err
	}
	return s.Send(dst, uint8(layers.IPProtocolICMPv6), msg)
}

func (s *Stack) send(src, dst netip.Addr, proto uint8, payload []byte) error {
	a, err := s.route(dst)
	if err != nil {
		return err
	}
	if !src.IsValid() {
		var ok bool
		if src, ok = s.SelectSourceAddr(a.ifc, dst); !ok {
			return errors.Wrapf(ErrNoSourceAddress, "sending to %s", dst)
		}
	}
	if layers.IPProtocol(proto) == layers.IPProtocolICMPv6 {
		payload = append([]byte(nil), payload...)
		ndmsg.SetChecksum(src, dst, payload)
	}

	mtu := a.ifc.PMTU()
	if mtu == 0 {
		mtu = a.nd.MTU()
	}
	datagrams, err := s.fragment(src, dst, proto, a.nd.CurHopLimit(), payload, int(mtu))
	if err != nil {
		return err
	}
	for _, d := range datagrams {
		if err := s.sendDatagram(a, src, dst, d); err != nil {
			return err
		}
	}
	return nil
}

// route returns the interface traffic to dst leaves through
func (s *Stack) route(dst netip.Addr) (*attachment, error) {
	ifaces := s.ifaces.List()
	if len(ifaces) == 0 {
		return nil, errors.Wrapf(ErrNoRoute, "%s", dst)
	}
	if ip6.IsLinkLocal(dst) || dst.IsMulticast() {
		return s.attach[ifaces[0].Name()], nil
	}
	for _, ifc := range ifaces {
		a := s.attach[ifc.Name()]
		if onLink(a, dst) || a.nd.RedirectAddr(dst) != dst {
			return a, nil
		}
	}
	for _, ifc := range ifaces {
		a := s.attach[ifc.Name()]
		if a.nd.DefaultRouterGet() != nil {
			return a, nil
		}
	}
	return nil, errors.Wrapf(ErrNoRoute, "%s", dst)
}

// onLink reports whether dst is on-link: advertised as such or covered by
// the prefix of a manually configured address
func onLink(a *attachment, dst netip.Addr) bool {
	if a.nd.AddrIsOnLink(dst) {
		return true
	}
	table := a.ifc.Table()
	for i := range table {
		addr := &table[i]
		if addr.Used() && addr.Type == netif.AddrManual && ip6.PrefixMatch(addr.Address, dst, addr.PrefixLength) {
			return true
		}
	}
	return false
}

// sendDatagram resolves the next hop of dst and hands datagram to the link,
// queueing it on the neighbor entry while resolution is in progress
func (s *Stack) sendDatagram(a *attachment, src, dst netip.Addr, datagram []byte) error {
	if dst.IsMulticast() {
		s.frame(a, ip6.MulticastMAC(dst), datagram)
		return nil
	}
	next := a.nd.RedirectAddr(dst)
	if next == dst && !onLink(a, dst) {
		r := a.nd.DefaultRouterGet()
		if r == nil {
			return errors.Wrapf(ErrNoRoute, "%s", dst)
		}
		next = r.IPAddr
	}

	n := a.nd.NeighborCacheGet(next)
	switch {
	case n == nil:
		a.nd.NeighborResolve(next, src, s.pool.FromBytes(datagram))
	case n.State == nd6.NeighborIncomplete:
		a.nd.EnqueueWaiting(n, s.pool.FromBytes(datagram))
	default:
		a.nd.NeighborUsed(n)
		s.frame(a, n.LinkAddr(), datagram)
	}
	return nil
}

// frame wraps datagram in an Ethernet header and puts it on the link
func (s *Stack) frame(a *attachment, dst net.HardwareAddr, datagram []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       a.ifc.HWAddr(),
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv6,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(datagram)); err != nil {
		s.log.WithError(err).Error("ethernet framing")
		return
	}
	a.link.Send(buf.Bytes())
}

func ipv6Datagram(src, dst netip.Addr, next layers.IPProtocol, hopLimit uint8, payload []byte) ([]byte, error) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: next,
		HopLimit:   hopLimit,
		SrcIP:      ipOf(src),
		DstIP:      ipOf(dst),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ip, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, "serializing ipv6 header")
	}
	return buf.Bytes(), nil
}

// echoMessage builds an ICMPv6 echo message with a zero checksum, Send
// fills it in once the source address is known
func echoMessage(typ uint8, id, seq uint16, data []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, 0)},
		&layers.ICMPv6Echo{Identifier: id, SeqNumber: seq},
		gopacket.Payload(data))
	if err != nil {
		return nil, errors.Wrap(err, "serializing echo")
	}
	return buf.Bytes(), nil
}
