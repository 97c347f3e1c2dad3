package nd6

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
	"github.com/kube-vip/nd6/pkg/netbuf"
	"github.com/kube-vip/nd6/pkg/netif"
)

// RDStart begins Router Discovery: one solicitation now, the rest from the
// tick until a default router shows up
func (s *State) RDStart() {
	if s.router {
		return
	}
	s.rdTransmitCounter = MaxRtrSolicitations - 1
	s.rdTime = s.now()
	s.RouterSolicitationSend()
}

func (s *State) rdTimer() {
	if s.rdTransmitCounter == 0 {
		return
	}
	if s.DefaultRouterGet() != nil {
		s.rdTransmitCounter = 0
		return
	}
	if s.elapsed(s.rdTime, RtrSolicitationInterval) {
		s.rdTransmitCounter--
		s.rdTime = s.now()
		s.RouterSolicitationSend()
	}
}

// RouterAdvertisementReceive processes a Router Advertisement (RFC4861
// section 6.3.4, RFC4862 section 5.5.3 and RFC6106). Both buffers are
// consumed.
func (s *State) RouterAdvertisementReceive(src, dst netip.Addr, icmp, ip *netbuf.Buffer) {
	defer icmp.Free()
	defer ip.Free()

	typ := ndmsg.TypeRouterAdvertisement
	m, ok := s.input(typ, icmp, ip)
	if !ok {
		return
	}
	if s.router {
		s.discard(typ, reasonRouter)
		return
	}
	if !ip6.IsLinkLocal(src) {
		s.discard(typ, reasonSource)
		return
	}
	msg := m.(*ndmsg.RouterAdvertisement)
	if len(msg.Prefixes) > s.limits.PrefixListSize {
		msg.Prefixes = msg.Prefixes[:s.limits.PrefixListSize]
	}

	if msg.CurHopLimit != 0 {
		s.curHopLimit = msg.CurHopLimit
	}
	if msg.ReachableTime != 0 {
		s.reachableTime = time.Duration(msg.ReachableTime) * time.Millisecond
	}
	if msg.RetransTimer != 0 {
		s.retransTimer = time.Duration(msg.RetransTimer) * time.Millisecond
	}
	if msg.MTU != 0 {
		s.adoptMTU(msg.MTU)
	}

	var n *Neighbor
	if msg.SourceLinkAddr != nil {
		n = s.NeighborLinkAddrUpdate(src, msg.SourceLinkAddr)
	} else if n = s.NeighborCacheGet(src); n == nil {
		n = s.NeighborCacheAdd(src, nil, NeighborIncomplete)
	}
	s.RouterListAdd(n, msg.RouterLifetime)

	for _, p := range msg.Prefixes {
		s.prefixInformation(p)
	}
	for _, r := range msg.RecursiveDNS {
		for _, server := range r.Servers {
			s.rdnssUpdate(server, r.Lifetime)
		}
	}
}

// adoptMTU takes an advertised link MTU between the IPv6 minimum and the
// physical MTU. Path MTU, when tracked, only ever goes down.
func (s *State) adoptMTU(mtu uint32) {
	if mtu < ip6.MinMTU || mtu > s.ifc.MTU() {
		s.log.WithFields(log.Fields{"mtu": mtu, "link": s.ifc.MTU()}).Debug("ignoring advertised mtu")
		return
	}
	s.mtu = mtu
	if pmtu := s.ifc.PMTU(); pmtu != 0 && mtu < pmtu {
		s.ifc.SetPMTU(mtu)
	}
}

func (s *State) prefixInformation(p ndmsg.PrefixInformation) {
	if p.PrefixLength > 128 || !p.Prefix.Is6() || ip6.IsLinkLocal(p.Prefix) {
		return
	}
	prefix := netip.PrefixFrom(p.Prefix, int(p.PrefixLength)).Masked()

	if p.OnLink {
		entry := s.PrefixListGet(prefix)
		switch {
		case entry == nil && p.ValidLifetime != 0:
			s.prefixListAdd(prefix, p.ValidLifetime)
		case entry != nil && p.ValidLifetime != 0:
			entry.Lifetime = p.ValidLifetime
			entry.CreationTime = s.now()
		case entry != nil:
			s.prefixListDel(entry)
		}
	}

	if p.Autonomous && p.ValidLifetime != 0 && p.PreferredLifetime <= p.ValidLifetime &&
		p.PrefixLength == ip6.InterfaceIDLength {
		s.autoconfigure(prefix, p.ValidLifetime)
	}
}

// autoconfigure forms an address from prefix and the interface identifier,
// or re-arms the lifetime of the one formed earlier
func (s *State) autoconfigure(prefix netip.Prefix, valid uint32) {
	table := s.ifc.Table()
	for i := range table {
		a := &table[i]
		if a.Used() && a.Type == netif.AddrAutoconfigurable && prefix.Contains(a.Address) {
			s.rearmLifetime(a, valid)
			return
		}
	}

	id, err := ip6.InterfaceID(s.ifc.HWAddr())
	if err != nil {
		s.log.WithError(err).Error("stateless autoconfiguration")
		return
	}
	addr := ip6.AddrFromPrefix(prefix.Addr(), id)
	if _, err := s.BindAddr(addr, netif.AddrAutoconfigurable, valid, prefix.Bits()); err != nil {
		s.log.WithError(err).WithFields(log.Fields{"ip": addr}).Warn("stateless autoconfiguration")
	}
}

// rearmLifetime applies RFC4862 section 5.5.3 (e): an advertised valid
// lifetime above two hours or above the remaining one is taken, a remaining
// lifetime of two hours or less is left alone, anything else is cut to two
// hours.
func (s *State) rearmLifetime(a *netif.Addr, valid uint32) {
	remaining := ip6.InfiniteLifetime
	if a.Lifetime != ip6.InfiniteLifetime {
		spent := uint32(s.now().Sub(a.CreationTime) / time.Second)
		if spent >= a.Lifetime {
			remaining = 0
		} else {
			remaining = a.Lifetime - spent
		}
	}

	var lifetime uint32
	switch {
	case valid > TwoHours || valid > remaining:
		lifetime = valid
	case remaining <= TwoHours:
		return
	default:
		lifetime = TwoHours
	}
	a.Lifetime = lifetime
	a.CreationTime = s.now()
}
