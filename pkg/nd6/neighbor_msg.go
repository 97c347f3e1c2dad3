package nd6

import (
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
	"github.com/kube-vip/nd6/pkg/netbuf"
	"github.com/kube-vip/nd6/pkg/netif"
)

// NeighborSolicitationReceive processes a Neighbor Solicitation (RFC4861
// section 7.2.3) and answers it when the target is ours. Both buffers are
// consumed.
func (s *State) NeighborSolicitationReceive(src, dst netip.Addr, icmp, ip *netbuf.Buffer) {
	defer icmp.Free()
	defer ip.Free()

	typ := ndmsg.TypeNeighborSolicitation
	m, ok := s.input(typ, icmp, ip)
	if !ok {
		return
	}
	msg := m.(*ndmsg.NeighborSolicitation)

	if msg.Target.IsMulticast() {
		s.discard(typ, reasonTarget)
		return
	}
	dad := src.IsUnspecified()
	if dad && (!ip6.IsSolicitedNodeMulticast(dst) || msg.SourceLinkAddr != nil) {
		s.discard(typ, reasonDestination)
		return
	}

	a := s.ifc.AddrInfo(msg.Target)
	if a == nil {
		s.discard(typ, reasonNotOurs)
		return
	}
	if a.State == netif.AddrTentative {
		if dad {
			s.dadFailed(a)
		} else {
			s.discard(typ, reasonTentative)
		}
		return
	}

	if !dad && msg.SourceLinkAddr != nil {
		s.NeighborLinkAddrUpdate(src, msg.SourceLinkAddr)
	}

	flags := FlagOverride
	if s.router {
		flags |= FlagRouter
	}
	reply := src
	if dad {
		reply = ip6.AllNodes
	} else {
		flags |= FlagSolicited
	}
	s.NeighborAdvertisementSend(msg.Target, reply, msg.Target, flags)
}

// NeighborAdvertisementReceive processes a Neighbor Advertisement (RFC4861
// section 7.2.5). Both buffers are consumed.
func (s *State) NeighborAdvertisementReceive(src, dst netip.Addr, icmp, ip *netbuf.Buffer) {
	defer icmp.Free()
	defer ip.Free()

	typ := ndmsg.TypeNeighborAdvertisement
	m, ok := s.input(typ, icmp, ip)
	if !ok {
		return
	}
	msg := m.(*ndmsg.NeighborAdvertisement)

	if msg.Target.IsMulticast() {
		s.discard(typ, reasonTarget)
		return
	}
	if dst.IsMulticast() && msg.Solicited {
		s.discard(typ, reasonSolicited)
		return
	}

	if a := s.ifc.AddrInfo(msg.Target); a != nil {
		if a.State == netif.AddrTentative {
			s.dadFailed(a)
			return
		}
		s.log.WithFields(log.Fields{"ip": msg.Target, "from": src, "lla": msg.TargetLinkAddr}).Warn("advertisement for one of our addresses, duplicate on the link")
		s.discard(typ, reasonNotOurs)
		return
	}

	n := s.NeighborCacheGet(msg.Target)
	if n == nil {
		s.discard(typ, reasonUnknown)
		return
	}
	now := s.now()

	if n.State == NeighborIncomplete {
		if msg.TargetLinkAddr == nil {
			return
		}
		n.setLinkAddr(msg.TargetLinkAddr)
		if msg.Solicited {
			n.setState(NeighborReachable, now)
		} else {
			n.setState(NeighborStale, now)
		}
		n.SolicitationSendCounter = 0
		if !msg.Router {
			s.RouterListDel(n)
		}
		n.IsRouter = msg.Router
		s.log.WithFields(log.Fields{"ip": n.IPAddr, "lla": msg.TargetLinkAddr, "state": n.State}).Debug("neighbor resolved")
		s.FlushWaiting(n)
		return
	}

	changed := msg.TargetLinkAddr != nil && !n.sameLinkAddr(msg.TargetLinkAddr)

	if !msg.Override && changed {
		if n.State == NeighborReachable {
			n.setState(NeighborStale, now)
		}
		return
	}

	if changed {
		n.setLinkAddr(msg.TargetLinkAddr)
	}
	if msg.Solicited {
		n.setState(NeighborReachable, now)
		n.SolicitationSendCounter = 0
	} else if changed {
		n.setState(NeighborStale, now)
	}

	if n.IsRouter && !msg.Router {
		s.RouterListDel(n)
	}
	n.IsRouter = msg.Router
}
