package nd6

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
	"github.com/kube-vip/nd6/pkg/netbuf"
)

// Redirect sends traffic for Destination through Target instead of the
// default router. A zero Destination marks a free row.
type Redirect struct {
	Destination  netip.Addr
	Target       netip.Addr
	CreationTime time.Time
}

func (r *Redirect) used() bool {
	return r.Destination.IsValid() && !r.Destination.IsUnspecified()
}

// Redirects returns a snapshot of the used redirect rows
func (s *State) Redirects() []Redirect {
	var out []Redirect
	for i := range s.redirects {
		if s.redirects[i].used() {
			out = append(out, s.redirects[i])
		}
	}
	return out
}

func (s *State) redirectTableGet(dst netip.Addr) *Redirect {
	for i := range s.redirects {
		r := &s.redirects[i]
		if r.used() && r.Destination == dst {
			return r
		}
	}
	return nil
}

// redirectTableAdd records target for dst, replacing the row for dst or
// evicting the oldest row
func (s *State) redirectTableAdd(dst, target netip.Addr) {
	if len(s.redirects) == 0 {
		return
	}
	r := s.redirectTableGet(dst)
	if r == nil {
		slot := -1
		for i := range s.redirects {
			if !s.redirects[i].used() {
				slot = i
				break
			}
		}
		if slot < 0 {
			for i := range s.redirects {
				if slot < 0 || s.redirects[i].CreationTime.Before(s.redirects[slot].CreationTime) {
					slot = i
				}
			}
			s.metrics.Evictions.WithLabelValues(s.ifc.Name(), "redirect").Inc()
		}
		r = &s.redirects[slot]
	}
	*r = Redirect{Destination: dst, Target: target, CreationTime: s.now()}
}

// redirectTablePurge drops every row pointing at target
func (s *State) redirectTablePurge(target netip.Addr) {
	for i := range s.redirects {
		if s.redirects[i].used() && s.redirects[i].Target == target {
			s.redirects[i] = Redirect{}
		}
	}
}

// RedirectAddr returns the next hop recorded for dst by a Redirect, or dst
// itself when there is none
func (s *State) RedirectAddr(dst netip.Addr) netip.Addr {
	if r := s.redirectTableGet(dst); r != nil {
		return r.Target
	}
	return dst
}

// firstHop returns the neighbor traffic for dst currently goes through
func (s *State) firstHop(dst netip.Addr) (netip.Addr, bool) {
	if r := s.redirectTableGet(dst); r != nil {
		return r.Target, true
	}
	if s.AddrIsOnLink(dst) {
		return dst, true
	}
	if router := s.DefaultRouterGet(); router != nil {
		return router.IPAddr, true
	}
	return netip.Addr{}, false
}

// RedirectReceive processes a Redirect (RFC4861 section 8.3). Both buffers
// are consumed.
func (s *State) RedirectReceive(src, dst netip.Addr, icmp, ip *netbuf.Buffer) {
	defer icmp.Free()
	defer ip.Free()

	m, ok := s.input(ndmsg.TypeRedirect, icmp, ip)
	if !ok {
		return
	}
	msg := m.(*ndmsg.Redirect)
	typ := ndmsg.TypeRedirect

	if !ip6.IsLinkLocal(src) {
		s.discard(typ, reasonSource)
		return
	}
	if msg.Destination.IsMulticast() {
		s.discard(typ, reasonDestination)
		return
	}
	if !ip6.IsLinkLocal(msg.Target) && msg.Target != msg.Destination {
		s.discard(typ, reasonTarget)
		return
	}
	if hop, ok := s.firstHop(msg.Destination); !ok || hop != src {
		s.discard(typ, reasonFirstHop)
		return
	}

	n := s.NeighborCacheGet(msg.Target)
	switch {
	case n == nil && msg.TargetLinkAddr != nil:
		n = s.NeighborCacheAdd(msg.Target, msg.TargetLinkAddr, NeighborStale)
	case n == nil:
		n = s.NeighborCacheAdd(msg.Target, nil, NeighborIncomplete)
	case msg.TargetLinkAddr != nil && !n.sameLinkAddr(msg.TargetLinkAddr):
		wasIncomplete := n.State == NeighborIncomplete
		n.setLinkAddr(msg.TargetLinkAddr)
		n.setState(NeighborStale, s.now())
		if wasIncomplete {
			s.FlushWaiting(n)
		}
	}

	if msg.Target != msg.Destination {
		s.redirectTableAdd(msg.Destination, msg.Target)
		n.IsRouter = true
	}
	s.log.WithFields(log.Fields{"destination": msg.Destination, "target": msg.Target}).Debug("redirect accepted")
}
