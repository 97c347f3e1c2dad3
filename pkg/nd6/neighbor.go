package nd6

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/netbuf"
)

// NeighborState is the RFC4861 section 7.3.2 reachability state
type NeighborState uint8

const (
	NeighborNotUsed NeighborState = iota
	NeighborIncomplete
	NeighborReachable
	NeighborStale
	NeighborDelay
	NeighborProbe
)

func (s NeighborState) String() string {
	switch s {
	case NeighborNotUsed:
		return "not-used"
	case NeighborIncomplete:
		return "incomplete"
	case NeighborReachable:
		return "reachable"
	case NeighborStale:
		return "stale"
	case NeighborDelay:
		return "delay"
	case NeighborProbe:
		return "probe"
	}
	return fmt.Sprintf("NeighborState(%d)", uint8(s))
}

// Neighbor is one slot of the neighbor cache. Router entries live in the
// same table with IsRouter set.
type Neighbor struct {
	IPAddr    netip.Addr
	State     NeighborState
	StateTime time.Time

	linkAddr    [ip6.MaxHWAddrLen]byte
	linkAddrLen int
	waiting     *netbuf.Buffer

	SolicitationSendCounter int
	SolicitationSrcAddr     netip.Addr
	CreationTime            time.Time

	IsRouter bool
	// RouterLifetime in seconds, 0 means not a default router
	RouterLifetime uint16
}

// LinkAddr returns a copy of the cached link-layer address, nil when none is known
func (n *Neighbor) LinkAddr() net.HardwareAddr {
	if n.linkAddrLen == 0 {
		return nil
	}
	return append(net.HardwareAddr(nil), n.linkAddr[:n.linkAddrLen]...)
}

func (n *Neighbor) setLinkAddr(hw net.HardwareAddr) {
	n.linkAddrLen = copy(n.linkAddr[:], hw)
}

func (n *Neighbor) sameLinkAddr(hw net.HardwareAddr) bool {
	return bytes.Equal(n.linkAddr[:n.linkAddrLen], hw)
}

// HasWaiting reports whether a packet is queued for address resolution
func (n *Neighbor) HasWaiting() bool {
	return n.waiting != nil
}

func (n *Neighbor) setState(state NeighborState, now time.Time) {
	n.State = state
	n.StateTime = now
}

// Neighbors returns a snapshot of the used neighbor cache slots
func (s *State) Neighbors() []Neighbor {
	var out []Neighbor
	for i := range s.neighbors {
		if s.neighbors[i].State != NeighborNotUsed {
			n := s.neighbors[i]
			n.waiting = nil
			out = append(out, n)
		}
	}
	return out
}

// NeighborCacheGet returns the entry for ip, nil when there is none
func (s *State) NeighborCacheGet(ip netip.Addr) *Neighbor {
	for i := range s.neighbors {
		n := &s.neighbors[i]
		if n.State != NeighborNotUsed && n.IPAddr == ip {
			return n
		}
	}
	return nil
}

// NeighborCacheAdd stores a fresh entry for ip. A free slot is used when
// there is one, otherwise the oldest entry is evicted. Any previous entry
// for ip is replaced so addresses stay unique.
func (s *State) NeighborCacheAdd(ip netip.Addr, linkAddr net.HardwareAddr, state NeighborState) *Neighbor {
	if state == NeighborNotUsed {
		panic("nd6: adding a neighbor in state not-used")
	}
	if old := s.NeighborCacheGet(ip); old != nil {
		s.NeighborCacheDel(old)
	}

	slot := s.neighborFreeSlot()
	if slot < 0 {
		slot = s.neighborOldestSlot()
		victim := &s.neighbors[slot]
		s.log.WithFields(log.Fields{"ip": victim.IPAddr, "state": victim.State}).Debug("neighbor cache full, evicting oldest entry")
		s.metrics.Evictions.WithLabelValues(s.ifc.Name(), "neighbor").Inc()
		s.NeighborCacheDel(victim)
	}

	now := s.now()
	n := &s.neighbors[slot]
	*n = Neighbor{
		IPAddr:       ip,
		State:        state,
		StateTime:    now,
		CreationTime: now,
	}
	n.setLinkAddr(linkAddr)
	return n
}

func (s *State) neighborFreeSlot() int {
	for i := range s.neighbors {
		if s.neighbors[i].State == NeighborNotUsed {
			return i
		}
	}
	return -1
}

// neighborOldestSlot returns the used slot with the smallest CreationTime
func (s *State) neighborOldestSlot() int {
	oldest := -1
	for i := range s.neighbors {
		if s.neighbors[i].State == NeighborNotUsed {
			continue
		}
		if oldest < 0 || s.neighbors[i].CreationTime.Before(s.neighbors[oldest].CreationTime) {
			oldest = i
		}
	}
	return oldest
}

// NeighborCacheDel removes n together with the redirects through it and its
// queued packet
func (s *State) NeighborCacheDel(n *Neighbor) {
	if n == nil || n.State == NeighborNotUsed {
		return
	}
	s.redirectTablePurge(n.IPAddr)
	if n.waiting != nil {
		n.waiting.Free()
	}
	*n = Neighbor{}
}

// EnqueueWaiting queues pkt until n is resolved. The queue holds a single
// packet, a newer one replaces and frees the older one.
func (s *State) EnqueueWaiting(n *Neighbor, pkt *netbuf.Buffer) {
	if n.waiting != nil {
		n.waiting.Free()
	}
	n.waiting = pkt
}

// NeighborLinkAddrUpdate records the link-layer address a solicitation or
// advertisement carried for ip. A new entry starts Stale. An existing entry
// keeps its slot and goes Stale when the address changed, sending what was
// waiting for resolution.
func (s *State) NeighborLinkAddrUpdate(ip netip.Addr, hw net.HardwareAddr) *Neighbor {
	n := s.NeighborCacheGet(ip)
	switch {
	case n == nil:
		return s.NeighborCacheAdd(ip, hw, NeighborStale)
	case !n.sameLinkAddr(hw):
		wasIncomplete := n.State == NeighborIncomplete
		n.setLinkAddr(hw)
		n.setState(NeighborStale, s.now())
		if wasIncomplete {
			s.FlushWaiting(n)
		}
	}
	return n
}

// FlushWaiting transmits the queued packet of n, if any
func (s *State) FlushWaiting(n *Neighbor) {
	if n.waiting == nil {
		return
	}
	pkt := n.waiting
	n.waiting = nil
	s.out.OutputLink(s.ifc, n.IPAddr, pkt)
}

// NeighborResolve starts address resolution for ip: an Incomplete entry is
// created, pkt is queued on it and the first multicast solicitation is sent
// from src.
func (s *State) NeighborResolve(ip, src netip.Addr, pkt *netbuf.Buffer) *Neighbor {
	n := s.NeighborCacheAdd(ip, nil, NeighborIncomplete)
	n.SolicitationSrcAddr = src
	s.EnqueueWaiting(n, pkt)
	s.NeighborSolicitationSend(src, netip.Addr{}, ip)
	n.SolicitationSendCounter = 1
	return n
}

// NeighborUsed is called by the output path for every packet sent to n.
// A Stale entry moves to Delay.
func (s *State) NeighborUsed(n *Neighbor) {
	if n.State == NeighborStale {
		n.setState(NeighborDelay, s.now())
		n.SolicitationSendCounter = 0
	}
}

// RouterListAdd marks n as a default router with lifetime seconds. A zero
// lifetime removes the router role instead.
func (s *State) RouterListAdd(n *Neighbor, lifetime uint16) {
	if lifetime == 0 {
		s.RouterListDel(n)
		return
	}
	if !n.IsRouter || n.RouterLifetime == 0 {
		s.log.WithFields(log.Fields{"router": n.IPAddr, "lifetime": lifetime}).Info("default router added")
	}
	n.IsRouter = true
	n.RouterLifetime = lifetime
	n.CreationTime = s.now()
}

// RouterListDel clears the router role of n, the neighbor entry stays
func (s *State) RouterListDel(n *Neighbor) {
	if n.IsRouter && n.RouterLifetime != 0 {
		s.log.WithFields(log.Fields{"router": n.IPAddr}).Info("default router removed")
	}
	n.IsRouter = false
	n.RouterLifetime = 0
}

// DefaultRouterGet returns the first default router, preferring one whose
// address is resolved. There is no round robin between routers.
func (s *State) DefaultRouterGet() *Neighbor {
	var fallback *Neighbor
	for i := range s.neighbors {
		n := &s.neighbors[i]
		if n.State == NeighborNotUsed || !n.IsRouter || n.RouterLifetime == 0 {
			continue
		}
		if n.State != NeighborIncomplete {
			return n
		}
		if fallback == nil {
			fallback = n
		}
	}
	return fallback
}

// neighborCacheTimer drives retransmissions, reachability timeouts and
// router lifetime expiry
func (s *State) neighborCacheTimer() {
	now := s.now()
	for i := range s.neighbors {
		n := &s.neighbors[i]
		switch n.State {
		case NeighborNotUsed:
			continue

		case NeighborIncomplete:
			if !s.elapsed(n.StateTime, s.retransTimer) {
				break
			}
			if n.SolicitationSendCounter >= MaxMulticastSolicit {
				s.log.WithFields(log.Fields{"ip": n.IPAddr}).Debug("address resolution failed")
				s.metrics.ResolutionFailures.WithLabelValues(s.ifc.Name()).Inc()
				s.NeighborCacheDel(n)
				continue
			}
			s.NeighborSolicitationSend(s.solicitationSource(n), netip.Addr{}, n.IPAddr)
			n.SolicitationSendCounter++
			n.StateTime = now

		case NeighborReachable:
			if s.elapsed(n.StateTime, s.reachableTime) {
				n.setState(NeighborStale, now)
			}

		case NeighborDelay:
			if s.elapsed(n.StateTime, DelayFirstProbeTime) {
				n.setState(NeighborProbe, now)
				s.NeighborSolicitationSend(s.solicitationSource(n), n.IPAddr, n.IPAddr)
				n.SolicitationSendCounter = 1
			}

		case NeighborProbe:
			if !s.elapsed(n.StateTime, s.retransTimer) {
				break
			}
			if n.SolicitationSendCounter >= MaxUnicastSolicit {
				s.log.WithFields(log.Fields{"ip": n.IPAddr}).Debug("neighbor unreachable")
				s.metrics.ResolutionFailures.WithLabelValues(s.ifc.Name()).Inc()
				s.NeighborCacheDel(n)
				continue
			}
			s.NeighborSolicitationSend(s.solicitationSource(n), n.IPAddr, n.IPAddr)
			n.SolicitationSendCounter++
			n.StateTime = now
		}

		if n.IsRouter && n.RouterLifetime != 0 &&
			now.Sub(n.CreationTime) > time.Duration(n.RouterLifetime)*time.Second {
			s.RouterListDel(n)
		}
	}
}

// solicitationSource returns the source address for solicitations sent to n:
// the address that triggered resolution while it is still ours, otherwise
// whatever source selection picks.
func (s *State) solicitationSource(n *Neighbor) netip.Addr {
	if src := n.SolicitationSrcAddr; src.IsValid() && !src.IsUnspecified() && s.ifc.IsMyAddr(src) {
		return src
	}
	if src, ok := s.out.SelectSourceAddr(s.ifc, n.IPAddr); ok {
		return src
	}
	return netip.Addr{}
}
