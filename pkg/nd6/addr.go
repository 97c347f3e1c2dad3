package nd6

import (
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/netif"
)

// BindAddr adds addr to the interface. With DAD enabled it starts Tentative
// and becomes Preferred once detection succeeds, otherwise it is Preferred
// right away. lifetime is in seconds.
func (s *State) BindAddr(addr netip.Addr, typ netif.AddrType, lifetime uint32, prefixLength int) (*netif.Addr, error) {
	state := netif.AddrTentative
	if s.limits.DADTransmits == 0 {
		state = netif.AddrPreferred
	}
	a, err := s.ifc.Bind(addr, typ, state, lifetime, prefixLength, s.now())
	if err != nil {
		return nil, err
	}
	s.log.WithFields(log.Fields{"ip": addr, "type": typ, "state": state}).Info("address bound")
	if state == netif.AddrTentative {
		s.DADStart(a)
	}
	return a, nil
}

// UnbindAddr removes addr from the interface
func (s *State) UnbindAddr(addr netip.Addr) bool {
	if !s.ifc.Unbind(addr) {
		return false
	}
	s.log.WithFields(log.Fields{"ip": addr}).Info("address unbound")
	return true
}

// DADStart sends the first Duplicate Address Detection probe for a
// Tentative address
func (s *State) DADStart(a *netif.Addr) {
	if a.State != netif.AddrTentative {
		return
	}
	a.DADTransmitCounter = s.limits.DADTransmits
	a.StateTime = s.now()
	s.NeighborSolicitationSend(netip.Addr{}, netip.Addr{}, a.Address)
}

func (s *State) dadTimer() {
	table := s.ifc.Table()
	for i := range table {
		a := &table[i]
		if a.State != netif.AddrTentative || !s.elapsed(a.StateTime, s.retransTimer) {
			continue
		}
		a.DADTransmitCounter--
		if a.DADTransmitCounter <= 0 {
			a.State = netif.AddrPreferred
			a.StateTime = s.now()
			s.log.WithFields(log.Fields{"ip": a.Address}).Info("duplicate address detection succeeded")
			continue
		}
		a.StateTime = s.now()
		s.NeighborSolicitationSend(netip.Addr{}, netip.Addr{}, a.Address)
	}
}

// dadFailed drops a Tentative address somebody else already owns. Losing
// the link-local address derived from our own hardware address means the
// hardware address is duplicated, IPv6 is turned off for good.
func (s *State) dadFailed(a *netif.Addr) {
	addr := a.Address
	s.metrics.DADFailures.WithLabelValues(s.ifc.Name()).Inc()
	s.UnbindAddr(addr)

	if ll, err := ip6.LinkLocalAddr(s.ifc.HWAddr()); err == nil && ll == addr {
		s.ip6Disabled = true
		s.log.WithFields(log.Fields{"ip": addr, "hwaddr": s.ifc.HWAddr()}).Error("duplicate address detection failed on the hardware link-local address, IPv6 disabled")
		return
	}
	s.log.WithFields(log.Fields{"ip": addr}).Warn("duplicate address detection failed")
}

func (s *State) addrLifetimeTimer() {
	table := s.ifc.Table()
	for i := range table {
		a := &table[i]
		if a.Used() && s.lifetimeExpired(a.CreationTime, a.Lifetime) {
			s.log.WithFields(log.Fields{"ip": a.Address}).Info("address lifetime expired")
			s.UnbindAddr(a.Address)
		}
	}
}
