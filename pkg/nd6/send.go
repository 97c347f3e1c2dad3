package nd6

import (
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
)

// AdvertisementFlags are the R, S and O bits of a Neighbor Advertisement
type AdvertisementFlags uint8

const (
	FlagRouter AdvertisementFlags = 1 << iota
	FlagSolicited
	FlagOverride
)

// NeighborSolicitationSend solicits target. An invalid or unspecified src
// makes it a DAD probe: sent from "::" without a source link-layer address
// option. An invalid dst sends to the solicited-node group of target.
func (s *State) NeighborSolicitationSend(src, dst, target netip.Addr) {
	dad := !src.IsValid() || src.IsUnspecified()
	if dad {
		src = ip6.Unspecified
	}
	if !dst.IsValid() {
		group, err := ip6.SolicitedNodeMulticast(target)
		if err != nil {
			s.log.WithError(err).Error("neighbor solicitation")
			return
		}
		dst = group
	}

	msg := &ndmsg.NeighborSolicitation{Target: target}
	if !dad {
		msg.SourceLinkAddr = s.ifc.HWAddr()
	}
	s.send(msg, src, dst)
}

// NeighborAdvertisementSend advertises our link-layer address for target
func (s *State) NeighborAdvertisementSend(src, dst, target netip.Addr, flags AdvertisementFlags) {
	msg := &ndmsg.NeighborAdvertisement{
		Router:         flags&FlagRouter != 0,
		Solicited:      flags&FlagSolicited != 0,
		Override:       flags&FlagOverride != 0,
		Target:         target,
		TargetLinkAddr: s.ifc.HWAddr(),
	}
	s.send(msg, src, dst)
}

// RouterSolicitationSend asks the routers on the link for an advertisement.
// Without a usable source address it goes out from "::" and carries no
// link-layer address option.
func (s *State) RouterSolicitationSend() {
	msg := &ndmsg.RouterSolicitation{}
	src, ok := s.out.SelectSourceAddr(s.ifc, ip6.AllRouters)
	if ok {
		msg.SourceLinkAddr = s.ifc.HWAddr()
	} else {
		src = ip6.Unspecified
	}
	s.send(msg, src, ip6.AllRouters)
}

func (s *State) send(msg ndmsg.Message, src, dst netip.Addr) {
	b, err := ndmsg.Marshal(msg, src, dst)
	if err != nil {
		s.log.WithError(err).Errorf("building %s", ndmsg.TypeName(msg.Type()))
		return
	}
	s.log.WithFields(log.Fields{"src": src, "dst": dst}).Tracef("sending %s", msg)
	s.out.Output(s.ifc, src, dst, ip6.NDHopLimit, s.pool.FromBytes(b))
}
