package nd6

import (
	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
	"github.com/kube-vip/nd6/pkg/netbuf"
)

// Discard reasons, used as the "reason" metric label
const (
	reasonDisabled    = "ip6-disabled"
	reasonTruncated   = "truncated"
	reasonHopLimit    = "hop-limit"
	reasonCode        = "code"
	reasonMalformed   = "malformed"
	reasonSource      = "source"
	reasonDestination = "destination"
	reasonTarget      = "target"
	reasonNotOurs     = "not-ours"
	reasonTentative   = "tentative"
	reasonSolicited   = "solicited-flag"
	reasonFirstHop    = "not-first-hop"
	reasonRouter      = "router-mode"
	reasonUnknown     = "unknown-neighbor"
)

const hopLimitOffset = 7

func (s *State) discard(typ uint8, reason string) {
	s.metrics.Discarded.WithLabelValues(s.ifc.Name(), ndmsg.TypeName(typ), reason).Inc()
	s.log.WithFields(log.Fields{"type": ndmsg.TypeName(typ), "reason": reason}).Debug("neighbor discovery message discarded")
}

// input runs the checks every Neighbor Discovery message shares (hop limit
// 255, code 0, minimum length, a walkable option chain) and decodes it
func (s *State) input(typ uint8, icmp, ip *netbuf.Buffer) (ndmsg.Message, bool) {
	if s.ip6Disabled {
		s.discard(typ, reasonDisabled)
		return nil, false
	}
	if !ip.Pullup(ip6.HeaderLength) {
		s.discard(typ, reasonTruncated)
		return nil, false
	}
	if ip.Header()[hopLimitOffset] != ip6.NDHopLimit {
		s.discard(typ, reasonHopLimit)
		return nil, false
	}

	b := icmp.Bytes()
	_, code, err := ndmsg.Header(b)
	if err != nil {
		s.discard(typ, reasonTruncated)
		return nil, false
	}
	if code != 0 {
		s.discard(typ, reasonCode)
		return nil, false
	}
	m, err := ndmsg.Parse(b, s.ifc.HWAddrSize())
	if err != nil {
		s.log.WithError(err).Debug("neighbor discovery decode")
		s.discard(typ, reasonMalformed)
		return nil, false
	}
	if m.Type() != typ {
		s.discard(typ, reasonMalformed)
		return nil, false
	}
	return m, true
}
