package stack

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
)

// Router advertisement defaults
const (
	DefaultAdvertiseInterval = 10 * time.Second
	DefaultRouterLifetime    = 1800
	DefaultValidLifetime     = 2592000
	DefaultPreferredLifetime = 604800
)

// RouterConfig is what a router interface advertises. Zero values take the
// defaults above, the other zero fields stay unspecified on the wire.
type RouterConfig struct {
	Prefixes          []netip.Prefix
	ValidLifetime     uint32
	PreferredLifetime uint32
	RouterLifetime    uint16
	MTU               uint32
	CurHopLimit       uint8
	ReachableTime     time.Duration
	RetransTimer      time.Duration
	DNSServers        []netip.Addr
	DNSLifetime       uint32
	Interval          time.Duration
}

func (c *RouterConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultAdvertiseInterval
	}
	if c.RouterLifetime == 0 {
		c.RouterLifetime = DefaultRouterLifetime
	}
	if c.ValidLifetime == 0 {
		c.ValidLifetime = DefaultValidLifetime
	}
	if c.PreferredLifetime == 0 {
		c.PreferredLifetime = DefaultPreferredLifetime
	}
	if c.DNSLifetime == 0 && len(c.DNSServers) > 0 {
		c.DNSLifetime = 3 * uint32(c.Interval/time.Second)
	}
}

// router answers solicitations and advertises periodically on one
// interface. It never forwards.
type router struct {
	s   *Stack
	a   *attachment
	cfg RouterConfig
	log *log.Entry
}

func newRouter(s *Stack, a *attachment, cfg RouterConfig) *router {
	cfg.defaults()
	return &router{
		s:   s,
		a:   a,
		cfg: cfg,
		log: s.log.WithFields(log.Fields{"interface": a.ifc.Name(), "role": "router"}),
	}
}

func (r *router) start() {
	r.s.timers.Register(r.cfg.Interval, r.advertise)
	r.log.WithFields(log.Fields{"interval": r.cfg.Interval, "prefixes": r.cfg.Prefixes}).Info("router advertisements enabled")
}

func (r *router) advertise() {
	r.send(ip6.AllNodes)
}

// message builds the advertisement for the current configuration
func (r *router) message() *ndmsg.RouterAdvertisement {
	ra := &ndmsg.RouterAdvertisement{
		CurHopLimit:    r.cfg.CurHopLimit,
		RouterLifetime: r.cfg.RouterLifetime,
		ReachableTime:  uint32(r.cfg.ReachableTime / time.Millisecond),
		RetransTimer:   uint32(r.cfg.RetransTimer / time.Millisecond),
		SourceLinkAddr: r.a.ifc.HWAddr(),
		MTU:            r.cfg.MTU,
	}
	for _, p := range r.cfg.Prefixes {
		ra.Prefixes = append(ra.Prefixes, ndmsg.PrefixInformation{
			PrefixLength:      uint8(p.Bits()),
			OnLink:            true,
			Autonomous:        p.Bits() == ip6.InterfaceIDLength,
			ValidLifetime:     r.cfg.ValidLifetime,
			PreferredLifetime: r.cfg.PreferredLifetime,
			Prefix:            p.Masked().Addr(),
		})
	}
	if len(r.cfg.DNSServers) > 0 {
		ra.RecursiveDNS = []ndmsg.RecursiveDNS{{Lifetime: r.cfg.DNSLifetime, Servers: r.cfg.DNSServers}}
	}
	return ra
}

// send advertises to dst from our link-local address. Nothing is sent while
// that address is still tentative.
func (r *router) send(dst netip.Addr) {
	src, ok := r.a.ifc.LinkLocal()
	if !ok || r.a.nd.Disabled() {
		r.log.Debug("no preferred link-local address, advertisement skipped")
		return
	}
	b, err := ndmsg.Marshal(r.message(), src, dst)
	if err != nil {
		r.log.WithError(err).Error("building router advertisement")
		return
	}
	r.s.Output(r.a.ifc, src, dst, ip6.NDHopLimit, r.s.pool.FromBytes(b))
}

func (r *router) discard(reason string) {
	r.s.metrics.Discarded.WithLabelValues(r.a.ifc.Name(), ndmsg.TypeName(ndmsg.TypeRouterSolicitation), reason).Inc()
	r.log.WithFields(log.Fields{"reason": reason}).Debug("router solicitation discarded")
}

// solicitation validates a Router Solicitation (RFC4861 section 6.1.1),
// records the sender and answers with an advertisement to all nodes
func (r *router) solicitation(src netip.Addr, datagram, payload []byte) {
	if len(datagram) < ip6.HeaderLength || datagram[7] != ip6.NDHopLimit {
		r.discard("hop-limit")
		return
	}
	if _, code, err := ndmsg.Header(payload); err != nil || code != 0 {
		r.discard("code")
		return
	}
	m, err := ndmsg.Parse(payload, r.a.ifc.HWAddrSize())
	if err != nil {
		r.discard("malformed")
		return
	}
	rs, ok := m.(*ndmsg.RouterSolicitation)
	if !ok {
		r.discard("malformed")
		return
	}
	if rs.SourceLinkAddr != nil {
		if src.IsUnspecified() {
			r.discard("source")
			return
		}
		r.a.nd.NeighborLinkAddrUpdate(src, rs.SourceLinkAddr)
	}
	r.log.WithFields(log.Fields{"src": src}).Debug("router solicitation received")
	r.send(ip6.AllNodes)
}

// Redirect tells host that packets for destination are better sent to
// target. The host must have a cached link-layer address. The target's
// link-layer address is included when it is known.
func (s *Stack) Redirect(name string, host, target, destination netip.Addr) error {
	a, ok := s.attach[name]
	if !ok {
		return errors.Wrap(ErrUnknownInterface, name)
	}
	if a.router == nil {
		return errors.Errorf("interface %s is not a router", name)
	}
	src, ok := a.ifc.LinkLocal()
	if !ok {
		return errors.Wrapf(ErrNoSourceAddress, "redirect on %s", name)
	}
	if n := a.nd.NeighborCacheGet(host); n == nil || n.LinkAddr() == nil {
		return errors.Errorf("no link-layer address for %s", host)
	}

	msg := &ndmsg.Redirect{Target: target, Destination: destination}
	if n := a.nd.NeighborCacheGet(target); n != nil {
		msg.TargetLinkAddr = n.LinkAddr()
	}
	b, err := ndmsg.Marshal(msg, src, host)
	if err != nil {
		return errors.Wrap(err, "building redirect")
	}
	s.Output(a.ifc, src, host, ip6.NDHopLimit, s.pool.FromBytes(b))
	return nil
}
