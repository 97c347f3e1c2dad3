// Package nd6 implements IPv6 Neighbor Discovery (RFC4861) and stateless
// address autoconfiguration (RFC4862) for one interface.
//
// A State owns fixed-capacity tables: the neighbor cache (which doubles as
// the default router list), the prefix list, the redirect table and the
// RDNSS list. It is driven from two places only, the receive handlers and a
// periodic tick registered on a timer.Service, and both run on the goroutine
// that owns the interface. Nothing in this package locks.
package nd6

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/netbuf"
	"github.com/kube-vip/nd6/pkg/netif"
	"github.com/kube-vip/nd6/pkg/timer"
)

// RFC4861 section 10 protocol constants
const (
	MaxMulticastSolicit     = 3
	MaxUnicastSolicit       = 3
	ReachableTime           = 30000 * time.Millisecond
	RetransTimer            = 1000 * time.Millisecond
	DelayFirstProbeTime     = 5000 * time.Millisecond
	MaxRtrSolicitations     = 3
	RtrSolicitationInterval = 4000 * time.Millisecond

	// TwoHours is the floor of RFC4862 section 5.5.3 (e)
	TwoHours uint32 = 2 * 60 * 60

	// DefaultTimerPeriod is how often the ND6 tick runs
	DefaultTimerPeriod = 100 * time.Millisecond
)

// Limits sizes the per-interface tables
type Limits struct {
	NeighborCacheSize int `json:"neighborCacheSize"`
	RouterListSize    int `json:"routerListSize"`
	PrefixListSize    int `json:"prefixListSize"`
	RedirectTableSize int `json:"redirectTableSize"`
	RDNSSListSize     int `json:"rdnssListSize"`
	// DADTransmits is the number of DAD probes per address, 0 disables DAD
	DADTransmits int `json:"dadTransmits"`
}

// DefaultLimits returns the table sizes used when nothing is configured
func DefaultLimits() Limits {
	return Limits{
		NeighborCacheSize: 5,
		RouterListSize:    2,
		PrefixListSize:    4,
		RedirectTableSize: 4,
		RDNSSListSize:     2,
		DADTransmits:      1,
	}
}

// Output is the IPv6 layer below Neighbor Discovery
type Output interface {
	// Output sends an ICMPv6 message whose checksum is already set. src may
	// be the unspecified address. The buffer is consumed.
	Output(ifc *netif.Interface, src, dst netip.Addr, hopLimit uint8, icmp *netbuf.Buffer)

	// OutputLink transmits a complete IPv6 datagram to the link-layer
	// address cached for nextHop. The buffer is consumed.
	OutputLink(ifc *netif.Interface, nextHop netip.Addr, datagram *netbuf.Buffer)

	// SelectSourceAddr picks a preferred source address for dst
	SelectSourceAddr(ifc *netif.Interface, dst netip.Addr) (netip.Addr, bool)
}

// Config holds the optional parameters of New
type Config struct {
	Limits      Limits
	TimerPeriod time.Duration
	// Router makes the interface answer with the Router flag set and ignore
	// Router Advertisements from other routers
	Router  bool
	Pool    *netbuf.Pool
	Metrics *Metrics
}

// State is the Neighbor Discovery state of one interface
type State struct {
	ifc     *netif.Interface
	out     Output
	clock   clock.PassiveClock
	timers  *timer.Service
	handle  *timer.Handle
	pool    *netbuf.Pool
	metrics *Metrics
	limits  Limits
	router  bool
	log     *log.Entry

	neighbors []Neighbor
	prefixes  []Prefix
	redirects []Redirect
	rdnss     []RDNSS

	mtu           uint32
	curHopLimit   uint8
	reachableTime time.Duration
	retransTimer  time.Duration

	rdTransmitCounter int
	rdTime            time.Time

	ip6Disabled bool
}

// New initialises Neighbor Discovery on ifc and registers its periodic tick
// on timers. A nil interface is a programming error.
func New(ifc *netif.Interface, out Output, timers *timer.Service, cfg Config) (*State, error) {
	if ifc == nil || out == nil || timers == nil {
		panic("nd6: nil interface, output or timer service")
	}
	if _, err := ip6.InterfaceID(ifc.HWAddr()); err != nil {
		return nil, err
	}

	limits := cfg.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if cfg.TimerPeriod <= 0 {
		cfg.TimerPeriod = DefaultTimerPeriod
	}
	if cfg.Pool == nil {
		cfg.Pool = netbuf.NewPool()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}

	s := &State{
		ifc:           ifc,
		out:           out,
		clock:         timers.Clock(),
		timers:        timers,
		pool:          cfg.Pool,
		metrics:       cfg.Metrics,
		limits:        limits,
		router:        cfg.Router,
		log:           log.WithFields(log.Fields{"interface": ifc.Name()}),
		neighbors:     make([]Neighbor, limits.NeighborCacheSize+limits.RouterListSize),
		prefixes:      make([]Prefix, limits.PrefixListSize+1),
		redirects:     make([]Redirect, limits.RedirectTableSize),
		rdnss:         make([]RDNSS, limits.RDNSSListSize),
		mtu:           ifc.MTU(),
		curHopLimit:   ip6.DefaultHopLimit,
		reachableTime: ReachableTime,
		retransTimer:  RetransTimer,
	}

	// The link-local prefix owns slot 0 for the lifetime of the interface
	s.prefixes[0] = Prefix{
		Prefix:       ip6.LinkLocalPrefix,
		State:        PrefixUsed,
		Lifetime:     ip6.InfiniteLifetime,
		CreationTime: s.now(),
	}

	s.handle = timers.Register(cfg.TimerPeriod, s.tick)
	s.log.Debugf("neighbor discovery started, %d neighbor slots, %d prefix slots", len(s.neighbors), len(s.prefixes))
	return s, nil
}

// Release stops the tick and empties every table, freeing queued packets
func (s *State) Release() {
	s.timers.Unregister(s.handle)
	for i := range s.neighbors {
		if s.neighbors[i].State != NeighborNotUsed {
			s.NeighborCacheDel(&s.neighbors[i])
		}
	}
	for i := range s.prefixes {
		s.prefixes[i] = Prefix{}
	}
	for i := range s.redirects {
		s.redirects[i] = Redirect{}
	}
	for i := range s.rdnss {
		s.rdnss[i] = RDNSS{}
	}
	s.rdTransmitCounter = 0
}

// Interface returns the interface this state belongs to
func (s *State) Interface() *netif.Interface { return s.ifc }

// Disabled reports whether IPv6 was shut down on the interface after a DAD
// failure on its hardware-derived link-local address
func (s *State) Disabled() bool { return s.ip6Disabled }

// MTU is the link MTU, possibly lowered by a Router Advertisement
func (s *State) MTU() uint32 { return s.mtu }

// CurHopLimit is the hop limit for ordinary traffic
func (s *State) CurHopLimit() uint8 { return s.curHopLimit }

func (s *State) ReachableTime() time.Duration { return s.reachableTime }

func (s *State) RetransTimer() time.Duration { return s.retransTimer }

// Metrics returns the counters this state reports to
func (s *State) Metrics() *Metrics { return s.metrics }

func (s *State) now() time.Time {
	return s.clock.Now()
}

// elapsed reports whether d has passed since t
func (s *State) elapsed(t time.Time, d time.Duration) bool {
	return !s.now().Before(t.Add(d))
}

// lifetimeExpired reports whether a lifetime in seconds counted from created
// has run out. Infinite lifetimes never do.
func (s *State) lifetimeExpired(created time.Time, lifetime uint32) bool {
	if lifetime == ip6.InfiniteLifetime {
		return false
	}
	return s.elapsed(created, time.Duration(lifetime)*time.Second)
}

// tick fans the periodic timer out to the table sweeps
func (s *State) tick() {
	if s.ip6Disabled {
		return
	}
	s.neighborCacheTimer()
	s.prefixListTimer()
	s.addrLifetimeTimer()
	s.dadTimer()
	s.rdTimer()
	s.rdnssTimer()
}
