// Package stack is a small IPv6 node built around pkg/nd6: Ethernet framing,
// source and next-hop selection, fragmentation and the dispatch of received
// Neighbor Discovery messages. A Stack is owned by one goroutine, the one
// running Run (or, in tests, the one calling Input and Poll).
package stack

import (
	"context"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/nd6"
	"github.com/kube-vip/nd6/pkg/netbuf"
	"github.com/kube-vip/nd6/pkg/netif"
	"github.com/kube-vip/nd6/pkg/timer"
)

var (
	// ErrUnsupportedLink is returned for interfaces that are not Ethernet
	ErrUnsupportedLink = errors.New("only ethernet interfaces can be attached")

	// ErrNoRoute is returned when no interface has a route to the destination
	ErrNoRoute = errors.New("no route to destination")

	// ErrNoSourceAddress is returned when no usable source address exists
	ErrNoSourceAddress = errors.New("no usable source address")

	// ErrUnknownInterface is returned for interface names that were never added
	ErrUnknownInterface = errors.New("unknown interface")
)

// Link carries frames of one interface
type Link interface {
	Send(frame []byte)
}

// ReceiveLink is a Link that also delivers the frames it receives
type ReceiveLink interface {
	Link
	Receive() <-chan []byte
}

// Handler receives the payload of an upper-layer protocol. payload is only
// valid during the call.
type Handler func(ifc *netif.Interface, src, dst netip.Addr, payload []byte)

// Config holds the parameters of a node
type Config struct {
	Name        string
	Limits      nd6.Limits
	TimerPeriod time.Duration
	Metrics     *nd6.Metrics
}

// Stack is one IPv6 node
type Stack struct {
	name    string
	clock   clock.WithTicker
	timers  *timer.Service
	pool    *netbuf.Pool
	period  time.Duration
	limits  nd6.Limits
	metrics *nd6.Metrics
	ifaces  *netif.Manager
	attach  map[string]*attachment
	handler map[uint8]Handler
	frags   *reassembly
	fragID  uint32
	log     *log.Entry
}

// attachment ties an interface to its link and Neighbor Discovery state
type attachment struct {
	ifc    *netif.Interface
	link   Link
	nd     *nd6.State
	router *router
}

// New creates a node reading time from c
func New(c clock.WithTicker, cfg Config) *Stack {
	if cfg.TimerPeriod <= 0 {
		cfg.TimerPeriod = nd6.DefaultTimerPeriod
	}
	if cfg.Limits == (nd6.Limits{}) {
		cfg.Limits = nd6.DefaultLimits()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nd6.NewMetrics()
	}
	s := &Stack{
		name:    cfg.Name,
		clock:   c,
		timers:  timer.New(c),
		pool:    netbuf.NewPool(),
		period:  cfg.TimerPeriod,
		limits:  cfg.Limits,
		metrics: cfg.Metrics,
		ifaces:  netif.NewManager(),
		attach:  make(map[string]*attachment),
		handler: make(map[uint8]Handler),
		log:     log.WithFields(log.Fields{"node": cfg.Name}),
	}
	s.frags = newReassembly(maxReassemblies)
	s.timers.Register(time.Second, s.reassemblyTimer)
	return s
}

func (s *Stack) Name() string { return s.name }

// Pool returns the buffer pool shared by the node and its ND6 states
func (s *Stack) Pool() *netbuf.Pool { return s.pool }

// AddInterface attaches ifc to l and starts Neighbor Discovery on it. A
// non-nil rc turns the interface into an advertising router.
func (s *Stack) AddInterface(ifc *netif.Interface, l Link, rc *RouterConfig) (*nd6.State, error) {
	if ifc.HWAddrSize() != 6 {
		return nil, errors.Wrapf(ErrUnsupportedLink, "interface %s", ifc.Name())
	}
	nd, err := nd6.New(ifc, s, s.timers, nd6.Config{
		Limits:      s.limits,
		TimerPeriod: s.period,
		Router:      rc != nil,
		Pool:        s.pool,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "neighbor discovery on %s", ifc.Name())
	}
	a := &attachment{ifc: ifc, link: l, nd: nd}
	if rc != nil {
		a.router = newRouter(s, a, *rc)
	}
	s.ifaces.Add(ifc)
	s.attach[ifc.Name()] = a
	s.log.WithFields(log.Fields{"interface": ifc.Name(), "hwaddr": ifc.HWAddr(), "router": rc != nil}).Info("interface attached")
	return nd, nil
}

// Up binds the link-local address derived from the hardware address and
// the given static addresses, then starts Router Discovery on hosts
func (s *Stack) Up(name string, static ...netip.Prefix) error {
	a, ok := s.attach[name]
	if !ok {
		return errors.Wrap(ErrUnknownInterface, name)
	}
	ll, err := ip6.LinkLocalAddr(a.ifc.HWAddr())
	if err != nil {
		return err
	}
	if _, err := a.nd.BindAddr(ll, netif.AddrManual, ip6.InfiniteLifetime, ip6.InterfaceIDLength); err != nil {
		return errors.Wrapf(err, "binding link-local address on %s", name)
	}
	for _, p := range static {
		if _, err := a.nd.BindAddr(p.Addr(), netif.AddrManual, ip6.InfiniteLifetime, p.Bits()); err != nil {
			return errors.Wrapf(err, "binding %s on %s", p, name)
		}
	}
	if a.router != nil {
		a.router.start()
	} else {
		a.nd.RDStart()
	}
	return nil
}

// ND returns the Neighbor Discovery state of an interface
func (s *Stack) ND(name string) (*nd6.State, bool) {
	a, ok := s.attach[name]
	if !ok {
		return nil, false
	}
	return a.nd, true
}

// Interfaces returns the attached interfaces ordered by name
func (s *Stack) Interfaces() []*netif.Interface {
	return s.ifaces.List()
}

// Handle registers h for IPv6 next header proto. ICMPv6 messages other than
// Neighbor Discovery and echo requests reach the handler for proto 58.
func (s *Stack) Handle(proto uint8, h Handler) {
	s.handler[proto] = h
}

// Every runs fn each period on the goroutine owning the node. It must be
// called before Run starts.
func (s *Stack) Every(period time.Duration, fn func()) {
	s.timers.Register(period, fn)
}

// Poll runs the timers that are due
func (s *Stack) Poll() {
	s.timers.Poll()
}

// Release stops Neighbor Discovery on every interface
func (s *Stack) Release() {
	for _, ifc := range s.ifaces.List() {
		s.attach[ifc.Name()].nd.Release()
	}
}

// Run owns the node until ctx is done: frames received on links that
// implement ReceiveLink and timer ticks are handled here, one at a time.
func (s *Stack) Run(ctx context.Context) error {
	type inbound struct {
		ifc   string
		frame []byte
	}
	rx := make(chan inbound, 64)

	g, ctx := errgroup.WithContext(ctx)
	for name, a := range s.attach {
		rl, ok := a.link.(ReceiveLink)
		if !ok {
			continue
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case f, ok := <-rl.Receive():
					if !ok {
						return nil
					}
					select {
					case rx <- inbound{ifc: name, frame: f}:
					case <-ctx.Done():
						return nil
					}
				}
			}
		})
	}

	g.Go(func() error {
		ticker := s.clock.NewTicker(s.period)
		defer ticker.Stop()
		s.log.Info("node started")
		for {
			select {
			case <-ctx.Done():
				s.log.Info("node stopped")
				return nil
			case <-ticker.C():
				s.Poll()
			case in := <-rx:
				s.Input(in.ifc, in.frame)
			}
		}
	})
	return g.Wait()
}
