package stack_test

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/link"
	"github.com/kube-vip/nd6/pkg/nd6"
	"github.com/kube-vip/nd6/pkg/netif"
	"github.com/kube-vip/nd6/pkg/stack"
)

const tick = 100 * time.Millisecond

var (
	routerMAC = mustMAC("02:00:00:00:00:01")
	hostMAC   = mustMAC("02:00:00:00:00:02")
	peerMAC   = mustMAC("02:00:00:00:00:03")

	sitePrefix   = netip.MustParsePrefix("2001:db8:1::/64")
	routerGlobal = netip.MustParsePrefix("2001:db8:1::1/64")
	dnsServer    = netip.MustParseAddr("2001:db8:1::53")
	remote       = netip.MustParseAddr("2001:db8:ffff::99")
)

func mustMAC(s string) net.HardwareAddr {
	hw, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return hw
}

func linkLocal(hw net.HardwareAddr) netip.Addr {
	ll, err := ip6.LinkLocalAddr(hw)
	Expect(err).NotTo(HaveOccurred())
	return ll
}

func slaac(prefix netip.Prefix, hw net.HardwareAddr) netip.Addr {
	id, err := ip6.InterfaceID(hw)
	Expect(err).NotTo(HaveOccurred())
	return ip6.AddrFromPrefix(prefix.Addr(), id)
}

// wire connects nodes synchronously: frames are queued on Send and handed
// to every other node by pump, time only moves in run
type wire struct {
	clock *testclock.FakeClock
	ports []*port
	queue []queued
}

type port struct {
	w    *wire
	node *stack.Stack
	sent [][]byte
}

type queued struct {
	from  *port
	frame []byte
}

func (p *port) Send(frame []byte) {
	f := append([]byte(nil), frame...)
	p.sent = append(p.sent, f)
	p.w.queue = append(p.w.queue, queued{from: p, frame: f})
}

func newWire() *wire {
	return &wire{clock: testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))}
}

func (w *wire) node(name string, hw net.HardwareAddr, rc *stack.RouterConfig, static ...netip.Prefix) (*stack.Stack, *port) {
	s := stack.New(w.clock, stack.Config{Name: name, TimerPeriod: tick})
	ifc, err := netif.New("eth0", hw, 1500, 5)
	Expect(err).NotTo(HaveOccurred())
	p := &port{w: w, node: s}
	_, err = s.AddInterface(ifc, p, rc)
	Expect(err).NotTo(HaveOccurred())
	w.ports = append(w.ports, p)
	Expect(s.Up("eth0", static...)).To(Succeed())
	return s, p
}

func (w *wire) pump() {
	for len(w.queue) > 0 {
		q := w.queue[0]
		w.queue = w.queue[1:]
		for _, p := range w.ports {
			if p != q.from {
				p.node.Input("eth0", q.frame)
			}
		}
	}
}

func (w *wire) run(d time.Duration) {
	w.pump()
	for end := w.clock.Now().Add(d); w.clock.Now().Before(end); {
		w.clock.Step(tick)
		for _, p := range w.ports {
			p.node.Poll()
		}
		w.pump()
	}
}

func nd(s *stack.Stack) *nd6.State {
	state, ok := s.ND("eth0")
	Expect(ok).To(BeTrue())
	return state
}

func addrState(s *stack.Stack, addr netip.Addr) netif.AddrState {
	a := s.Interfaces()[0].AddrInfo(addr)
	Expect(a).NotTo(BeNil(), "%s is not bound", addr)
	return a.State
}

func decode(frame []byte) (*layers.Ethernet, *layers.IPv6) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip, _ := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	Expect(eth).NotTo(BeNil())
	Expect(ip).NotTo(BeNil())
	return eth, ip
}

var _ = Describe("IPv6 nodes on one link", func() {
	var (
		w          *wire
		router     *stack.Stack
		host       *stack.Stack
		hostPort   *port
		hostGlobal netip.Addr
	)

	BeforeEach(func() {
		w = newWire()
		router, _ = w.node("router", routerMAC, &stack.RouterConfig{
			Prefixes:   []netip.Prefix{sitePrefix},
			MTU:        1400,
			DNSServers: []netip.Addr{dnsServer},
		}, routerGlobal)
		host, hostPort = w.node("host", hostMAC, nil)
		hostGlobal = slaac(sitePrefix, hostMAC)
	})

	It("configures the host from the router's advertisement", func() {
		w.run(3 * time.Second)
		Expect(nd(host).DefaultRouterGet()).To(BeNil(), "the first solicitation left before the router had an address")
		Expect(addrState(host, linkLocal(hostMAC))).To(Equal(netif.AddrPreferred))

		w.run(3 * time.Second)
		r := nd(host).DefaultRouterGet()
		Expect(r).NotTo(BeNil())
		Expect(r.IPAddr).To(Equal(linkLocal(routerMAC)))
		Expect(r.LinkAddr()).To(Equal(routerMAC))
		Expect(nd(host).AddrIsOnLink(netip.MustParseAddr("2001:db8:1::42"))).To(BeTrue())
		Expect(nd(host).MTU()).To(BeEquivalentTo(1400))
		Expect(addrState(host, hostGlobal)).To(Equal(netif.AddrPreferred))

		server, ok := nd(host).RDNSSGet(0)
		Expect(ok).To(BeTrue())
		Expect(server).To(Equal(dnsServer))

		n := nd(router).NeighborCacheGet(linkLocal(hostMAC))
		Expect(n).NotTo(BeNil(), "the router learns the host from its solicitation")
		Expect(n.State).To(Equal(nd6.NeighborStale))
	})

	It("keeps router interfaces out of router discovery", func() {
		w.run(11 * time.Second)
		Expect(nd(router).DefaultRouterGet()).To(BeNil())
		Expect(nd(router).Prefixes()).To(HaveLen(1))
	})

	When("the host is configured", func() {
		BeforeEach(func() {
			w.run(6 * time.Second)
			Expect(addrState(host, hostGlobal)).To(Equal(netif.AddrPreferred))
		})

		It("resolves the router and gets an echo reply", func() {
			type reply struct {
				src     netip.Addr
				payload []byte
			}
			var replies []reply
			host.Handle(uint8(layers.IPProtocolICMPv6), func(_ *netif.Interface, src, _ netip.Addr, payload []byte) {
				replies = append(replies, reply{src: src, payload: append([]byte(nil), payload...)})
			})

			Expect(host.Ping(routerGlobal.Addr(), 7, 1, []byte("hello"))).To(Succeed())
			Expect(nd(host).NeighborCacheGet(routerGlobal.Addr()).State).To(Equal(nd6.NeighborIncomplete))
			w.pump()

			Expect(replies).To(HaveLen(1))
			Expect(replies[0].src).To(Equal(routerGlobal.Addr()))
			Expect(replies[0].payload[0]).To(BeEquivalentTo(layers.ICMPv6TypeEchoReply))
			Expect(replies[0].payload[8:]).To(Equal([]byte("hello")))

			n := nd(host).NeighborCacheGet(routerGlobal.Addr())
			Expect(n.State).To(Equal(nd6.NeighborReachable))
			Expect(n.HasWaiting()).To(BeFalse())
		})

		It("fragments datagrams above the advertised MTU", func() {
			Expect(host.Ping(routerGlobal.Addr(), 1, 1, nil)).To(Succeed())
			w.pump()

			var got []byte
			router.Handle(253, func(_ *netif.Interface, src, _ netip.Addr, payload []byte) {
				Expect(src).To(Equal(hostGlobal))
				got = append([]byte(nil), payload...)
			})
			payload := make([]byte, 3000)
			for i := range payload {
				payload[i] = byte(i)
			}

			before := len(hostPort.sent)
			Expect(host.Send(routerGlobal.Addr(), 253, payload)).To(Succeed())
			Expect(hostPort.sent[before:]).To(HaveLen(3))
			for _, f := range hostPort.sent[before:] {
				_, ip := decode(f)
				Expect(len(f) - 14).To(BeNumerically("<=", 1400))
				Expect(ip.NextHeader).To(Equal(layers.IPProtocolIPv6Fragment))
			}

			w.pump()
			Expect(got).To(Equal(payload))
		})

		It("follows a redirect to another router on the link", func() {
			peer, _ := w.node("peer", peerMAC, nil)
			w.run(6 * time.Second)
			Expect(nd(peer).DefaultRouterGet()).NotTo(BeNil())

			Expect(router.Redirect("eth0", linkLocal(hostMAC), linkLocal(peerMAC), remote)).To(Succeed())
			w.pump()
			Expect(nd(host).RedirectAddr(remote)).To(Equal(linkLocal(peerMAC)))

			before := len(hostPort.sent)
			Expect(host.Send(remote, 253, []byte{1, 2, 3})).To(Succeed())
			Expect(hostPort.sent[before:]).To(HaveLen(1))
			eth, ip := decode(hostPort.sent[before])
			Expect(eth.DstMAC).To(Equal(peerMAC))
			Expect(ip.DstIP.String()).To(Equal(remote.String()))
		})
	})

	It("rejects redirects on a host interface", func() {
		Expect(host.Redirect("eth0", linkLocal(routerMAC), linkLocal(peerMAC), remote)).NotTo(Succeed())
	})
})

var _ = Describe("duplicate hardware addresses", func() {
	It("disables IPv6 on both nodes", func() {
		w := newWire()
		a, _ := w.node("a", hostMAC, nil)
		b, _ := w.node("b", hostMAC, nil)
		w.run(2 * time.Second)

		Expect(nd(a).Disabled()).To(BeTrue())
		Expect(nd(b).Disabled()).To(BeTrue())
		Expect(a.Interfaces()[0].AddrInfo(linkLocal(hostMAC))).To(BeNil())
		Expect(a.Ping(linkLocal(routerMAC), 1, 1, nil)).NotTo(Succeed())
	})
})

var _ = Describe("nodes running on a segment", func() {
	It("discovers the router", func() {
		limits := nd6.DefaultLimits()
		limits.DADTransmits = 0
		seg := link.NewSegment("lan", 0, nil)

		add := func(name string, hw net.HardwareAddr, rc *stack.RouterConfig) *stack.Stack {
			s := stack.New(clock.RealClock{}, stack.Config{Name: name, Limits: limits})
			ifc, err := netif.New("eth0", hw, 1500, 5)
			Expect(err).NotTo(HaveOccurred())
			_, err = s.AddInterface(ifc, seg.Attach(name), rc)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Up("eth0")).To(Succeed())
			return s
		}
		router := add("router", routerMAC, &stack.RouterConfig{Prefixes: []netip.Prefix{sitePrefix}})
		host := add("host", hostMAC, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return seg.Run(ctx) })
		g.Go(func() error { return router.Run(ctx) })
		g.Go(func() error { return host.Run(ctx) })
		Expect(g.Wait()).To(Succeed())

		r := nd(host).DefaultRouterGet()
		Expect(r).NotTo(BeNil())
		Expect(r.IPAddr).To(Equal(linkLocal(routerMAC)))
		Expect(addrState(host, slaac(sitePrefix, hostMAC))).To(Equal(netif.AddrPreferred))
	})
})
