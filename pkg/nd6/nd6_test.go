package nd6

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
	"github.com/kube-vip/nd6/pkg/netbuf"
	"github.com/kube-vip/nd6/pkg/netif"
	"github.com/kube-vip/nd6/pkg/timer"
)

var (
	ourMAC   = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	ourLL    = netip.MustParseAddr("fe80::211:22ff:fe33:4455")
	peerMAC  = net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0x01}
	peerMAC2 = net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0x02}
	peerLL   = netip.MustParseAddr("fe80::2aa:bbff:fecc:dd01")
	routerLL = netip.MustParseAddr("fe80::1")
)

type sentMessage struct {
	src, dst netip.Addr
	hopLimit uint8
	msg      ndmsg.Message
}

// fakeOutput records what Neighbor Discovery hands to the IPv6 layer
type fakeOutput struct {
	t    *testing.T
	sent []sentMessage
	link []netip.Addr
}

func (f *fakeOutput) Output(ifc *netif.Interface, src, dst netip.Addr, hopLimit uint8, icmp *netbuf.Buffer) {
	defer icmp.Free()
	b := icmp.Bytes()
	require.True(f.t, ndmsg.VerifyChecksum(src, dst, b), "bad checksum on %x", b)
	m, err := ndmsg.Parse(b, ifc.HWAddrSize())
	require.NoError(f.t, err)
	f.sent = append(f.sent, sentMessage{src: src, dst: dst, hopLimit: hopLimit, msg: m})
}

func (f *fakeOutput) OutputLink(_ *netif.Interface, nextHop netip.Addr, datagram *netbuf.Buffer) {
	datagram.Free()
	f.link = append(f.link, nextHop)
}

func (f *fakeOutput) SelectSourceAddr(ifc *netif.Interface, _ netip.Addr) (netip.Addr, bool) {
	if ll, ok := ifc.LinkLocal(); ok {
		return ll, true
	}
	for _, a := range ifc.Table() {
		if a.State == netif.AddrPreferred {
			return a.Address, true
		}
	}
	return netip.Addr{}, false
}

// ofType returns the recorded messages of one ICMPv6 type
func (f *fakeOutput) ofType(typ uint8) []sentMessage {
	var out []sentMessage
	for _, s := range f.sent {
		if s.msg.Type() == typ {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeOutput) reset() {
	f.sent = nil
	f.link = nil
}

type env struct {
	t      *testing.T
	clk    *clocktesting.FakeClock
	timers *timer.Service
	pool   *netbuf.Pool
	ifc    *netif.Interface
	out    *fakeOutput
	s      *State
}

func newEnv(t *testing.T, limits Limits) *env {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Unix(1_000_000, 0))
	ifc, err := netif.New("eth0", ourMAC, 1500, 5)
	require.NoError(t, err)
	e := &env{
		t:      t,
		clk:    clk,
		timers: timer.New(clk),
		pool:   netbuf.NewPool(),
		ifc:    ifc,
		out:    &fakeOutput{t: t},
	}
	e.s, err = New(ifc, e.out, e.timers, Config{Limits: limits, Pool: e.pool})
	require.NoError(t, err)
	return e
}

func noDAD() Limits {
	l := DefaultLimits()
	l.DADTransmits = 0
	return l
}

// advance moves the clock forward one timer period at a time
func (e *env) advance(d time.Duration) {
	for step := time.Duration(0); step < d; step += DefaultTimerPeriod {
		e.clk.Step(DefaultTimerPeriod)
		e.timers.Poll()
	}
}

// preferred binds addr as a usable address without DAD
func (e *env) preferred(addr netip.Addr) {
	_, err := e.ifc.Bind(addr, netif.AddrManual, netif.AddrPreferred, ip6.InfiniteLifetime, 64, e.clk.Now())
	require.NoError(e.t, err)
}

// packet wraps an ICMPv6 message in the buffers the receive handlers take
func (e *env) packet(src, dst netip.Addr, hopLimit uint8, icmp []byte) (*netbuf.Buffer, *netbuf.Buffer) {
	hdr := make([]byte, ip6.HeaderLength, ip6.HeaderLength+len(icmp))
	hdr[0] = 0x60
	binary.BigEndian.PutUint16(hdr[4:], uint16(len(icmp)))
	hdr[6] = 58
	hdr[7] = hopLimit
	s, d := src.As16(), dst.As16()
	copy(hdr[8:24], s[:])
	copy(hdr[24:40], d[:])
	return e.pool.FromBytes(icmp), e.pool.FromBytes(append(hdr, icmp...))
}

type receiveFunc func(src, dst netip.Addr, icmp, ip *netbuf.Buffer)

func (e *env) handler(typ uint8) receiveFunc {
	switch typ {
	case ndmsg.TypeNeighborSolicitation:
		return e.s.NeighborSolicitationReceive
	case ndmsg.TypeNeighborAdvertisement:
		return e.s.NeighborAdvertisementReceive
	case ndmsg.TypeRouterAdvertisement:
		return e.s.RouterAdvertisementReceive
	case ndmsg.TypeRedirect:
		return e.s.RedirectReceive
	}
	e.t.Fatalf("no handler for type %d", typ)
	return nil
}

// receive delivers msg with the given hop limit and checks both buffers
// were released
func (e *env) receiveHop(src, dst netip.Addr, hopLimit uint8, msg ndmsg.Message) {
	e.t.Helper()
	b, err := ndmsg.Marshal(msg, src, dst)
	require.NoError(e.t, err)
	e.receiveRaw(src, dst, hopLimit, b)
}

func (e *env) receive(src, dst netip.Addr, msg ndmsg.Message) {
	e.t.Helper()
	e.receiveHop(src, dst, ip6.NDHopLimit, msg)
}

func (e *env) receiveRaw(src, dst netip.Addr, hopLimit uint8, b []byte) {
	e.t.Helper()
	live := e.pool.Live()
	icmp, ip := e.packet(src, dst, hopLimit, b)
	e.handler(b[0])(src, dst, icmp, ip)
	assert.True(e.t, icmp.Freed(), "icmp buffer not released")
	assert.True(e.t, ip.Freed(), "ip buffer not released")
	assert.LessOrEqual(e.t, e.pool.Live(), live, "receive path leaked buffers")
}

func (e *env) discarded(typ uint8, reason string) float64 {
	return testutil.ToFloat64(e.s.metrics.Discarded.WithLabelValues("eth0", ndmsg.TypeName(typ), reason))
}

func TestNewSizesTables(t *testing.T) {
	ifc, err := netif.New("eth0", ourMAC, 1500, 1)
	require.NoError(t, err)
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))

	s, err := New(ifc, &fakeOutput{t: t}, timer.New(clk), Config{})
	require.NoError(t, err)
	assert.Len(t, s.neighbors, 7)
	assert.Len(t, s.prefixes, 5)
	assert.Equal(t, ip6.LinkLocalPrefix, s.prefixes[0].Prefix)
	assert.True(t, s.AddrIsOnLink(ourLL))
	assert.False(t, s.AddrIsOnLink(netip.MustParseAddr("2001:db8::1")))

	assert.Panics(t, func() {
		_, _ = New(nil, &fakeOutput{t: t}, timer.New(clk), Config{})
	})
}

func TestReleaseFreesWaitingPackets(t *testing.T) {
	e := newEnv(t, noDAD())
	pkt := e.pool.New(100)
	n := e.s.NeighborCacheAdd(peerLL, nil, NeighborIncomplete)
	e.s.EnqueueWaiting(n, pkt)

	e.s.Release()
	assert.True(t, pkt.Freed())
	assert.Empty(t, e.s.Neighbors())
	assert.Equal(t, 0, e.timers.Len())
}

func TestTickStopsWhenDisabled(t *testing.T) {
	e := newEnv(t, DefaultLimits())
	_, err := e.s.BindAddr(netip.MustParseAddr("2001:db8::1"), netif.AddrManual, ip6.InfiniteLifetime, 64)
	require.NoError(t, err)
	e.s.ip6Disabled = true

	e.advance(5 * time.Second)
	assert.Equal(t, netif.AddrTentative, e.ifc.AddrInfo(netip.MustParseAddr("2001:db8::1")).State)
}
