package nd6

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/ndmsg"
)

var remote = netip.MustParseAddr("2001:db8:ffff::99")

// withRouter installs routerLL as the default router
func withRouter(t *testing.T) *env {
	e := newEnv(t, noDAD())
	e.preferred(ourLL)
	n := e.s.NeighborCacheAdd(routerLL, peerMAC2, NeighborStale)
	e.s.RouterListAdd(n, 1800)
	return e
}

func TestRedirectFromWrongRouterIsDiscarded(t *testing.T) {
	e := withRouter(t)
	before := e.s.Neighbors()

	e.receive(peerLL, ourLL, &ndmsg.Redirect{Target: peerLL, Destination: remote, TargetLinkAddr: peerMAC})

	assert.Equal(t, 1.0, e.discarded(ndmsg.TypeRedirect, reasonFirstHop))
	assert.Empty(t, e.s.Redirects())
	assert.Equal(t, before, e.s.Neighbors())
	assert.Equal(t, remote, e.s.RedirectAddr(remote))
}

func TestRedirectWithoutRouterIsDiscarded(t *testing.T) {
	e := newEnv(t, noDAD())
	e.receive(routerLL, ourLL, &ndmsg.Redirect{Target: peerLL, Destination: remote, TargetLinkAddr: peerMAC})
	assert.Equal(t, 1.0, e.discarded(ndmsg.TypeRedirect, reasonFirstHop))
	assert.Empty(t, e.s.Neighbors())
}

func TestRedirectToBetterRouter(t *testing.T) {
	e := withRouter(t)

	e.receive(routerLL, ourLL, &ndmsg.Redirect{Target: peerLL, Destination: remote, TargetLinkAddr: peerMAC})

	assert.Equal(t, peerLL, e.s.RedirectAddr(remote))
	require.Len(t, e.s.Redirects(), 1)
	n := e.s.NeighborCacheGet(peerLL)
	require.NotNil(t, n)
	assert.Equal(t, NeighborStale, n.State)
	assert.Equal(t, peerMAC, n.LinkAddr())
	assert.True(t, n.IsRouter)

	// the new first hop is the only one allowed to redirect again
	other := netip.MustParseAddr("fe80::3")
	e.receive(routerLL, ourLL, &ndmsg.Redirect{Target: other, Destination: remote})
	assert.Equal(t, 1.0, e.discarded(ndmsg.TypeRedirect, reasonFirstHop))
	e.receive(peerLL, ourLL, &ndmsg.Redirect{Target: other, Destination: remote})
	assert.Equal(t, other, e.s.RedirectAddr(remote))
	assert.Equal(t, NeighborIncomplete, e.s.NeighborCacheGet(other).State)
}

func TestRedirectToOnLinkDestination(t *testing.T) {
	e := withRouter(t)

	e.receive(routerLL, ourLL, &ndmsg.Redirect{Target: remote, Destination: remote, TargetLinkAddr: peerMAC})

	assert.Empty(t, e.s.Redirects())
	n := e.s.NeighborCacheGet(remote)
	require.NotNil(t, n)
	assert.Equal(t, NeighborStale, n.State)
	assert.False(t, n.IsRouter)
}

func TestRedirectUpdatesIncompleteTarget(t *testing.T) {
	e := withRouter(t)
	n := e.s.NeighborResolve(peerLL, ourLL, e.pool.New(80))

	e.receive(routerLL, ourLL, &ndmsg.Redirect{Target: peerLL, Destination: remote, TargetLinkAddr: peerMAC})

	assert.Equal(t, NeighborStale, n.State)
	assert.Equal(t, []netip.Addr{peerLL}, e.out.link)
	assert.Equal(t, int64(0), e.pool.Live())
}

func TestRedirectValidation(t *testing.T) {
	tests := []struct {
		name   string
		src    netip.Addr
		msg    *ndmsg.Redirect
		reason string
	}{
		{"global source", netip.MustParseAddr("2001:db8::1"), &ndmsg.Redirect{Target: peerLL, Destination: remote}, reasonSource},
		{"multicast destination", routerLL, &ndmsg.Redirect{Target: peerLL, Destination: ip6.AllNodes}, reasonDestination},
		{"global target", routerLL, &ndmsg.Redirect{Target: netip.MustParseAddr("2001:db8::7"), Destination: remote}, reasonTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := withRouter(t)
			e.receive(tt.src, ourLL, tt.msg)
			assert.Equal(t, 1.0, e.discarded(ndmsg.TypeRedirect, tt.reason))
			assert.Empty(t, e.s.Redirects())
			assert.Len(t, e.s.Neighbors(), 1)
		})
	}
}

func TestNeighborDeletePurgesRedirects(t *testing.T) {
	e := withRouter(t)
	e.receive(routerLL, ourLL, &ndmsg.Redirect{Target: peerLL, Destination: remote, TargetLinkAddr: peerMAC})
	require.Len(t, e.s.Redirects(), 1)

	e.s.NeighborCacheDel(e.s.NeighborCacheGet(peerLL))
	assert.Empty(t, e.s.Redirects())
	assert.Equal(t, remote, e.s.RedirectAddr(remote))
}

func TestRedirectTableEvictsOldest(t *testing.T) {
	e := withRouter(t)
	for i := 1; i <= 5; i++ {
		e.clk.Step(time.Second)
		e.receive(routerLL, ourLL, &ndmsg.Redirect{
			Target:         peerLL,
			Destination:    netip.MustParseAddr(fmt.Sprintf("2001:db8:ffff::%d", i)),
			TargetLinkAddr: peerMAC,
		})
	}

	assert.Len(t, e.s.Redirects(), 4)
	assert.Equal(t, netip.MustParseAddr("2001:db8:ffff::1"), e.s.RedirectAddr(netip.MustParseAddr("2001:db8:ffff::1")))
	assert.Equal(t, peerLL, e.s.RedirectAddr(netip.MustParseAddr("2001:db8:ffff::5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.s.metrics.Evictions.WithLabelValues("eth0", "redirect")))
}
