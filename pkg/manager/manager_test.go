package manager

import (
	"bytes"
	"context"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/kube-vip/nd6/pkg/config"
)

func testConfig(duration string) *config.Config {
	c := config.Default()
	c.ND6.DADTransmits = 0
	c.Duration = duration
	c.Nodes = []config.Node{
		{
			Name:         "router",
			HardwareAddr: "02:00:00:00:00:01",
			Addresses:    []string{"2001:db8:1::1/64"},
			Router: &config.Router{
				Prefixes:   []string{"2001:db8:1::/64"},
				MTU:        1400,
				DNSServers: []string{"2001:db8:1::53"},
			},
		},
		{
			Name:         "host",
			HardwareAddr: "02:00:00:00:00:02",
			Ping:         []string{"2001:db8:1::1"},
		},
		{
			Name:         "other",
			Segment:      "dmz",
			HardwareAddr: "02:00:00:00:00:03",
		},
	}
	return c
}

func TestNew(t *testing.T) {
	g := NewWithT(t)
	sm, err := New(testConfig(""), clock.RealClock{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(sm.Nodes()).To(Equal([]string{"router", "host", "other"}))
	g.Expect(sm.Segments()).To(Equal([]string{"dmz", config.DefaultSegment}))
	g.Expect(sm.PrometheusCollector()).To(HaveLen(7))
}

func TestNewRejectsBadNode(t *testing.T) {
	c := testConfig("")
	c.Nodes[1].HardwareAddr = "not a mac"
	_, err := New(c, clock.RealClock{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node host")
}

func TestStartRunsNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the network on the real clock")
	}
	sm, err := New(testConfig("2500ms"), clock.RealClock{})
	require.NoError(t, err)
	var out bytes.Buffer
	sm.Out = &out

	require.NoError(t, sm.Start(context.Background()))

	assert.GreaterOrEqual(t, testutil.ToFloat64(sm.countEcho.WithLabelValues("host")), 1.0)
	dump := out.String()
	assert.Contains(t, dump, "NODE host")
	assert.Contains(t, dump, "2001:db8:1::/64")
	assert.Contains(t, dump, "2001:db8:1::53")
	assert.Contains(t, dump, "mtu 1400")
	assert.Contains(t, dump, "NODE other")
}

func TestStartStopsWithContext(t *testing.T) {
	sm, err := New(testConfig(""), clock.RealClock{})
	require.NoError(t, err)
	sm.Out = &bytes.Buffer{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sm.Start(ctx))
}
