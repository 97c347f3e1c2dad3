package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"sigs.k8s.io/yaml"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/nd6"
	"github.com/kube-vip/nd6/pkg/stack"
)

const (
	// DefaultSegment is the segment nodes without one are attached to
	DefaultSegment = "lan"

	defaultMTU      = 1500
	defaultMaxAddrs = 5
)

// Default returns a configuration with every default filled in and no nodes
func Default() *Config {
	return &Config{
		Logging:     4,
		TimerPeriod: int(nd6.DefaultTimerPeriod / time.Millisecond),
		ND6:         nd6.DefaultLimits(),
		MaxAddrs:    defaultMaxAddrs,
	}
}

// LoadConfigFromFile reads a YAML configuration on top of the defaults
func LoadConfigFromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %s", path)
	}
	c := Default()
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %s", path)
	}
	return c, nil
}

// Sample returns a router and two hosts on one segment
func Sample() *Config {
	c := Default()
	c.Duration = "30s"
	c.Nodes = []Node{
		{
			Name:         "router",
			HardwareAddr: "02:00:00:00:00:01",
			Addresses:    []string{"2001:db8:1::1/64"},
			Router: &Router{
				Prefixes:   []string{"2001:db8:1::/64"},
				MTU:        1400,
				DNSServers: []string{"2001:db8:1::53"},
				Interval:   "10s",
			},
		},
		{
			Name:         "host1",
			HardwareAddr: "02:00:00:00:00:02",
			Ping:         []string{"2001:db8:1::1"},
		},
		{
			Name:         "host2",
			HardwareAddr: "02:00:00:00:00:03",
		},
	}
	return c
}

// SampleConfig prints the sample configuration as YAML
func SampleConfig() {
	b, err := yaml.Marshal(Sample())
	if err != nil {
		log.Fatalln(err)
	}
	fmt.Print(string(b))
}

// Validate checks the configuration before any node is built
func (c *Config) Validate() error {
	if c.TimerPeriod <= 0 {
		return errors.Errorf("timerPeriod must be positive, got %d", c.TimerPeriod)
	}
	l := c.ND6
	for name, v := range map[string]int{
		"neighborCacheSize": l.NeighborCacheSize,
		"routerListSize":    l.RouterListSize,
		"prefixListSize":    l.PrefixListSize,
		"redirectTableSize": l.RedirectTableSize,
		"rdnssListSize":     l.RDNSSListSize,
		"maxAddrs":          c.MaxAddrs,
	} {
		if v < 1 {
			return errors.Errorf("%s must be at least 1, got %d", name, v)
		}
	}
	if l.DADTransmits < 0 {
		return errors.Errorf("dadTransmits cannot be negative, got %d", l.DADTransmits)
	}
	if _, err := c.RunDuration(); err != nil {
		return err
	}
	if len(c.Nodes) == 0 {
		return errors.New("no nodes configured")
	}

	seen := make(map[string]bool, len(c.Nodes))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.Name == "" {
			return errors.Errorf("node %d has no name", i)
		}
		if seen[n.Name] {
			return errors.Errorf("node %s is defined twice", n.Name)
		}
		seen[n.Name] = true
		if err := n.validate(c.MaxAddrs); err != nil {
			return errors.Wrapf(err, "node %s", n.Name)
		}
	}
	return nil
}

func (n *Node) validate(maxAddrs int) error {
	if n.HardwareAddr == "" && n.HostInterface == "" {
		return errors.New("either hwaddr or hostInterface is required")
	}
	if n.HardwareAddr != "" {
		if _, err := n.HWAddr(); err != nil {
			return err
		}
	}
	if n.MTU != 0 && n.MTU < ip6.MinMTU {
		return errors.Errorf("mtu %d is below the IPv6 minimum of %d", n.MTU, ip6.MinMTU)
	}
	static, err := n.StaticAddrs()
	if err != nil {
		return err
	}
	// the link-local address takes a slot too
	if len(static)+1 > maxAddrs {
		return errors.Errorf("%d addresses do not fit %d address slots", len(static), maxAddrs)
	}
	if _, err := n.PingTargets(); err != nil {
		return err
	}
	if n.Router != nil {
		if _, err := n.Router.StackConfig(); err != nil {
			return errors.Wrap(err, "router")
		}
	}
	return nil
}

// RunDuration returns how long a run lasts, 0 meaning until interrupted
func (c *Config) RunDuration() (time.Duration, error) {
	if c.Duration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Duration)
	if err != nil {
		return 0, errors.Wrap(err, "duration")
	}
	if d < 0 {
		return 0, errors.Errorf("duration cannot be negative, got %s", d)
	}
	return d, nil
}

// Period returns the Neighbor Discovery tick
func (c *Config) Period() time.Duration {
	return time.Duration(c.TimerPeriod) * time.Millisecond
}

// SegmentName returns the segment the node is attached to
func (n *Node) SegmentName() string {
	if n.Segment == "" {
		return DefaultSegment
	}
	return n.Segment
}

// LinkMTU returns the configured MTU or the Ethernet default
func (n *Node) LinkMTU() uint32 {
	if n.MTU == 0 {
		return defaultMTU
	}
	return uint32(n.MTU)
}

// HWAddr parses the hardware address. Only 48-bit MACs can be attached to
// a simulated Ethernet segment.
func (n *Node) HWAddr() (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(n.HardwareAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "hwaddr %q", n.HardwareAddr)
	}
	if len(hw) != 6 {
		return nil, errors.Errorf("hwaddr %s is not a 48-bit MAC", hw)
	}
	return hw, nil
}

// StaticAddrs parses the static addresses
func (n *Node) StaticAddrs() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(n.Addresses))
	for _, a := range n.Addresses {
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return nil, errors.Wrapf(err, "address %q", a)
		}
		if !p.Addr().Is6() || p.Addr().Is4In6() {
			return nil, errors.Errorf("address %s is not IPv6", a)
		}
		out = append(out, p)
	}
	return out, nil
}

// PingTargets parses the addresses the node pings
func (n *Node) PingTargets() ([]netip.Addr, error) {
	out := make([]netip.Addr, 0, len(n.Ping))
	for _, a := range n.Ping {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return nil, errors.Wrapf(err, "ping target %q", a)
		}
		if !ip6.IsIPv6(a) {
			return nil, errors.Errorf("ping target %s is not IPv6", a)
		}
		out = append(out, addr)
	}
	return out, nil
}

// StackConfig converts the advertised parameters for the stack
func (r *Router) StackConfig() (stack.RouterConfig, error) {
	rc := stack.RouterConfig{
		ValidLifetime:     r.ValidLifetime,
		PreferredLifetime: r.PreferredLifetime,
		RouterLifetime:    r.RouterLifetime,
		MTU:               r.MTU,
		CurHopLimit:       r.CurHopLimit,
		ReachableTime:     time.Duration(r.ReachableTime) * time.Millisecond,
		RetransTimer:      time.Duration(r.RetransTimer) * time.Millisecond,
		DNSLifetime:       r.DNSLifetime,
	}
	if len(r.Prefixes) == 0 {
		return rc, errors.New("no prefixes to advertise")
	}
	for _, s := range r.Prefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return rc, errors.Wrapf(err, "prefix %q", s)
		}
		if !p.Addr().Is6() || ip6.IsLinkLocal(p.Addr()) {
			return rc, errors.Errorf("prefix %s cannot be advertised", s)
		}
		rc.Prefixes = append(rc.Prefixes, p.Masked())
	}
	for _, s := range r.DNSServers {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return rc, errors.Wrapf(err, "dns server %q", s)
		}
		rc.DNSServers = append(rc.DNSServers, a)
	}
	if r.MTU != 0 && r.MTU < ip6.MinMTU {
		return rc, errors.Errorf("mtu %d is below the IPv6 minimum of %d", r.MTU, ip6.MinMTU)
	}
	if r.Interval != "" {
		d, err := time.ParseDuration(r.Interval)
		if err != nil {
			return rc, errors.Wrap(err, "interval")
		}
		if d <= 0 {
			return rc, errors.Errorf("interval must be positive, got %s", d)
		}
		rc.Interval = d
	}
	return rc, nil
}

// CheckInterfaces fills in the hardware address and MTU of nodes that
// borrow a host interface
func (c *Config) CheckInterfaces() error {
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.HostInterface == "" {
			continue
		}
		if err := n.fromHostInterface(); err != nil {
			return fmt.Errorf("%s is not valid interface, reason: %w", n.HostInterface, err)
		}
	}
	return nil
}

func (n *Node) fromHostInterface() error {
	l, err := netlink.LinkByName(n.HostInterface)
	if err != nil {
		return fmt.Errorf("get %s failed, error: %w", n.HostInterface, err)
	}
	attrs := l.Attrs()

	// Some interfaces (lo and point-to-point links among them) report no
	// operational status but are fine to borrow from
	if attrs.OperState == netlink.OperUnknown {
		log.Warningf("the status of the interface %s is unknown, using its hardware address anyway", n.HostInterface)
	} else if attrs.OperState != netlink.OperUp {
		return fmt.Errorf("%s is not up", n.HostInterface)
	}

	if n.HardwareAddr == "" {
		if len(attrs.HardwareAddr) != 6 {
			return fmt.Errorf("%s has no 48-bit hardware address", n.HostInterface)
		}
		n.HardwareAddr = attrs.HardwareAddr.String()
	}
	if n.MTU == 0 && attrs.MTU >= ip6.MinMTU {
		n.MTU = attrs.MTU
	}
	log.WithFields(log.Fields{"node": n.Name, "interface": n.HostInterface, "hwaddr": n.HardwareAddr, "mtu": n.MTU}).Info("hardware address borrowed from host interface")
	return nil
}
