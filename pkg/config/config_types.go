package config

import "github.com/kube-vip/nd6/pkg/nd6"

// Config defines a simulated network: the nodes, the segments they are
// attached to and the Neighbor Discovery parameters they share
type Config struct {
	// Logging is the logrus level, 5 being the most verbose
	Logging int `json:"logging"`

	// PrometheusHTTPServer is the address the metrics are served on, empty disables it
	PrometheusHTTPServer string `json:"prometheusHTTPServer,omitempty"`

	// TimerPeriod is the Neighbor Discovery tick in milliseconds
	TimerPeriod int `json:"timerPeriod"`

	// ND6 sizes the per-interface tables
	ND6 nd6.Limits `json:"nd6"`

	// MaxAddrs is the number of address slots per interface
	MaxAddrs int `json:"maxAddrs"`

	// Duration of a run, as understood by time.ParseDuration. Empty runs until interrupted.
	Duration string `json:"duration,omitempty"`

	// Nodes are the IPv6 nodes of the simulation
	Nodes []Node `json:"nodes"`
}

// Node is one IPv6 node with a single interface
type Node struct {
	// Name of the node, also used as its port name on the segment
	Name string `json:"name"`

	// Segment the interface is attached to
	Segment string `json:"segment,omitempty"`

	// HardwareAddr is the 48-bit MAC of the interface
	HardwareAddr string `json:"hwaddr,omitempty"`

	// HostInterface borrows the MAC and MTU of a local Linux link
	HostInterface string `json:"hostInterface,omitempty"`

	// MTU of the link, 1500 when unset
	MTU int `json:"mtu,omitempty"`

	// Addresses are static addresses in CIDR notation
	Addresses []string `json:"addresses,omitempty"`

	// Ping lists addresses this node sends an echo request to every second
	Ping []string `json:"ping,omitempty"`

	// Router turns the node into an advertising router
	Router *Router `json:"router,omitempty"`
}

// Router is what a router node advertises
type Router struct {
	// Prefixes are advertised on-link, /64 prefixes also for autoconfiguration
	Prefixes []string `json:"prefixes"`

	// MTU option, 0 leaves it out
	MTU uint32 `json:"mtu,omitempty"`

	// RouterLifetime in seconds
	RouterLifetime uint16 `json:"routerLifetime,omitempty"`

	// ValidLifetime and PreferredLifetime of the prefixes in seconds
	ValidLifetime     uint32 `json:"validLifetime,omitempty"`
	PreferredLifetime uint32 `json:"preferredLifetime,omitempty"`

	// CurHopLimit advertised to hosts, 0 is unspecified
	CurHopLimit uint8 `json:"curHopLimit,omitempty"`

	// ReachableTime and RetransTimer in milliseconds, 0 is unspecified
	ReachableTime int `json:"reachableTime,omitempty"`
	RetransTimer  int `json:"retransTimer,omitempty"`

	// DNSServers are sent in a recursive DNS server option
	DNSServers  []string `json:"dnsServers,omitempty"`
	DNSLifetime uint32   `json:"dnsLifetime,omitempty"`

	// Interval between unsolicited advertisements, as understood by time.ParseDuration
	Interval string `json:"interval,omitempty"`
}
