package netif

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/kube-vip/nd6/pkg/ip6"
)

// AddrState is the DAD state of a bound address
type AddrState uint8

const (
	AddrNotUsed AddrState = iota
	AddrTentative
	AddrPreferred
)

func (s AddrState) String() string {
	switch s {
	case AddrNotUsed:
		return "not-used"
	case AddrTentative:
		return "tentative"
	case AddrPreferred:
		return "preferred"
	}
	return fmt.Sprintf("AddrState(%d)", uint8(s))
}

// AddrType records how an address was configured
type AddrType uint8

const (
	AddrManual AddrType = iota
	AddrAutoconfigurable
)

func (t AddrType) String() string {
	if t == AddrAutoconfigurable {
		return "autoconf"
	}
	return "manual"
}

var (
	// ErrNoFreeSlot is returned when the address table is full
	ErrNoFreeSlot = errors.New("no free address slot")

	// ErrAddrExists is returned when binding an address that is already bound
	ErrAddrExists = errors.New("address already bound")
)

// Addr is one slot of the interface address table
type Addr struct {
	Address            netip.Addr
	State              AddrState
	Type               AddrType
	SolicitedMulticast netip.Addr
	CreationTime       time.Time
	// Lifetime in seconds, ip6.InfiniteLifetime never expires
	Lifetime           uint32
	PrefixLength       int
	DADTransmitCounter int
	StateTime          time.Time
}

// Used reports whether the slot holds an address
func (a *Addr) Used() bool {
	return a.State != AddrNotUsed
}

// Interface is a network interface as far as IPv6 is concerned
type Interface struct {
	name string
	hw   net.HardwareAddr
	mtu  uint32
	pmtu uint32

	addrs []Addr
}

// New returns an interface with an empty address table of maxAddrs slots
func New(name string, hw net.HardwareAddr, mtu uint32, maxAddrs int) (*Interface, error) {
	if len(hw) != 6 && len(hw) != 8 {
		return nil, fmt.Errorf("interface %s: %w: %d bytes", name, ip6.ErrUnsupportedHWAddr, len(hw))
	}
	if mtu < ip6.MinMTU {
		return nil, fmt.Errorf("interface %s: mtu %d below IPv6 minimum %d", name, mtu, ip6.MinMTU)
	}
	if maxAddrs < 1 {
		return nil, fmt.Errorf("interface %s: address table needs at least one slot", name)
	}
	return &Interface{
		name:  name,
		hw:    append(net.HardwareAddr(nil), hw...),
		mtu:   mtu,
		addrs: make([]Addr, maxAddrs),
	}, nil
}

func (i *Interface) Name() string { return i.name }

// HWAddr returns the hardware address
func (i *Interface) HWAddr() net.HardwareAddr { return i.hw }

// HWAddrSize is 6 for Ethernet and 8 for EUI-64 links
func (i *Interface) HWAddrSize() int { return len(i.hw) }

// MTU is the physical link MTU
func (i *Interface) MTU() uint32 { return i.mtu }

// PMTU returns the path MTU, 0 when path MTU tracking is disabled
func (i *Interface) PMTU() uint32 { return i.pmtu }

// SetPMTU enables path MTU tracking (non-zero) or disables it (zero)
func (i *Interface) SetPMTU(pmtu uint32) { i.pmtu = pmtu }

// Table exposes the address slots for in-place updates
func (i *Interface) Table() []Addr {
	return i.addrs
}

// AddrInfo returns the slot holding addr in any state, including Tentative
func (i *Interface) AddrInfo(addr netip.Addr) *Addr {
	for n := range i.addrs {
		a := &i.addrs[n]
		if a.Used() && a.Address == addr {
			return a
		}
	}
	return nil
}

// IsMyAddr reports whether addr is bound and usable. Tentative addresses do
// not count.
func (i *Interface) IsMyAddr(addr netip.Addr) bool {
	a := i.AddrInfo(addr)
	return a != nil && a.State == AddrPreferred
}

// IsMember reports whether frames sent to group should be accepted
func (i *Interface) IsMember(group netip.Addr) bool {
	if group == ip6.AllNodes {
		return true
	}
	for n := range i.addrs {
		a := &i.addrs[n]
		if a.Used() && a.SolicitedMulticast == group {
			return true
		}
	}
	return false
}

// LinkLocal returns the first preferred link-local address
func (i *Interface) LinkLocal() (netip.Addr, bool) {
	for n := range i.addrs {
		a := &i.addrs[n]
		if a.State == AddrPreferred && ip6.IsLinkLocal(a.Address) {
			return a.Address, true
		}
	}
	return netip.Addr{}, false
}

// Bind stores addr in a free slot with the given state. Callers decide the
// state, Neighbor Discovery binds as Tentative and runs DAD.
func (i *Interface) Bind(addr netip.Addr, typ AddrType, state AddrState, lifetime uint32, prefixLength int, now time.Time) (*Addr, error) {
	if i.AddrInfo(addr) != nil {
		return nil, fmt.Errorf("%s on %s: %w", addr, i.name, ErrAddrExists)
	}
	group, err := ip6.SolicitedNodeMulticast(addr)
	if err != nil {
		return nil, err
	}
	for n := range i.addrs {
		a := &i.addrs[n]
		if a.Used() {
			continue
		}
		*a = Addr{
			Address:            addr,
			State:              state,
			Type:               typ,
			SolicitedMulticast: group,
			CreationTime:       now,
			Lifetime:           lifetime,
			PrefixLength:       prefixLength,
			StateTime:          now,
		}
		return a, nil
	}
	return nil, fmt.Errorf("%s on %s: %w", addr, i.name, ErrNoFreeSlot)
}

// Unbind clears the slot holding addr and reports whether there was one
func (i *Interface) Unbind(addr netip.Addr) bool {
	a := i.AddrInfo(addr)
	if a == nil {
		return false
	}
	*a = Addr{}
	return true
}
