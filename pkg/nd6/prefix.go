package nd6

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
)

// PrefixState marks prefix list slots in use
type PrefixState uint8

const (
	PrefixNotUsed PrefixState = iota
	PrefixUsed
)

// Prefix is one on-link prefix learned from Router Advertisements. Slot 0
// holds fe80::/64 permanently.
type Prefix struct {
	Prefix netip.Prefix
	State  PrefixState
	// Lifetime in seconds, ip6.InfiniteLifetime never expires
	Lifetime     uint32
	CreationTime time.Time
}

// Prefixes returns a snapshot of the used prefix list slots
func (s *State) Prefixes() []Prefix {
	var out []Prefix
	for _, p := range s.prefixes {
		if p.State == PrefixUsed {
			out = append(out, p)
		}
	}
	return out
}

// PrefixListGet returns the entry for prefix, nil when there is none
func (s *State) PrefixListGet(prefix netip.Prefix) *Prefix {
	for i := range s.prefixes {
		p := &s.prefixes[i]
		if p.State == PrefixUsed && p.Prefix == prefix {
			return p
		}
	}
	return nil
}

// prefixListAdd stores prefix in a free slot, evicting the oldest
// RA-learned prefix when the list is full. Slot 0 is never handed out.
func (s *State) prefixListAdd(prefix netip.Prefix, lifetime uint32) *Prefix {
	slot := -1
	for i := 1; i < len(s.prefixes); i++ {
		if s.prefixes[i].State == PrefixNotUsed {
			slot = i
			break
		}
	}
	if slot < 0 {
		for i := 1; i < len(s.prefixes); i++ {
			if slot < 0 || s.prefixes[i].CreationTime.Before(s.prefixes[slot].CreationTime) {
				slot = i
			}
		}
		if slot < 0 {
			return nil
		}
		s.log.WithFields(log.Fields{"prefix": s.prefixes[slot].Prefix}).Debug("prefix list full, evicting oldest prefix")
		s.metrics.Evictions.WithLabelValues(s.ifc.Name(), "prefix").Inc()
	}

	p := &s.prefixes[slot]
	*p = Prefix{
		Prefix:       prefix,
		State:        PrefixUsed,
		Lifetime:     lifetime,
		CreationTime: s.now(),
	}
	s.log.WithFields(log.Fields{"prefix": prefix, "lifetime": lifetime}).Info("on-link prefix added")
	return p
}

// prefixListDel frees the slot of p. The link-local prefix stays.
func (s *State) prefixListDel(p *Prefix) {
	if p == &s.prefixes[0] {
		return
	}
	s.log.WithFields(log.Fields{"prefix": p.Prefix}).Info("on-link prefix removed")
	*p = Prefix{}
}

// AddrIsOnLink reports whether addr falls under one of the on-link prefixes
func (s *State) AddrIsOnLink(addr netip.Addr) bool {
	for i := range s.prefixes {
		p := &s.prefixes[i]
		if p.State == PrefixUsed && p.Prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *State) prefixListTimer() {
	for i := 1; i < len(s.prefixes); i++ {
		p := &s.prefixes[i]
		if p.State == PrefixUsed && s.lifetimeExpired(p.CreationTime, p.Lifetime) {
			s.prefixListDel(p)
		}
	}
}
