package nd6

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
)

// RDNSS is a recursive DNS server learned from a Router Advertisement (RFC6106)
type RDNSS struct {
	Server netip.Addr
	// Lifetime in seconds
	Lifetime     uint32
	CreationTime time.Time
}

// RDNSSList returns a snapshot of the known DNS servers
func (s *State) RDNSSList() []RDNSS {
	var out []RDNSS
	for _, r := range s.rdnss {
		if r.Server.IsValid() {
			out = append(out, r)
		}
	}
	return out
}

// RDNSSGet returns the n-th known DNS server
func (s *State) RDNSSGet(n int) (netip.Addr, bool) {
	for _, r := range s.rdnss {
		if !r.Server.IsValid() {
			continue
		}
		if n == 0 {
			return r.Server, true
		}
		n--
	}
	return netip.Addr{}, false
}

// rdnssUpdate refreshes server with lifetime seconds. A zero lifetime
// removes it.
func (s *State) rdnssUpdate(server netip.Addr, lifetime uint32) {
	if !server.Is6() || server.IsMulticast() || server.IsUnspecified() {
		return
	}
	free, oldest := -1, -1
	for i := range s.rdnss {
		r := &s.rdnss[i]
		if r.Server == server {
			if lifetime == 0 {
				*r = RDNSS{}
				return
			}
			r.Lifetime = lifetime
			r.CreationTime = s.now()
			return
		}
		if !r.Server.IsValid() {
			if free < 0 {
				free = i
			}
			continue
		}
		if oldest < 0 || r.CreationTime.Before(s.rdnss[oldest].CreationTime) {
			oldest = i
		}
	}
	if lifetime == 0 {
		return
	}
	slot := free
	if slot < 0 {
		slot = oldest
		if slot < 0 {
			return
		}
		s.metrics.Evictions.WithLabelValues(s.ifc.Name(), "rdnss").Inc()
	}
	s.rdnss[slot] = RDNSS{Server: server, Lifetime: lifetime, CreationTime: s.now()}
	s.log.WithFields(log.Fields{"server": server, "lifetime": lifetime}).Info("dns server learned")
}

func (s *State) rdnssTimer() {
	for i := range s.rdnss {
		r := &s.rdnss[i]
		if r.Server.IsValid() && s.lifetimeExpired(r.CreationTime, r.Lifetime) {
			*r = RDNSS{}
		}
	}
}
