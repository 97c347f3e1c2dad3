// Package timer is a polled periodic callback service.
//
// Nothing fires on its own: the owner of a Service calls Poll from its loop
// and every callback whose period elapsed runs there, on the owner's
// goroutine. Cancelling is unregistering.
package timer

import (
	"time"

	"k8s.io/utils/clock"
)

// Handle identifies a registered periodic callback
type Handle struct {
	period  time.Duration
	fn      func()
	next    time.Time
	removed bool
}

// Service holds the registered callbacks of one owner
type Service struct {
	clock   clock.PassiveClock
	entries []*Handle
}

// New returns a Service reading time from c
func New(c clock.PassiveClock) *Service {
	return &Service{clock: c}
}

// Clock returns the clock the service schedules against
func (s *Service) Clock() clock.PassiveClock {
	return s.clock
}

// Register adds fn to be called every period, starting one period from now
func (s *Service) Register(period time.Duration, fn func()) *Handle {
	if period <= 0 {
		panic("timer: non-positive period")
	}
	h := &Handle{
		period: period,
		fn:     fn,
		next:   s.clock.Now().Add(period),
	}
	s.entries = append(s.entries, h)
	return h
}

// Unregister removes h. It is safe to call from inside a callback.
func (s *Service) Unregister(h *Handle) {
	if h == nil {
		return
	}
	h.removed = true
}

// Len returns the number of registered callbacks
func (s *Service) Len() int {
	n := 0
	for _, h := range s.entries {
		if !h.removed {
			n++
		}
	}
	return n
}

// Poll runs every callback that is due. A callback late by more than one
// period runs once, not once per missed period.
func (s *Service) Poll() {
	now := s.clock.Now()
	due := make([]*Handle, 0, len(s.entries))
	for _, h := range s.entries {
		if !h.removed && !now.Before(h.next) {
			due = append(due, h)
		}
	}
	for _, h := range due {
		if h.removed {
			continue
		}
		h.next = now.Add(h.period)
		h.fn()
	}

	kept := s.entries[:0]
	for _, h := range s.entries {
		if !h.removed {
			kept = append(kept, h)
		}
	}
	s.entries = kept
}
