package stack

import (
	"encoding/binary"
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
)

const (
	maxReassemblies   = 4
	reassemblyTimeout = 60 * time.Second
	fragHeaderLength  = 8
	maxDatagramLength = 65535
)

var (
	errFragmentMalformed = errors.New("malformed fragment")
	errFragmentOverlap   = errors.New("overlapping fragment")
)

type fragKey struct {
	src, dst netip.Addr
	id       uint32
}

type fragment struct {
	offset int
	data   []byte
}

// pending is a datagram under reassembly. total is -1 until the last
// fragment arrived.
type pending struct {
	used      bool
	key       fragKey
	next      uint8
	haveFirst bool
	total     int
	frags     []fragment
	created   time.Time
}

// reassembly is a fixed-capacity list of datagrams under reassembly
// (RFC8200 section 4.5). A full list evicts its oldest entry.
type reassembly struct {
	slots []pending
}

func newReassembly(n int) *reassembly {
	return &reassembly{slots: make([]pending, n)}
}

func (r *reassembly) find(key fragKey) *pending {
	for i := range r.slots {
		if r.slots[i].used && r.slots[i].key == key {
			return &r.slots[i]
		}
	}
	return nil
}

func (r *reassembly) slot(now time.Time, key fragKey) *pending {
	if p := r.find(key); p != nil {
		return p
	}
	idx := -1
	for i := range r.slots {
		if !r.slots[i].used {
			idx = i
			break
		}
		if idx < 0 || r.slots[i].created.Before(r.slots[idx].created) {
			idx = i
		}
	}
	r.slots[idx] = pending{used: true, key: key, total: -1, created: now}
	return &r.slots[idx]
}

// add stores one fragment. When it completes its datagram the upper-layer
// next header and the reassembled payload are returned.
func (r *reassembly) add(now time.Time, key fragKey, next uint8, offset int, more bool, data []byte) (uint8, []byte, bool, error) {
	end := offset + len(data)
	if len(data) == 0 || (more && len(data)%8 != 0) || end > maxDatagramLength {
		return 0, nil, false, errFragmentMalformed
	}
	p := r.slot(now, key)

	if !more {
		if p.total >= 0 && p.total != end {
			*p = pending{}
			return 0, nil, false, errFragmentMalformed
		}
		p.total = end
	}
	for _, f := range p.frags {
		if offset < f.offset+len(f.data) && f.offset < end {
			*p = pending{}
			return 0, nil, false, errFragmentOverlap
		}
		if p.total >= 0 && f.offset+len(f.data) > p.total {
			*p = pending{}
			return 0, nil, false, errFragmentMalformed
		}
	}
	if p.total >= 0 && end > p.total {
		*p = pending{}
		return 0, nil, false, errFragmentMalformed
	}

	p.frags = append(p.frags, fragment{offset: offset, data: append([]byte(nil), data...)})
	if offset == 0 {
		p.next = next
		p.haveFirst = true
	}
	if p.total < 0 || !p.haveFirst {
		return 0, nil, false, nil
	}

	sort.Slice(p.frags, func(i, j int) bool { return p.frags[i].offset < p.frags[j].offset })
	covered := 0
	for _, f := range p.frags {
		if f.offset != covered {
			return 0, nil, false, nil
		}
		covered += len(f.data)
	}
	if covered != p.total {
		return 0, nil, false, nil
	}
	payload := make([]byte, 0, p.total)
	for _, f := range p.frags {
		payload = append(payload, f.data...)
	}
	next = p.next
	*p = pending{}
	return next, payload, true, nil
}

// expire drops the datagrams older than the reassembly timeout
func (r *reassembly) expire(now time.Time) int {
	n := 0
	for i := range r.slots {
		if r.slots[i].used && !now.Before(r.slots[i].created.Add(reassemblyTimeout)) {
			r.slots[i] = pending{}
			n++
		}
	}
	return n
}

func (r *reassembly) len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].used {
			n++
		}
	}
	return n
}

func (s *Stack) reassemblyTimer() {
	if n := s.frags.expire(s.clock.Now()); n > 0 {
		s.log.WithFields(log.Fields{"datagrams": n}).Debug("fragment reassembly timed out")
	}
}

// fragmentInput feeds a datagram carrying a Fragment header to the
// reassembly list and delivers the datagram once it is complete
func (s *Stack) fragmentInput(a *attachment, src, dst netip.Addr, payload, datagram []byte) {
	if len(payload) < fragHeaderLength {
		return
	}
	next := payload[0]
	field := binary.BigEndian.Uint16(payload[2:4])
	offset := int(field &^ 7)
	more := field&1 != 0
	id := binary.BigEndian.Uint32(payload[4:8])

	if offset == 0 && !more {
		// atomic fragment
		s.deliver(a, src, dst, next, payload[fragHeaderLength:], datagram, true)
		return
	}

	key := fragKey{src: src, dst: dst, id: id}
	next, body, done, err := s.frags.add(s.clock.Now(), key, next, offset, more, payload[fragHeaderLength:])
	if err != nil {
		s.log.WithError(err).WithFields(log.Fields{"src": src, "id": id}).Debug("fragment dropped")
		return
	}
	if !done {
		return
	}

	whole, err := ipv6Datagram(src, dst, layers.IPProtocol(next), datagram[7], body)
	if err != nil {
		return
	}
	s.deliver(a, src, dst, next, whole[ip6.HeaderLength:], whole, true)
}

// fragment splits payload into datagrams that fit mtu. Offsets of all but
// the last fragment are multiples of 8 bytes.
func (s *Stack) fragment(src, dst netip.Addr, proto, hopLimit uint8, payload []byte, mtu int) ([][]byte, error) {
	if ip6.HeaderLength+len(payload) <= mtu {
		d, err := ipv6Datagram(src, dst, layers.IPProtocol(proto), hopLimit, payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{d}, nil
	}
	if len(payload) > maxDatagramLength-fragHeaderLength {
		return nil, errors.Errorf("payload of %d bytes does not fit a datagram", len(payload))
	}
	chunk := (mtu - ip6.HeaderLength - fragHeaderLength) &^ 7
	if chunk <= 0 {
		return nil, errors.Errorf("mtu %d too small to fragment", mtu)
	}

	s.fragID++
	var out [][]byte
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		hdr := make([]byte, fragHeaderLength, fragHeaderLength+end-off)
		hdr[0] = proto
		field := uint16(off)
		if end < len(payload) {
			field |= 1
		}
		binary.BigEndian.PutUint16(hdr[2:4], field)
		binary.BigEndian.PutUint32(hdr[4:8], s.fragID)

		d, err := ipv6Datagram(src, dst, layers.IPProtocolIPv6Fragment, hopLimit, append(hdr, payload[off:end]...))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
