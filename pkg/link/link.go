// Package link simulates a shared Ethernet segment. Frames sent by one port
// are copied to every other port attached to the same segment. Queues are
// bounded and a frame that does not fit is dropped, there is no
// backpressure.
package link

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// DefaultQueueLength is used when a segment is created with a non-positive length
const DefaultQueueLength = 64

// maxFrameSize bounds the frames a port endpoint accepts
const maxFrameSize = 65535

// Segment is a hub: the transmit queue of every attached port is fanned out
// to the receive queue of every other port
type Segment struct {
	name     string
	queueLen int
	metrics  *Metrics

	mu    sync.RWMutex
	ports []*Port
}

// Port is the attachment of one interface to a segment. Frames it sends wait
// in a gvisor channel endpoint until the segment moves them.
type Port struct {
	name     string
	seg      *Segment
	tx       *channel.Endpoint
	rx       chan []byte
	detached atomic.Bool
}

// Metrics counts frames moved or dropped by segments
type Metrics struct {
	Frames  *prometheus.CounterVec
	Dropped *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames delivered to a port",
		}, []string{"segment", "port"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Subsystem: "link",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped on a full queue",
		}, []string{"segment", "port", "queue"}),
	}
}

// PrometheusCollector - required for statistics
func (m *Metrics) PrometheusCollector() []prometheus.Collector {
	return []prometheus.Collector{m.Frames, m.Dropped}
}

// NewSegment creates a segment whose queues hold queueLen frames
func NewSegment(name string, queueLen int, metrics *Metrics) *Segment {
	if queueLen <= 0 {
		queueLen = DefaultQueueLength
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Segment{
		name:     name,
		queueLen: queueLen,
		metrics:  metrics,
	}
}

func (s *Segment) Name() string { return s.name }

// Attach adds a port named name to the segment. Ports must be attached
// before Run.
func (s *Segment) Attach(name string) *Port {
	p := &Port{
		name: name,
		seg:  s,
		tx:   channel.New(s.queueLen, maxFrameSize, ""),
		rx:   make(chan []byte, s.queueLen),
	}
	s.mu.Lock()
	s.ports = append(s.ports, p)
	s.mu.Unlock()
	log.WithFields(log.Fields{"segment": s.name, "port": name}).Debug("port attached")
	return p
}

// Detach removes p, its receive queue is closed and its pending frames are
// discarded
func (s *Segment) Detach(p *Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ports {
		if s.ports[i] == p {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			p.detached.Store(true)
			p.tx.Drain()
			close(p.rx)
			return
		}
	}
}

// Run moves frames from the transmit queues to the ports until ctx is done.
// Receive queues are closed on return.
func (s *Segment) Run(ctx context.Context) error {
	defer s.closePorts()
	s.mu.RLock()
	ports := append([]*Port(nil), s.ports...)
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ports {
		g.Go(func() error {
			s.pump(ctx, p)
			return nil
		})
	}
	<-ctx.Done()
	return g.Wait()
}

func (s *Segment) pump(ctx context.Context, p *Port) {
	for !p.detached.Load() {
		pkt := p.tx.ReadContext(ctx)
		if pkt == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		v := pkt.ToView()
		s.deliver(p, v.AsSlice())
		v.Release()
		pkt.DecRef()
	}
}

func (s *Segment) deliver(from *Port, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.ports {
		if p == from {
			continue
		}
		select {
		case p.rx <- append([]byte(nil), data...):
			s.metrics.Frames.WithLabelValues(s.name, p.name).Inc()
		default:
			s.metrics.Dropped.WithLabelValues(s.name, p.name, "rx").Inc()
		}
	}
}

func (s *Segment) closePorts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		p.detached.Store(true)
		p.tx.Drain()
		close(p.rx)
	}
	s.ports = nil
}

func (p *Port) Name() string { return p.name }

// Send queues a copy of data for every other port on the segment. It never
// blocks.
func (p *Port) Send(data []byte) {
	if p.detached.Load() {
		return
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(data),
	})
	defer pkt.DecRef()
	var pkts stack.PacketBufferList
	pkts.PushBack(pkt)
	if n, err := p.tx.WritePackets(pkts); err != nil || n == 0 {
		p.seg.metrics.Dropped.WithLabelValues(p.seg.name, p.name, "tx").Inc()
	}
}

// Pending returns the number of frames sent by p and not yet moved
func (p *Port) Pending() int {
	return p.tx.NumQueued()
}

// Receive returns the queue of frames for this port. It is closed when the
// segment stops or the port is detached.
func (p *Port) Receive() <-chan []byte {
	return p.rx
}

// RunAll runs every segment until ctx is done or one of them fails
func RunAll(ctx context.Context, segments ...*Segment) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range segments {
		g.Go(func() error {
			return s.Run(ctx)
		})
	}
	return g.Wait()
}
