// Package manager builds the simulated network described by a configuration
// and runs it: one link.Segment per segment name and one stack.Stack per node.
package manager

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kube-vip/nd6/pkg/config"
	"github.com/kube-vip/nd6/pkg/link"
	"github.com/kube-vip/nd6/pkg/nd6"
	"github.com/kube-vip/nd6/pkg/netif"
	"github.com/kube-vip/nd6/pkg/stack"
)

const (
	pingInterval = time.Second
	pingID       = 0x6e64
)

// Manager owns the segments and nodes of one simulated network
type Manager struct {
	config   *config.Config
	clock    clock.WithTicker
	segments map[string]*link.Segment
	nodes    []*node

	ndMetrics   *nd6.Metrics
	linkMetrics *link.Metrics
	countEcho   *prometheus.CounterVec

	// Out receives the table dumps, os.Stdout by default
	Out io.Writer

	// This channel is used to signal a shutdown or a dump
	signalChan chan os.Signal
}

// node is one stack with a single interface named after the node, which
// keeps the interface label of the shared metrics unique
type node struct {
	name   string
	stack  *stack.Stack
	static []netip.Prefix
	ping   []netip.Addr
	seq    uint16
	dump   chan struct{}
	log    *log.Entry
}

// New builds every segment and node of c. The configuration must have been
// validated.
func New(c *config.Config, clk clock.WithTicker) (*Manager, error) {
	sm := &Manager{
		config:      c,
		clock:       clk,
		segments:    make(map[string]*link.Segment),
		ndMetrics:   nd6.NewMetrics(),
		linkMetrics: link.NewMetrics(),
		countEcho: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nd6",
			Subsystem: "manager",
			Name:      "echo_replies_total",
			Help:      "Echo replies received by pinging nodes",
		}, []string{"node"}),
		Out: os.Stdout,
	}

	for i := range c.Nodes {
		n, err := sm.addNode(&c.Nodes[i])
		if err != nil {
			return nil, errors.Wrapf(err, "node %s", c.Nodes[i].Name)
		}
		sm.nodes = append(sm.nodes, n)
	}
	return sm, nil
}

func (sm *Manager) segment(name string) *link.Segment {
	seg, ok := sm.segments[name]
	if !ok {
		seg = link.NewSegment(name, link.DefaultQueueLength, sm.linkMetrics)
		sm.segments[name] = seg
	}
	return seg
}

func (sm *Manager) addNode(cfg *config.Node) (*node, error) {
	hw, err := cfg.HWAddr()
	if err != nil {
		return nil, err
	}
	static, err := cfg.StaticAddrs()
	if err != nil {
		return nil, err
	}
	ping, err := cfg.PingTargets()
	if err != nil {
		return nil, err
	}
	var rc *stack.RouterConfig
	if cfg.Router != nil {
		r, err := cfg.Router.StackConfig()
		if err != nil {
			return nil, err
		}
		rc = &r
	}

	ifc, err := netif.New(cfg.Name, hw, cfg.LinkMTU(), sm.config.MaxAddrs)
	if err != nil {
		return nil, err
	}
	s := stack.New(sm.clock, stack.Config{
		Name:        cfg.Name,
		Limits:      sm.config.ND6,
		TimerPeriod: sm.config.Period(),
		Metrics:     sm.ndMetrics,
	})
	port := sm.segment(cfg.SegmentName()).Attach(cfg.Name)
	if _, err := s.AddInterface(ifc, port, rc); err != nil {
		return nil, err
	}

	n := &node{
		name:   cfg.Name,
		stack:  s,
		static: static,
		ping:   ping,
		dump:   make(chan struct{}, 1),
		log:    log.WithFields(log.Fields{"node": cfg.Name}),
	}
	s.Handle(uint8(layers.IPProtocolICMPv6), func(_ *netif.Interface, src, _ netip.Addr, payload []byte) {
		if len(payload) < 8 || payload[0] != layers.ICMPv6TypeEchoReply {
			return
		}
		sm.countEcho.WithLabelValues(n.name).Inc()
		n.log.WithFields(log.Fields{"from": src, "seq": uint16(payload[6])<<8 | uint16(payload[7])}).Info("echo reply")
	})
	if len(ping) > 0 {
		s.Every(pingInterval, n.pingAll)
	}
	s.Every(sm.config.Period(), func() {
		select {
		case <-n.dump:
			n.dumpTables(sm.Out)
		default:
		}
	})
	return n, nil
}

// pingAll runs on the goroutine owning the node
func (n *node) pingAll() {
	n.seq++
	for _, dst := range n.ping {
		if err := n.stack.Ping(dst, pingID, n.seq, nil); err != nil {
			n.log.WithFields(log.Fields{"to": dst, "seq": n.seq}).Debugf("echo request not sent: %v", err)
		}
	}
}

// Start brings every interface up and runs the network until ctx is done,
// the configured duration elapses or SIGINT/SIGTERM is received. SIGUSR1
// dumps the tables of every node. The final tables are dumped on return.
func (sm *Manager) Start(ctx context.Context) error {
	for _, n := range sm.nodes {
		if err := n.stack.Up(n.name, n.static...); err != nil {
			return errors.Wrapf(err, "node %s", n.name)
		}
	}

	d, err := sm.config.RunDuration()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, d)
		defer cancelTimeout()
	}

	sm.signalChan = make(chan os.Signal, 1)
	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sm.signalChan)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case sig := <-sm.signalChan:
				if sig == syscall.SIGUSR1 {
					sm.requestDump()
					continue
				}
				log.Infof("Received %s, signaling shutdown", sig)
				cancel()
				return nil
			}
		}
	})

	segments := make([]*link.Segment, 0, len(sm.segments))
	for _, seg := range sm.segments {
		segments = append(segments, seg)
	}
	g.Go(func() error {
		return link.RunAll(ctx, segments...)
	})
	for _, n := range sm.nodes {
		g.Go(func() error {
			return n.stack.Run(ctx)
		})
	}
	if sm.config.PrometheusHTTPServer != "" {
		g.Go(func() error {
			return sm.serveMetrics(ctx)
		})
	}

	log.WithFields(log.Fields{"nodes": len(sm.nodes), "segments": len(sm.segments), "duration": d}).Info("network started")
	err = g.Wait()

	for _, n := range sm.nodes {
		n.dumpTables(sm.Out)
		n.stack.Release()
	}
	return err
}

// requestDump asks every node to dump its tables on its next tick
func (sm *Manager) requestDump() {
	for _, n := range sm.nodes {
		select {
		case n.dump <- struct{}{}:
		default:
		}
	}
}

func (sm *Manager) serveMetrics(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(sm.PrometheusCollector()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: sm.config.PrometheusHTTPServer, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting prometheus server listening [%s]", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "prometheus server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Nodes returns the node names in configuration order
func (sm *Manager) Nodes() []string {
	out := make([]string, 0, len(sm.nodes))
	for _, n := range sm.nodes {
		out = append(out, n.name)
	}
	return out
}

// Segments returns the segment names, sorted
func (sm *Manager) Segments() []string {
	out := make([]string, 0, len(sm.segments))
	for name := range sm.segments {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
