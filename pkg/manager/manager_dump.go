package manager

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/kube-vip/nd6/pkg/ip6"
	"github.com/kube-vip/nd6/pkg/nd6"
)

// dumpTables prints the address table and the Neighbor Discovery tables of
// the node. It must run on the goroutine owning the node, or after Run
// returned.
func (n *node) dumpTables(w io.Writer) {
	nd, ok := n.stack.ND(n.name)
	if !ok {
		return
	}

	fmt.Fprintf(w, "================================================================================\n")
	fmt.Fprintf(w, "NODE %s (%s, mtu %d)\n", n.name, nd.Interface().HWAddr(), nd.MTU())
	if nd.Disabled() {
		fmt.Fprintf(w, "IPv6 DISABLED, duplicate link-local address\n")
	}
	fmt.Fprintf(w, "================================================================================\n")

	fmt.Fprintf(w, "--- ADDRESSES ---\n")
	for _, a := range nd.Interface().Table() {
		if !a.Used() {
			continue
		}
		fmt.Fprintf(w, "%s/%d %s %s lifetime %s\n", a.Address, a.PrefixLength, a.Type, a.State, lifetime(a.Lifetime))
	}

	fmt.Fprintf(w, "--- NEIGHBORS ---\n")
	for _, nb := range nd.Neighbors() {
		router := ""
		if nb.IsRouter {
			router = fmt.Sprintf(" router lifetime %ds", nb.RouterLifetime)
		}
		fmt.Fprintf(w, "%s %s %s%s\n", nb.IPAddr, linkAddr(nb), nb.State, router)
	}

	fmt.Fprintf(w, "--- PREFIXES ---\n")
	for _, p := range nd.Prefixes() {
		fmt.Fprintf(w, "%s lifetime %s\n", p.Prefix, lifetime(p.Lifetime))
	}

	if r := nd.Redirects(); len(r) > 0 {
		fmt.Fprintf(w, "--- REDIRECTS ---\n")
		for _, rd := range r {
			fmt.Fprintf(w, "%s via %s\n", rd.Destination, rd.Target)
		}
	}
	if d := nd.RDNSSList(); len(d) > 0 {
		fmt.Fprintf(w, "--- DNS SERVERS ---\n")
		for _, r := range d {
			fmt.Fprintf(w, "%s lifetime %s\n", r.Server, lifetime(r.Lifetime))
		}
	}
	fmt.Fprintf(w, "--- PARAMETERS ---\n")
	fmt.Fprintf(w, "cur hop limit %d, reachable time %s, retrans timer %s\n", nd.CurHopLimit(), nd.ReachableTime(), nd.RetransTimer())
	fmt.Fprintf(w, "\n")

	if log.GetLevel() >= log.TraceLevel {
		spew.Fdump(w, nd.Neighbors())
	}
}

func linkAddr(n nd6.Neighbor) string {
	if hw := n.LinkAddr(); hw != nil {
		return hw.String()
	}
	return "(none)"
}

func lifetime(l uint32) string {
	if l == ip6.InfiniteLifetime {
		return "infinite"
	}
	return fmt.Sprintf("%ds", l)
}
