// Package stats collects process-wide per-(route, command) counters. The
// intent is operational visibility: which commands actually go where.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/appnet-org/rwproxy/internal/routing"
)

type key struct {
	route routing.Route
	name  string
}

// CmdStats holds the counters for one (route, command) pair.
type CmdStats struct {
	total    atomic.Uint64
	fallback atomic.Uint64
}

// Total is the number of commands recorded for this pair.
func (c *CmdStats) Total() uint64 {
	return c.total.Load()
}

// Fallback is the number of replica commands that were resent to master.
func (c *CmdStats) Fallback() uint64 {
	return c.fallback.Load()
}

// Stats is shared across all sessions; all methods are safe for concurrent
// use.
type Stats struct {
	byRouteCmd sync.Map // key -> *CmdStats
}

// New returns an empty Stats.
func New() *Stats {
	return &Stats{}
}

func (s *Stats) entry(route routing.Route, name string) *CmdStats {
	k := key{route: route, name: name}
	if v, ok := s.byRouteCmd.Load(k); ok {
		return v.(*CmdStats)
	}
	v, _ := s.byRouteCmd.LoadOrStore(k, &CmdStats{})
	return v.(*CmdStats)
}

// Record counts one command on the given route.
func (s *Stats) Record(route routing.Route, name string) {
	satIncrement(&s.entry(route, name).total)
}

// RecordReplicaFallback counts a replica command that had to be resent to
// master. The command itself is counted by Record on the replica route.
func (s *Stats) RecordReplicaFallback(name string) {
	satIncrement(&s.entry(routing.RouteReplica, name).fallback)
}

// satIncrement adds one, saturating at the maximum instead of wrapping.
func satIncrement(c *atomic.Uint64) {
	for {
		v := c.Load()
		if v == math.MaxUint64 {
			return
		}
		if c.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// Lookup returns the counters recorded for a (route, command) pair.
// Missing pairs read as zero.
func (s *Stats) Lookup(route routing.Route, name string) (total, fallback uint64) {
	v, ok := s.byRouteCmd.Load(key{route: route, name: name})
	if !ok {
		return 0, 0
	}
	cs := v.(*CmdStats)
	return cs.Total(), cs.Fallback()
}

type row struct {
	route    routing.Route
	name     string
	total    uint64
	fallback uint64
}

// SummaryLines renders the shutdown summary. Rows are ordered Both, then
// Replica, then Master; within a route by descending total, then by name.
func (s *Stats) SummaryLines() []string {
	var rows []row
	s.byRouteCmd.Range(func(k, v any) bool {
		ck := k.(key)
		cs := v.(*CmdStats)
		rows = append(rows, row{
			route:    ck.route,
			name:     ck.name,
			total:    cs.Total(),
			fallback: cs.Fallback(),
		})
		return true
	})

	sort.Slice(rows, func(i, j int) bool {
		ri, rj := routeRank(rows[i].route), routeRank(rows[j].route)
		if ri != rj {
			return ri < rj
		}
		if rows[i].total != rows[j].total {
			return rows[i].total > rows[j].total
		}
		return rows[i].name < rows[j].name
	})

	out := make([]string, 0, len(rows))
	for _, r := range rows {
		line := fmt.Sprintf("%-7s %-16s %d times", r.route, r.name, r.total)
		if r.route == routing.RouteReplica && r.fallback > 0 {
			line += fmt.Sprintf(" (fallback %dtimes)", r.fallback)
		}
		out = append(out, line)
	}
	return out
}

func routeRank(r routing.Route) int {
	switch r {
	case routing.RouteBoth:
		return 0
	case routing.RouteReplica:
		return 1
	default:
		return 2
	}
}
