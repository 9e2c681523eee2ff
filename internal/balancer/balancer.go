// Package balancer chooses which node runs a task.
package balancer

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/coordd/internal/cluster"
)

// Strategy is a node selection policy. The zero value is LeastLoaded.
type Strategy int

const (
	LeastLoaded Strategy = iota
	RoundRobin
	Geographic
	LeastLatency
	Random
)

var strategyNames = map[Strategy]string{
	LeastLoaded:  "least_loaded",
	RoundRobin:   "round_robin",
	Geographic:   "geographic",
	LeastLatency: "least_latency",
	Random:       "random",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy accepts the snake_case names, case-insensitively and with
// dashes in place of underscores.
func ParseStrategy(name string) (Strategy, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if key == "" {
		return LeastLoaded, nil
	}
	for s, n := range strategyNames {
		if n == key {
			return s, nil
		}
	}
	return LeastLoaded, fmt.Errorf("unknown load balancing strategy %q", name)
}

// Eligible filters nodes down to those that may run task: Alive, below
// capacity and advertising every required capability. Order is preserved.
func Eligible(nodes []cluster.Node, task cluster.Task) []cluster.Node {
	out := make([]cluster.Node, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.Status != cluster.StatusAlive || !n.HasCapacity() || !n.HasCapabilities(task.RequiredCapabilities) {
			continue
		}
		out = append(out, *n)
	}
	return out
}

// Metrics counts selection outcomes.
type Metrics struct {
	TotalRequests int64 `json:"total_requests"`
	Successful    int64 `json:"successful_assignments"`
	Failed        int64 `json:"failed_assignments"`
}

// Balancer applies a Strategy to pre-filtered candidates. Safe for concurrent use.
type Balancer struct {
	rng      *rand.Rand
	rngMu    sync.Mutex
	next     atomic.Uint64
	total    atomic.Int64
	success  atomic.Int64
	failed   atomic.Int64
	strategy Strategy
}

// New returns a Balancer whose Pick uses strategy.
func New(strategy Strategy) *Balancer {
	return &Balancer{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		strategy: strategy,
	}
}

func (b *Balancer) Strategy() Strategy { return b.strategy }

// Pick filters nodes with Eligible and selects one with the configured strategy.
func (b *Balancer) Pick(nodes []cluster.Node, task cluster.Task) (cluster.Node, bool) {
	return b.Select(Eligible(nodes, task), task, b.strategy)
}

// Retry is Pick for a task whose placement was already counted. It leaves
// the metrics untouched so queue retries do not inflate them.
func (b *Balancer) Retry(nodes []cluster.Node, task cluster.Task) (cluster.Node, bool) {
	return b.choose(Eligible(nodes, task), task, b.strategy)
}

// Select chooses one of candidates. It reports false when candidates is empty;
// the caller keeps the task queued.
func (b *Balancer) Select(candidates []cluster.Node, task cluster.Task, strategy Strategy) (cluster.Node, bool) {
	b.total.Add(1)
	n, ok := b.choose(candidates, task, strategy)
	if ok {
		b.success.Add(1)
	} else {
		b.failed.Add(1)
	}
	return n, ok
}

func (b *Balancer) choose(candidates []cluster.Node, task cluster.Task, strategy Strategy) (cluster.Node, bool) {
	if len(candidates) == 0 {
		return cluster.Node{}, false
	}

	var idx int
	switch strategy {
	case LeastLoaded:
		idx = argmin(candidates, func(n *cluster.Node) float64 { return n.Load() })
	case RoundRobin:
		idx = int((b.next.Add(1) - 1) % uint64(len(candidates)))
	case Geographic:
		idx = slices.IndexFunc(candidates, func(n cluster.Node) bool {
			return slices.Contains(task.PreferredRegions, n.Region)
		})
		if idx < 0 {
			idx = 0
		}
	case LeastLatency:
		idx = argmin(candidates, func(n *cluster.Node) float64 {
			if n.AverageResponseTime <= 0 {
				return math.Inf(1)
			}
			return n.AverageResponseTime
		})
	case Random:
		b.rngMu.Lock()
		idx = b.rng.Intn(len(candidates))
		b.rngMu.Unlock()
	default:
		return cluster.Node{}, false
	}
	return candidates[idx], true
}

// argmin returns the index of the smallest score; ties go to the earliest.
func argmin(nodes []cluster.Node, score func(n *cluster.Node) float64) int {
	best, bestScore := 0, score(&nodes[0])
	for i := 1; i < len(nodes); i++ {
		if s := score(&nodes[i]); s < bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func (b *Balancer) Metrics() Metrics {
	return Metrics{
		TotalRequests: b.total.Load(),
		Successful:    b.success.Load(),
		Failed:        b.failed.Load(),
	}
}
