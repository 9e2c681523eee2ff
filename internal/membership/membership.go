// Package membership keeps the local view of the cluster and spreads it to
// peers through seed joins, periodic gossip digests and heartbeats.
package membership

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/detector"
	"github.com/dreamware/coordd/internal/logger"
)

// Transport is the subset of peer RPCs membership needs. *cluster.Client satisfies it.
type Transport interface {
	Join(ctx context.Context, seed string, req cluster.JoinRequest) (cluster.JoinResponse, error)
	Leave(ctx context.Context, peer cluster.Node, req cluster.LeaveRequest) error
	Heartbeat(ctx context.Context, peer cluster.Node, req cluster.HeartbeatRequest) error
	Gossip(ctx context.Context, peer cluster.Node, digest cluster.GossipDigest) (cluster.GossipDigest, error)
}

// Config tunes gossip fan-out and the liveness thresholds.
type Config struct {
	GossipFanout int
	SuspectAfter time.Duration
	DeadAfter    time.Duration
	PhiThreshold float64
	MaxSamples   int
}

func DefaultConfig() Config {
	return Config{
		GossipFanout: 3,
		SuspectAfter: 15 * time.Second,
		DeadAfter:    30 * time.Second,
		PhiThreshold: 8,
		MaxSamples:   detector.DefaultMaxSamples,
	}
}

// Membership is the node registry. All methods are safe for concurrent use
// and every node handed out is a copy.
type Membership struct {
	transport Transport
	detector  *detector.Detector
	log       *logger.Logger
	now       func() time.Time
	onFailure func(nodeID string, status cluster.NodeStatus)
	nodes     map[string]*cluster.Node
	phiAlert  map[string]bool
	rng       *rand.Rand
	localID   string
	leader    string
	order     []string
	cfg       Config
	mu        sync.RWMutex
}

// New creates a registry containing only the local node.
func New(local cluster.Node, cfg Config, transport Transport, log *logger.Logger) *Membership {
	def := DefaultConfig()
	if cfg.GossipFanout <= 0 {
		cfg.GossipFanout = def.GossipFanout
	}
	if cfg.SuspectAfter <= 0 {
		cfg.SuspectAfter = def.SuspectAfter
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = def.DeadAfter
	}
	if cfg.PhiThreshold <= 0 {
		cfg.PhiThreshold = def.PhiThreshold
	}
	if log == nil {
		log = logger.Discard()
	}

	m := &Membership{
		transport: transport,
		detector:  detector.New(cfg.MaxSamples),
		log:       log,
		now:       time.Now,
		nodes:     make(map[string]*cluster.Node),
		phiAlert:  make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		localID:   local.ID,
		cfg:       cfg,
	}
	n := local.Clone()
	n.Status = cluster.StatusAlive
	n.LastHeartbeat = m.now()
	if n.MaxConcurrentTasks <= 0 {
		n.MaxConcurrentTasks = cluster.DefaultMaxConcurrentTasks
	}
	m.insert(&n)
	return m
}

// SetClock replaces the time source. Used by tests.
func (m *Membership) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetOnFailure registers the callback run when a peer is marked dead or leaves.
// It is invoked without the registry lock held.
func (m *Membership) SetOnFailure(fn func(nodeID string, status cluster.NodeStatus)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

func (m *Membership) insert(n *cluster.Node) {
	if _, ok := m.nodes[n.ID]; !ok {
		m.order = append(m.order, n.ID)
	}
	m.nodes[n.ID] = n
}

func (m *Membership) LocalID() string { return m.localID }

// Local returns a copy of the local node descriptor.
func (m *Membership) Local() cluster.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[m.localID].Clone()
}

func (m *Membership) Get(id string) (cluster.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return cluster.Node{}, false
	}
	return n.Clone(), true
}

// Nodes returns every known node, local included, in the order first seen.
func (m *Membership) Nodes() []cluster.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cluster.Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id].Clone())
	}
	return out
}

// AlivePeers returns the reachable Alive nodes other than the local one.
func (m *Membership) AlivePeers() []cluster.Node {
	return m.Peers(cluster.StatusAlive)
}

// Peers returns the non-local nodes with a known address whose status is one
// of statuses, in the order first seen.
func (m *Membership) Peers(statuses ...cluster.NodeStatus) []cluster.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []cluster.Node
	for _, id := range m.order {
		n := m.nodes[id]
		if id == m.localID || n.Addr() == "" || !slices.Contains(statuses, n.Status) {
			continue
		}
		out = append(out, n.Clone())
	}
	return out
}

// AliveCount counts Alive nodes including the local one.
func (m *Membership) AliveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.nodes {
		if n.Status == cluster.StatusAlive {
			count++
		}
	}
	return count
}

func (m *Membership) Leader() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader
}

// SetLeader records the current leader and mirrors it in the remote nodes' roles.
func (m *Membership) SetLeader(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leader == id {
		return
	}
	if prev, ok := m.nodes[m.leader]; ok && prev.ID != m.localID && prev.Role == cluster.RoleLeader {
		prev.Role = cluster.RoleFollower
	}
	m.leader = id
	if n, ok := m.nodes[id]; ok && id != m.localID && n.Role != cluster.RoleObserver {
		n.Role = cluster.RoleLeader
	}
}

// SetLocalRole updates the consensus role advertised for the local node.
func (m *Membership) SetLocalRole(role cluster.NodeRole) {
	m.mu.Lock()
	m.nodes[m.localID].Role = role
	m.mu.Unlock()
}

// UpdateLocal applies fn to the local descriptor under the registry lock.
func (m *Membership) UpdateLocal(fn func(n *cluster.Node)) {
	m.mu.Lock()
	fn(m.nodes[m.localID])
	m.mu.Unlock()
}

// Admit registers a node that asked to join through this one. Load counters
// already tracked for the id are kept. The local entry is never replaced.
func (m *Membership) Admit(req cluster.JoinRequest) (cluster.Node, error) {
	var n cluster.Node
	if req.Node != nil {
		n = req.Node.Clone()
	}
	if n.ID == "" {
		n.ID = req.NodeID
	}
	switch n.ID {
	case "":
		return cluster.Node{}, ErrMissingNodeID
	case m.localID:
		return cluster.Node{}, fmt.Errorf("join %s: %w", n.ID, ErrLocalNode)
	}
	if req.Address != "" {
		host, port, err := cluster.ParseHostPort(req.Address)
		if err != nil {
			return cluster.Node{}, err
		}
		n.Address, n.Port = host, port
	}
	if n.MaxConcurrentTasks <= 0 {
		n.MaxConcurrentTasks = cluster.DefaultMaxConcurrentTasks
	}
	if n.Role == "" || n.Role == cluster.RoleLeader || n.Role == cluster.RoleCandidate {
		n.Role = cluster.RoleFollower
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if prev, ok := m.nodes[n.ID]; ok {
		n.ActiveTasks = prev.ActiveTasks
		n.TasksProcessed = prev.TasksProcessed
		n.FailedTasks = prev.FailedTasks
		n.AverageResponseTime = prev.AverageResponseTime
	}
	n.Status = cluster.StatusAlive
	n.LastHeartbeat = now
	m.insert(&n)
	m.detector.Observe(n.ID, now)
	return n.Clone(), nil
}

// MarkLeft records a graceful departure and fires the failure callback.
func (m *Membership) MarkLeft(id string) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	if !ok || id == m.localID || n.Status == cluster.StatusLeft {
		m.mu.Unlock()
		return
	}
	n.Status = cluster.StatusLeft
	m.detector.Remove(id)
	cb := m.onFailure
	m.mu.Unlock()

	m.log.Infof("node %s left the cluster", id)
	if cb != nil {
		cb(id, cluster.StatusLeft)
	}
}

// Heartbeat records a liveness signal from a known node. Suspect, dead and
// left nodes come straight back to Alive.
func (m *Membership) Heartbeat(id string) bool {
	return m.HeartbeatFrom(id, "")
}

// HeartbeatFrom is Heartbeat with the sender's host:port. It resolves
// placeholder entries and registers senders not seen before.
func (m *Membership) HeartbeatFrom(id, addr string) bool {
	if id == "" || id == m.localID {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[id]
	if !ok {
		if addr == "" {
			return false
		}
		n = &cluster.Node{ID: id, Role: cluster.RoleFollower, MaxConcurrentTasks: cluster.DefaultMaxConcurrentTasks}
		m.insert(n)
		m.log.Infof("discovered node %s at %s", id, addr)
	}
	if n.Addr() == "" && addr != "" {
		if host, port, err := cluster.ParseHostPort(addr); err == nil {
			n.Address, n.Port = host, port
		}
	}
	now := m.now()
	if n.Status != cluster.StatusAlive {
		m.log.Infof("node %s is alive again (was %s)", id, n.Status)
	}
	n.Status = cluster.StatusAlive
	n.LastHeartbeat = now
	m.detector.Observe(id, now)
	delete(m.phiAlert, id)
	return true
}

// AdjustLoad changes the active task counter of id by delta, never going below zero.
func (m *Membership) AdjustLoad(id string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		n.ActiveTasks = max(n.ActiveTasks+delta, 0)
	}
}

// RecordCompletion updates the per-node processing stats after a task finishes.
func (m *Membership) RecordCompletion(id string, elapsed time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	if failed {
		n.FailedTasks++
	} else {
		n.TasksProcessed++
	}
	total := float64(n.TasksProcessed + n.FailedTasks)
	n.AverageResponseTime += (elapsed.Seconds() - n.AverageResponseTime) / total
}

// Join contacts the seeds in order until one admits the local node and merges
// its membership list. An error means no seed answered; the caller carries on
// as a single-node cluster.
func (m *Membership) Join(ctx context.Context, seeds []string) (cluster.JoinResponse, error) {
	local := m.Local()
	req := cluster.JoinRequest{NodeID: local.ID, Address: local.Addr(), Node: &local}

	var lastErr error
	for _, seed := range seeds {
		if seed == local.Addr() {
			continue
		}
		resp, err := m.transport.Join(ctx, seed, req)
		if err != nil {
			m.log.Warnf("join via seed %s failed: %v", seed, err)
			lastErr = err
			continue
		}
		m.mergeJoin(resp)
		m.log.Infof("joined cluster via %s: %d nodes, leader %q, term %d", seed, len(resp.Nodes), resp.Leader, resp.Term)
		return resp, nil
	}
	if lastErr == nil {
		lastErr = ErrNoSeeds
	}
	return cluster.JoinResponse{}, lastErr
}

func (m *Membership) mergeJoin(resp cluster.JoinResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for i := range resp.Nodes {
		n := resp.Nodes[i].Clone()
		if n.ID == "" || n.ID == m.localID {
			continue
		}
		if n.Status != cluster.StatusDead && n.Status != cluster.StatusLeft {
			n.Status = cluster.StatusAlive
		}
		n.LastHeartbeat = now
		n.ActiveTasks = 0
		if n.MaxConcurrentTasks <= 0 {
			n.MaxConcurrentTasks = cluster.DefaultMaxConcurrentTasks
		}
		m.insert(&n)
	}
	if resp.Leader != "" {
		m.leader = resp.Leader
		if n, ok := m.nodes[resp.Leader]; ok && resp.Leader != m.localID {
			n.Role = cluster.RoleLeader
		}
	}
}

// Leave notifies every known peer in parallel. Errors are only logged.
func (m *Membership) Leave(ctx context.Context) {
	var wg sync.WaitGroup
	for _, peer := range m.reachablePeers() {
		wg.Add(1)
		go func(p cluster.Node) {
			defer wg.Done()
			if err := m.transport.Leave(ctx, p, cluster.LeaveRequest{NodeID: m.localID}); err != nil {
				m.log.Debugf("leave notification to %s failed: %v", p.ID, err)
			}
		}(peer)
	}
	wg.Wait()
}

// BroadcastHeartbeat sends a heartbeat to every peer that has not left.
func (m *Membership) BroadcastHeartbeat(ctx context.Context) {
	local := m.Local()
	req := cluster.HeartbeatRequest{SenderID: local.ID, Address: local.Addr()}

	var wg sync.WaitGroup
	for _, peer := range m.reachablePeers() {
		wg.Add(1)
		go func(p cluster.Node) {
			defer wg.Done()
			if err := m.transport.Heartbeat(ctx, p, req); err != nil {
				m.log.Debugf("heartbeat to %s failed: %v", p.ID, err)
			}
		}(peer)
	}
	wg.Wait()
}

// reachablePeers lists non-local peers with an address that have not left.
func (m *Membership) reachablePeers() []cluster.Node {
	return m.Peers(cluster.StatusAlive, cluster.StatusSuspect, cluster.StatusDead)
}
