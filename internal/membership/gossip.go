package membership

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/coordd/internal/cluster"
)

// Digest summarizes the local view for a gossip exchange.
func (m *Membership) Digest(term int64, leader string) cluster.GossipDigest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cluster.GossipDigest{
		SenderID:   m.localID,
		Leader:     leader,
		KnownNodes: slices.Clone(m.order),
		Term:       term,
	}
}

// MergeDigest folds a peer's digest into the local view.
//
// Descriptors carried in d.Nodes add unknown nodes or resolve placeholders.
// Ids listed in d.KnownNodes without a descriptor become Suspect placeholders
// with no address until a heartbeat or a later digest resolves them.
//
// Returns copies of the local nodes the sender did not list, for the reply.
func (m *Membership) MergeDigest(d cluster.GossipDigest) []cluster.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	for i := range d.Nodes {
		desc := d.Nodes[i]
		if desc.ID == "" || desc.ID == m.localID {
			continue
		}
		existing, ok := m.nodes[desc.ID]
		if ok && existing.Addr() != "" {
			continue
		}
		n := desc.Clone()
		n.ActiveTasks = 0
		n.LastHeartbeat = now
		if n.Status != cluster.StatusAlive {
			n.Status = cluster.StatusSuspect
		}
		if n.MaxConcurrentTasks <= 0 {
			n.MaxConcurrentTasks = cluster.DefaultMaxConcurrentTasks
		}
		m.insert(&n)
		m.log.Debugf("learned node %s at %s from %s", n.ID, n.Addr(), d.SenderID)
	}

	for _, id := range d.KnownNodes {
		if id == "" || id == m.localID {
			continue
		}
		if _, ok := m.nodes[id]; ok {
			continue
		}
		m.insert(&cluster.Node{
			ID:                 id,
			Role:               cluster.RoleFollower,
			Status:             cluster.StatusSuspect,
			LastHeartbeat:      now,
			MaxConcurrentTasks: cluster.DefaultMaxConcurrentTasks,
		})
		m.log.Debugf("placeholder for node %s from %s", id, d.SenderID)
	}

	known := make(map[string]struct{}, len(d.KnownNodes))
	for _, id := range d.KnownNodes {
		known[id] = struct{}{}
	}
	var missing []cluster.Node
	for _, id := range m.order {
		if _, ok := known[id]; ok {
			continue
		}
		if n := m.nodes[id]; n.Addr() != "" {
			missing = append(missing, n.Clone())
		}
	}
	return missing
}

// Reply builds the digest answered to a gossip request.
func (m *Membership) Reply(req cluster.GossipDigest, term int64, leader string) cluster.GossipDigest {
	missing := m.MergeDigest(req)
	d := m.Digest(term, leader)
	d.Nodes = missing
	return d
}

// gossipTargets samples up to fanout Alive peers without replacement.
func (m *Membership) gossipTargets() []cluster.Node {
	peers := m.AlivePeers()
	m.mu.Lock()
	perm := m.rng.Perm(len(peers))
	m.mu.Unlock()

	n := min(m.cfg.GossipFanout, len(peers))
	out := make([]cluster.Node, 0, n)
	for _, i := range perm[:n] {
		out = append(out, peers[i])
	}
	return out
}

// GossipTick sends the local digest to up to GossipFanout random Alive peers
// in parallel and merges their replies. The replies are returned so the
// caller can reconcile term and leader.
func (m *Membership) GossipTick(ctx context.Context, term int64, leader string) []cluster.GossipDigest {
	targets := m.gossipTargets()
	if len(targets) == 0 {
		return nil
	}
	digest := m.Digest(term, leader)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		replies []cluster.GossipDigest
	)
	for _, peer := range targets {
		wg.Add(1)
		go func(p cluster.Node) {
			defer wg.Done()
			reply, err := m.transport.Gossip(ctx, p, digest)
			if err != nil {
				m.log.Debugf("gossip with %s failed: %v", p.ID, err)
				return
			}
			m.MergeDigest(reply)
			mu.Lock()
			replies = append(replies, reply)
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	return replies
}
