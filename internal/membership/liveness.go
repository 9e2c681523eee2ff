package membership

import (
	"time"

	"github.com/dreamware/coordd/internal/cluster"
)

// Transition is a liveness change produced by a sweep.
type Transition struct {
	NodeID string
	From   cluster.NodeStatus
	To     cluster.NodeStatus
}

// Sweep classifies every peer by heartbeat silence. It is meant to run once
// per second.
//
// Rules:
//   - silent for more than DeadAfter and not already Dead or Left: Dead, and
//     the failure callback fires
//   - silent for more than SuspectAfter while Alive: Suspect
//   - the local node is never classified
//
// The accrual phi of each peer is refreshed on its descriptor. Crossing
// PhiThreshold is logged but does not change status.
//
// Returns:
//   - []Transition: every status change made by this sweep
func (m *Membership) Sweep() []Transition {
	m.mu.Lock()
	now := m.now()
	var changes []Transition
	var failed []string
	for _, id := range m.order {
		if id == m.localID {
			continue
		}
		n := m.nodes[id]
		if n.Status == cluster.StatusLeft {
			continue
		}

		n.Phi = m.detector.Phi(id, now)
		if n.Status == cluster.StatusAlive && n.Phi > m.cfg.PhiThreshold && !m.phiAlert[id] {
			m.phiAlert[id] = true
			m.log.Warnf("node %s phi %.2f above threshold %.1f", id, n.Phi, m.cfg.PhiThreshold)
		}

		silence := now.Sub(n.LastHeartbeat)
		switch {
		case silence > m.cfg.DeadAfter && n.Status != cluster.StatusDead:
			changes = append(changes, Transition{NodeID: id, From: n.Status, To: cluster.StatusDead})
			n.Status = cluster.StatusDead
			failed = append(failed, id)
			m.log.Errorf("node %s marked dead after %s of silence", id, silence.Round(time.Second))
		case silence > m.cfg.SuspectAfter && n.Status == cluster.StatusAlive:
			changes = append(changes, Transition{NodeID: id, From: n.Status, To: cluster.StatusSuspect})
			n.Status = cluster.StatusSuspect
			m.log.Warnf("node %s marked suspect", id)
		}
	}
	cb := m.onFailure
	m.mu.Unlock()

	// Callback runs without the lock so it may call back into the registry.
	if cb != nil {
		for _, id := range failed {
			cb(id, cluster.StatusDead)
		}
	}
	return changes
}

// StatusCounts tallies nodes by liveness status, local node included.
func (m *Membership) StatusCounts() map[cluster.NodeStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[cluster.NodeStatus]int, 4)
	for _, n := range m.nodes {
		counts[n.Status]++
	}
	return counts
}
