package coordinator

import (
	"sync"
	"time"

	"github.com/dreamware/coordd/internal/cluster"
)

// FailoverEvent records how this node reacted to a peer failing or leaving.
type FailoverEvent struct {
	Time          time.Time          `json:"timestamp"`
	NodeID        string             `json:"failed_node"`
	Status        cluster.NodeStatus `json:"status"`
	RequeuedTasks []string           `json:"requeued_tasks"`
	WasLeader     bool               `json:"was_leader"`
}

// failoverLog keeps the most recent failover events.
type failoverLog struct {
	events []FailoverEvent
	limit  int
	mu     sync.Mutex
}

func newFailoverLog(limit int) *failoverLog {
	if limit <= 0 {
		limit = 100
	}
	return &failoverLog{limit: limit}
}

func (l *failoverLog) add(ev FailoverEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if over := len(l.events) - l.limit; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
}

func (l *failoverLog) list() []FailoverEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FailoverEvent, len(l.events))
	copy(out, l.events)
	return out
}

// onNodeFailure runs when membership marks a peer dead or the peer leaves.
// Tasks placed on it go back to pending and, if it was the leader, an
// election is started.
func (c *Coordinator) onNodeFailure(nodeID string, status cluster.NodeStatus) {
	c.metrics.nodeFailures.Inc()
	wasLeader := c.engine.LeaderID() == nodeID

	requeued := []string{}
	for _, task := range c.tasks.RunningOn(nodeID) {
		if _, err := c.tasks.Requeue(task.ID); err != nil {
			continue
		}
		c.members.AdjustLoad(nodeID, -1)
		c.metrics.tasksRequeued.Inc()
		requeued = append(requeued, task.ID)
	}

	c.failovers.add(FailoverEvent{
		Time:          c.now(),
		NodeID:        nodeID,
		Status:        status,
		RequeuedTasks: requeued,
		WasLeader:     wasLeader,
	})
	c.log.Warnf("node %s is %s, requeued %d tasks", nodeID, status, len(requeued))
	if len(requeued) > 0 {
		c.kickQueue()
	}
	if wasLeader {
		c.log.Warnf("leader %s lost, starting election", nodeID)
		c.engine.TriggerElection()
	}
}
