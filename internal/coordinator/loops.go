package coordinator

import (
	"context"
	"time"

	"github.com/dreamware/coordd/internal/cluster"
)

// startDuties launches every periodic background duty. Each runs in its own
// goroutine until Stop.
func (c *Coordinator) startDuties() {
	c.sampleResources(c.ctx)

	c.every("gossip", c.cfg.GossipInterval, c.gossipOnce)
	c.every("liveness sweep", c.cfg.SweepInterval, c.sweepOnce)
	c.every("peer heartbeat", c.cfg.HeartbeatInterval, c.members.BroadcastHeartbeat)
	c.every("consensus tick", c.cfg.ConsensusTick, c.engine.Tick)
	c.every("leader heartbeat", c.cfg.HeartbeatInterval, c.engine.BroadcastHeartbeat)
	c.every("resource sample", c.cfg.SampleInterval, c.sampleResources)
	if c.cfg.RebalanceInterval > 0 {
		c.every("rebalance", c.cfg.RebalanceInterval, func(ctx context.Context) {
			c.RedistributeLoad(ctx)
		})
	}

	c.wg.Add(1)
	go c.drainLoop()
}

// every calls fn on each tick of interval until the coordinator stops.
func (c *Coordinator) every(name string, interval time.Duration, fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.log.Debugf("%s duty started with interval %v", name, interval)
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				fn(c.ctx)
			}
		}
	}()
}

// drainLoop retries pending tasks on every retry tick and whenever capacity
// frees up or a failover requeues work.
func (c *Coordinator) drainLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.QueueRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.drainQueue(c.ctx)
	}
}

func (c *Coordinator) gossipOnce(ctx context.Context) {
	st := c.engine.State()
	for _, reply := range c.members.GossipTick(ctx, st.Term, st.LeaderID) {
		c.engine.ObserveTerm(reply.Term, reply.Leader)
	}
}

func (c *Coordinator) sweepOnce(context.Context) {
	c.members.Sweep()
	c.refreshGauges()
}

func (c *Coordinator) sampleResources(ctx context.Context) {
	u, err := c.sampler.Sample(ctx)
	if err != nil {
		c.log.Debugf("host sample failed: %v", err)
		return
	}
	c.members.UpdateLocal(func(n *cluster.Node) {
		n.CPUUsage = u.CPUPercent
		n.MemoryUsage = u.MemoryPercent
	})
	c.metrics.cpuUsage.Set(u.CPUPercent)
	c.metrics.memoryUsage.Set(u.MemoryPercent)
}

func (c *Coordinator) refreshGauges() {
	for _, status := range []cluster.NodeStatus{
		cluster.StatusAlive, cluster.StatusSuspect, cluster.StatusDead, cluster.StatusLeft,
	} {
		c.metrics.nodes.WithLabelValues(string(status)).Set(0)
	}
	for status, n := range c.members.StatusCounts() {
		c.metrics.nodes.WithLabelValues(string(status)).Set(float64(n))
	}
	counts := c.tasks.Counts()
	c.metrics.pendingTasks.Set(float64(counts.Pending))
	c.metrics.runningTasks.Set(float64(counts.Assigned + counts.Running))
	c.metrics.term.Set(float64(c.engine.Term()))
}
