package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/coordd/internal/cluster"
)

const (
	overloadedFraction  = 0.8
	underloadedFraction = 0.3
	maxMigrationsPerSrc = 2
)

var (
	errNoEligibleNode = errors.New("no eligible node")
	errStopping       = errors.New("node is shutting down")
)

// assign places a pending task on the node chosen by the balancer. Only the
// first attempt for a task counts toward the balancer metrics.
func (c *Coordinator) assign(ctx context.Context, task cluster.Task, retry bool) error {
	pick := c.balancer.Pick
	if retry {
		pick = c.balancer.Retry
	}
	target, ok := pick(c.members.Nodes(), task)
	if !ok {
		return errNoEligibleNode
	}
	return c.assignTo(ctx, task.ID, target)
}

// assignTo marks the task assigned to target, counts it against target's load
// and forwards it. On forwarding failure the task returns to pending and the
// load is given back.
func (c *Coordinator) assignTo(ctx context.Context, id string, target cluster.Node) error {
	task, err := c.tasks.MarkAssigned(id, target.ID)
	if err != nil {
		return err
	}
	c.members.AdjustLoad(target.ID, 1)

	if target.ID == c.cfg.NodeID {
		err = c.startExecution(task, c.cfg.NodeID, c.cfg.AdvertiseAddr)
	} else {
		_, err = c.transport.Execute(ctx, target, cluster.ExecuteRequest{
			Task:     task,
			OriginID: c.cfg.NodeID,
			ReplyTo:  c.cfg.AdvertiseAddr,
		})
	}
	if err != nil {
		c.metrics.assignFailures.Inc()
		c.log.Warnf("forwarding task %s to %s failed: %v", id, target.ID, err)
		// a completion may have raced the error; only compensate if still ours
		if _, rqErr := c.tasks.Requeue(id); rqErr == nil {
			c.members.AdjustLoad(target.ID, -1)
			c.metrics.tasksRequeued.Inc()
		}
		return fmt.Errorf("forward to %s: %w", target.ID, err)
	}

	if _, err := c.tasks.MarkRunning(id, c.now()); err != nil {
		c.log.Debugf("task %s finished or moved before it was marked running: %v", id, err)
	}
	c.log.Debugf("task %s assigned to %s", id, target.ID)
	return nil
}

// drainQueue tries to place every pending task, highest priority first.
func (c *Coordinator) drainQueue(ctx context.Context) int {
	placed := 0
	for _, task := range c.tasks.Pending() {
		if ctx.Err() != nil {
			break
		}
		if err := c.assign(ctx, task, true); err == nil {
			placed++
		}
	}
	if placed > 0 {
		c.log.Debugf("placed %d queued tasks", placed)
	}
	return placed
}

// startExecution runs task locally in the background and reports the outcome
// to the submitter. A task already executing here is accepted again without
// starting a second run.
func (c *Coordinator) startExecution(task cluster.Task, origin, replyTo string) error {
	if err := task.Normalize(); err != nil {
		return err
	}

	c.execMu.Lock()
	if _, running := c.executing[task.ID]; running {
		c.execMu.Unlock()
		return nil
	}
	if c.ctx.Err() != nil {
		c.execMu.Unlock()
		return errStopping
	}
	ctx, cancel := context.WithTimeout(c.ctx, task.Timeout())
	c.executing[task.ID] = cancel
	depth := len(c.executing)
	c.wg.Add(1)
	c.execMu.Unlock()
	c.setQueueDepth(depth)

	go func() {
		defer c.wg.Done()
		defer cancel()

		start := c.now()
		result, err := c.exec.Execute(ctx, task)

		c.execMu.Lock()
		_, owned := c.executing[task.ID]
		delete(c.executing, task.ID)
		depth := len(c.executing)
		c.execMu.Unlock()
		c.setQueueDepth(depth)

		if !owned || c.ctx.Err() != nil {
			c.log.Debugf("task %s cancelled, not reporting", task.ID)
			return
		}

		report := cluster.CompleteRequest{TaskID: task.ID, NodeID: c.cfg.NodeID}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			report.Error = fmt.Sprintf("execution exceeded %s", task.Timeout())
		case err != nil:
			report.Error = err.Error()
		default:
			report.Result = result
		}
		c.log.Debugf("task %s executed in %s", task.ID, c.now().Sub(start).Round(time.Millisecond))
		c.report(origin, replyTo, report)
	}()
	return nil
}

// cancelExecution stops a local execution. The outcome of a cancelled run is
// never reported.
func (c *Coordinator) cancelExecution(id string) bool {
	c.execMu.Lock()
	cancel, ok := c.executing[id]
	delete(c.executing, id)
	c.execMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Coordinator) setQueueDepth(depth int) {
	c.members.UpdateLocal(func(n *cluster.Node) { n.QueueDepth = depth })
}

// report delivers a completion to the submitting node.
func (c *Coordinator) report(origin, replyTo string, req cluster.CompleteRequest) {
	if origin == c.cfg.NodeID {
		if _, _, err := c.completeTask(req); err != nil {
			c.log.Warnf("completing task %s: %v", req.TaskID, err)
		}
		return
	}
	if replyTo == "" {
		if n, ok := c.members.Get(origin); ok {
			replyTo = n.Addr()
		}
	}
	if replyTo == "" {
		c.log.Warnf("no reply address for task %s from %s, dropping result", req.TaskID, origin)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RPCTimeout)
	defer cancel()
	if err := c.transport.Complete(ctx, replyTo, req); err != nil {
		c.log.Warnf("reporting task %s to %s failed: %v", req.TaskID, replyTo, err)
	}
}

// completeTask applies a completion report. Reports from a node that is no
// longer the assignee, or for finished tasks, change nothing.
func (c *Coordinator) completeTask(req cluster.CompleteRequest) (cluster.Task, bool, error) {
	task, applied, err := c.tasks.Complete(req.TaskID, req.NodeID, req.Result, req.Error, c.now())
	if err != nil {
		return task, false, err
	}
	if !applied {
		c.log.Debugf("ignoring stale completion of task %s from %s", req.TaskID, req.NodeID)
		return task, false, nil
	}

	failed := req.Error != ""
	elapsed := time.Duration(task.ExecutionTime * float64(time.Second))
	c.members.AdjustLoad(task.AssignedNode, -1)
	c.members.RecordCompletion(task.AssignedNode, elapsed, failed)
	if failed {
		c.metrics.tasksFailed.Inc()
		c.log.Warnf("task %s failed on %s: %s", task.ID, task.AssignedNode, req.Error)
	} else {
		c.metrics.tasksProcessed.Inc()
	}
	c.kickQueue()
	return task, true, nil
}

// RedistributeLoad moves running tasks off overloaded nodes.
//
// A node is overloaded when its active tasks exceed 80% of its capacity and
// underloaded below 30%; only Alive nodes count. Up to two migratable tasks
// leave each overloaded node, each to a different underloaded node, and an
// underloaded node receives at most one task per call.
//
// Returns:
//   - int: number of tasks successfully moved
func (c *Coordinator) RedistributeLoad(ctx context.Context) int {
	var over, under []cluster.Node
	for _, n := range c.members.Nodes() {
		if n.Status != cluster.StatusAlive {
			continue
		}
		capacity := float64(n.MaxConcurrentTasks)
		switch active := float64(n.ActiveTasks); {
		case active > overloadedFraction*capacity:
			over = append(over, n)
		case active < underloadedFraction*capacity:
			under = append(under, n)
		}
	}

	moved := 0
	for _, src := range over {
		attempts := 0
		for _, task := range c.tasks.RunningOn(src.ID) {
			if attempts == maxMigrationsPerSrc || len(under) == 0 {
				break
			}
			if !task.Type.Migratable() {
				continue
			}
			i := slices.IndexFunc(under, func(n cluster.Node) bool {
				return n.HasCapabilities(task.RequiredCapabilities)
			})
			if i < 0 {
				continue
			}
			target := under[i]
			under = slices.Delete(under, i, i+1)
			attempts++
			if c.migrate(ctx, task, src, target) {
				moved++
			}
		}
		if len(under) == 0 {
			break
		}
	}
	if moved > 0 {
		c.log.Infof("redistributed %d tasks", moved)
	}
	return moved
}

// migrate cancels task on src (best effort) and forwards it to target. If the
// forward fails the task stays pending for the drain duty.
func (c *Coordinator) migrate(ctx context.Context, task cluster.Task, src, target cluster.Node) bool {
	if src.ID == c.cfg.NodeID {
		c.cancelExecution(task.ID)
	} else if err := c.transport.Cancel(ctx, src, cluster.CancelRequest{TaskID: task.ID}); err != nil {
		c.log.Debugf("cancel of task %s on %s failed: %v", task.ID, src.ID, err)
	}

	if _, err := c.tasks.Requeue(task.ID); err != nil {
		return false
	}
	c.members.AdjustLoad(src.ID, -1)
	c.metrics.tasksRequeued.Inc()

	if err := c.assignTo(ctx, task.ID, target); err != nil {
		c.kickQueue()
		return false
	}
	c.metrics.tasksMigrated.Inc()
	c.log.Infof("migrated task %s from %s to %s", task.ID, src.ID, target.ID)
	return true
}
