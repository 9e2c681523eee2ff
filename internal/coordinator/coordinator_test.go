package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/config"
	"github.com/dreamware/coordd/internal/executor"
	"github.com/dreamware/coordd/internal/hoststats"
	"github.com/dreamware/coordd/internal/logger"
	"github.com/dreamware/coordd/internal/taskstore"
)

// fakeTransport records outgoing RPCs and never reaches a real peer.
type fakeTransport struct {
	executeErr error
	executed   []cluster.ExecuteRequest
	cancelled  []string
	completed  []cluster.CompleteRequest
	mu         sync.Mutex
}

func (f *fakeTransport) Join(context.Context, string, cluster.JoinRequest) (cluster.JoinResponse, error) {
	return cluster.JoinResponse{}, errors.New("unreachable")
}

func (f *fakeTransport) Leave(context.Context, cluster.Node, cluster.LeaveRequest) error { return nil }

func (f *fakeTransport) Heartbeat(context.Context, cluster.Node, cluster.HeartbeatRequest) error {
	return nil
}

func (f *fakeTransport) Gossip(context.Context, cluster.Node, cluster.GossipDigest) (cluster.GossipDigest, error) {
	return cluster.GossipDigest{}, nil
}

func (f *fakeTransport) RequestVote(context.Context, cluster.Node, cluster.RequestVoteRequest) (cluster.RequestVoteResponse, error) {
	return cluster.RequestVoteResponse{}, nil
}

func (f *fakeTransport) AppendEntries(context.Context, cluster.Node, cluster.AppendEntriesRequest) (cluster.AppendEntriesResponse, error) {
	return cluster.AppendEntriesResponse{Success: true}, nil
}

func (f *fakeTransport) Execute(_ context.Context, _ cluster.Node, req cluster.ExecuteRequest) (cluster.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.executeErr != nil {
		return cluster.ExecuteResponse{}, f.executeErr
	}
	f.executed = append(f.executed, req)
	return cluster.ExecuteResponse{Status: cluster.StatusSuccess}, nil
}

func (f *fakeTransport) Cancel(_ context.Context, _ cluster.Node, req cluster.CancelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, req.TaskID)
	return nil
}

func (f *fakeTransport) Complete(_ context.Context, _ string, req cluster.CompleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	return nil
}

func (f *fakeTransport) setExecuteErr(err error) {
	f.mu.Lock()
	f.executeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) executedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, req := range f.executed {
		ids = append(ids, req.Task.ID)
	}
	return ids
}

// blockingExecutor runs until its context ends.
var blockingExecutor = executor.Func(func(ctx context.Context, _ cluster.Task) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
})

func newTestCoordinator(t *testing.T, transport Transport, opts ...Option) *Coordinator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = "a"
	cfg.BindAddr = "127.0.0.1:9001"
	base := []Option{
		WithLogger(logger.Discard()),
		WithSampler(hoststats.Static{}),
		WithTransport(transport),
		WithExecutor(blockingExecutor),
	}
	c, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

// addPeer admits a fake peer with the given profile.
func addPeer(t *testing.T, c *Coordinator, id string, port int, profile cluster.Node) {
	t.Helper()
	profile.ID = id
	_, err := c.members.Admit(cluster.JoinRequest{
		NodeID:  id,
		Address: "127.0.0.1:" + strconv.Itoa(port),
		Node:    &profile,
	})
	require.NoError(t, err)
}

func nodeByID(t *testing.T, c *Coordinator, id string) cluster.Node {
	t.Helper()
	n, ok := c.members.Get(id)
	require.True(t, ok, "node %s unknown", id)
	return n
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{name: "missing node id", mutate: func(cfg *config.Config) { cfg.NodeID = "" }},
		{name: "unknown strategy", mutate: func(cfg *config.Config) { cfg.Strategy = "busiest" }},
		{name: "unknown log level", mutate: func(cfg *config.Config) { cfg.LogLevel = "loud" }},
		{name: "zero capacity", mutate: func(cfg *config.Config) { cfg.MaxConcurrentTasks = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			_, err := New(cfg, WithLogger(logger.Discard()))
			assert.Error(t, err)
		})
	}
}

func TestSubmitForwardsToCapableNode(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(t, ft)
	addPeer(t, c, "b", 9002, cluster.Node{MaxConcurrentTasks: 4, Capabilities: []string{"gpu"}})

	task, err := c.Submit(context.Background(), cluster.Task{
		Type:                 cluster.TaskComputation,
		RequiredCapabilities: []string{"gpu"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, cluster.TaskRunning, task.Status)
	assert.Equal(t, "b", task.AssignedNode)
	assert.Equal(t, 1, nodeByID(t, c, "b").ActiveTasks)

	require.Len(t, ft.executed, 1)
	assert.Equal(t, "a", ft.executed[0].OriginID)
	assert.Equal(t, "127.0.0.1:9001", ft.executed[0].ReplyTo)
	assert.Equal(t, task.ID, ft.executed[0].Task.ID)
}

func TestSubmitQueuesWhenForwardFails(t *testing.T) {
	ft := &fakeTransport{}
	ft.setExecuteErr(errors.New("connection refused"))
	c := newTestCoordinator(t, ft)
	addPeer(t, c, "b", 9002, cluster.Node{Capabilities: []string{"gpu"}})

	task, err := c.Submit(context.Background(), cluster.Task{RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)
	assert.Equal(t, cluster.TaskPending, task.Status)
	assert.Empty(t, task.AssignedNode)
	assert.Equal(t, 0, nodeByID(t, c, "b").ActiveTasks)

	ft.setExecuteErr(nil)
	assert.Equal(t, 1, c.drainQueue(context.Background()))
	got, ok := c.TaskStatus(task.ID)
	require.True(t, ok)
	assert.Equal(t, cluster.TaskRunning, got.Status)
	assert.Equal(t, 1, nodeByID(t, c, "b").ActiveTasks)
	assert.Equal(t, []string{task.ID}, ft.executedTasks())
}

func TestSubmitQueuesWithoutEligibleNode(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})

	task, err := c.Submit(context.Background(), cluster.Task{RequiredCapabilities: []string{"quantum"}})
	require.NoError(t, err)
	assert.Equal(t, cluster.TaskPending, task.Status)
	assert.Equal(t, 0, c.drainQueue(context.Background()))
	assert.Equal(t, 0, c.drainQueue(context.Background()))
	assert.Equal(t, 1, c.ClusterStatus().PendingTasks)

	// retries from the queue do not count as new placement requests
	m := c.balancer.Metrics()
	assert.Equal(t, int64(1), m.TotalRequests)
	assert.Equal(t, int64(1), m.Failed)
}

func TestSubmitValidation(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})

	_, err := c.Submit(context.Background(), cluster.Task{Type: "render"})
	assert.ErrorIs(t, err, cluster.ErrInvalidTask)

	_, err = c.Submit(context.Background(), cluster.Task{ID: "dup", RequiredCapabilities: []string{"none"}})
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), cluster.Task{ID: "dup"})
	assert.ErrorIs(t, err, taskstore.ErrDuplicateTask)
}

func TestLocalExecutionCompletes(t *testing.T) {
	exec := executor.Func(func(_ context.Context, task cluster.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":"` + task.ID + `"}`), nil
	})
	c := newTestCoordinator(t, &fakeTransport{}, WithExecutor(exec))

	task, err := c.Submit(context.Background(), cluster.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "a", task.AssignedNode)

	require.Eventually(t, func() bool {
		got, _ := c.TaskStatus("t1")
		return got.Status == cluster.TaskCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := c.TaskStatus("t1")
	assert.JSONEq(t, `{"echo":"t1"}`, string(got.Result))
	local := nodeByID(t, c, "a")
	assert.Equal(t, 0, local.ActiveTasks)
	assert.Equal(t, 1, local.TasksProcessed)
	assert.Equal(t, 1, c.ClusterStatus().TotalTasksProcessed)
}

func TestLocalExecutionTimeout(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})

	_, err := c.Submit(context.Background(), cluster.Task{ID: "slow", MaxExecutionTime: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := c.TaskStatus("slow")
		return got.Status == cluster.TaskFailed
	}, 3*time.Second, 10*time.Millisecond)
	got, _ := c.TaskStatus("slow")
	assert.Contains(t, got.ErrorMessage, "exceeded")
	assert.Equal(t, 1, nodeByID(t, c, "a").FailedTasks)
}

func TestCompletionOnlyFromAssignee(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(t, ft)
	addPeer(t, c, "b", 9002, cluster.Node{Capabilities: []string{"gpu"}})

	task, err := c.Submit(context.Background(), cluster.Task{RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)

	_, applied, err := c.completeTask(cluster.CompleteRequest{TaskID: task.ID, NodeID: "c"})
	require.NoError(t, err)
	assert.False(t, applied, "report from a non-assignee must be ignored")

	done, applied, err := c.completeTask(cluster.CompleteRequest{
		TaskID: task.ID, NodeID: "b", Result: json.RawMessage(`{"v":1}`),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, cluster.TaskCompleted, done.Status)

	_, applied, err = c.completeTask(cluster.CompleteRequest{TaskID: task.ID, NodeID: "b"})
	require.NoError(t, err)
	assert.False(t, applied, "second report must be ignored")

	b := nodeByID(t, c, "b")
	assert.Equal(t, 0, b.ActiveTasks)
	assert.Equal(t, 1, b.TasksProcessed)

	_, _, err = c.completeTask(cluster.CompleteRequest{TaskID: "nope", NodeID: "b"})
	assert.ErrorIs(t, err, taskstore.ErrTaskNotFound)
}

func TestFailedCompletionCountsAgainstNode(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})
	addPeer(t, c, "b", 9002, cluster.Node{Capabilities: []string{"gpu"}})

	task, err := c.Submit(context.Background(), cluster.Task{RequiredCapabilities: []string{"gpu"}})
	require.NoError(t, err)

	done, applied, err := c.completeTask(cluster.CompleteRequest{TaskID: task.ID, NodeID: "b", Error: "boom"})
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, cluster.TaskFailed, done.Status)
	assert.Equal(t, "boom", done.ErrorMessage)
	assert.Equal(t, 1, nodeByID(t, c, "b").FailedTasks)
}

func TestNodeFailureRequeuesTasks(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})
	addPeer(t, c, "b", 9002, cluster.Node{Capabilities: []string{"gpu"}})

	var ids []string
	for i := 0; i < 2; i++ {
		task, err := c.Submit(context.Background(), cluster.Task{RequiredCapabilities: []string{"gpu"}})
		require.NoError(t, err)
		require.Equal(t, "b", task.AssignedNode)
		ids = append(ids, task.ID)
	}
	require.Equal(t, 2, nodeByID(t, c, "b").ActiveTasks)

	c.members.MarkLeft("b")

	for _, id := range ids {
		got, _ := c.TaskStatus(id)
		assert.Equal(t, cluster.TaskPending, got.Status)
		assert.Empty(t, got.AssignedNode)
	}
	assert.Equal(t, 0, nodeByID(t, c, "b").ActiveTasks)

	history := c.FailoverHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "b", history[0].NodeID)
	assert.Equal(t, cluster.StatusLeft, history[0].Status)
	assert.ElementsMatch(t, ids, history[0].RequeuedTasks)
	assert.False(t, history[0].WasLeader)

	// a stale report from the failed node changes nothing
	_, applied, err := c.completeTask(cluster.CompleteRequest{TaskID: ids[0], NodeID: "b"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestLeaderFailureTriggersElection(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})
	addPeer(t, c, "b", 9002, cluster.Node{})
	c.engine.ObserveTerm(3, "b")
	require.Equal(t, "b", c.engine.LeaderID())

	c.members.MarkLeft("b")

	history := c.FailoverHistory()
	require.Len(t, history, 1)
	assert.True(t, history[0].WasLeader)

	c.engine.Tick(context.Background())
	state := c.ConsensusState()
	assert.Equal(t, cluster.RoleLeader, state.Role)
	assert.Equal(t, int64(4), state.Term)
	assert.Equal(t, "a", state.LeaderID)
}

func TestFailoverHistoryBounded(t *testing.T) {
	l := newFailoverLog(3)
	for i := 0; i < 5; i++ {
		l.add(FailoverEvent{NodeID: strconv.Itoa(i)})
	}
	events := l.list()
	require.Len(t, events, 3)
	assert.Equal(t, "2", events[0].NodeID)
	assert.Equal(t, "4", events[2].NodeID)
}

// placeOn adds a task and assigns it straight to node, bypassing the balancer.
func placeOn(t *testing.T, c *Coordinator, id string, typ cluster.TaskType, node string) {
	t.Helper()
	task := cluster.Task{ID: id, Type: typ}
	require.NoError(t, task.Normalize())
	require.NoError(t, c.tasks.Add(task))
	require.NoError(t, c.assignTo(context.Background(), id, nodeByID(t, c, node)))
}

func TestRedistributeLoad(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(t, ft)
	addPeer(t, c, "b", 9002, cluster.Node{MaxConcurrentTasks: 5})
	addPeer(t, c, "c", 9003, cluster.Node{MaxConcurrentTasks: 10})
	addPeer(t, c, "d", 9004, cluster.Node{MaxConcurrentTasks: 10})

	placeOn(t, c, "g1", cluster.TaskGeneric, "b")
	placeOn(t, c, "a1", cluster.TaskAnalysis, "b")
	placeOn(t, c, "g2", cluster.TaskGeneric, "b")
	placeOn(t, c, "c1", cluster.TaskComputation, "b")
	placeOn(t, c, "a2", cluster.TaskAnalysis, "b")
	require.Equal(t, 5, nodeByID(t, c, "b").ActiveTasks)

	moved := c.RedistributeLoad(context.Background())
	assert.Equal(t, 2, moved, "at most two tasks leave one overloaded node")

	assert.Equal(t, 3, nodeByID(t, c, "b").ActiveTasks)
	targets := map[string]bool{}
	for _, id := range []string{"a1", "c1"} {
		got, _ := c.TaskStatus(id)
		assert.NotEqual(t, "b", got.AssignedNode, "task %s should have moved", id)
		assert.False(t, targets[got.AssignedNode], "target %s used twice", got.AssignedNode)
		targets[got.AssignedNode] = true
	}
	for _, id := range []string{"g1", "g2", "a2"} {
		got, _ := c.TaskStatus(id)
		assert.Equal(t, "b", got.AssignedNode, "task %s should stay", id)
	}

	ft.mu.Lock()
	assert.ElementsMatch(t, []string{"a1", "c1"}, ft.cancelled)
	ft.mu.Unlock()
}

func TestRedistributeLoadUsesEachTargetOnce(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})
	c.members.UpdateLocal(func(n *cluster.Node) { n.ActiveTasks = 5 })
	addPeer(t, c, "b", 9002, cluster.Node{MaxConcurrentTasks: 5})
	addPeer(t, c, "c", 9003, cluster.Node{MaxConcurrentTasks: 10})

	for _, id := range []string{"x1", "x2", "x3", "x4", "x5"} {
		placeOn(t, c, id, cluster.TaskAnalysis, "b")
	}

	assert.Equal(t, 1, c.RedistributeLoad(context.Background()))
	assert.Equal(t, 4, nodeByID(t, c, "b").ActiveTasks)
	assert.Equal(t, 1, nodeByID(t, c, "c").ActiveTasks)
}

func TestRedistributeLoadNothingToDo(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})
	addPeer(t, c, "b", 9002, cluster.Node{MaxConcurrentTasks: 10})
	placeOn(t, c, "t1", cluster.TaskAnalysis, "b")

	assert.Equal(t, 0, c.RedistributeLoad(context.Background()))
}

func TestCancelExecutionSuppressesReport(t *testing.T) {
	ft := &fakeTransport{}
	c := newTestCoordinator(t, ft)

	require.NoError(t, c.startExecution(cluster.Task{ID: "r1"}, "origin", "127.0.0.1:9009"))
	require.NoError(t, c.startExecution(cluster.Task{ID: "r1"}, "origin", "127.0.0.1:9009"), "duplicate execute is accepted")
	assert.Equal(t, 1, nodeByID(t, c, "a").QueueDepth)

	assert.True(t, c.cancelExecution("r1"))
	assert.False(t, c.cancelExecution("r1"))

	require.Eventually(t, func() bool {
		return nodeByID(t, c, "a").QueueDepth == 0
	}, time.Second, 5*time.Millisecond)
	ft.mu.Lock()
	assert.Empty(t, ft.completed)
	ft.mu.Unlock()
}

func TestRemoteExecutionReportsToOrigin(t *testing.T) {
	ft := &fakeTransport{}
	exec := executor.Func(func(context.Context, cluster.Task) (json.RawMessage, error) {
		return json.RawMessage(`42`), nil
	})
	c := newTestCoordinator(t, ft, WithExecutor(exec))

	require.NoError(t, c.startExecution(cluster.Task{ID: "r2"}, "origin", "127.0.0.1:9009"))
	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.completed) == 1
	}, time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, "r2", ft.completed[0].TaskID)
	assert.Equal(t, "a", ft.completed[0].NodeID)
	assert.JSONEq(t, `42`, string(ft.completed[0].Result))
}

func TestClusterStatusSummary(t *testing.T) {
	c := newTestCoordinator(t, &fakeTransport{})
	addPeer(t, c, "b", 9002, cluster.Node{Region: "eu", MaxConcurrentTasks: 4})
	c.members.UpdateLocal(func(n *cluster.Node) { n.Region = "us" })
	placeOn(t, c, "t1", cluster.TaskGeneric, "b")

	st := c.ClusterStatus()
	assert.Equal(t, "a", st.NodeID)
	assert.Equal(t, 2, st.ClusterSize)
	assert.Equal(t, 2, st.HealthyNodes)
	assert.Equal(t, 1, st.RunningTasks)
	assert.InDelta(t, 0.125, st.AverageLoad, 1e-9)
	assert.ElementsMatch(t, []string{"us", "eu"}, st.Regions)
	assert.True(t, st.LastHeartbeat.IsZero())
}
