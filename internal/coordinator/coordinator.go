package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/coordd/internal/balancer"
	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/config"
	"github.com/dreamware/coordd/internal/consensus"
	"github.com/dreamware/coordd/internal/executor"
	"github.com/dreamware/coordd/internal/hoststats"
	"github.com/dreamware/coordd/internal/logger"
	"github.com/dreamware/coordd/internal/membership"
	"github.com/dreamware/coordd/internal/taskstore"
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("coordinator already started")

// Transport is every peer RPC the coordinator issues. *cluster.Client
// implements it over HTTP.
type Transport interface {
	membership.Transport
	consensus.Transport
	Execute(ctx context.Context, peer cluster.Node, req cluster.ExecuteRequest) (cluster.ExecuteResponse, error)
	Cancel(ctx context.Context, peer cluster.Node, req cluster.CancelRequest) error
	Complete(ctx context.Context, addr string, req cluster.CompleteRequest) error
}

// Option customizes a Coordinator at construction.
type Option func(*Coordinator)

// WithTransport replaces the HTTP client used for peer RPCs.
func WithTransport(t Transport) Option {
	return func(c *Coordinator) { c.transport = t }
}

// WithExecutor replaces the local task executor.
func WithExecutor(e executor.Executor) Option {
	return func(c *Coordinator) { c.exec = e }
}

// WithSampler replaces the host utilization sampler.
func WithSampler(s hoststats.Sampler) Option {
	return func(c *Coordinator) { c.sampler = s }
}

// WithLogger replaces the default stderr logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithStore replaces the in-memory task store.
func WithStore(s taskstore.Store) Option {
	return func(c *Coordinator) { c.tasks = s }
}

// Coordinator is one cluster node. It owns the membership registry, the
// consensus engine, the load balancer and the task tables, runs the
// background duties and serves the peer RPC endpoints.
//
// A Coordinator is created with New, started with Start and stopped with
// Stop. All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg       *config.Config
	log       *logger.Logger
	transport Transport
	members   *membership.Membership
	engine    *consensus.Engine
	balancer  *balancer.Balancer
	tasks     taskstore.Store
	exec      executor.Executor
	sampler   hoststats.Sampler
	metrics   *metrics
	failovers *failoverLog
	now       func() time.Time

	// tasks this node is executing on behalf of a submitter
	executing map[string]context.CancelFunc
	execMu    sync.Mutex

	lastHeartbeat atomic.Int64 // unix nanos of the last peer heartbeat received
	started       atomic.Bool
	kick          chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a Coordinator from cfg. cfg is validated (and finalized) here.
//
// Parameters:
//   - cfg: node configuration, see config.DefaultConfig
//   - opts: optional overrides for transport, executor, sampler, logger and store
//
// Returns:
//   - *Coordinator: ready to Start
//   - error: if the configuration is invalid
//
// Example:
//
//	cfg := config.DefaultConfig()
//	cfg.Seeds = []string{"10.0.0.1:8002"}
//	c, err := coordinator.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	http.ListenAndServe(cfg.BindAddr, c.Handler())
func New(cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	strategy, err := balancer.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	local, err := cfg.LocalNode()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		balancer:  balancer.New(strategy),
		metrics:   newMetrics(cfg.NodeID),
		failovers: newFailoverLog(cfg.HistoryLimit),
		now:       time.Now,
		executing: make(map[string]context.CancelFunc),
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.metrics.watchBalancer(cfg.NodeID, c.balancer)
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.New(os.Stderr, cfg.NodeID, level)
	}
	if c.transport == nil {
		c.transport = cluster.NewClient(cfg.RPCTimeout)
	}
	if c.exec == nil {
		c.exec = executor.NewSimulated()
	}
	if c.sampler == nil {
		c.sampler = hoststats.System{}
	}
	if c.tasks == nil {
		c.tasks = taskstore.NewMemoryStore(cfg.HistoryLimit)
	}

	c.members = membership.New(local, membership.Config{
		SuspectAfter: cfg.SuspectAfter,
		DeadAfter:    cfg.DeadAfter,
	}, c.transport, c.log.With("membership"))
	c.members.SetOnFailure(c.onNodeFailure)

	c.engine = consensus.New(consensus.Config{
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		Observer:           cfg.Observer,
	}, c.members, c.transport, c.log.With("consensus"))
	c.engine.SetOnBecomeLeader(func(int64) {
		c.metrics.leadershipChanges.Inc()
	})
	return c, nil
}

// Start joins the cluster through the configured seeds and launches the
// background duties. If no seed answers the node runs as a single-node
// cluster and relies on others joining it.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	resp, err := c.members.Join(ctx, c.cfg.Seeds)
	switch {
	case errors.Is(err, membership.ErrNoSeeds):
		c.log.Infof("no seeds configured, starting as single-node cluster")
	case err != nil:
		c.log.Warnf("could not join any seed, starting as single-node cluster: %v", err)
	default:
		c.engine.ObserveTerm(resp.Term, resp.Leader)
	}

	c.startDuties()
	c.log.Infof("node %s started at %s", c.cfg.NodeID, c.cfg.AdvertiseAddr)
	return nil
}

// Stop cancels the background duties and local executions, waits for them
// and notifies peers that this node is leaving. The HTTP server is the
// caller's to shut down afterwards.
func (c *Coordinator) Stop(ctx context.Context) {
	// under execMu so no execution registers with wg after Wait begins
	c.execMu.Lock()
	c.cancel()
	c.execMu.Unlock()
	c.wg.Wait()
	if c.started.Load() {
		c.members.Leave(ctx)
	}
	c.log.Infof("node %s stopped", c.cfg.NodeID)
}

// NodeID returns the local node id.
func (c *Coordinator) NodeID() string { return c.cfg.NodeID }

// Submit validates task, assigns it an id when it has none and tries to place
// it immediately. A task that cannot be placed stays pending and is retried
// by the queue drain duty.
//
// Returns:
//   - cluster.Task: the task as stored after the placement attempt
//   - error: cluster.ErrInvalidTask or taskstore.ErrDuplicateTask wrapped
func (c *Coordinator) Submit(ctx context.Context, task cluster.Task) (cluster.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Normalize(); err != nil {
		return cluster.Task{}, err
	}
	task.CreatedAt = c.now()
	task.StartedAt, task.CompletedAt = time.Time{}, time.Time{}
	task.Result, task.ErrorMessage, task.ExecutionTime = nil, "", 0

	if err := c.tasks.Add(task); err != nil {
		return cluster.Task{}, err
	}
	c.metrics.tasksSubmitted.Inc()

	if err := c.assign(ctx, task, false); err != nil {
		c.log.Debugf("task %s queued: %v", task.ID, err)
	}
	stored, _ := c.tasks.Get(task.ID)
	return stored, nil
}

// TaskStatus looks a task up among pending, in-flight and recently finished tasks.
func (c *Coordinator) TaskStatus(id string) (cluster.Task, bool) {
	return c.tasks.Get(id)
}

// Nodes returns the local view of the membership.
func (c *Coordinator) Nodes() []cluster.Node {
	return c.members.Nodes()
}

// ConsensusState returns a snapshot of the consensus engine.
func (c *Coordinator) ConsensusState() consensus.State {
	return c.engine.State()
}

// FailoverHistory returns the recorded failover events, oldest first.
func (c *Coordinator) FailoverHistory() []FailoverEvent {
	return c.failovers.list()
}

// ClusterStatus summarizes the cluster as seen by this node.
func (c *Coordinator) ClusterStatus() cluster.ClusterStatus {
	nodes := c.members.Nodes()
	state := c.engine.State()
	counts := c.tasks.Counts()

	st := cluster.ClusterStatus{
		NodeID:              c.cfg.NodeID,
		Leader:              state.LeaderID,
		Role:                state.Role,
		Term:                state.Term,
		ClusterSize:         len(nodes),
		PendingTasks:        counts.Pending,
		RunningTasks:        counts.Assigned + counts.Running,
		TotalTasksProcessed: int(c.tasks.Stats().Completed),
		Regions:             []string{},
	}
	if ns := c.lastHeartbeat.Load(); ns != 0 {
		st.LastHeartbeat = time.Unix(0, ns).UTC()
	}

	seen := make(map[string]bool)
	var load float64
	for i := range nodes {
		n := &nodes[i]
		if n.Status == cluster.StatusAlive {
			st.HealthyNodes++
		}
		load += n.Load()
		if !seen[n.Region] {
			seen[n.Region] = true
			st.Regions = append(st.Regions, n.Region)
		}
	}
	if len(nodes) > 0 {
		st.AverageLoad = load / float64(len(nodes))
	}
	return st
}

// noteHeartbeat records that a peer heartbeat reached this node.
func (c *Coordinator) noteHeartbeat() {
	c.lastHeartbeat.Store(c.now().UnixNano())
}

// kickQueue wakes the pending drain duty without blocking.
func (c *Coordinator) kickQueue() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}
