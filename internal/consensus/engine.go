// Package consensus implements leader election over the membership view:
// randomized election timeouts, term-based voting and leader heartbeats.
// No log is replicated; AppendEntries only carries the leader's term.
package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/logger"
)

// Membership is the view of the cluster the engine campaigns over.
type Membership interface {
	LocalID() string
	AlivePeers() []cluster.Node
	Peers(statuses ...cluster.NodeStatus) []cluster.Node
	AliveCount() int
	Heartbeat(id string) bool
	SetLeader(id string)
	SetLocalRole(role cluster.NodeRole)
}

// Transport sends the consensus RPCs. *cluster.Client satisfies it.
type Transport interface {
	RequestVote(ctx context.Context, peer cluster.Node, req cluster.RequestVoteRequest) (cluster.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, peer cluster.Node, req cluster.AppendEntriesRequest) (cluster.AppendEntriesResponse, error)
}

type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// Observer nodes vote and follow but never campaign.
	Observer bool
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 5 * time.Second,
		ElectionTimeoutMax: 10 * time.Second,
	}
}

// State is a snapshot of the engine.
type State struct {
	Role              cluster.NodeRole `json:"role"`
	LeaderID          string           `json:"leader_id"`
	VotedFor          string           `json:"voted_for"`
	Term              int64            `json:"term"`
	LeadershipChanges int              `json:"leadership_changes"`
}

// Engine is the per-node consensus state machine. It is safe for concurrent use.
type Engine struct {
	members   Membership
	transport Transport
	log       *logger.Logger
	now       func() time.Time
	rng       *rand.Rand

	onBecomeLeader   func(term int64)
	onBecomeFollower func(term int64)

	deadline          time.Time
	role              cluster.NodeRole
	votedFor          string
	leaderID          string
	cfg               Config
	currentTerm       int64
	leadershipChanges int
	electionPending   bool
	electing          bool
	mu                sync.Mutex
}

// New returns a follower (or observer) at term 0 with a fresh election deadline.
func New(cfg Config, members Membership, transport Transport, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = def.ElectionTimeoutMin
	}
	if cfg.ElectionTimeoutMax < cfg.ElectionTimeoutMin {
		cfg.ElectionTimeoutMax = cfg.ElectionTimeoutMin
	}
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		members:   members,
		transport: transport,
		log:       log,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		role:      cluster.RoleFollower,
		cfg:       cfg,
	}
	if cfg.Observer {
		e.role = cluster.RoleObserver
	}
	e.resetDeadlineLocked()
	return e
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.resetDeadlineLocked()
	e.mu.Unlock()
}

// SetOnBecomeLeader registers a callback run after this node wins an election.
func (e *Engine) SetOnBecomeLeader(fn func(term int64)) {
	e.mu.Lock()
	e.onBecomeLeader = fn
	e.mu.Unlock()
}

// SetOnBecomeFollower registers a callback run when this node loses leadership.
func (e *Engine) SetOnBecomeFollower(fn func(term int64)) {
	e.mu.Lock()
	e.onBecomeFollower = fn
	e.mu.Unlock()
}

// resetDeadlineLocked re-rolls the election timeout uniformly in [min, max].
func (e *Engine) resetDeadlineLocked() {
	timeout := e.cfg.ElectionTimeoutMin
	if spread := e.cfg.ElectionTimeoutMax - e.cfg.ElectionTimeoutMin; spread > 0 {
		timeout += time.Duration(e.rng.Int63n(int64(spread) + 1))
	}
	e.deadline = e.now().Add(timeout)
}

// followLocked demotes the node to follower, keeping the observer role.
// It reports whether the node was leader.
func (e *Engine) followLocked() bool {
	wasLeader := e.role == cluster.RoleLeader
	if e.role != cluster.RoleObserver {
		e.role = cluster.RoleFollower
	}
	return wasLeader
}

// adoptTermLocked moves to a newer term as a follower. It reports whether
// leadership was lost.
func (e *Engine) adoptTermLocked(term int64) bool {
	e.currentTerm = term
	e.votedFor = ""
	e.leaderID = ""
	lost := e.followLocked()
	e.resetDeadlineLocked()
	return lost
}

// afterStepDown syncs membership and fires the follower callback. Must be
// called without e.mu held.
func (e *Engine) afterStepDown(lost bool, term int64, role cluster.NodeRole) {
	e.members.SetLocalRole(role)
	if !lost {
		return
	}
	e.log.Infof("stepping down as leader at term %d", term)
	e.mu.Lock()
	cb := e.onBecomeFollower
	e.mu.Unlock()
	if cb != nil {
		cb(term)
	}
}

// Tick starts an election when the follower's deadline has passed or an
// election was requested. It is meant to run every ~100ms.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	due := e.role == cluster.RoleFollower && (e.electionPending || !e.now().Before(e.deadline))
	e.mu.Unlock()
	if due {
		e.StartElection(ctx)
	}
}

// TriggerElection asks the next Tick to campaign without waiting for the
// timeout. Used when the known leader is declared dead.
func (e *Engine) TriggerElection() {
	e.mu.Lock()
	if e.role == cluster.RoleFollower {
		e.electionPending = true
	}
	e.mu.Unlock()
}

// StartElection runs one election round and reports whether this node won.
//
// The node increments its term, votes for itself and asks every Alive peer
// for a vote in parallel. Errors count as refusals. It wins with
// floor(alive/2)+1 votes, alive counting the local node.
func (e *Engine) StartElection(ctx context.Context) bool {
	e.mu.Lock()
	if e.electing || e.role == cluster.RoleLeader || e.role == cluster.RoleObserver {
		e.mu.Unlock()
		return false
	}
	e.electing = true
	e.electionPending = false
	e.currentTerm++
	term := e.currentTerm
	e.votedFor = e.members.LocalID()
	e.leaderID = ""
	e.role = cluster.RoleCandidate
	// No log is kept, so the log position fields stay zero.
	req := cluster.RequestVoteRequest{CandidateID: e.members.LocalID(), Term: term}
	e.mu.Unlock()

	e.members.SetLocalRole(cluster.RoleCandidate)
	peers := e.members.AlivePeers()
	needed := e.members.AliveCount()/2 + 1
	e.log.Infof("starting election for term %d (%d peers, need %d votes)", term, len(peers), needed)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		votes    = 1
		highTerm = term
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(p cluster.Node) {
			defer wg.Done()
			resp, err := e.transport.RequestVote(ctx, p, req)
			if err != nil {
				e.log.Debugf("vote request to %s failed: %v", p.ID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if resp.VoteGranted {
				votes++
			}
			if resp.Term > highTerm {
				highTerm = resp.Term
			}
		}(peer)
	}
	wg.Wait()

	e.mu.Lock()
	e.electing = false
	if highTerm > e.currentTerm {
		lost := e.adoptTermLocked(highTerm)
		role := e.role
		e.mu.Unlock()
		e.log.Infof("election for term %d abandoned: peer at term %d", term, highTerm)
		e.afterStepDown(lost, highTerm, role)
		return false
	}
	if e.role != cluster.RoleCandidate || e.currentTerm != term {
		// A leader for this or a later term showed up while votes were out.
		e.mu.Unlock()
		return false
	}
	if votes < needed {
		e.role = cluster.RoleFollower
		e.resetDeadlineLocked()
		e.mu.Unlock()
		e.members.SetLocalRole(cluster.RoleFollower)
		e.log.Infof("lost election for term %d with %d/%d votes", term, votes, needed)
		return false
	}
	e.role = cluster.RoleLeader
	e.leaderID = e.members.LocalID()
	e.leadershipChanges++
	cb := e.onBecomeLeader
	e.mu.Unlock()

	e.members.SetLocalRole(cluster.RoleLeader)
	e.members.SetLeader(e.members.LocalID())
	e.log.Infof("won election for term %d with %d/%d votes", term, votes, needed)
	if cb != nil {
		cb(term)
	}
	e.BroadcastHeartbeat(ctx)
	return true
}

// BroadcastHeartbeat sends AppendEntries to every Alive or Suspect peer in
// parallel. It does nothing unless this node is leader. Acknowledgements
// count as liveness; a reply with a higher term demotes the leader.
func (e *Engine) BroadcastHeartbeat(ctx context.Context) {
	e.mu.Lock()
	if e.role != cluster.RoleLeader {
		e.mu.Unlock()
		return
	}
	req := cluster.AppendEntriesRequest{
		Timestamp: e.now(),
		LeaderID:  e.leaderID,
		Term:      e.currentTerm,
	}
	e.mu.Unlock()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		highTerm = req.Term
	)
	for _, peer := range e.members.Peers(cluster.StatusAlive, cluster.StatusSuspect) {
		wg.Add(1)
		go func(p cluster.Node) {
			defer wg.Done()
			resp, err := e.transport.AppendEntries(ctx, p, req)
			if err != nil {
				e.log.Debugf("append_entries to %s failed: %v", p.ID, err)
				return
			}
			if resp.Success {
				e.members.Heartbeat(p.ID)
			}
			mu.Lock()
			if resp.Term > highTerm {
				highTerm = resp.Term
			}
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	if highTerm > req.Term {
		e.ObserveTerm(highTerm, "")
	}
}

// HandleRequestVote grants the vote iff the candidate's term is greater than
// the current term. Granting adopts that term, so at most one vote is cast
// per term. The log fields of the request are not consulted.
func (e *Engine) HandleRequestVote(req cluster.RequestVoteRequest) cluster.RequestVoteResponse {
	e.mu.Lock()
	if req.Term <= e.currentTerm {
		resp := cluster.RequestVoteResponse{Term: e.currentTerm}
		e.mu.Unlock()
		return resp
	}
	lost := e.adoptTermLocked(req.Term)
	e.votedFor = req.CandidateID
	role, term := e.role, e.currentTerm
	e.mu.Unlock()

	e.log.Infof("voted for %s at term %d", req.CandidateID, term)
	e.afterStepDown(lost, term, role)
	return cluster.RequestVoteResponse{Term: term, VoteGranted: true}
}

// HandleAppendEntries accepts a leader heartbeat. Stale terms are rejected;
// otherwise the node follows the sender, adopting its term if newer.
func (e *Engine) HandleAppendEntries(req cluster.AppendEntriesRequest) cluster.AppendEntriesResponse {
	e.mu.Lock()
	if req.Term < e.currentTerm {
		resp := cluster.AppendEntriesResponse{Term: e.currentTerm}
		e.mu.Unlock()
		return resp
	}
	if req.Term > e.currentTerm {
		e.currentTerm = req.Term
		e.votedFor = ""
	}
	lost := e.followLocked()
	e.leaderID = req.LeaderID
	e.electionPending = false
	e.resetDeadlineLocked()
	role, term := e.role, e.currentTerm
	e.mu.Unlock()

	if req.LeaderID != "" {
		e.members.Heartbeat(req.LeaderID)
		e.members.SetLeader(req.LeaderID)
	}
	e.afterStepDown(lost, term, role)
	return cluster.AppendEntriesResponse{Term: term, Success: true}
}

// ObserveTerm reconciles a term and leader learned from gossip or a join.
// A newer term demotes this node; an unknown leader for the current term is
// recorded.
func (e *Engine) ObserveTerm(term int64, leader string) {
	e.mu.Lock()
	switch {
	case term > e.currentTerm:
		lost := e.adoptTermLocked(term)
		e.leaderID = leader
		role := e.role
		e.mu.Unlock()
		if leader != "" {
			e.members.SetLeader(leader)
		}
		e.afterStepDown(lost, term, role)
	case term == e.currentTerm && e.leaderID == "" && leader != "" && e.role != cluster.RoleCandidate:
		e.leaderID = leader
		e.mu.Unlock()
		e.members.SetLeader(leader)
	default:
		e.mu.Unlock()
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Role:              e.role,
		LeaderID:          e.leaderID,
		VotedFor:          e.votedFor,
		Term:              e.currentTerm,
		LeadershipChanges: e.leadershipChanges,
	}
}

func (e *Engine) Term() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}

func (e *Engine) LeaderID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role == cluster.RoleLeader
}
