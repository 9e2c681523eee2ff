package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/logger"
)

type fakeTransport struct {
	joinResp   map[string]cluster.JoinResponse
	gossipResp func(peer cluster.Node, d cluster.GossipDigest) (cluster.GossipDigest, error)
	down       map[string]bool
	calls      map[string][]string
	mu         sync.Mutex
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		joinResp: make(map[string]cluster.JoinResponse),
		down:     make(map[string]bool),
		calls:    make(map[string][]string),
	}
}

func (f *fakeTransport) record(kind, target string) {
	f.mu.Lock()
	f.calls[kind] = append(f.calls[kind], target)
	f.mu.Unlock()
}

func (f *fakeTransport) called(kind string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[kind]...)
}

func (f *fakeTransport) Join(_ context.Context, seed string, _ cluster.JoinRequest) (cluster.JoinResponse, error) {
	f.record("join", seed)
	resp, ok := f.joinResp[seed]
	if !ok {
		return cluster.JoinResponse{}, errors.New("connection refused")
	}
	return resp, nil
}

func (f *fakeTransport) Leave(_ context.Context, peer cluster.Node, _ cluster.LeaveRequest) error {
	f.record("leave", peer.ID)
	if f.down[peer.ID] {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeTransport) Heartbeat(_ context.Context, peer cluster.Node, _ cluster.HeartbeatRequest) error {
	f.record("heartbeat", peer.ID)
	return nil
}

func (f *fakeTransport) Gossip(_ context.Context, peer cluster.Node, d cluster.GossipDigest) (cluster.GossipDigest, error) {
	f.record("gossip", peer.ID)
	if f.gossipResp != nil {
		return f.gossipResp(peer, d)
	}
	return cluster.GossipDigest{SenderID: peer.ID}, nil
}

type clock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func localNode(id string, port int) cluster.Node {
	return cluster.Node{ID: id, Address: "127.0.0.1", Port: port, Role: cluster.RoleFollower}
}

func newTestMembership(t *testing.T) (*Membership, *fakeTransport, *clock) {
	t.Helper()
	tr := newFakeTransport()
	m := New(localNode("local", 9000), DefaultConfig(), tr, logger.Discard())
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.SetClock(clk.Now)
	return m, tr, clk
}

func admit(t *testing.T, m *Membership, id string, port int) {
	t.Helper()
	_, err := m.Admit(cluster.JoinRequest{NodeID: id, Address: fmt.Sprintf("127.0.0.1:%d", port)})
	require.NoError(t, err)
}

func TestNewContainsLocal(t *testing.T) {
	m, _, _ := newTestMembership(t)

	local := m.Local()
	assert.Equal(t, "local", local.ID)
	assert.Equal(t, cluster.StatusAlive, local.Status)
	assert.Equal(t, cluster.DefaultMaxConcurrentTasks, local.MaxConcurrentTasks)
	assert.Equal(t, 1, m.AliveCount())
	assert.Empty(t, m.AlivePeers())
}

func TestAdmitAndViews(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)

	profile := cluster.Node{ID: "c", Capabilities: []string{"analysis"}, Region: "eu", MaxConcurrentTasks: 4, Role: cluster.RoleLeader}
	n, err := m.Admit(cluster.JoinRequest{NodeID: "c", Address: "127.0.0.1:9002", Node: &profile})
	require.NoError(t, err)
	assert.Equal(t, cluster.RoleFollower, n.Role)
	assert.Equal(t, 9002, n.Port)

	ids := []string{}
	for _, node := range m.Nodes() {
		ids = append(ids, node.ID)
	}
	assert.Equal(t, []string{"local", "b", "c"}, ids)
	assert.Equal(t, 3, m.AliveCount())
	assert.Len(t, m.AlivePeers(), 2)

	c, ok := m.Get("c")
	require.True(t, ok)
	assert.Equal(t, []string{"analysis"}, c.Capabilities)
	assert.Equal(t, 4, c.MaxConcurrentTasks)

	_, err = m.Admit(cluster.JoinRequest{NodeID: "d", Address: "bogus"})
	assert.Error(t, err)
}

func TestAdmitRejectsLocalAndAnonymousNodes(t *testing.T) {
	m, _, _ := newTestMembership(t)
	before := m.Local()

	profile := cluster.Node{Capabilities: []string{"gpu"}, MaxConcurrentTasks: 1}
	_, err := m.Admit(cluster.JoinRequest{NodeID: "local", Address: "10.9.9.9:7777", Node: &profile})
	assert.ErrorIs(t, err, ErrLocalNode)
	assert.Equal(t, before, m.Local())

	_, err = m.Admit(cluster.JoinRequest{Node: &profile})
	assert.ErrorIs(t, err, ErrMissingNodeID)
	assert.Equal(t, 1, len(m.Nodes()))
}

func TestAdmitKeepsLoadCounters(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)
	m.AdjustLoad("b", 3)
	admit(t, m, "b", 9001)

	b, _ := m.Get("b")
	assert.Equal(t, 3, b.ActiveTasks)
}

func TestNodesReturnsCopies(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)

	nodes := m.Nodes()
	nodes[1].ActiveTasks = 99
	b, _ := m.Get("b")
	assert.Equal(t, 0, b.ActiveTasks)
}

func TestAdjustLoadClamped(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)

	m.AdjustLoad("b", 2)
	m.AdjustLoad("b", -5)
	b, _ := m.Get("b")
	assert.Equal(t, 0, b.ActiveTasks)

	m.AdjustLoad("missing", 1)
}

func TestRecordCompletion(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)

	m.RecordCompletion("b", time.Second, false)
	m.RecordCompletion("b", 3*time.Second, true)

	b, _ := m.Get("b")
	assert.Equal(t, 1, b.TasksProcessed)
	assert.Equal(t, 1, b.FailedTasks)
	assert.InDelta(t, 2.0, b.AverageResponseTime, 1e-9)
}

func TestSetLeaderRoles(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)
	admit(t, m, "c", 9002)

	m.SetLeader("b")
	b, _ := m.Get("b")
	assert.Equal(t, cluster.RoleLeader, b.Role)
	assert.Equal(t, "b", m.Leader())

	m.SetLeader("c")
	b, _ = m.Get("b")
	c, _ := m.Get("c")
	assert.Equal(t, cluster.RoleFollower, b.Role)
	assert.Equal(t, cluster.RoleLeader, c.Role)

	m.SetLeader("local")
	m.SetLocalRole(cluster.RoleLeader)
	c, _ = m.Get("c")
	assert.Equal(t, cluster.RoleFollower, c.Role)
	assert.Equal(t, cluster.RoleLeader, m.Local().Role)
}

func TestJoinMergesSeedView(t *testing.T) {
	m, tr, _ := newTestMembership(t)
	tr.joinResp["10.0.0.2:8002"] = cluster.JoinResponse{
		Leader: "seed",
		Term:   7,
		Nodes: []cluster.Node{
			{ID: "seed", Address: "10.0.0.2", Port: 8002, Status: cluster.StatusAlive, ActiveTasks: 5},
			{ID: "gone", Address: "10.0.0.3", Port: 8002, Status: cluster.StatusDead},
			{ID: "local", Address: "127.0.0.1", Port: 9000, Status: cluster.StatusAlive},
		},
	}

	resp, err := m.Join(context.Background(), []string{"10.0.0.1:8002", "10.0.0.2:8002"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.Term)
	assert.Equal(t, []string{"10.0.0.1:8002", "10.0.0.2:8002"}, tr.called("join"))

	seed, ok := m.Get("seed")
	require.True(t, ok)
	assert.Equal(t, cluster.StatusAlive, seed.Status)
	assert.Equal(t, cluster.RoleLeader, seed.Role)
	assert.Equal(t, 0, seed.ActiveTasks)
	gone, _ := m.Get("gone")
	assert.Equal(t, cluster.StatusDead, gone.Status)
	assert.Equal(t, "seed", m.Leader())
	assert.Equal(t, 2, m.AliveCount())
}

func TestJoinUnreachableSeeds(t *testing.T) {
	m, _, _ := newTestMembership(t)

	_, err := m.Join(context.Background(), []string{"10.0.0.9:8002"})
	assert.Error(t, err)
	assert.Equal(t, 1, m.AliveCount())

	_, err = m.Join(context.Background(), []string{"127.0.0.1:9000"})
	assert.ErrorIs(t, err, ErrNoSeeds)
}

func TestLeaveSwallowsErrors(t *testing.T) {
	m, tr, _ := newTestMembership(t)
	admit(t, m, "b", 9001)
	admit(t, m, "c", 9002)
	m.MarkLeft("c")
	tr.down["b"] = true

	m.Leave(context.Background())
	assert.Equal(t, []string{"b"}, tr.called("leave"))
}

func TestMarkLeftFiresCallback(t *testing.T) {
	m, _, _ := newTestMembership(t)
	admit(t, m, "b", 9001)

	var got []string
	m.SetOnFailure(func(id string, status cluster.NodeStatus) {
		got = append(got, id+":"+string(status))
	})
	m.MarkLeft("b")
	m.MarkLeft("b")
	m.MarkLeft("local")

	assert.Equal(t, []string{"b:left"}, got)
	b, _ := m.Get("b")
	assert.Equal(t, cluster.StatusLeft, b.Status)
}

func TestHeartbeatFromRegistersAndResolves(t *testing.T) {
	m, _, _ := newTestMembership(t)

	assert.False(t, m.Heartbeat("stranger"))
	assert.False(t, m.HeartbeatFrom("local", "127.0.0.1:9000"))

	assert.True(t, m.HeartbeatFrom("b", "127.0.0.1:9001"))
	b, ok := m.Get("b")
	require.True(t, ok)
	assert.Equal(t, cluster.StatusAlive, b.Status)
	assert.Equal(t, "127.0.0.1:9001", b.Addr())

	m.MergeDigest(cluster.GossipDigest{SenderID: "b", KnownNodes: []string{"p"}})
	p, _ := m.Get("p")
	assert.Equal(t, "", p.Addr())
	assert.True(t, m.HeartbeatFrom("p", "127.0.0.1:9005"))
	p, _ = m.Get("p")
	assert.Equal(t, "127.0.0.1:9005", p.Addr())
	assert.Equal(t, cluster.StatusAlive, p.Status)
}

func TestBroadcastHeartbeatSkipsLeftAndPlaceholders(t *testing.T) {
	m, tr, _ := newTestMembership(t)
	admit(t, m, "b", 9001)
	admit(t, m, "c", 9002)
	m.MarkLeft("c")
	m.MergeDigest(cluster.GossipDigest{KnownNodes: []string{"ghost"}})

	m.BroadcastHeartbeat(context.Background())
	assert.Equal(t, []string{"b"}, tr.called("heartbeat"))
}

func TestPeersByStatus(t *testing.T) {
	m, _, clk := newTestMembership(t)
	admit(t, m, "b", 9001)
	clk.Advance(20 * time.Second)
	m.Sweep()
	admit(t, m, "c", 9002)

	assert.Len(t, m.Peers(cluster.StatusAlive), 1)
	assert.Len(t, m.Peers(cluster.StatusAlive, cluster.StatusSuspect), 2)
	assert.Empty(t, m.Peers(cluster.StatusDead))
}
