package cluster

import (
	"encoding/json"
	"time"
)

// JoinRequest announces a node to a seed. Node carries the joiner's profile
// so capabilities and capacity propagate with the membership list.
type JoinRequest struct {
	Node    *Node  `json:"node,omitempty"`
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

type JoinResponse struct {
	Leader string `json:"leader"`
	Nodes  []Node `json:"nodes"`
	Term   int64  `json:"term"`
}

type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// StatusResponse is the generic {"status": "..."} acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusOK      = "ok"
	StatusSuccess = "success"
	StatusFailed  = "error"
)

type HeartbeatRequest struct {
	SenderID string `json:"sender_id"`
	Address  string `json:"address,omitempty"`
}

// GossipDigest is the compact membership summary exchanged between peers.
// Replies may carry descriptors for nodes the requester did not list.
type GossipDigest struct {
	SenderID   string   `json:"sender_id"`
	Leader     string   `json:"leader"`
	KnownNodes []string `json:"known_nodes"`
	Nodes      []Node   `json:"nodes,omitempty"`
	Term       int64    `json:"term"`
}

// ExecuteRequest forwards a task to the node that should run it. ReplyTo is
// the host:port the executor reports completion to.
type ExecuteRequest struct {
	Task     Task   `json:"task"`
	OriginID string `json:"origin_id"`
	ReplyTo  string `json:"reply_to"`
}

type ExecuteResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// CompleteRequest reports the outcome of a task back to its submitter.
// A non-empty Error marks the task failed.
type CompleteRequest struct {
	TaskID string          `json:"task_id"`
	NodeID string          `json:"node_id"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type RebalanceResponse struct {
	Redistributed int `json:"redistributed"`
}

type RequestVoteRequest struct {
	CandidateID  string `json:"candidate_id"`
	Term         int64  `json:"term"`
	LastLogIndex int64  `json:"last_log_index"`
	LastLogTerm  int64  `json:"last_log_term"`
}

type RequestVoteResponse struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

// AppendEntriesRequest is a leader heartbeat. No log entries are replicated.
type AppendEntriesRequest struct {
	Timestamp time.Time `json:"timestamp"`
	LeaderID  string    `json:"leader_id"`
	Term      int64     `json:"term"`
}

type AppendEntriesResponse struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
}

// ClusterStatus is the summary served by GET /cluster/status.
type ClusterStatus struct {
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	NodeID              string    `json:"node_id"`
	Leader              string    `json:"leader_node"`
	Role                NodeRole  `json:"role"`
	Regions             []string  `json:"regions"`
	ClusterSize         int       `json:"cluster_size"`
	HealthyNodes        int       `json:"healthy_nodes"`
	PendingTasks        int       `json:"pending_tasks"`
	RunningTasks        int       `json:"running_tasks"`
	TotalTasksProcessed int       `json:"total_tasks_processed"`
	AverageLoad         float64   `json:"average_load"`
	Term                int64     `json:"consensus_term"`
}
