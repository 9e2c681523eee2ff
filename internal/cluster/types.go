package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"golang.org/x/exp/slices"
)

// NodeRole is the consensus role a node plays in the cluster.
type NodeRole string

const (
	RoleLeader    NodeRole = "leader"
	RoleFollower  NodeRole = "follower"
	RoleCandidate NodeRole = "candidate"
	RoleObserver  NodeRole = "observer"
)

// NodeStatus is the liveness classification of a node.
type NodeStatus string

const (
	StatusAlive   NodeStatus = "alive"
	StatusSuspect NodeStatus = "suspect"
	StatusDead    NodeStatus = "dead"
	StatusLeft    NodeStatus = "left"
)

// DefaultMaxConcurrentTasks is used when a node does not declare its own capacity.
const DefaultMaxConcurrentTasks = 10

// Node describes one member of the cluster as seen by the local process.
type Node struct {
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
	ID                  string     `json:"node_id"`
	Address             string     `json:"address"`
	Role                NodeRole   `json:"role"`
	Status              NodeStatus `json:"status"`
	Region              string     `json:"region"`
	Datacenter          string     `json:"datacenter"`
	Capabilities        []string   `json:"capabilities"`
	Port                int        `json:"port"`
	ActiveTasks         int        `json:"active_tasks"`
	MaxConcurrentTasks  int        `json:"max_concurrent_tasks"`
	QueueDepth          int        `json:"queue_depth"`
	TasksProcessed      int        `json:"total_tasks_processed"`
	FailedTasks         int        `json:"failed_tasks"`
	CPUUsage            float64    `json:"cpu_usage"`
	MemoryUsage         float64    `json:"memory_usage"`
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
	AverageResponseTime float64    `json:"average_response_time"`
	Phi                 float64    `json:"phi"`
}

// Addr returns the node's host:port, or "" for placeholder entries whose
// address has not been resolved yet.
func (n Node) Addr() string {
	if n.Address == "" || n.Port == 0 {
		return ""
	}
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// BaseURL returns the http URL peers use to reach this node.
func (n Node) BaseURL() string {
	return "http://" + n.Addr()
}

// Load is the fraction of the node's task slots currently in use.
func (n Node) Load() float64 {
	return float64(n.ActiveTasks) / float64(max(n.MaxConcurrentTasks, 1))
}

// HasCapacity reports whether the node can accept another task.
func (n Node) HasCapacity() bool {
	return n.ActiveTasks < n.MaxConcurrentTasks
}

// HasCapabilities reports whether every required capability is advertised by the node.
func (n Node) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(n.Capabilities, c) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand out of a locked registry.
func (n *Node) Clone() Node {
	c := *n
	c.Capabilities = slices.Clone(n.Capabilities)
	return c
}

// ParseHostPort splits "host:port" into its parts.
func ParseHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("parse address %q: invalid port", addr)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

// TaskType selects how a task is executed. Unknown types are rejected at submission.
type TaskType string

const (
	TaskComputation TaskType = "computation"
	TaskAnalysis    TaskType = "analysis"
	TaskGeneric     TaskType = "generic"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskComputation, TaskAnalysis, TaskGeneric:
		return true
	default:
		return false
	}
}

// Migratable reports whether running tasks of this type may be moved by load redistribution.
func (t TaskType) Migratable() bool {
	switch t {
	case TaskComputation, TaskAnalysis:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

const (
	MinPriority             = 1
	MaxPriority             = 10
	DefaultMaxExecutionTime = 300 // seconds
	MaxExecutionTimeLimit   = math.MaxInt64 / int64(time.Second)
)

// ErrInvalidTask is wrapped by every task validation failure.
var ErrInvalidTask = errors.New("invalid task")

// Task is a unit of work distributed across the cluster. Payload and Result
// are opaque to the coordinator.
type Task struct {
	CreatedAt            time.Time       `json:"created_at"`
	StartedAt            time.Time       `json:"started_at"`
	CompletedAt          time.Time       `json:"completed_at"`
	ID                   string          `json:"task_id"`
	Type                 TaskType        `json:"task_type"`
	Status               TaskStatus      `json:"status"`
	AssignedNode         string          `json:"assigned_node,omitempty"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	PreferredRegions     []string        `json:"preferred_regions,omitempty"`
	Priority             int             `json:"priority"`
	MaxExecutionTime     int             `json:"max_execution_time"`
	ExecutionTime        float64         `json:"execution_time"`
}

// Normalize fills defaults and validates the task.
func (t *Task) Normalize() error {
	if t.Type == "" {
		t.Type = TaskGeneric
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, t.Type)
	}
	if t.Priority == 0 {
		t.Priority = MinPriority
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d, %d]", ErrInvalidTask, t.Priority, MinPriority, MaxPriority)
	}
	if t.MaxExecutionTime < 0 {
		return fmt.Errorf("%w: negative max_execution_time", ErrInvalidTask)
	}
	if int64(t.MaxExecutionTime) > MaxExecutionTimeLimit {
		return fmt.Errorf("%w: max_execution_time %d exceeds %d", ErrInvalidTask, t.MaxExecutionTime, MaxExecutionTimeLimit)
	}
	if t.MaxExecutionTime == 0 {
		t.MaxExecutionTime = DefaultMaxExecutionTime
	}
	return nil
}

// Timeout is the execution deadline derived from MaxExecutionTime.
func (t Task) Timeout() time.Duration {
	return time.Duration(t.MaxExecutionTime) * time.Second
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() Task {
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Result = slices.Clone(t.Result)
	c.RequiredCapabilities = slices.Clone(t.RequiredCapabilities)
	c.PreferredRegions = slices.Clone(t.PreferredRegions)
	return c
}
