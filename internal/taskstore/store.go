// Package taskstore tracks the tasks a node has accepted for placement,
// from submission through completion.
package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/coordd/internal/cluster"
)

var (
	ErrDuplicateTask     = errors.New("task already exists")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// DefaultHistoryLimit is the number of finished tasks kept for status lookups.
const DefaultHistoryLimit = 100

// Store defines the task bookkeeping used by the coordinator.
// All implementations must be safe for concurrent access.
type Store interface {
	// Add registers a new Pending task. Returns ErrDuplicateTask if the id is known.
	Add(task cluster.Task) error

	// MarkAssigned moves a Pending task to Assigned on node.
	MarkAssigned(id, node string) (cluster.Task, error)

	// MarkRunning moves an Assigned task to Running.
	MarkRunning(id string, at time.Time) (cluster.Task, error)

	// Requeue returns an Assigned or Running task to Pending and reports
	// the task as it was before.
	Requeue(id string) (cluster.Task, error)

	// Complete records the outcome reported by nodeID. The bool is false
	// when the report was ignored: already finished, requeued, or from a
	// node that no longer owns the task.
	Complete(id, nodeID string, result json.RawMessage, errMsg string, at time.Time) (cluster.Task, bool, error)

	// Get looks the task up among active tasks, then the finished history.
	Get(id string) (cluster.Task, bool)

	// Pending lists Pending tasks by priority, highest first, then submission order.
	Pending() []cluster.Task

	// RunningOn lists the Assigned and Running tasks owned by node.
	RunningOn(node string) []cluster.Task

	Counts() Counts
	Stats() Stats
}

// Counts is the number of tasks per lifecycle state. Completed and Failed
// cover the retained history only.
type Counts struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats are lifetime operation counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Requeued  uint64 `json:"requeued"`
	Ignored   uint64 `json:"ignored_reports"`
}

type opStats struct {
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	requeued  atomic.Uint64
	ignored   atomic.Uint64
}

// MemoryStore implements Store in memory. Tasks are lost on restart.
type MemoryStore struct {
	active  map[string]*cluster.Task
	seq     map[string]uint64
	history []cluster.Task // oldest first
	stats   opStats
	nextSeq uint64
	limit   int
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store keeping up to historyLimit finished
// tasks. A non-positive limit selects DefaultHistoryLimit.
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemoryStore{
		active: make(map[string]*cluster.Task),
		seq:    make(map[string]uint64),
		limit:  historyLimit,
	}
}

func (m *MemoryStore) Add(task cluster.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if m.findHistory(task.ID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	// Store a copy to prevent external modification
	t := task.Clone()
	t.Status = cluster.TaskPending
	t.AssignedNode = ""
	m.active[t.ID] = &t
	m.nextSeq++
	m.seq[t.ID] = m.nextSeq
	m.stats.submitted.Add(1)
	return nil
}

func (m *MemoryStore) transition(id string, from []cluster.TaskStatus, apply func(t *cluster.Task)) (cluster.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[id]
	if !ok {
		return cluster.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return t.Clone(), fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, t.Status)
	}
	before := t.Clone()
	apply(t)
	return before, nil
}

func (m *MemoryStore) MarkAssigned(id, node string) (cluster.Task, error) {
	var after cluster.Task
	_, err := m.transition(id, []cluster.TaskStatus{cluster.TaskPending}, func(t *cluster.Task) {
		t.Status = cluster.TaskAssigned
		t.AssignedNode = node
		after = t.Clone()
	})
	return after, err
}

func (m *MemoryStore) MarkRunning(id string, at time.Time) (cluster.Task, error) {
	var after cluster.Task
	_, err := m.transition(id, []cluster.TaskStatus{cluster.TaskAssigned}, func(t *cluster.Task) {
		t.Status = cluster.TaskRunning
		t.StartedAt = at
		after = t.Clone()
	})
	return after, err
}

func (m *MemoryStore) Requeue(id string) (cluster.Task, error) {
	before, err := m.transition(id, []cluster.TaskStatus{cluster.TaskAssigned, cluster.TaskRunning}, func(t *cluster.Task) {
		t.Status = cluster.TaskPending
		t.AssignedNode = ""
		t.StartedAt = time.Time{}
	})
	if err == nil {
		m.stats.requeued.Add(1)
	}
	return before, err
}

func (m *MemoryStore) Complete(id, nodeID string, result json.RawMessage, errMsg string, at time.Time) (cluster.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.active[id]
	if !ok {
		if i := m.findHistory(id); i >= 0 {
			m.stats.ignored.Add(1)
			return m.history[i].Clone(), false, nil
		}
		return cluster.Task{}, false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	stale := t.Status == cluster.TaskPending || (nodeID != "" && t.AssignedNode != nodeID)
	if stale {
		m.stats.ignored.Add(1)
		return t.Clone(), false, nil
	}

	if t.StartedAt.IsZero() {
		t.StartedAt = at
	}
	t.CompletedAt = at
	t.ExecutionTime = at.Sub(t.StartedAt).Seconds()
	t.Result = append(json.RawMessage(nil), result...)
	t.ErrorMessage = errMsg
	if errMsg != "" {
		t.Status = cluster.TaskFailed
		m.stats.failed.Add(1)
	} else {
		t.Status = cluster.TaskCompleted
		m.stats.completed.Add(1)
	}

	delete(m.active, id)
	delete(m.seq, id)
	m.history = append(m.history, *t)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	return t.Clone(), true, nil
}

// findHistory returns the index of the newest finished task with id, or -1.
// Caller holds m.mu.
func (m *MemoryStore) findHistory(id string) int {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) Get(id string) (cluster.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.active[id]; ok {
		return t.Clone(), true
	}
	if i := m.findHistory(id); i >= 0 {
		return m.history[i].Clone(), true
	}
	return cluster.Task{}, false
}

func (m *MemoryStore) Pending() []cluster.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cluster.Task
	for _, t := range m.active {
		if t.Status == cluster.TaskPending {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func (m *MemoryStore) RunningOn(node string) []cluster.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cluster.Task
	for _, t := range m.active {
		if t.AssignedNode == node && (t.Status == cluster.TaskAssigned || t.Status == cluster.TaskRunning) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] < m.seq[out[j].ID] })
	return out
}

func (m *MemoryStore) Counts() Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c Counts
	for _, t := range m.active {
		switch t.Status {
		case cluster.TaskPending:
			c.Pending++
		case cluster.TaskAssigned:
			c.Assigned++
		case cluster.TaskRunning:
			c.Running++
		}
	}
	for i := range m.history {
		if m.history[i].Status == cluster.TaskFailed {
			c.Failed++
		} else {
			c.Completed++
		}
	}
	return c
}

func (m *MemoryStore) Stats() Stats {
	return Stats{
		Submitted: m.stats.submitted.Load(),
		Completed: m.stats.completed.Load(),
		Failed:    m.stats.failed.Load(),
		Requeued:  m.stats.requeued.Load(),
		Ignored:   m.stats.ignored.Load(),
	}
}
