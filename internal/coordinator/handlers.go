package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/membership"
	"github.com/dreamware/coordd/internal/taskstore"
)

// Handler returns the HTTP handler serving the peer RPC and client endpoints.
//
// Peer RPC:
//
//	POST /cluster/join              admit a node, reply with the membership
//	POST /cluster/leave             mark a node as left
//	POST /cluster/heartbeat         liveness signal from a peer
//	POST /cluster/gossip            exchange membership digests
//	POST /tasks/execute             run a task here and report back
//	POST /tasks/cancel              advisory cancel of a local execution
//	POST /tasks/complete            completion report from an executor
//	POST /consensus/request_vote    vote request from a candidate
//	POST /consensus/append_entries  leader heartbeat
//
// Clients and operators:
//
//	GET  /cluster/status            cluster summary
//	GET  /cluster/nodes             local membership view
//	GET  /cluster/failovers         recent failover events
//	POST /cluster/rebalance         run load redistribution now
//	POST /tasks/submit              submit a task
//	GET  /tasks/status?task_id=ID   task lookup
//	GET  /health                    liveness probe
//	GET  /metrics                   Prometheus metrics
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cluster/join", c.handleJoin)
	mux.HandleFunc("/cluster/leave", c.handleLeave)
	mux.HandleFunc("/cluster/status", c.handleStatus)
	mux.HandleFunc("/cluster/heartbeat", c.handleHeartbeat)
	mux.HandleFunc("/cluster/gossip", c.handleGossip)
	mux.HandleFunc("/cluster/nodes", c.handleNodes)
	mux.HandleFunc("/cluster/failovers", c.handleFailovers)
	mux.HandleFunc("/cluster/rebalance", c.handleRebalance)
	mux.HandleFunc("/tasks/execute", c.handleExecute)
	mux.HandleFunc("/tasks/cancel", c.handleCancel)
	mux.HandleFunc("/tasks/complete", c.handleComplete)
	mux.HandleFunc("/tasks/submit", c.handleSubmit)
	mux.HandleFunc("/tasks/status", c.handleTaskStatus)
	mux.HandleFunc("/consensus/request_vote", c.handleRequestVote)
	mux.HandleFunc("/consensus/append_entries", c.handleAppendEntries)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
	})
	mux.Handle("/metrics", c.metrics.handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, cluster.StatusResponse{Status: cluster.StatusFailed, Error: msg})
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return false
	}
	return true
}

func onlyGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (c *Coordinator) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req cluster.JoinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.NodeID == "" && req.Node == nil {
		writeError(w, http.StatusBadRequest, "missing node_id")
		return
	}
	n, err := c.members.Admit(req)
	if errors.Is(err, membership.ErrLocalNode) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.log.Infof("node %s joined from %s", n.ID, n.Addr())
	state := c.engine.State()
	writeJSON(w, http.StatusOK, cluster.JoinResponse{
		Nodes:  c.members.Nodes(),
		Leader: state.LeaderID,
		Term:   state.Term,
	})
}

func (c *Coordinator) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req cluster.LeaveRequest
	if !decode(w, r, &req) {
		return
	}
	c.members.MarkLeft(req.NodeID)
	writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, c.ClusterStatus())
}

func (c *Coordinator) handleNodes(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, c.members.Nodes())
}

func (c *Coordinator) handleFailovers(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, c.failovers.list())
}

func (c *Coordinator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if c.members.HeartbeatFrom(req.SenderID, req.Address) {
		c.noteHeartbeat()
	}
	writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
}

func (c *Coordinator) handleGossip(w http.ResponseWriter, r *http.Request) {
	var req cluster.GossipDigest
	if !decode(w, r, &req) {
		return
	}
	c.engine.ObserveTerm(req.Term, req.Leader)
	state := c.engine.State()
	writeJSON(w, http.StatusOK, c.members.Reply(req, state.Term, state.LeaderID))
}

func (c *Coordinator) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, cluster.RebalanceResponse{Redistributed: c.RedistributeLoad(r.Context())})
}

func (c *Coordinator) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req cluster.ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Task.ID == "" {
		writeJSON(w, http.StatusBadRequest, cluster.ExecuteResponse{Status: cluster.StatusFailed, Error: "missing task_id"})
		return
	}
	err := c.startExecution(req.Task, req.OriginID, req.ReplyTo)
	switch {
	case errors.Is(err, cluster.ErrInvalidTask):
		writeJSON(w, http.StatusBadRequest, cluster.ExecuteResponse{Status: cluster.StatusFailed, Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, cluster.ExecuteResponse{Status: cluster.StatusFailed, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, cluster.ExecuteResponse{Status: cluster.StatusSuccess})
	}
}

func (c *Coordinator) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cluster.CancelRequest
	if !decode(w, r, &req) {
		return
	}
	if c.cancelExecution(req.TaskID) {
		c.log.Infof("task %s cancelled by request", req.TaskID)
	}
	writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
}

func (c *Coordinator) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req cluster.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	if _, _, err := c.completeTask(req); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cluster.StatusResponse{Status: cluster.StatusOK})
}

func (c *Coordinator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var task cluster.Task
	if !decode(w, r, &task) {
		return
	}
	stored, err := c.Submit(r.Context(), task)
	switch {
	case errors.Is(err, cluster.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, taskstore.ErrDuplicateTask):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, cluster.SubmitResponse{TaskID: stored.ID, Status: string(stored.Status)})
	}
}

func (c *Coordinator) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if !onlyGet(w, r) {
		return
	}
	id := r.URL.Query().Get("task_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	task, ok := c.TaskStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (c *Coordinator) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req cluster.RequestVoteRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, c.engine.HandleRequestVote(req))
}

func (c *Coordinator) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req cluster.AppendEntriesRequest
	if !decode(w, r, &req) {
		return
	}
	resp := c.engine.HandleAppendEntries(req)
	if resp.Success {
		c.noteHeartbeat()
	}
	writeJSON(w, http.StatusOK, resp)
}
