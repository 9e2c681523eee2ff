// Package cluster holds the types every coordd node shares with its peers:
// node and task descriptors, the RPC messages, and the HTTP/JSON client used
// to send them.
//
// # Overview
//
// coordd has no central coordinator. Every process is a peer that keeps its
// own view of the membership, takes part in leader election and can accept,
// place and execute tasks. This package is the wire contract between those
// peers and is imported by every other internal package.
//
// # Topology
//
//	┌──────────┐  gossip / heartbeat  ┌──────────┐
//	│  node-a  │◄────────────────────►│  node-b  │
//	│ (leader) │                      │          │
//	└────┬─────┘                      └────┬─────┘
//	     │   append_entries / request_vote  │
//	     └──────────────┬───────────────────┘
//	                    ▼
//	              ┌──────────┐
//	              │  node-c  │
//	              └──────────┘
//
// # Core Types
//
// Node: one member as seen locally
//   - Identity (id, address, port) and consensus role
//   - Liveness status: alive, suspect, dead, left
//   - Load counters and declared capabilities used for placement
//
// Task: one unit of work
//   - Opaque JSON payload and result
//   - Typed kind (computation, analysis, generic)
//   - Lifecycle: pending → assigned → running → completed | failed
//
// # Communication Protocol
//
// All peer traffic is HTTP POST (GET for status) with JSON bodies and
// snake_case field names:
//
//	POST /cluster/join              JoinRequest        → JoinResponse
//	POST /cluster/leave             LeaveRequest       → StatusResponse
//	GET  /cluster/status                               → ClusterStatus
//	POST /cluster/heartbeat         HeartbeatRequest   → StatusResponse
//	POST /cluster/gossip            GossipDigest       → GossipDigest
//	POST /tasks/execute             ExecuteRequest     → ExecuteResponse
//	POST /tasks/cancel              CancelRequest      → StatusResponse
//	POST /tasks/complete            CompleteRequest    → StatusResponse
//	POST /consensus/request_vote    RequestVoteRequest → RequestVoteResponse
//	POST /consensus/append_entries  AppendEntriesRequest → AppendEntriesResponse
//
// # Failure Handling
//
// Client bounds every call with a short timeout (DefaultRPCTimeout). A
// non-2xx reply becomes a *StatusError. Callers treat every error as a
// transient peer failure and compensate locally; nothing here retries.
package cluster
