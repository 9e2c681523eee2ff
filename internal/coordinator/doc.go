// Package coordinator is the façade of a coordd node. It wires membership,
// consensus, load balancing and task bookkeeping together, runs the periodic
// duties and serves the HTTP/JSON endpoints peers and clients talk to.
//
// # Overview
//
// Every coordd process runs one Coordinator. There is no central control
// plane: any node accepts task submissions, places them with its own view of
// the cluster and tracks them until the executing node reports back.
//
// # Architecture
//
//	┌───────────────────────────────────────────┐
//	│               COORDINATOR                  │
//	├───────────────────────────────────────────┤
//	│  Membership ── gossip, heartbeats, sweep   │
//	│  Consensus  ── election, leader heartbeat  │
//	│  Balancer   ── candidate filter + strategy │
//	│  Task store ── pending / in flight / done  │
//	│  Executor   ── tasks run on this node      │
//	└───────────────────────────────────────────┘
//
// # Task Flow
//
//	submit ──► pending ──► assigned ──► running ──► completed | failed
//	              ▲            │            │
//	              └────────────┴────────────┘
//	          forward failure, node failure, migration
//
// A submitted task is placed with the balancer and forwarded to the chosen
// node's /tasks/execute. That node runs it asynchronously and posts the
// outcome to the submitter's /tasks/complete. Reports from a node that is no
// longer the assignee are ignored, so a task may execute more than once but
// completes at most once.
//
// # Background Duties
//
//	gossip            every GossipInterval (10s)
//	liveness sweep    every SweepInterval (1s)
//	peer heartbeat    every HeartbeatInterval (1s)
//	leader heartbeat  every HeartbeatInterval, leader only
//	consensus tick    every ConsensusTick (100ms)
//	queue drain       every QueueRetryInterval (5s) and on capacity changes
//	resource sample   every SampleInterval (10s)
//	rebalance         every RebalanceInterval, when enabled
//
// # Failure Handling
//
// When a peer is marked dead or leaves, the tasks placed on it are requeued
// and recorded in the failover history. Losing the leader starts an election
// immediately. Peer RPC failures are logged and compensated locally; none is
// fatal.
package coordinator
