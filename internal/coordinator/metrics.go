package coordinator

import (
	"net/http"

	"github.com/dreamware/coordd/internal/balancer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are the Prometheus collectors of one coordinator. Each coordinator
// owns its registry so several can live in one process (tests).
type metrics struct {
	registry          *prometheus.Registry
	tasksSubmitted    prometheus.Counter
	tasksProcessed    prometheus.Counter
	tasksFailed       prometheus.Counter
	tasksRequeued     prometheus.Counter
	tasksMigrated     prometheus.Counter
	leadershipChanges prometheus.Counter
	nodeFailures      prometheus.Counter
	assignFailures    prometheus.Counter
	nodes             *prometheus.GaugeVec
	pendingTasks      prometheus.Gauge
	runningTasks      prometheus.Gauge
	term              prometheus.Gauge
	cpuUsage          prometheus.Gauge
	memoryUsage       prometheus.Gauge
}

func newMetrics(nodeID string) *metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coordd", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordd", Name: name, Help: help, ConstLabels: labels,
		})
	}

	m := &metrics{
		registry:          prometheus.NewRegistry(),
		tasksSubmitted:    counter("tasks_submitted_total", "Tasks accepted by this node."),
		tasksProcessed:    counter("tasks_processed_total", "Tasks submitted here that completed successfully."),
		tasksFailed:       counter("tasks_failed_total", "Tasks submitted here that finished with an error."),
		tasksRequeued:     counter("tasks_requeued_total", "Tasks returned to the pending queue."),
		tasksMigrated:     counter("tasks_migrated_total", "Tasks moved by load redistribution."),
		leadershipChanges: counter("leadership_changes_total", "Times this node became leader."),
		nodeFailures:      counter("node_failures_total", "Peers observed dead or leaving."),
		assignFailures:    counter("assign_failures_total", "Forwarding attempts that failed."),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coordd", Name: "cluster_nodes", Help: "Known nodes by liveness status.", ConstLabels: labels,
		}, []string{"status"}),
		pendingTasks: gauge("pending_tasks", "Tasks waiting for placement."),
		runningTasks: gauge("running_tasks", "Tasks assigned or running."),
		term:         gauge("consensus_term", "Current consensus term."),
		cpuUsage:     gauge("cpu_usage_percent", "Host CPU utilization."),
		memoryUsage:  gauge("memory_usage_percent", "Host memory utilization."),
	}
	m.registry.MustRegister(
		m.tasksSubmitted, m.tasksProcessed, m.tasksFailed, m.tasksRequeued, m.tasksMigrated,
		m.leadershipChanges, m.nodeFailures, m.assignFailures,
		m.nodes, m.pendingTasks, m.runningTasks, m.term, m.cpuUsage, m.memoryUsage,
	)
	return m
}

// watchBalancer exports the placement counters kept by b.
func (m *metrics) watchBalancer(nodeID string, b *balancer.Balancer) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: "coordd", Subsystem: "balancer", Name: name, Help: help,
			ConstLabels: prometheus.Labels{"node_id": nodeID, "strategy": b.Strategy().String()},
		}
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(opts("requests_total", "Placement requests for newly submitted tasks; queue retries are not counted."),
			func() float64 { return float64(b.Metrics().TotalRequests) }),
		prometheus.NewCounterFunc(opts("selections_total", "First placement attempts that found a node."),
			func() float64 { return float64(b.Metrics().Successful) }),
		prometheus.NewCounterFunc(opts("no_candidate_total", "First placement attempts with no eligible node."),
			func() float64 { return float64(b.Metrics().Failed) }),
	)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
