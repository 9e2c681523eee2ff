package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/config"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "COORDD_TEST_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "COORDD_UNSET_VAR",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			assert.Equal(t, tt.expected, getenv(tt.key, tt.def))
		})
	}
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Nil(t, splitCSV(" , ,"))
	assert.Equal(t, []string{"a:1", "b:2"}, splitCSV("a:1, b:2,"))
}

func newStartFlags(t *testing.T, args ...string) (*pflag.FlagSet, *startOptions) {
	t.Helper()
	o := &startOptions{}
	f := pflag.NewFlagSet("start", pflag.ContinueOnError)
	registerStartFlags(f, o)
	require.NoError(t, f.Parse(args))
	return f, o
}

func TestBuildConfigDefaults(t *testing.T) {
	f, o := newStartFlags(t)
	cfg, err := buildConfig(f, o)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, config.DefaultBindAddr, cfg.BindAddr)
	assert.Equal(t, config.DefaultStrategy, cfg.Strategy)
	assert.Equal(t, cluster.DefaultMaxConcurrentTasks, cfg.MaxConcurrentTasks)
	assert.Empty(t, cfg.Seeds)
	assert.Zero(t, cfg.RebalanceInterval)
}

func TestBuildConfigFlags(t *testing.T) {
	f, o := newStartFlags(t,
		"--node-id=n1", "--bind=127.0.0.1:9100", "--seeds=10.0.0.1:8002,10.0.0.2:8002",
		"--capabilities=gpu,analysis", "--observer", "--rebalance-interval=30s", "--latitude=52.5")
	cfg, err := buildConfig(f, o)
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, "127.0.0.1:9100", cfg.BindAddr)
	assert.Equal(t, []string{"10.0.0.1:8002", "10.0.0.2:8002"}, cfg.Seeds)
	assert.Equal(t, []string{"gpu", "analysis"}, cfg.Capabilities)
	assert.True(t, cfg.Observer)
	assert.Equal(t, 30*time.Second, cfg.RebalanceInterval)
	assert.Equal(t, 52.5, cfg.Latitude)
}

func TestBuildConfigEnvironment(t *testing.T) {
	t.Setenv("COORDD_STRATEGY", "random")
	t.Setenv("COORDD_MAX_TASKS", "3")
	t.Setenv("COORDD_SEEDS", "seed-1:8002")

	f, o := newStartFlags(t)
	cfg, err := buildConfig(f, o)
	require.NoError(t, err)

	assert.Equal(t, "random", cfg.Strategy)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, []string{"seed-1:8002"}, cfg.Seeds)
}

func TestBuildConfigProfileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	profile := "region: eu-west\ncapabilities: [gpu]\nmax_concurrent_tasks: 20\n"
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o600))

	f, o := newStartFlags(t, "--profile="+path, "--region=us-east")
	cfg, err := buildConfig(f, o)
	require.NoError(t, err)

	assert.Equal(t, "us-east", cfg.Region, "flag overrides profile")
	assert.Equal(t, []string{"gpu"}, cfg.Capabilities)
	assert.Equal(t, 20, cfg.MaxConcurrentTasks)
}

func TestBuildConfigMissingProfile(t *testing.T) {
	f, o := newStartFlags(t, "--profile="+filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := buildConfig(f, o)
	assert.Error(t, err)
}

func TestBuildTask(t *testing.T) {
	saved := submitOpts
	defer func() { submitOpts = saved }()

	submitOpts.taskType = "analysis"
	submitOpts.payload = `{"dataset":"logs"}`
	submitOpts.capabilities = []string{"analysis"}
	submitOpts.priority = 5
	submitOpts.timeout = 60
	task, err := buildTask()
	require.NoError(t, err)
	assert.Equal(t, cluster.TaskAnalysis, task.Type)
	assert.Equal(t, 5, task.Priority)
	assert.JSONEq(t, `{"dataset":"logs"}`, string(task.Payload))

	submitOpts.payload = "{not json"
	_, err = buildTask()
	assert.Error(t, err)

	submitOpts.payload = ""
	submitOpts.priority = 11
	_, err = buildTask()
	assert.ErrorIs(t, err, cluster.ErrInvalidTask)
}

// fakeNode serves the client endpoints the subcommands use.
func fakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	var submitted cluster.Task
	mux := http.NewServeMux()
	mux.HandleFunc("/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cluster.ClusterStatus{
			NodeID: "a", Leader: "b", Role: cluster.RoleFollower, Term: 7,
			ClusterSize: 3, HealthyNodes: 2, Regions: []string{"eu-west"},
		})
	})
	mux.HandleFunc("/cluster/nodes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]cluster.Node{
			{ID: "a", Address: "127.0.0.1", Port: 8002, Status: cluster.StatusAlive, MaxConcurrentTasks: 10},
		})
	})
	mux.HandleFunc("/cluster/rebalance", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cluster.RebalanceResponse{Redistributed: 2})
	})
	mux.HandleFunc("/tasks/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&submitted)
		_ = json.NewEncoder(w).Encode(cluster.SubmitResponse{TaskID: "t-1", Status: string(cluster.TaskRunning)})
	})
	mux.HandleFunc("/tasks/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(cluster.Task{
			ID: r.URL.Query().Get("task_id"), Type: submitted.Type,
			Status: cluster.TaskCompleted, Result: json.RawMessage(`{"ok":true}`),
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestStatusCommand(t *testing.T) {
	addr := strings.TrimPrefix(fakeNode(t).URL, "http://")

	out := run(t, "status", "--addr", addr)
	assert.Contains(t, out, "leader")
	assert.Contains(t, out, "2 healthy of 3")

	out = run(t, "status", "--addr", addr, "--nodes", "--json")
	var nodes []cluster.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "127.0.0.1:8002", nodes[0].Addr())
	statusNodes, statusJSON = false, false
}

func TestRebalanceCommand(t *testing.T) {
	addr := strings.TrimPrefix(fakeNode(t).URL, "http://")
	assert.Equal(t, "redistributed 2 tasks\n", run(t, "rebalance", "--addr", addr))
}

func TestSubmitCommandWaits(t *testing.T) {
	saved := submitOpts
	defer func() { submitOpts = saved }()
	addr := strings.TrimPrefix(fakeNode(t).URL, "http://")

	out := run(t, "submit", "--addr", addr, "--type=computation", `--payload={"n":1}`, "--wait=5s")
	assert.Contains(t, out, "task t-1 running")

	var task cluster.Task
	require.NoError(t, json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &task))
	assert.Equal(t, "t-1", task.ID)
	assert.Equal(t, cluster.TaskCompleted, task.Status)
	assert.Equal(t, cluster.TaskComputation, task.Type)
}
