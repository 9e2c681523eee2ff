package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/coordd/internal/cluster"
)

const clientTimeout = 5 * time.Second

var submitOpts struct {
	taskID       string
	taskType     string
	payload      string
	capabilities []string
	regions      []string
	priority     int
	timeout      int
	wait         time.Duration
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the cluster",
	Long: `Submit a task through the node at --addr and print its id.

With --wait the command polls until the task finishes and prints the result.

Examples:
  coordd submit --type=computation --payload='{"n":1000}'
  coordd submit --type=analysis --require=analysis --wait=30s`,
	RunE: runSubmit,
}

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show a task submitted through --addr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := cluster.NewClient(clientTimeout).TaskStatus(cmd.Context(), nodeAddr, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), task)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, taskCmd)

	f := submitCmd.Flags()
	f.StringVar(&submitOpts.taskID, "id", "", "Task id (generated when empty)")
	f.StringVarP(&submitOpts.taskType, "type", "t", string(cluster.TaskGeneric), "Task type: computation, analysis, generic")
	f.StringVarP(&submitOpts.payload, "payload", "p", "", "JSON payload")
	f.StringSliceVar(&submitOpts.capabilities, "require", nil, "Required node capabilities (comma-separated)")
	f.StringSliceVar(&submitOpts.regions, "regions", nil, "Preferred regions (comma-separated)")
	f.IntVar(&submitOpts.priority, "priority", cluster.MinPriority, "Priority from 1 (lowest) to 10")
	f.IntVar(&submitOpts.timeout, "timeout", cluster.DefaultMaxExecutionTime, "Maximum execution time in seconds")
	f.DurationVar(&submitOpts.wait, "wait", 0, "Wait up to this long for the task to finish")
}

func buildTask() (cluster.Task, error) {
	task := cluster.Task{
		ID:                   submitOpts.taskID,
		Type:                 cluster.TaskType(submitOpts.taskType),
		RequiredCapabilities: submitOpts.capabilities,
		PreferredRegions:     submitOpts.regions,
		Priority:             submitOpts.priority,
		MaxExecutionTime:     submitOpts.timeout,
	}
	if submitOpts.payload != "" {
		if !json.Valid([]byte(submitOpts.payload)) {
			return task, fmt.Errorf("payload is not valid JSON")
		}
		task.Payload = json.RawMessage(submitOpts.payload)
	}
	return task, task.Normalize()
}

func runSubmit(cmd *cobra.Command, args []string) error {
	task, err := buildTask()
	if err != nil {
		return err
	}
	client := cluster.NewClient(clientTimeout)
	out := cmd.OutOrStdout()

	resp, err := client.Submit(cmd.Context(), nodeAddr, task)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "task %s %s\n", resp.TaskID, resp.Status)
	if submitOpts.wait <= 0 {
		return nil
	}

	deadline := time.Now().Add(submitOpts.wait)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
		got, err := client.TaskStatus(cmd.Context(), nodeAddr, resp.TaskID)
		if err != nil {
			return err
		}
		if got.Status.Terminal() {
			return printJSON(out, got)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("task %s still %s after %s", got.ID, got.Status, submitOpts.wait)
		}
	}
}
