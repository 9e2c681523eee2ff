package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dreamware/coordd/internal/cluster"
)

var (
	statusJSON  bool
	statusNodes bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cluster as seen by a node",
	Long: `Show the cluster summary reported by the node at --addr.

Examples:
  coordd status --addr=127.0.0.1:8002
  coordd status --nodes`,
	RunE: runStatus,
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Redistribute running tasks away from overloaded nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := cluster.NewClient(clientTimeout).Rebalance(cmd.Context(), nodeAddr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "redistributed %d tasks\n", resp.Redistributed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, rebalanceCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw JSON")
	statusCmd.Flags().BoolVar(&statusNodes, "nodes", false, "List every known node")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := cluster.NewClient(clientTimeout)
	out := cmd.OutOrStdout()

	if statusNodes {
		nodes, err := client.Nodes(cmd.Context(), nodeAddr)
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(out, nodes)
		}
		printNodes(out, nodes)
		return nil
	}

	st, err := client.Status(cmd.Context(), nodeAddr)
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(out, st)
	}
	printStatus(out, st)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st cluster.ClusterStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "node\t%s (%s)\n", st.NodeID, st.Role)
	fmt.Fprintf(tw, "leader\t%s\n", orNone(st.Leader))
	fmt.Fprintf(tw, "term\t%d\n", st.Term)
	fmt.Fprintf(tw, "nodes\t%d healthy of %d\n", st.HealthyNodes, st.ClusterSize)
	fmt.Fprintf(tw, "average load\t%.2f\n", st.AverageLoad)
	fmt.Fprintf(tw, "tasks\t%d pending, %d running, %d processed\n", st.PendingTasks, st.RunningTasks, st.TotalTasksProcessed)
	fmt.Fprintf(tw, "regions\t%v\n", st.Regions)
	_ = tw.Flush()
}

func printNodes(w io.Writer, nodes []cluster.Node) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tROLE\tSTATUS\tLOAD\tREGION\tCAPABILITIES")
	for i := range nodes {
		n := &nodes[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%v\n",
			n.ID, orNone(n.Addr()), n.Role, n.Status, n.ActiveTasks, n.MaxConcurrentTasks, orNone(n.Region), n.Capabilities)
	}
	_ = tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
