package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coordd",
	Short: "Self-managing cluster coordination node",
	Long: `coordd nodes form a peer-to-peer cluster: they track membership with
gossip and heartbeats, elect a leader, and place submitted tasks on the
best available node.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// nodeAddr is the node the client subcommands talk to.
var nodeAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeAddr, "addr", getenv("COORDD_ADDR", "127.0.0.1:8002"),
		"host:port of the node to query (client commands)")
}
