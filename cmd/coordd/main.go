// Command coordd runs a self-managing cluster coordination node and offers
// client subcommands to inspect a cluster and submit tasks to it.
package main

import (
	"os"
	"strings"
)

func main() {
	Execute()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma-separated list, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
