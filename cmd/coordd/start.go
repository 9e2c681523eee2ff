package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dreamware/coordd/internal/cluster"
	"github.com/dreamware/coordd/internal/config"
	"github.com/dreamware/coordd/internal/coordinator"
)

// startOptions holds the start command's flag values.
type startOptions struct {
	nodeID            string
	bindAddr          string
	advertiseAddr     string
	profile           string
	region            string
	datacenter        string
	strategy          string
	logLevel          string
	seeds             []string
	capabilities      []string
	latitude          float64
	longitude         float64
	maxTasks          int
	rebalanceInterval time.Duration
	observer          bool
}

var startOpts startOptions

// flagEnv maps flags to the environment variables that preset them.
var flagEnv = map[string]string{
	"node-id":            "COORDD_NODE_ID",
	"bind":               "COORDD_BIND_ADDR",
	"advertise":          "COORDD_ADVERTISE_ADDR",
	"profile":            "COORDD_PROFILE",
	"seeds":              "COORDD_SEEDS",
	"region":             "COORDD_REGION",
	"datacenter":         "COORDD_DATACENTER",
	"capabilities":       "COORDD_CAPABILITIES",
	"latitude":           "COORDD_LATITUDE",
	"longitude":          "COORDD_LONGITUDE",
	"max-tasks":          "COORDD_MAX_TASKS",
	"observer":           "COORDD_OBSERVER",
	"strategy":           "COORDD_STRATEGY",
	"log-level":          "COORDD_LOG_LEVEL",
	"rebalance-interval": "COORDD_REBALANCE_INTERVAL",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a coordd node",
	Long: `Start a coordd node and serve its HTTP API until interrupted.

Every flag can also be set through the environment variable shown in its
help text. A YAML profile (--profile) is applied first; flags and
environment variables override it.

Examples:
  # Start the first node of a cluster
  coordd start --node-id=node-1 --bind=:8002

  # Join it from a second node with a capability
  coordd start --node-id=node-2 --bind=:8003 --seeds=127.0.0.1:8002 --capabilities=analysis`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	registerStartFlags(startCmd.Flags(), &startOpts)
}

// registerStartFlags binds the start flags on f to o, preset from the environment.
func registerStartFlags(f *pflag.FlagSet, o *startOptions) {
	f.StringVarP(&o.nodeID, "node-id", "n", getenv("COORDD_NODE_ID", ""), "Unique node identifier (generated when empty)")
	f.StringVarP(&o.bindAddr, "bind", "b", getenv("COORDD_BIND_ADDR", config.DefaultBindAddr), "Address to serve the HTTP API on")
	f.StringVar(&o.advertiseAddr, "advertise", getenv("COORDD_ADVERTISE_ADDR", ""), "host:port peers use to reach this node (derived from --bind when empty)")
	f.StringVar(&o.profile, "profile", getenv("COORDD_PROFILE", ""), "YAML node profile file")
	f.StringSliceVarP(&o.seeds, "seeds", "s", splitCSV(getenv("COORDD_SEEDS", "")), "Seed node addresses to join through (comma-separated)")
	f.StringVar(&o.region, "region", getenv("COORDD_REGION", ""), "Region label")
	f.StringVar(&o.datacenter, "datacenter", getenv("COORDD_DATACENTER", ""), "Datacenter label")
	f.StringSliceVar(&o.capabilities, "capabilities", splitCSV(getenv("COORDD_CAPABILITIES", "")), "Capabilities this node offers (comma-separated)")
	f.Float64Var(&o.latitude, "latitude", envFloat("COORDD_LATITUDE"), "Node latitude for geographic placement")
	f.Float64Var(&o.longitude, "longitude", envFloat("COORDD_LONGITUDE"), "Node longitude for geographic placement")
	f.IntVar(&o.maxTasks, "max-tasks", envInt("COORDD_MAX_TASKS", cluster.DefaultMaxConcurrentTasks), "Maximum concurrent tasks")
	f.BoolVar(&o.observer, "observer", getenv("COORDD_OBSERVER", "") == "true", "Vote and follow but never stand for election")
	f.StringVar(&o.strategy, "strategy", getenv("COORDD_STRATEGY", config.DefaultStrategy), "Placement strategy: least_loaded, round_robin, geographic, least_latency, random")
	f.StringVar(&o.logLevel, "log-level", getenv("COORDD_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	f.DurationVar(&o.rebalanceInterval, "rebalance-interval", envDuration("COORDD_REBALANCE_INTERVAL"), "Periodic load redistribution interval (0 disables)")

	for name, env := range flagEnv {
		if fl := f.Lookup(name); fl != nil {
			fl.Usage += " [$" + env + "]"
		}
	}
}

func envFloat(k string) float64 {
	v, _ := strconv.ParseFloat(getenv(k, "0"), 64)
	return v
}

func envInt(k string, def int) int {
	v, err := strconv.Atoi(getenv(k, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

func envDuration(k string) time.Duration {
	v, _ := time.ParseDuration(getenv(k, "0s"))
	return v
}

// explicit reports whether a flag was given on the command line or through
// its environment variable.
func explicit(f *pflag.FlagSet, name string) bool {
	return f.Changed(name) || os.Getenv(flagEnv[name]) != ""
}

// buildConfig layers defaults, the optional profile and explicit flags.
func buildConfig(f *pflag.FlagSet, o *startOptions) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.profile != "" {
		if err := cfg.LoadProfile(o.profile); err != nil {
			return nil, err
		}
	}

	if explicit(f, "node-id") && o.nodeID != "" {
		cfg.NodeID = o.nodeID
	}
	if explicit(f, "bind") {
		cfg.BindAddr = o.bindAddr
	}
	if explicit(f, "advertise") {
		cfg.AdvertiseAddr = o.advertiseAddr
	}
	if explicit(f, "seeds") {
		cfg.Seeds = o.seeds
	}
	if explicit(f, "region") {
		cfg.Region = o.region
	}
	if explicit(f, "datacenter") {
		cfg.Datacenter = o.datacenter
	}
	if explicit(f, "capabilities") {
		cfg.Capabilities = o.capabilities
	}
	if explicit(f, "latitude") {
		cfg.Latitude = o.latitude
	}
	if explicit(f, "longitude") {
		cfg.Longitude = o.longitude
	}
	if explicit(f, "max-tasks") {
		cfg.MaxConcurrentTasks = o.maxTasks
	}
	if explicit(f, "observer") {
		cfg.Observer = o.observer
	}
	if explicit(f, "strategy") {
		cfg.Strategy = o.strategy
	}
	if explicit(f, "log-level") {
		cfg.LogLevel = o.logLevel
	}
	if explicit(f, "rebalance-interval") {
		cfg.RebalanceInterval = o.rebalanceInterval
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd.Flags(), &startOpts)
	if err != nil {
		return err
	}
	c, err := coordinator.New(cfg)
	if err != nil {
		return err
	}

	// Listen before joining so peers can reach us as soon as we are admitted.
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("node %s listening on %s", cfg.NodeID, ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := c.Start(cmd.Context()); err != nil {
		_ = httpSrv.Close()
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err = <-serveErr:
		log.Printf("serve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Stop(ctx)
	_ = httpSrv.Shutdown(ctx)
	log.Printf("node %s stopped", cfg.NodeID)
	return err
}
