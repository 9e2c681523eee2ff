// Package config holds the runtime configuration of a coordd node.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/coordd/internal/cluster"
)

const (
	DefaultBindAddr     = ":8002"
	DefaultHistoryLimit = 100
	DefaultStrategy     = "least_loaded"
)

// Config captures node runtime configuration. Zero durations are replaced
// by defaults in Validate.
type Config struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	Seeds         []string

	// Node profile
	Region             string
	Datacenter         string
	Capabilities       []string
	Latitude           float64
	Longitude          float64
	MaxConcurrentTasks int
	Observer           bool

	Strategy     string
	LogLevel     string
	HistoryLimit int

	// Timing
	GossipInterval     time.Duration
	SweepInterval      time.Duration
	HeartbeatInterval  time.Duration
	SuspectAfter       time.Duration
	DeadAfter          time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	ConsensusTick      time.Duration
	QueueRetryInterval time.Duration
	SampleInterval     time.Duration
	RPCTimeout         time.Duration
	RebalanceInterval  time.Duration // 0 disables periodic rebalancing
}

// DefaultConfig returns a config with the standard timings and a generated node id.
func DefaultConfig() *Config {
	return &Config{
		NodeID:             GenerateNodeID(),
		BindAddr:           DefaultBindAddr,
		MaxConcurrentTasks: cluster.DefaultMaxConcurrentTasks,
		Strategy:           DefaultStrategy,
		LogLevel:           "info",
		HistoryLimit:       DefaultHistoryLimit,
		GossipInterval:     10 * time.Second,
		SweepInterval:      time.Second,
		HeartbeatInterval:  time.Second,
		SuspectAfter:       15 * time.Second,
		DeadAfter:          30 * time.Second,
		ElectionTimeoutMin: 5 * time.Second,
		ElectionTimeoutMax: 10 * time.Second,
		ConsensusTick:      100 * time.Millisecond,
		QueueRetryInterval: 5 * time.Second,
		SampleInterval:     10 * time.Second,
		RPCTimeout:         cluster.DefaultRPCTimeout,
	}
}

// GenerateNodeID returns "node-" followed by the first eight hex digits of a random UUID.
func GenerateNodeID() string {
	return "node-" + uuid.NewString()[:8]
}

// Validate finalizes and validates the configuration: it trims Seeds,
// derives AdvertiseAddr from BindAddr and fills zero timings from DefaultConfig.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrNodeIDRequired
	}
	if c.BindAddr == "" {
		return ErrBindAddrRequired
	}
	seeds := c.Seeds[:0]
	for _, p := range c.Seeds {
		if s := strings.TrimSpace(p); s != "" {
			seeds = append(seeds, s)
		}
	}
	c.Seeds = seeds
	if c.AdvertiseAddr == "" {
		addr, err := advertiseFromBind(c.BindAddr)
		if err != nil {
			return err
		}
		c.AdvertiseAddr = addr
	}
	if _, _, err := cluster.ParseHostPort(c.AdvertiseAddr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAdvertiseAddr, err)
	}
	if c.MaxConcurrentTasks <= 0 {
		return ErrInvalidCapacity
	}
	if c.Strategy == "" {
		c.Strategy = DefaultStrategy
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}

	def := DefaultConfig()
	for _, d := range []struct {
		field *time.Duration
		def   time.Duration
	}{
		{&c.GossipInterval, def.GossipInterval},
		{&c.SweepInterval, def.SweepInterval},
		{&c.HeartbeatInterval, def.HeartbeatInterval},
		{&c.SuspectAfter, def.SuspectAfter},
		{&c.DeadAfter, def.DeadAfter},
		{&c.ElectionTimeoutMin, def.ElectionTimeoutMin},
		{&c.ElectionTimeoutMax, def.ElectionTimeoutMax},
		{&c.ConsensusTick, def.ConsensusTick},
		{&c.QueueRetryInterval, def.QueueRetryInterval},
		{&c.SampleInterval, def.SampleInterval},
		{&c.RPCTimeout, def.RPCTimeout},
	} {
		if *d.field < 0 {
			return ErrInvalidInterval
		}
		if *d.field == 0 {
			*d.field = d.def
		}
	}
	if c.RebalanceInterval < 0 {
		return ErrInvalidInterval
	}
	if c.DeadAfter <= c.SuspectAfter {
		return ErrInvalidLivenessWindow
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return ErrInvalidElectionWindow
	}
	return nil
}

// advertiseFromBind maps an unspecified bind host to loopback.
func advertiseFromBind(bind string) (string, error) {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "", fmt.Errorf("%w: bind %q: %v", ErrInvalidAdvertiseAddr, bind, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// LocalNode builds the descriptor this process advertises to its peers.
func (c *Config) LocalNode() (cluster.Node, error) {
	host, port, err := cluster.ParseHostPort(c.AdvertiseAddr)
	if err != nil {
		return cluster.Node{}, err
	}
	role := cluster.RoleFollower
	if c.Observer {
		role = cluster.RoleObserver
	}
	return cluster.Node{
		ID:                 c.NodeID,
		Address:            host,
		Port:               port,
		Role:               role,
		Status:             cluster.StatusAlive,
		Region:             c.Region,
		Datacenter:         c.Datacenter,
		Capabilities:       append([]string(nil), c.Capabilities...),
		Latitude:           c.Latitude,
		Longitude:          c.Longitude,
		MaxConcurrentTasks: c.MaxConcurrentTasks,
	}, nil
}
