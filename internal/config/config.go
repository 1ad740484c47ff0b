// Package config loads the node configuration from YAML with .env / environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/raft-jobdist/internal/logging"
	"github.com/ChuLiYu/raft-jobdist/internal/methods"
	"github.com/ChuLiYu/raft-jobdist/internal/storage/postgres"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendWAL    = "wal"
	BackendPebble = "pebble"
)

// Config represents the complete node configuration
type Config struct {
	Node    NodeConfig     `yaml:"node"`
	Cluster ClusterConfig  `yaml:"cluster"`
	Raft    RaftConfig     `yaml:"raft"`
	Wire    WireConfig     `yaml:"wire"`
	Jobs    JobsConfig     `yaml:"jobs"`
	Storage StorageConfig  `yaml:"storage"`
	Events  EventsConfig   `yaml:"events"`
	Admin   AdminConfig    `yaml:"admin"`
	Worker  WorkerConfig   `yaml:"worker"`
	Log     logging.Config `yaml:"log"`
}

// NodeConfig identifies this node
type NodeConfig struct {
	ID      string `yaml:"id"`
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig is the static membership, NodeID -> address, including this node
type ClusterConfig struct {
	Peers map[string]string `yaml:"peers"`
}

// RaftConfig holds consensus timing
type RaftConfig struct {
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	MaxAppendEntries  int           `yaml:"max_append_entries"`
}

// WireConfig holds transport limits
type WireConfig struct {
	MaxFrameSize     uint32        `yaml:"max_frame_size"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// JobsConfig holds job lifecycle settings
type JobsConfig struct {
	RetryLimit         int                  `yaml:"retry_limit"`
	LeaseDuration      time.Duration        `yaml:"lease_duration"`
	LeaseCheckInterval time.Duration        `yaml:"lease_check_interval"`
	RequeueExpired     bool                 `yaml:"requeue_expired"`
	ApplyTimeout       time.Duration        `yaml:"apply_timeout"`
	Methods            []methods.Descriptor `yaml:"methods"`
	// CrawlBelow starts a crawl round when fewer spider jobs are pending; 0 disables.
	CrawlBelow int `yaml:"crawl_below"`
}

// StorageConfig selects the log store and projections
type StorageConfig struct {
	Backend          string          `yaml:"backend"`
	NoSync           bool            `yaml:"no_sync"`
	SnapshotInterval time.Duration   `yaml:"snapshot_interval"`
	SnapshotBackups  int             `yaml:"snapshot_backups"`
	JobIndex         bool            `yaml:"job_index"` // pebble backend only
	Postgres         postgres.Config `yaml:"postgres"`
}

// EventsConfig holds the lifecycle event publisher settings; empty URL disables it
type EventsConfig struct {
	AMQPURL    string `yaml:"amqp_url"`
	Exchange   string `yaml:"exchange"`
	BufferSize int    `yaml:"buffer_size"`
}

// AdminConfig holds the HTTP admin and gRPC health listeners; empty disables each
type AdminConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	GRPCHealthAddr string `yaml:"grpc_health_addr"`
}

// WorkerConfig runs a worker agent inside the node process; Concurrency 0 disables it.
// The same settings are used by the standalone worker command.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	CrawlSeeds        []string      `yaml:"crawl_seeds"` // pages crawl jobs read links from
}

// Default returns a single-node configuration
func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: "n1", Listen: "127.0.0.1:7000", DataDir: "data"},
		Raft: RaftConfig{
			ElectionTimeout:   300 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			MaxAppendEntries:  256,
		},
		Wire: WireConfig{
			MaxFrameSize:     16 << 20,
			DialTimeout:      time.Second,
			WriteTimeout:     5 * time.Second,
			ReconnectInitial: 50 * time.Millisecond,
			ReconnectMax:     2 * time.Second,
		},
		Jobs: JobsConfig{
			RetryLimit:         3,
			LeaseDuration:      30 * time.Second,
			LeaseCheckInterval: time.Second,
			ApplyTimeout:       5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:          BackendWAL,
			SnapshotInterval: 30 * time.Second,
			SnapshotBackups:  2,
		},
		Events: EventsConfig{Exchange: "jobdist.events", BufferSize: 1024},
		Worker: WorkerConfig{PollInterval: 500 * time.Millisecond, HeartbeatInterval: 5 * time.Second},
		Log:    logging.Config{Level: "info", Format: "console"},
	}
}

// Load reads the YAML file over Default(), then applies environment overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies overrides:
//
//	JOBDIST_NODE_ID, JOBDIST_LISTEN, JOBDIST_DATA_DIR, JOBDIST_LOG_LEVEL,
//	JOBDIST_POSTGRES_DSN, JOBDIST_AMQP_URL, JOBDIST_RETRY_LIMIT
//	IP     own listen address (host:port)
//	SEEDS  comma separated id=host:port cluster members
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Node.ID, "JOBDIST_NODE_ID")
	set(&c.Node.Listen, "JOBDIST_LISTEN")
	set(&c.Node.Listen, "IP")
	set(&c.Node.DataDir, "JOBDIST_DATA_DIR")
	set(&c.Log.Level, "JOBDIST_LOG_LEVEL")
	set(&c.Storage.Postgres.DSN, "JOBDIST_POSTGRES_DSN")
	set(&c.Events.AMQPURL, "JOBDIST_AMQP_URL")

	if v := getenv("JOBDIST_RETRY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JOBDIST_RETRY_LIMIT %q: %w", v, err)
		}
		c.Jobs.RetryLimit = n
	}

	if v := getenv("SEEDS"); v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			return err
		}
		c.Cluster.Peers = peers
	}
	return nil
}

// ParsePeers parses "id=host:port,id2=host:port".
func ParsePeers(s string) (map[string]string, error) {
	peers := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q (want id=host:port)", part)
		}
		peers[id] = addr
	}
	return peers, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, _, err := net.SplitHostPort(c.Node.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Node.Listen, err)
	}
	if len(c.Cluster.Peers) == 0 {
		c.Cluster.Peers = map[string]string{c.Node.ID: c.Node.Listen}
	}
	if _, ok := c.Cluster.Peers[c.Node.ID]; !ok {
		return fmt.Errorf("cluster peers must include this node %q", c.Node.ID)
	}
	for id, addr := range c.Cluster.Peers {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid address for peer %s: %w", id, err)
		}
	}

	if c.Raft.ElectionTimeout <= 0 {
		return fmt.Errorf("raft election_timeout must be greater than 0")
	}
	if c.Raft.HeartbeatInterval <= 0 || c.Raft.HeartbeatInterval >= c.Raft.ElectionTimeout {
		return fmt.Errorf("raft heartbeat_interval must be greater than 0 and below election_timeout")
	}
	if c.Wire.MaxFrameSize < 1024 {
		return fmt.Errorf("wire max_frame_size must be at least 1024")
	}
	if c.Jobs.RetryLimit < 0 {
		return fmt.Errorf("jobs retry_limit must not be negative")
	}
	if c.Jobs.LeaseDuration <= 0 {
		return fmt.Errorf("jobs lease_duration must be greater than 0")
	}
	if c.Jobs.LeaseCheckInterval <= 0 {
		return fmt.Errorf("jobs lease_check_interval must be greater than 0")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendWAL, BackendPebble:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendMemory && c.Node.DataDir == "" {
		return fmt.Errorf("node data_dir is required for the %s backend", c.Storage.Backend)
	}
	if c.Storage.JobIndex && c.Storage.Backend != BackendPebble {
		return fmt.Errorf("storage job_index requires the pebble backend")
	}
	if c.Jobs.CrawlBelow < 0 {
		return fmt.Errorf("jobs crawl_below must not be negative")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker concurrency must not be negative")
	}
	if c.Worker.Concurrency > 0 && c.Worker.HeartbeatInterval >= c.Jobs.LeaseDuration {
		return fmt.Errorf("worker heartbeat_interval must be below jobs lease_duration")
	}
	if c.Events.AMQPURL != "" && c.Events.Exchange == "" {
		return fmt.Errorf("events exchange is required when amqp_url is set")
	}
	return nil
}

// Peers returns the cluster members other than this node.
func (c *Config) Peers() map[string]string {
	out := make(map[string]string, len(c.Cluster.Peers))
	for id, addr := range c.Cluster.Peers {
		if id != c.Node.ID {
			out[id] = addr
		}
	}
	return out
}
