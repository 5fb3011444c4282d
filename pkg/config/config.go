// Package config holds the cluster- and node-level configuration recognized
// by Cluster.AddNode, loadable from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// ClusterConfig is the top-level configuration for a Cluster.
type ClusterConfig struct {
	// Driver is the name of the registered driver. Kept for YAML
	// ergonomics; the actual ConnectionConstructor is always supplied to
	// NewCluster as an injected factory, never resolved from a global
	// registry (see pkg/driver).
	Driver string `yaml:"driver" json:"driver"`

	// RequestTTL is the default duration a ConnectionRequest may wait
	// before it is aborted with ErrCodeRequestTimeout.
	RequestTTL time.Duration `yaml:"request_ttl" json:"request_ttl"`

	// Logging controls the cluster-wide default logger.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Nodes lists the hosts to add on startup. Callers may instead call
	// Cluster.AddNode programmatically.
	Nodes []NodeConfig `yaml:"nodes" json:"nodes"`
}

// LoggingConfig controls the default logger's verbosity and format.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// NodeConfig is the configuration recognized by Cluster.AddNode: driver
// credentials plus tuning.
type NodeConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Pass     string `yaml:"pass" json:"pass"`
	Database string `yaml:"database" json:"database"`
	Schema   string `yaml:"schema" json:"schema"`

	// Pools lists the pool names this node serves. Defaults to
	// ["read", "write", "master"] when empty.
	Pools []string `yaml:"pools" json:"pools"`

	// MaxConnections bounds count + creatingCount. Defaults to 50.
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// ThrottleTime is the initial throttle backoff in milliseconds.
	// Defaults to 10.
	ThrottleTime int `yaml:"throttle_time" json:"throttle_time"`

	// ErrorCheckInterval is the minimum time between health probes, in
	// milliseconds. Defaults to 30000.
	ErrorCheckInterval int `yaml:"error_check_interval" json:"error_check_interval"`

	// ErrorCheckTimeout is the health probe deadline, in milliseconds.
	// Defaults to 30000.
	ErrorCheckTimeout int `yaml:"error_check_timeout" json:"error_check_timeout"`
}

const (
	defaultMaxConnections      = 50
	defaultThrottleTime        = 10
	defaultErrorCheckInterval  = 30000
	defaultErrorCheckTimeout   = 30000
	defaultRequestTTL          = 30 * time.Second
)

var defaultPools = []string{"read", "write", "master"}

// DefaultClusterConfig returns a ClusterConfig with every field at its
// documented default.
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		RequestTTL: defaultRequestTTL,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyDefaults fills zero-valued fields of a NodeConfig with their
// documented defaults. Safe to call more than once.
func (c *NodeConfig) ApplyDefaults() {
	if len(c.Pools) == 0 {
		c.Pools = append([]string(nil), defaultPools...)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.ThrottleTime == 0 {
		c.ThrottleTime = defaultThrottleTime
	}
	if c.ErrorCheckInterval == 0 {
		c.ErrorCheckInterval = defaultErrorCheckInterval
	}
	if c.ErrorCheckTimeout == 0 {
		c.ErrorCheckTimeout = defaultErrorCheckTimeout
	}
}

// Validate reports whether the node configuration is usable.
func (c *NodeConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("node config: host is required")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("node config: max_connections must be >= 0")
	}
	return nil
}

// Fingerprint returns a short, non-reversible hash of the node's connection
// identity (host, port, user, database) for use in log lines, so Pass is
// never written to a log.
func (c *NodeConfig) Fingerprint() string {
	material := fmt.Sprintf("%s:%d:%s:%s", c.Host, c.Port, c.User, c.Database)
	sum := blake2b.Sum256([]byte(material))
	return fmt.Sprintf("%x", sum[:6])
}

// Load reads and parses a YAML cluster configuration file, then applies
// environment variable overrides.
func Load(filename string) (*ClusterConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultClusterConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range cfg.Nodes {
		cfg.Nodes[i].ApplyDefaults()
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// loadFromEnv overrides select fields from environment variables.
func (c *ClusterConfig) loadFromEnv() {
	if level := os.Getenv("DBCLUSTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if driver := os.Getenv("DBCLUSTER_DRIVER"); driver != "" {
		c.Driver = driver
	}
}
