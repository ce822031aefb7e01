// Package config provides configuration management for clustermir nodes and clients.
//
// The package supports configuration through multiple sources with the following precedence:
//  1. Command-line flags or programmatic values (highest priority)
//  2. Environment variables
//  3. A YAML configuration file
//  4. Default values (lowest priority)
//
// Example client usage:
//
//	cfg, err := config.LoadClientConfigFile("clustermir.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cfg.Seeds = []string{"10.0.0.1:7000"}
//	c, err := client.New(cfg)
//
// A client YAML file looks like:
//
//	seeds: ["10.0.0.1:7000", "10.0.0.2:7000"]
//	max_conns_per_node: 16
//	request_timeout: 2s
//	random_policy: any-for-reads
//	read_from: prefer-replica
//	zookeeper:
//	  servers: ["zk1:2181"]
//	  root: /clustermir
//	log:
//	  level: debug
//	  json: true
//
// Environment variables are prefixed with "CACHEMIR_" and use uppercase names.
// For example, the seed list can be set with CACHEMIR_SEEDS=10.0.0.1:7000,10.0.0.2:7000.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Default configuration constants
const (
	DefaultServerPort       = 7000
	DefaultShards           = 3
	DefaultReplicasPerShard = 1
	DefaultMaxConnsPerNode  = 10
	DefaultConnTimeout      = 5 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultRequestTimeout   = 5 * time.Second
	DefaultMaxFanOut        = 64
	DefaultZooKeeperRoot    = "/clustermir"
	DefaultNATSSubject      = "clustermir.topology"

	envPrefix = "CACHEMIR_"
)

// RandomNode selection policies.
const (
	// RandomPrimaries sends every randomly routed command to a primary.
	RandomPrimaries = "primaries"
	// RandomAnyForReads lets read-only randomly routed commands land on replicas.
	RandomAnyForReads = "any-for-reads"
)

// Read routing for single-slot read-only commands.
const (
	ReadFromPrimary       = "primary"
	ReadFromPreferReplica = "prefer-replica"
)

// ZooKeeperConfig points at the ensemble used for seed discovery and node registration.
type ZooKeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

// Enabled reports whether any ZooKeeper server is configured.
func (z ZooKeeperConfig) Enabled() bool { return len(z.Servers) > 0 }

// NATSConfig configures the topology change subscription.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Enabled reports whether a NATS URL is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig holds the configuration of a local cluster started by cmd/server.
// Shards primaries are started on consecutive ports from Port, followed by
// ReplicasPerShard replicas for each of them.
type ServerConfig struct {
	Host             string          `yaml:"host"`               // Host address to bind to (default: "127.0.0.1")
	Port             int             `yaml:"port"`               // First TCP port (default: 7000)
	Shards           int             `yaml:"shards"`             // Number of shards (default: 3)
	ReplicasPerShard int             `yaml:"replicas_per_shard"` // Replicas per shard (default: 1)
	LogLevel         string          `yaml:"log_level"`          // debug, info, warn, error (default: "info")
	ZooKeeper        ZooKeeperConfig `yaml:"zookeeper"`          // Optional node registration
}

// ClientConfig holds all configuration options for a cluster client.
type ClientConfig struct {
	Seeds           []string        `yaml:"seeds"`              // Addresses used to discover the topology
	MaxConnsPerNode int             `yaml:"max_conns_per_node"` // Max pooled connections per node (default: 10)
	ConnTimeout     time.Duration   `yaml:"conn_timeout"`       // Dial timeout (default: 5s)
	ReadTimeout     time.Duration   `yaml:"read_timeout"`       // Per-reply read timeout (default: 30s)
	WriteTimeout    time.Duration   `yaml:"write_timeout"`      // Per-command write timeout (default: 10s)
	RequestTimeout  time.Duration   `yaml:"request_timeout"`    // Overall deadline of a logical call (default: 5s)
	MaxFanOut       int             `yaml:"max_fan_out"`        // Concurrent sub-calls per logical call (default: 64)
	RandomPolicy    string          `yaml:"random_policy"`      // primaries | any-for-reads
	ReadFrom        string          `yaml:"read_from"`          // primary | prefer-replica
	RefreshInterval time.Duration   `yaml:"refresh_interval"`   // Periodic topology refresh, 0 disables
	ZooKeeper       ZooKeeperConfig `yaml:"zookeeper"`
	NATS            NATSConfig      `yaml:"nats"`
	Log             LogConfig       `yaml:"log"`
}

// DefaultServerConfig returns a ServerConfig filled with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:             "127.0.0.1",
		Port:             DefaultServerPort,
		Shards:           DefaultShards,
		ReplicasPerShard: DefaultReplicasPerShard,
		LogLevel:         "info",
		ZooKeeper:        ZooKeeperConfig{Root: DefaultZooKeeperRoot},
	}
}

// DefaultClientConfig returns a ClientConfig filled with default values.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Seeds:           []string{fmt.Sprintf("127.0.0.1:%d", DefaultServerPort)},
		MaxConnsPerNode: DefaultMaxConnsPerNode,
		ConnTimeout:     DefaultConnTimeout,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		MaxFanOut:       DefaultMaxFanOut,
		RandomPolicy:    RandomPrimaries,
		ReadFrom:        ReadFromPrimary,
		ZooKeeper:       ZooKeeperConfig{Root: DefaultZooKeeperRoot},
		NATS:            NATSConfig{Subject: DefaultNATSSubject},
		Log:             LogConfig{Level: "info"},
	}
}

// LoadServerConfig builds a ServerConfig from defaults, an optional YAML file
// (-config), CACHEMIR_* environment variables and finally the command-line
// flags in args that were explicitly set.
//
// Command-line flags:
//
//	-config: YAML file
//	-host: Bind host (default: "127.0.0.1")
//	-port: First port (default: 7000)
//	-shards: Number of shards (default: 3)
//	-replicas: Replicas per shard (default: 1)
//	-log-level: Log level (default: "info")
//	-zk: Comma-separated ZooKeeper servers
//	-zk-root: ZooKeeper root path (default: "/clustermir")
//
// Example:
//
//	cfg, err := config.LoadServerConfig(os.Args[1:])
//	if err != nil {
//		log.Fatal(err)
//	}
func LoadServerConfig(args []string) (*ServerConfig, error) {
	defaults := DefaultServerConfig()

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	path := fs.String("config", "", "YAML configuration file")
	host := fs.String("host", defaults.Host, "Bind host")
	port := fs.Int("port", defaults.Port, "First node port")
	shards := fs.Int("shards", defaults.Shards, "Number of shards")
	replicas := fs.Int("replicas", defaults.ReplicasPerShard, "Replicas per shard")
	logLevel := fs.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	zkServers := fs.String("zk", "", "Comma-separated ZooKeeper servers")
	zkRoot := fs.String("zk-root", defaults.ZooKeeper.Root, "ZooKeeper root path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults
	if *path != "" {
		if err := readYAML(*path, cfg); err != nil {
			return nil, err
		}
	}
	applyServerEnv(cfg, os.Getenv)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "shards":
			cfg.Shards = *shards
		case "replicas":
			cfg.ReplicasPerShard = *replicas
		case "log-level":
			cfg.LogLevel = *logLevel
		case "zk":
			cfg.ZooKeeper.Servers = splitList(*zkServers)
		case "zk-root":
			cfg.ZooKeeper.Root = *zkRoot
		}
	})

	return cfg, nil
}

// LoadClientConfig creates a ClientConfig from defaults and environment variables.
//
// Environment variables:
//
//	CACHEMIR_SEEDS: Comma-separated list of seed addresses
//	CACHEMIR_MAX_CONNS_PER_NODE: Maximum connections per node
//	CACHEMIR_CONN_TIMEOUT, CACHEMIR_READ_TIMEOUT, CACHEMIR_WRITE_TIMEOUT,
//	CACHEMIR_REQUEST_TIMEOUT, CACHEMIR_REFRESH_INTERVAL: Go durations ("2s")
//	CACHEMIR_MAX_FAN_OUT: Concurrent sub-calls per logical call
//	CACHEMIR_RANDOM_POLICY: primaries | any-for-reads
//	CACHEMIR_READ_FROM: primary | prefer-replica
//	CACHEMIR_ZK_SERVERS, CACHEMIR_ZK_ROOT: ZooKeeper seed discovery
//	CACHEMIR_NATS_URL, CACHEMIR_NATS_SUBJECT: topology change notifications
//	CACHEMIR_LOG_LEVEL, CACHEMIR_LOG_JSON: logging
func LoadClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	applyClientEnv(cfg, os.Getenv)
	return cfg
}

// LoadClientConfigFile reads a YAML file on top of the defaults and then
// applies environment overrides. A missing file is an error.
func LoadClientConfigFile(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}
	applyClientEnv(cfg, os.Getenv)
	return cfg, nil
}

// ParseClientConfig decodes YAML into a ClientConfig on top of the defaults.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	return cfg, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyServerEnv(cfg *ServerConfig, getenv func(string) string) {
	if v := getenv(envPrefix + "HOST"); v != "" {
		cfg.Host = v
	}
	envInt(getenv, "PORT", &cfg.Port)
	envInt(getenv, "SHARDS", &cfg.Shards)
	envInt(getenv, "REPLICAS", &cfg.ReplicasPerShard)
	if v := getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv(envPrefix + "ZK_SERVERS"); v != "" {
		cfg.ZooKeeper.Servers = splitList(v)
	}
	if v := getenv(envPrefix + "ZK_ROOT"); v != "" {
		cfg.ZooKeeper.Root = v
	}
}

func applyClientEnv(cfg *ClientConfig, getenv func(string) string) {
	if v := getenv(envPrefix + "SEEDS"); v != "" {
		cfg.Seeds = splitList(v)
	}
	envInt(getenv, "MAX_CONNS_PER_NODE", &cfg.MaxConnsPerNode)
	envDuration(getenv, "CONN_TIMEOUT", &cfg.ConnTimeout)
	envDuration(getenv, "READ_TIMEOUT", &cfg.ReadTimeout)
	envDuration(getenv, "WRITE_TIMEOUT", &cfg.WriteTimeout)
	envDuration(getenv, "REQUEST_TIMEOUT", &cfg.RequestTimeout)
	envDuration(getenv, "REFRESH_INTERVAL", &cfg.RefreshInterval)
	envInt(getenv, "MAX_FAN_OUT", &cfg.MaxFanOut)
	if v := getenv(envPrefix + "RANDOM_POLICY"); v != "" {
		cfg.RandomPolicy = v
	}
	if v := getenv(envPrefix + "READ_FROM"); v != "" {
		cfg.ReadFrom = v
	}
	if v := getenv(envPrefix + "ZK_SERVERS"); v != "" {
		cfg.ZooKeeper.Servers = splitList(v)
	}
	if v := getenv(envPrefix + "ZK_ROOT"); v != "" {
		cfg.ZooKeeper.Root = v
	}
	if v := getenv(envPrefix + "NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := getenv(envPrefix + "NATS_SUBJECT"); v != "" {
		cfg.NATS.Subject = v
	}
	if v := getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv(envPrefix + "LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.JSON = b
		}
	}
}

// Malformed values are ignored, as the flags layer would reject them anyway.
func envInt(getenv func(string) string, name string, dst *int) {
	if v := getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(getenv func(string) string, name string, dst *time.Duration) {
	if v := getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Address returns the address of the first node in "host:port" format.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NodeAddresses returns the addresses of every node the config describes:
// primaries first, then replicas grouped by shard.
func (c *ServerConfig) NodeAddresses() []string {
	total := c.Shards * (1 + c.ReplicasPerShard)
	addrs := make([]string, 0, total)
	for i := 0; i < total; i++ {
		addrs = append(addrs, net.JoinHostPort(c.Host, strconv.Itoa(c.Port+i)))
	}
	return addrs
}

// Validate checks if the ServerConfig contains valid values.
//
// Validation rules:
//   - Port must be between 1 and 65535, and leave room for every node
//   - Shards must be positive, ReplicasPerShard non-negative
//   - LogLevel must be one of: debug, info, warn, error
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.Shards < 1 {
		return fmt.Errorf("shards must be positive: %d", c.Shards)
	}

	if c.ReplicasPerShard < 0 {
		return fmt.Errorf("replicas per shard must be non-negative: %d", c.ReplicasPerShard)
	}

	if last := c.Port + c.Shards*(1+c.ReplicasPerShard) - 1; last > 65535 {
		return fmt.Errorf("port range exceeds 65535: %d", last)
	}

	if !validLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

// Validate checks if the ClientConfig contains valid values.
//
// Validation rules:
//   - At least one seed, unless ZooKeeper discovery is configured
//   - Every seed must be "host:port" with a numeric port
//   - MaxConnsPerNode and MaxFanOut must be positive
//   - All timeout values must be positive; RefreshInterval non-negative
//   - RandomPolicy, ReadFrom and Log.Level must be known values
func (c *ClientConfig) Validate() error {
	if len(c.Seeds) == 0 && !c.ZooKeeper.Enabled() {
		return fmt.Errorf("at least one seed must be specified")
	}

	for _, seed := range c.Seeds {
		if err := ValidateAddress(seed); err != nil {
			return fmt.Errorf("invalid seed: %w", err)
		}
	}

	if c.MaxConnsPerNode < 1 {
		return fmt.Errorf("max connections per node must be positive: %d", c.MaxConnsPerNode)
	}

	if c.MaxFanOut < 1 {
		return fmt.Errorf("max fan-out must be positive: %d", c.MaxFanOut)
	}

	if c.ConnTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive: %s", c.ConnTimeout)
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive: %s", c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive: %s", c.WriteTimeout)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive: %s", c.RequestTimeout)
	}

	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh interval must be non-negative: %s", c.RefreshInterval)
	}

	switch c.RandomPolicy {
	case RandomPrimaries, RandomAnyForReads:
	default:
		return fmt.Errorf("invalid random policy: %s", c.RandomPolicy)
	}

	switch c.ReadFrom {
	case ReadFromPrimary, ReadFromPreferReplica:
	default:
		return fmt.Errorf("invalid read-from: %s", c.ReadFrom)
	}

	if !validLogLevel(c.Log.Level) {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// ValidateAddress checks that addr is "host:port" with a port in 1..65535.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid node address format: %s", addr)
	}
	if host == "" {
		return fmt.Errorf("missing host: %s", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port in address: %s", addr)
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
