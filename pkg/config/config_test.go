package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClientConfigValid(t *testing.T) {
	cfg := DefaultClientConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, RandomPrimaries, cfg.RandomPolicy)
	assert.Equal(t, ReadFromPrimary, cfg.ReadFrom)
}

func TestParseClientConfigYAML(t *testing.T) {
	cfg, err := ParseClientConfig([]byte(`
seeds: ["10.0.0.1:7000", "10.0.0.2:7001"]
max_conns_per_node: 16
request_timeout: 2s
refresh_interval: 1m
random_policy: any-for-reads
read_from: prefer-replica
zookeeper:
  servers: ["zk1:2181"]
nats:
  url: nats://localhost:4222
log:
  level: debug
  json: true
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7001"}, cfg.Seeds)
	assert.Equal(t, 16, cfg.MaxConnsPerNode)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.RefreshInterval)
	assert.Equal(t, RandomAnyForReads, cfg.RandomPolicy)
	assert.Equal(t, ReadFromPreferReplica, cfg.ReadFrom)
	assert.Equal(t, []string{"zk1:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, DefaultZooKeeperRoot, cfg.ZooKeeper.Root, "unset fields keep defaults")
	assert.Equal(t, DefaultNATSSubject, cfg.NATS.Subject)
	assert.True(t, cfg.NATS.Enabled())
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, DefaultConnTimeout, cfg.ConnTimeout)
	require.NoError(t, cfg.Validate())
}

func TestClientEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seeds: [\"a:1\"]\nmax_fan_out: 4\n"), 0o600))

	t.Setenv("CACHEMIR_SEEDS", "b:2, c:3")
	t.Setenv("CACHEMIR_REQUEST_TIMEOUT", "250ms")
	t.Setenv("CACHEMIR_MAX_CONNS_PER_NODE", "not-a-number")

	cfg, err := LoadClientConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"b:2", "c:3"}, cfg.Seeds)
	assert.Equal(t, 4, cfg.MaxFanOut)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, DefaultMaxConnsPerNode, cfg.MaxConnsPerNode)
}

func TestLoadClientConfigFileMissing(t *testing.T) {
	_, err := LoadClientConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestClientConfigValidate(t *testing.T) {
	cases := map[string]func(c *ClientConfig){
		"no seeds":          func(c *ClientConfig) { c.Seeds = nil },
		"seed without port": func(c *ClientConfig) { c.Seeds = []string{"localhost"} },
		"seed bad port":     func(c *ClientConfig) { c.Seeds = []string{"localhost:99999"} },
		"zero conns":        func(c *ClientConfig) { c.MaxConnsPerNode = 0 },
		"zero fan-out":      func(c *ClientConfig) { c.MaxFanOut = 0 },
		"zero timeout":      func(c *ClientConfig) { c.RequestTimeout = 0 },
		"negative refresh":  func(c *ClientConfig) { c.RefreshInterval = -time.Second },
		"bad policy":        func(c *ClientConfig) { c.RandomPolicy = "sticky" },
		"bad read-from":     func(c *ClientConfig) { c.ReadFrom = "replica-only" },
		"bad log level":     func(c *ClientConfig) { c.Log.Level = "trace" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultClientConfig()
	cfg.Seeds = nil
	cfg.ZooKeeper.Servers = []string{"zk:2181"}
	assert.NoError(t, cfg.Validate(), "zookeeper discovery replaces static seeds")
}

func TestLoadServerConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8000\nshards: 5\nreplicas_per_shard: 2\n"), 0o600))

	t.Setenv("CACHEMIR_SHARDS", "4")

	cfg, err := LoadServerConfig([]string{"-config", path, "-replicas", "0", "-zk", "zk1:2181,zk2:2181"})
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port, "from file")
	assert.Equal(t, 4, cfg.Shards, "env beats file")
	assert.Equal(t, 0, cfg.ReplicasPerShard, "flag beats file")
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.ZooKeeper.Servers)
	assert.Equal(t, "127.0.0.1:8000", cfg.Address())
	assert.Equal(t, []string{"127.0.0.1:8000", "127.0.0.1:8001", "127.0.0.1:8002", "127.0.0.1:8003"}, cfg.NodeAddresses())
	require.NoError(t, cfg.Validate())
}

func TestServerConfigValidate(t *testing.T) {
	cfg := DefaultServerConfig()
	require.NoError(t, cfg.Validate())

	cfg.Shards = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultServerConfig()
	cfg.Port = 65535
	assert.Error(t, cfg.Validate(), "node ports overflow")

	cfg = DefaultServerConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("127.0.0.1:7000"))
	assert.NoError(t, ValidateAddress("[::1]:7000"))
	assert.Error(t, ValidateAddress("127.0.0.1"))
	assert.Error(t, ValidateAddress(":7000"))
	assert.Error(t, ValidateAddress("host:0"))
}
