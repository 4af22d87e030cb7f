// Package config loads zephyrmember settings from an optional YAML file,
// ZEPHYR_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
	"github.com/ryandielhenn/zephyrmember/pkg/sim"
)

const EnvPrefix = "ZEPHYR"

// Config represents the application configuration
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Sim       SimConfig       `mapstructure:"sim"`
}

type NodeConfig struct {
	// Address is this member's protocol address, "a.b.c.d:port" or "id:port".
	Address string `mapstructure:"address"`
	// Introducer may be left empty when discovery is configured.
	Introducer string `mapstructure:"introducer"`
	// Bind overrides the UDP listen address derived from Address.
	Bind string `mapstructure:"bind"`
	// Host puts every member on this host and makes ids logical: members
	// are told apart by port. Empty means ids are IPv4 addresses.
	Host string `mapstructure:"host"`
	// Peers pins member addresses to host:port endpoints.
	Peers map[string]string `mapstructure:"peers"`
}

type ProtocolConfig struct {
	FailTimeoutTicks   int64         `mapstructure:"fail_timeout_ticks"`
	RemoveTimeoutTicks int64         `mapstructure:"remove_timeout_ticks"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	Eviction           string        `mapstructure:"eviction"`
	JoinRetryTicks     int64         `mapstructure:"join_retry_ticks"`
	MaxJoinAttempts    int           `mapstructure:"max_join_attempts"`
	InboxSize          int           `mapstructure:"inbox_size"`
}

type AdminConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Addr              string `mapstructure:"addr"`
	ReplicationFactor int    `mapstructure:"replication_factor"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DiscoveryConfig struct {
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	Cluster       string        `mapstructure:"cluster"`
	LeaseTTL      int64         `mapstructure:"lease_ttl"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	// BecomeIntroducer lets a member with no introducer configured register
	// itself when none is found. Otherwise it waits for one to appear.
	BecomeIntroducer bool `mapstructure:"become_introducer"`
}

func (d DiscoveryConfig) Enabled() bool { return len(d.EtcdEndpoints) > 0 }

type SimConfig struct {
	Nodes           int     `mapstructure:"nodes"`
	Ticks           int     `mapstructure:"ticks"`
	JoinInterval    int     `mapstructure:"join_interval"`
	FailAt          int     `mapstructure:"fail_at"`
	FailCount       int     `mapstructure:"fail_count"`
	DropProbability float64 `mapstructure:"drop_probability"`
	Seed            int64   `mapstructure:"seed"`
}

// New returns a viper instance with defaults and environment lookup set
// up. Callers bind flags onto it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.address", "")
	v.SetDefault("node.introducer", "")
	v.SetDefault("node.bind", "")
	v.SetDefault("node.host", "")
	v.SetDefault("node.peers", map[string]string{})

	v.SetDefault("protocol.fail_timeout_ticks", 5)
	v.SetDefault("protocol.remove_timeout_ticks", 20)
	v.SetDefault("protocol.tick_interval", 200*time.Millisecond)
	v.SetDefault("protocol.eviction", "all")
	v.SetDefault("protocol.join_retry_ticks", 0)
	v.SetDefault("protocol.max_join_attempts", 0)
	v.SetDefault("protocol.inbox_size", 1024)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", ":8080")
	v.SetDefault("admin.replication_factor", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("discovery.etcd_endpoints", []string{})
	v.SetDefault("discovery.cluster", "default")
	v.SetDefault("discovery.lease_ttl", 10)
	v.SetDefault("discovery.dial_timeout", 5*time.Second)
	v.SetDefault("discovery.become_introducer", true)

	v.SetDefault("sim.nodes", 10)
	v.SetDefault("sim.ticks", 200)
	v.SetDefault("sim.join_interval", 0)
	v.SetDefault("sim.fail_at", 100)
	v.SetDefault("sim.fail_count", 1)
	v.SetDefault("sim.drop_probability", 0.0)
	v.SetDefault("sim.seed", 1)
}

// Load reads path (if not empty) into v and decodes the result. It does
// not validate; commands validate the sections they use.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks everything a running member needs.
func (c *Config) Validate() error {
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if c.Node.Introducer == "" && !c.Discovery.Enabled() {
		return errors.New("config: node.introducer is required unless discovery.etcd_endpoints is set")
	}
	if _, err := c.Resolver(); err != nil {
		return err
	}
	if err := c.checkBind(); err != nil {
		return err
	}
	if c.Protocol.TickInterval <= 0 {
		return fmt.Errorf("config: protocol.tick_interval must be positive, got %s", c.Protocol.TickInterval)
	}
	if c.Protocol.InboxSize < 0 {
		return errors.New("config: protocol.inbox_size must not be negative")
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return errors.New("config: admin.addr is required when the admin server is enabled")
	}
	if c.Discovery.Enabled() {
		if c.Discovery.Cluster == "" {
			return errors.New("config: discovery.cluster must not be empty")
		}
		if c.Discovery.LeaseTTL <= 0 {
			return errors.New("config: discovery.lease_ttl must be positive")
		}
	}
	return nil
}

// Resolver builds the UDP endpoint mapping from node.host and node.peers.
func (c *Config) Resolver() (gossip.Resolver, error) {
	var r gossip.Resolver = gossip.IPv4Resolver{}
	if c.Node.Host != "" {
		hr, err := gossip.NewHostResolver(c.Node.Host)
		if err != nil {
			return nil, fmt.Errorf("config: node.host: %w", err)
		}
		r = hr
	}
	if len(c.Node.Peers) > 0 {
		pm, err := gossip.ParsePeers(c.Node.Peers, r)
		if err != nil {
			return nil, fmt.Errorf("config: node.peers: %w", err)
		}
		r = pm
	}
	return r, nil
}

// checkBind rejects a bind address that cannot receive what other members
// send to node.address when ids double as IPv4 addresses.
func (c *Config) checkBind() error {
	if c.Node.Host != "" || c.Node.Bind == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Node.Bind)
	if err != nil {
		return fmt.Errorf("config: node.bind: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		return nil
	}
	self, err := gossip.ParseAddress(c.Node.Address)
	if err != nil {
		return fmt.Errorf("config: node.address: %w", err)
	}
	if want := self.UDPAddr().IP; !ip.Equal(want) {
		return fmt.Errorf("config: node.bind host %s does not match node.address %s, whose id is read as IP %s; set node.host to use logical ids", ip, self, want)
	}
	return nil
}

// EngineConfig converts the node and protocol sections. Introducer is left
// zero when not configured, for discovery to fill in.
func (c *Config) EngineConfig() (gossip.EngineConfig, error) {
	self, err := gossip.ParseAddress(c.Node.Address)
	if err != nil {
		return gossip.EngineConfig{}, fmt.Errorf("config: node.address: %w", err)
	}
	var introducer gossip.Address
	if c.Node.Introducer != "" {
		if introducer, err = gossip.ParseAddress(c.Node.Introducer); err != nil {
			return gossip.EngineConfig{}, fmt.Errorf("config: node.introducer: %w", err)
		}
	}
	policy, err := gossip.ParseEvictionPolicy(c.Protocol.Eviction)
	if err != nil {
		return gossip.EngineConfig{}, fmt.Errorf("config: protocol.eviction: %w", err)
	}
	ec := gossip.EngineConfig{
		Self:               self,
		Introducer:         introducer,
		FailTimeoutTicks:   c.Protocol.FailTimeoutTicks,
		RemoveTimeoutTicks: c.Protocol.RemoveTimeoutTicks,
		Eviction:           policy,
		JoinRetryTicks:     c.Protocol.JoinRetryTicks,
		MaxJoinAttempts:    c.Protocol.MaxJoinAttempts,
	}
	if introducer.IsZero() {
		// Everything but the introducer can be checked now.
		check := ec
		check.Introducer = self
		return ec, check.Validate()
	}
	return ec, ec.Validate()
}

// GossipConfig wraps EngineConfig with the driver settings.
func (c *Config) GossipConfig(ec gossip.EngineConfig) gossip.Config {
	return gossip.Config{
		Engine:       ec,
		TickInterval: c.Protocol.TickInterval,
		InboxSize:    c.Protocol.InboxSize,
	}
}

// SimConfig converts the sim and protocol sections.
func (c *Config) SimConfig() (sim.Config, error) {
	policy, err := gossip.ParseEvictionPolicy(c.Protocol.Eviction)
	if err != nil {
		return sim.Config{}, fmt.Errorf("config: protocol.eviction: %w", err)
	}
	sc := sim.Config{
		Nodes:              c.Sim.Nodes,
		FailTimeoutTicks:   c.Protocol.FailTimeoutTicks,
		RemoveTimeoutTicks: c.Protocol.RemoveTimeoutTicks,
		DropProbability:    c.Sim.DropProbability,
		Seed:               c.Sim.Seed,
		JoinInterval:       c.Sim.JoinInterval,
		FailAt:             c.Sim.FailAt,
		FailCount:          c.Sim.FailCount,
		Eviction:           policy,
		JoinRetryTicks:     c.Protocol.JoinRetryTicks,
	}
	if c.Sim.Ticks <= 0 {
		return sim.Config{}, fmt.Errorf("config: sim.ticks must be positive, got %d", c.Sim.Ticks)
	}
	return sc, sc.Validate()
}
