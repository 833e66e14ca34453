package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default timings for the node's background loops.
const (
	DefaultRegistrationInterval = 60 * time.Second
	DefaultRegistrationCooldown = 10 * time.Second
	DefaultRegistrationBackoff  = 60 * time.Second
	DefaultMaxRegistrationTries = 5
	DefaultRefreshInterval      = 300 * time.Second
)

// Config carries everything a node needs to join the network. Zero
// values are filled in by Validate, so callers may set only what they
// care about.
type Config struct {
	// Identity
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Owner        string   `yaml:"owner"`
	Version      string   `yaml:"version"`

	// Listen address
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Registry
	RegistryURL string `yaml:"registry_url"`

	// DNS fallback
	DNSServer string `yaml:"dns_server"`
	DNSPort   int    `yaml:"dns_port"`

	// Optional shared cache
	RedisURL string `yaml:"redis_url"`

	// Timings
	GossipInterval       time.Duration `yaml:"gossip_interval"`
	GossipFanout         int           `yaml:"gossip_fanout"`
	MaxPeersToExchange   int           `yaml:"max_peers_to_exchange"`
	PeerTTL              time.Duration `yaml:"peer_ttl"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	RefreshInterval      time.Duration `yaml:"refresh_interval"`
	RegistrationInterval time.Duration `yaml:"registration_interval"`
	RegistrationCooldown time.Duration `yaml:"registration_cooldown"`
	RegistrationBackoff  time.Duration `yaml:"registration_backoff"`
	MaxRegistrationTries int           `yaml:"max_registration_tries"`

	// GossipEnabled starts the gossip loop with the node.
	GossipEnabled bool `yaml:"gossip_enabled"`
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithID sets the node's agent id.
func WithID(id string) Option {
	return func(c *Config) { c.ID = id }
}

// WithName sets the human-readable agent name.
func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

// WithPort sets the HTTP listen port.
func WithPort(port int) Option {
	return func(c *Config) { c.Port = port }
}

// WithCapabilities sets the advertised capabilities.
func WithCapabilities(caps ...string) Option {
	return func(c *Config) { c.Capabilities = caps }
}

// WithRegistryURL points the node at a registry.
func WithRegistryURL(url string) Option {
	return func(c *Config) { c.RegistryURL = url }
}

// WithDNSServer points the fallback resolver at a name server.
func WithDNSServer(server string, port int) Option {
	return func(c *Config) {
		c.DNSServer = server
		c.DNSPort = port
	}
}

// WithRedisURL enables the shared Redis discovery cache.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithGossip tunes the gossip loop.
func WithGossip(interval time.Duration, fanout int) Option {
	return func(c *Config) {
		c.GossipInterval = interval
		c.GossipFanout = fanout
	}
}

// NewConfig builds a Config from defaults, environment variables and
// options, in that order of increasing precedence.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{GossipEnabled: true}
	cfg.loadEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file, layers environment variables
// and options on top and validates the result.
func LoadConfigFile(path string, opts ...Option) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg := &Config{GossipEnabled: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, ErrInvalidConfiguration)
	}
	cfg.loadEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("AGENT_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("AGENT_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("AGENT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("AGENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("AGENT_CAPABILITIES"); v != "" {
		c.Capabilities = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("AGENT_OWNER"); v != "" {
		c.Owner = v
	}
	if v := os.Getenv("REGISTRY_URL"); v != "" {
		c.RegistryURL = v
	}
	if v := os.Getenv("DNS_SERVER"); v != "" {
		c.DNSServer = v
	}
	if v := os.Getenv("DNS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.DNSPort = p
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("GOSSIP_INTERVAL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.GossipInterval = d
		}
	}
	if v := os.Getenv("GOSSIP_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GossipFanout = n
		}
	}
	if v := os.Getenv("GOSSIP_ENABLED"); v != "" {
		c.GossipEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PEER_TTL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.PeerTTL = d
		}
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.CacheTTL = d
		}
	}
}

// parseSecondsOrDuration accepts either a bare number of seconds or a
// Go duration string, so env files written for other runtimes keep
// working.
func parseSecondsOrDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate fills defaults and rejects settings the node cannot run
// with.
func (c *Config) Validate() error {
	if c.ID == "" {
		c.ID = defaultAgentID()
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Port == 0 {
		c.Port = DefaultPeerPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfiguration)
	}
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.DNSServer == "" {
		c.DNSServer = "127.0.0.1"
	}
	if c.DNSPort == 0 {
		c.DNSPort = 53
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.GossipFanout <= 0 {
		c.GossipFanout = DefaultFanout
	}
	if c.MaxPeersToExchange <= 0 {
		c.MaxPeersToExchange = DefaultMaxPeersToExchange
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = DefaultPeerTTL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.RegistrationInterval <= 0 {
		c.RegistrationInterval = DefaultRegistrationInterval
	}
	if c.RegistrationCooldown <= 0 {
		c.RegistrationCooldown = DefaultRegistrationCooldown
	}
	if c.RegistrationBackoff <= 0 {
		c.RegistrationBackoff = DefaultRegistrationBackoff
	}
	if c.MaxRegistrationTries <= 0 {
		c.MaxRegistrationTries = DefaultMaxRegistrationTries
	}
	return nil
}

// defaultAgentID derives an id from the hostname, falling back to a
// random one when the hostname is unavailable.
func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agent-" + uuid.NewString()[:8] + ".agents.local"
	}
	if strings.Contains(host, ".") {
		return host
	}
	return host + ".agents.local"
}

// Record builds the node's own registration record from the config.
func (c *Config) Record() *AgentRecord {
	host := c.Host
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return &AgentRecord{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		Capabilities: append([]string(nil), c.Capabilities...),
		Host:         host,
		Port:         c.Port,
		Version:      c.Version,
		Owner:        c.Owner,
		Interfaces: map[string]string{
			"rest": fmt.Sprintf("http://%s:%d", host, c.Port),
		},
		Endpoints: map[string]string{
			"peers": "/peers",
			"ping":  "/health",
		},
		LastUpdate: time.Now(),
	}
}
