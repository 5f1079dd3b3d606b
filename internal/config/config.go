// Package config loads and validates the mitigation node / orchestrator
// configuration file, with environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration document (section 6 of the spec). Both
// cmd/node and cmd/orchestrator decode the same document; each reads only
// the sections relevant to its role (cmd/orchestrator ignores Network/TLS/
// SynProxy/Waf, cmd/node ignores Orchestrator).
type Config struct {
	Network      NetworkConfig      `yaml:"network"`
	TLS          TLSConfig          `yaml:"tls"`
	SynProxy     SynProxyConfig     `yaml:"syn_proxy"`
	Waf          WafConfig          `yaml:"waf"`
	DDoS         DDoSConfig         `yaml:"ddos"`
	Events       EventsConfig       `yaml:"events"`
	Management   ManagementConfig   `yaml:"management"`
	Platform     PlatformConfig     `yaml:"platform"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// OrchestratorConfig controls the Resource Manager, Behavioral Expert, and
// the fleet-status dashboard stream's bind address.
type OrchestratorConfig struct {
	ScalingCheckIntervalSec int     `yaml:"scaling_check_interval_sec"`
	ScaleUpCPUThreshold     float64 `yaml:"scale_up_cpu_threshold"`
	ScaleDownCPUThreshold   float64 `yaml:"scale_down_cpu_threshold"`
	ScaleUpStreakRequired   int     `yaml:"scale_up_streak_required"`
	ScaleDownStreakRequired int     `yaml:"scale_down_streak_required"`
	MinFleetSize            int     `yaml:"min_fleet_size"`
	ProvisioningWebhookURL  string  `yaml:"provisioning_webhook_url"`
	TerminationGraceSec     int     `yaml:"termination_grace_sec"`
	BehavioralWindowSec     int     `yaml:"behavioral_window_sec"`
	BehavioralBucketSec     int     `yaml:"behavioral_bucket_sec"`
	DashboardBindAddr       string  `yaml:"dashboard_bind_addr"`
}

// NetworkConfig controls the ingress listener.
type NetworkConfig struct {
	BindAddr            string `yaml:"bind_addr"`
	MaxGlobalConnections int   `yaml:"max_global_connections"`
	MaxConnectionsPerIP  int   `yaml:"max_connections_per_ip"`
	GracePeriodSec       int   `yaml:"grace_period_sec"`
}

// TLSConfig controls the TLS terminator. It carries no certificate
// material: cmd/node loads the certificate and key from the files named by
// SECBEAT_TLS_CERT_FILE and SECBEAT_TLS_KEY_FILE.
type TLSConfig struct {
	Enabled               bool     `yaml:"enabled"`
	HandshakeTimeoutSec   int      `yaml:"handshake_timeout_sec"`
	SessionTicketsEnabled bool     `yaml:"session_tickets_enabled"`
	ALPNProtocols         []string `yaml:"alpn_protocols"`
}

// SynProxyConfig controls the stateless SYN proxy.
type SynProxyConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Interface           string `yaml:"interface"`
	CookieTimeoutSec     int   `yaml:"cookie_timeout_sec"`
	SynPacketsPerSecond int    `yaml:"syn_packets_per_second"`
}

// WafConfig points at the rule file the WAF engine loads at startup.
type WafConfig struct {
	RulesPath   string `yaml:"rules_path"`
	RulesFormat string `yaml:"rules_format"` // "json" or "yaml"
}

// DDoSConfig groups the three DDoS controller filters.
type DDoSConfig struct {
	RateLimiting     RateLimitingConfig     `yaml:"rate_limiting"`
	ConnectionLimits ConnectionLimitsConfig `yaml:"connection_limits"`
	Blacklist        BlacklistConfig        `yaml:"blacklist"`
}

type RateLimitingConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	MaxBuckets        int     `yaml:"max_buckets"`
}

type ConnectionLimitsConfig struct {
	PerIP  int `yaml:"per_ip"`
	Global int `yaml:"global"`
}

type BlacklistConfig struct {
	StaticWhitelist []string `yaml:"static_whitelist"`
	StaticBlacklist []string `yaml:"static_blacklist"`
}

// EventsConfig controls the fleet messaging plane (Event Client).
type EventsConfig struct {
	BusKind              string `yaml:"bus_kind"` // currently only "pubsub"
	ProjectID            string `yaml:"project_id"`
	PublishTimeoutSec    int    `yaml:"publish_timeout_sec"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	QueueDepth           int    `yaml:"queue_depth"`
	MTLSEnabled          bool   `yaml:"mtls_enabled"`
	SpiffeSocketPath     string `yaml:"spiffe_socket_path"`
	TrustDomain          string `yaml:"trust_domain"`
}

// ManagementConfig controls the local authenticated management HTTP server.
type ManagementConfig struct {
	BindAddr    string `yaml:"bind_addr"`
	BearerToken string `yaml:"bearer_token"`
}

// PlatformConfig selects the ingress mode.
type PlatformConfig struct {
	Mode string `yaml:"mode"` // tcp | syn | l7 | auto
}

// LoadConfig reads and decodes a YAML config file, then applies environment
// overrides and defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides layers SECBEAT_-prefixed environment variables on top
// of whatever the file decoded, mirroring the teacher's section-by-section
// override shape.
func (c *Config) applyEnvOverrides() {
	c.Network.BindAddr = getEnv("SECBEAT_BIND_ADDR", c.Network.BindAddr)
	if v := getEnvInt("SECBEAT_MAX_GLOBAL_CONNECTIONS", 0); v > 0 {
		c.Network.MaxGlobalConnections = v
	}
	if v := getEnvInt("SECBEAT_MAX_CONNECTIONS_PER_IP", 0); v > 0 {
		c.Network.MaxConnectionsPerIP = v
	}
	if v := getEnvInt("SECBEAT_GRACE_PERIOD_SEC", 0); v > 0 {
		c.Network.GracePeriodSec = v
	}

	c.TLS.Enabled = getEnvBool("SECBEAT_TLS_ENABLED", c.TLS.Enabled)
	if v := getEnvInt("SECBEAT_TLS_HANDSHAKE_TIMEOUT_SEC", 0); v > 0 {
		c.TLS.HandshakeTimeoutSec = v
	}

	c.SynProxy.Enabled = getEnvBool("SECBEAT_SYN_PROXY_ENABLED", c.SynProxy.Enabled)
	c.SynProxy.Interface = getEnv("SECBEAT_SYN_PROXY_INTERFACE", c.SynProxy.Interface)
	if v := getEnvInt("SECBEAT_COOKIE_TIMEOUT_SEC", 0); v > 0 {
		c.SynProxy.CookieTimeoutSec = v
	}
	if v := getEnvInt("SECBEAT_SYN_PACKETS_PER_SECOND", 0); v > 0 {
		c.SynProxy.SynPacketsPerSecond = v
	}

	c.Waf.RulesPath = getEnv("SECBEAT_WAF_RULES_PATH", c.Waf.RulesPath)
	c.Waf.RulesFormat = getEnv("SECBEAT_WAF_RULES_FORMAT", c.Waf.RulesFormat)

	if v := getEnvFloat("SECBEAT_RATE_LIMIT_RPS", 0); v > 0 {
		c.DDoS.RateLimiting.RequestsPerSecond = v
	}
	if v := getEnvInt("SECBEAT_RATE_LIMIT_BURST", 0); v > 0 {
		c.DDoS.RateLimiting.BurstSize = v
	}
	if v := getEnvInt("SECBEAT_CONN_LIMIT_PER_IP", 0); v > 0 {
		c.DDoS.ConnectionLimits.PerIP = v
	}
	if v := getEnvInt("SECBEAT_CONN_LIMIT_GLOBAL", 0); v > 0 {
		c.DDoS.ConnectionLimits.Global = v
	}
	if v := os.Getenv("SECBEAT_STATIC_BLACKLIST"); v != "" {
		c.DDoS.Blacklist.StaticBlacklist = splitCSV(v)
	}
	if v := os.Getenv("SECBEAT_STATIC_WHITELIST"); v != "" {
		c.DDoS.Blacklist.StaticWhitelist = splitCSV(v)
	}

	c.Events.ProjectID = getEnv("SECBEAT_EVENTS_PROJECT_ID", c.Events.ProjectID)
	c.Events.BusKind = getEnv("SECBEAT_EVENTS_BUS_KIND", c.Events.BusKind)
	if v := getEnvInt("SECBEAT_HEARTBEAT_INTERVAL_SEC", 0); v > 0 {
		c.Events.HeartbeatIntervalSec = v
	}
	c.Events.MTLSEnabled = getEnvBool("SECBEAT_EVENTS_MTLS_ENABLED", c.Events.MTLSEnabled)

	c.Management.BindAddr = getEnv("SECBEAT_MANAGEMENT_BIND_ADDR", c.Management.BindAddr)
	c.Management.BearerToken = getEnv("SECBEAT_MANAGEMENT_BEARER_TOKEN", c.Management.BearerToken)

	c.Platform.Mode = getEnv("SECBEAT_PLATFORM_MODE", c.Platform.Mode)

	if v := getEnvInt("SECBEAT_SCALING_CHECK_INTERVAL_SEC", 0); v > 0 {
		c.Orchestrator.ScalingCheckIntervalSec = v
	}
	if v := getEnvFloat("SECBEAT_SCALE_UP_CPU_THRESHOLD", 0); v > 0 {
		c.Orchestrator.ScaleUpCPUThreshold = v
	}
	if v := getEnvFloat("SECBEAT_SCALE_DOWN_CPU_THRESHOLD", 0); v > 0 {
		c.Orchestrator.ScaleDownCPUThreshold = v
	}
	if v := getEnvInt("SECBEAT_MIN_FLEET_SIZE", 0); v > 0 {
		c.Orchestrator.MinFleetSize = v
	}
	c.Orchestrator.ProvisioningWebhookURL = getEnv("SECBEAT_PROVISIONING_WEBHOOK_URL", c.Orchestrator.ProvisioningWebhookURL)
	c.Orchestrator.DashboardBindAddr = getEnv("SECBEAT_DASHBOARD_BIND_ADDR", c.Orchestrator.DashboardBindAddr)
}

// applyDefaults sets sensible defaults for zero-valued fields, matching the
// teacher's applyDefaults shape.
func (c *Config) applyDefaults() {
	if c.Network.BindAddr == "" {
		c.Network.BindAddr = "0.0.0.0:8443"
	}
	if c.Network.MaxGlobalConnections == 0 {
		c.Network.MaxGlobalConnections = 50000
	}
	if c.Network.MaxConnectionsPerIP == 0 {
		c.Network.MaxConnectionsPerIP = 200
	}
	if c.Network.GracePeriodSec == 0 {
		c.Network.GracePeriodSec = 60
	}
	if c.TLS.HandshakeTimeoutSec == 0 {
		c.TLS.HandshakeTimeoutSec = 10
	}
	if len(c.TLS.ALPNProtocols) == 0 {
		c.TLS.ALPNProtocols = []string{"http/1.1"}
	}
	if c.SynProxy.CookieTimeoutSec == 0 {
		c.SynProxy.CookieTimeoutSec = 60
	}
	if c.SynProxy.SynPacketsPerSecond == 0 {
		c.SynProxy.SynPacketsPerSecond = 50000
	}
	if c.Waf.RulesFormat == "" {
		c.Waf.RulesFormat = "json"
	}
	if c.DDoS.RateLimiting.RequestsPerSecond == 0 {
		c.DDoS.RateLimiting.RequestsPerSecond = 50
	}
	if c.DDoS.RateLimiting.BurstSize == 0 {
		c.DDoS.RateLimiting.BurstSize = 100
	}
	if c.DDoS.RateLimiting.MaxBuckets == 0 {
		c.DDoS.RateLimiting.MaxBuckets = 100_000
	}
	if c.DDoS.ConnectionLimits.PerIP == 0 {
		c.DDoS.ConnectionLimits.PerIP = 100
	}
	if c.DDoS.ConnectionLimits.Global == 0 {
		c.DDoS.ConnectionLimits.Global = 20000
	}
	if c.Events.BusKind == "" {
		c.Events.BusKind = "pubsub"
	}
	if c.Events.PublishTimeoutSec == 0 {
		c.Events.PublishTimeoutSec = 5
	}
	if c.Events.HeartbeatIntervalSec == 0 {
		c.Events.HeartbeatIntervalSec = 10
	}
	if c.Events.QueueDepth == 0 {
		c.Events.QueueDepth = 1000
	}
	if c.Management.BindAddr == "" {
		c.Management.BindAddr = "127.0.0.1:9443"
	}
	if c.Platform.Mode == "" {
		c.Platform.Mode = "tcp"
	}
	if c.Orchestrator.ScalingCheckIntervalSec == 0 {
		c.Orchestrator.ScalingCheckIntervalSec = 60
	}
	if c.Orchestrator.ScaleUpCPUThreshold == 0 {
		c.Orchestrator.ScaleUpCPUThreshold = 0.80
	}
	if c.Orchestrator.ScaleDownCPUThreshold == 0 {
		c.Orchestrator.ScaleDownCPUThreshold = 0.30
	}
	if c.Orchestrator.ScaleUpStreakRequired == 0 {
		c.Orchestrator.ScaleUpStreakRequired = 2
	}
	if c.Orchestrator.ScaleDownStreakRequired == 0 {
		c.Orchestrator.ScaleDownStreakRequired = 5
	}
	if c.Orchestrator.TerminationGraceSec == 0 {
		c.Orchestrator.TerminationGraceSec = 30
	}
	if c.Orchestrator.BehavioralWindowSec == 0 {
		c.Orchestrator.BehavioralWindowSec = 60
	}
	if c.Orchestrator.BehavioralBucketSec == 0 {
		c.Orchestrator.BehavioralBucketSec = 5
	}
	if c.Orchestrator.DashboardBindAddr == "" {
		c.Orchestrator.DashboardBindAddr = "127.0.0.1:9444"
	}
}

// Validate rejects a config that would make a component's invariants
// unsatisfiable. It never partially mutates c.
func (c *Config) Validate() error {
	switch c.Platform.Mode {
	case "tcp", "syn", "l7", "auto":
	default:
		return fmt.Errorf("platform.mode must be one of tcp|syn|l7|auto, got %q", c.Platform.Mode)
	}
	if c.Waf.RulesFormat != "json" && c.Waf.RulesFormat != "yaml" {
		return fmt.Errorf("waf.rules_format must be json or yaml, got %q", c.Waf.RulesFormat)
	}
	if c.DDoS.RateLimiting.RequestsPerSecond <= 0 {
		return fmt.Errorf("ddos.rate_limiting.requests_per_second must be > 0")
	}
	if c.DDoS.RateLimiting.BurstSize <= 0 {
		return fmt.Errorf("ddos.rate_limiting.burst_size must be > 0")
	}
	if c.Network.GracePeriodSec <= 0 {
		return fmt.Errorf("network.grace_period_sec must be > 0")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// singleton support, mirroring the teacher's Get()/once pattern, used by the
// cmd/ entry points.
var (
	instance *Config
	once     sync.Once
	initErr  error
)

// Get loads (once) the config file named by the SECBEAT_CONFIG_PATH
// environment variable, defaulting to "config.yaml".
func Get() (*Config, error) {
	once.Do(func() {
		instance, initErr = LoadConfig(getEnv("SECBEAT_CONFIG_PATH", "config.yaml"))
	})
	return instance, initErr
}
