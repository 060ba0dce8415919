// Package config loads boxd's YAML configuration file and applies
// BOXD_*-prefixed environment overrides on top: load then override.
// There is no per-tenant Manager override map here — a single box has
// no tenants — just boxd's server/storage/monitoring/identity
// sections.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the full boxd process configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Identity   IdentityConfig   `yaml:"identity"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig governs the IPROTO listener and its worker pool.
type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	IprotoThreads       int    `yaml:"iproto_threads"`
	ReadaheadBytes      int    `yaml:"readahead"`
	NetMsgMax           int    `yaml:"net_msg_max"`
	FiberPoolSizeFactor int    `yaml:"fiber_pool_size_factor"`
	WebsocketBridgeAddr string `yaml:"websocket_bridge_addr"` // empty disables the bridge
	AdminPassword       string `yaml:"admin_password"`        // bootstrap password for the admin principal
}

// IprotoThreadsMax bounds ServerConfig.IprotoThreads.
const IprotoThreadsMax = 1000

// StorageConfig governs where the WAL and vy_log segments live, and
// how DML is ultimately executed.
type StorageConfig struct {
	VinylDir     string `yaml:"vinyl_dir"`
	WalDir       string `yaml:"wal_dir"`
	Engine       string `yaml:"engine"` // "memtx" or "postgres"
	PostgresDSN  string `yaml:"postgres_dsn"`
	CheckpointOn bool   `yaml:"checkpoint_on_rotate"`
}

// MonitoringConfig governs the Prometheus exporter and health check.
type MonitoringConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
}

// IdentityConfig governs SPIFFE/SPIRE verification of replica peers
// joining via JOIN/SUBSCRIBE — see DESIGN.md.
type IdentityConfig struct {
	Enabled           bool   `yaml:"enabled"`
	TrustDomain       string `yaml:"trust_domain"`
	WorkloadAPISocket string `yaml:"workload_api_socket"`
}

// LoggingConfig governs the shared slog.Logger every component is
// handed.
type LoggingConfig struct {
	Level  string `yaml:"level"` // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loading it from
// BOXD_CONFIG_PATH (default "boxd.yaml") on first call.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load(getEnv("BOXD_CONFIG_PATH", "boxd.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.ListenAddr = getEnv("BOXD_LISTEN_ADDR", c.Server.ListenAddr)
	if v := getEnvInt("BOXD_IPROTO_THREADS", 0); v > 0 {
		c.Server.IprotoThreads = v
	}
	if v := getEnvInt("BOXD_READAHEAD", 0); v > 0 {
		c.Server.ReadaheadBytes = v
	}
	if v := getEnvInt("BOXD_NET_MSG_MAX", 0); v > 0 {
		c.Server.NetMsgMax = v
	}
	c.Server.WebsocketBridgeAddr = getEnv("BOXD_WEBSOCKET_BRIDGE_ADDR", c.Server.WebsocketBridgeAddr)
	c.Server.AdminPassword = getEnv("BOXD_ADMIN_PASSWORD", c.Server.AdminPassword)

	c.Storage.VinylDir = getEnv("BOXD_VINYL_DIR", c.Storage.VinylDir)
	c.Storage.WalDir = getEnv("BOXD_WAL_DIR", c.Storage.WalDir)
	c.Storage.Engine = getEnv("BOXD_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.PostgresDSN = getEnv("BOXD_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Monitoring.MetricsAddr = getEnv("BOXD_METRICS_ADDR", c.Monitoring.MetricsAddr)
	c.Monitoring.HealthAddr = getEnv("BOXD_HEALTH_ADDR", c.Monitoring.HealthAddr)

	c.Identity.Enabled = getEnvBool("BOXD_IDENTITY_ENABLED", c.Identity.Enabled)
	c.Identity.TrustDomain = getEnv("BOXD_TRUST_DOMAIN", c.Identity.TrustDomain)
	c.Identity.WorkloadAPISocket = getEnv("BOXD_WORKLOAD_API_SOCKET", c.Identity.WorkloadAPISocket)

	c.Logging.Level = getEnv("BOXD_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("BOXD_LOG_FORMAT", c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0:3301"
	}
	if c.Server.IprotoThreads == 0 {
		c.Server.IprotoThreads = 1
	}
	if c.Server.IprotoThreads > IprotoThreadsMax {
		c.Server.IprotoThreads = IprotoThreadsMax
	}
	if c.Server.ReadaheadBytes == 0 {
		c.Server.ReadaheadBytes = 16 * 1024
	}
	if c.Server.NetMsgMax == 0 {
		c.Server.NetMsgMax = 768
	}
	if c.Server.FiberPoolSizeFactor == 0 {
		c.Server.FiberPoolSizeFactor = 5
	}
	if c.Storage.VinylDir == "" {
		c.Storage.VinylDir = "./vinyl"
	}
	if c.Storage.WalDir == "" {
		c.Storage.WalDir = "./wal"
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = "memtx"
	}
	if c.Server.AdminPassword == "" {
		c.Server.AdminPassword = "admin"
		slog.Warn("admin_password not set, using insecure default; set BOXD_ADMIN_PASSWORD or server.admin_password in production")
	}
	if c.Monitoring.MetricsAddr == "" {
		c.Monitoring.MetricsAddr = "0.0.0.0:9301"
	}
	if c.Monitoring.HealthAddr == "" {
		c.Monitoring.HealthAddr = c.Monitoring.MetricsAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
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

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// Level returns the parsed slog.Level for Logging.Level, defaulting
// to Info on an unrecognized value.
func (c *Config) Level() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
