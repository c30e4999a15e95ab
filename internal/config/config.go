package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Notify Server - Enhanced Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// PubSubConfig for Google Cloud Pub/Sub event bus
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

// CloudTasksConfig for durable cross-process sweep-tick dispatch
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

// NotifyConfig configures the watch/poll notification substrate: its
// caches, the outbound HMAC push-token signer, and the sweep scheduler.
type NotifyConfig struct {
	Caches    NotifyCachesConfig    `yaml:"caches"`
	Push      NotifyPushConfig      `yaml:"push"`
	Scheduler NotifySchedulerConfig `yaml:"scheduler"`
}

// NotifyCachesConfig bounds the poll coalescer's admission control and
// result LRU.
type NotifyCachesConfig struct {
	PollCacheMax   int `yaml:"poll_cache_max"`
	ResultCacheMax int `yaml:"result_cache_max"`
	ResultCacheTTL int `yaml:"result_cache_ttl_ms"`
}

// NotifyPushConfig configures the outbound HMAC push-token key used to
// mint and verify tokens exchanged with watched origins.
type NotifyPushConfig struct {
	HMACKeyID           string `yaml:"hmac_key_id"`
	SecretMultibase     string `yaml:"secret_multibase"`
	PrevSecretMultibase string `yaml:"prev_secret_multibase"`
}

// NotifySchedulerConfig configures the sweep/lease loop that re-checks
// registered watches on a schedule.
type NotifySchedulerConfig struct {
	LockExpirySec    int `yaml:"lock_expiry_sec"`
	RescheduleBaseMs int `yaml:"reschedule_base_ms"`
	SweepLimit       int `yaml:"sweep_limit"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("Config: failed to load config file: (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OCX_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OCX_INTERFACE", c.Server.Interface)

	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	// Pub/Sub
	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID // share project
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	// Cloud Tasks
	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	// Notify: caches
	if v := getEnvInt("NOTIFY_POLL_CACHE_MAX", 0); v > 0 {
		c.Notify.Caches.PollCacheMax = v
	}
	if v := getEnvInt("NOTIFY_RESULT_CACHE_MAX", 0); v > 0 {
		c.Notify.Caches.ResultCacheMax = v
	}
	if v := getEnvInt("NOTIFY_RESULT_CACHE_TTL_MS", 0); v > 0 {
		c.Notify.Caches.ResultCacheTTL = v
	}

	// Notify: push tokens
	c.Notify.Push.HMACKeyID = getEnv("NOTIFY_PUSH_HMAC_KEY_ID", c.Notify.Push.HMACKeyID)
	c.Notify.Push.SecretMultibase = getEnv("NOTIFY_PUSH_SECRET_MULTIBASE", c.Notify.Push.SecretMultibase)
	c.Notify.Push.PrevSecretMultibase = getEnv("NOTIFY_PUSH_PREV_SECRET_MULTIBASE", c.Notify.Push.PrevSecretMultibase)

	// Notify: scheduler
	if v := getEnvInt("NOTIFY_SCHEDULER_LOCK_EXPIRY_SEC", 0); v > 0 {
		c.Notify.Scheduler.LockExpirySec = v
	}
	if v := getEnvInt("NOTIFY_SCHEDULER_RESCHEDULE_BASE_MS", 0); v > 0 {
		c.Notify.Scheduler.RescheduleBaseMs = v
	}
	if v := getEnvInt("NOTIFY_SCHEDULER_SWEEP_LIMIT", 0); v > 0 {
		c.Notify.Scheduler.SweepLimit = v
	}

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "notify-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "notify-sweep-ticks"
	}

	// Notify defaults
	if c.Notify.Caches.PollCacheMax == 0 {
		c.Notify.Caches.PollCacheMax = 10000
	}
	if c.Notify.Caches.ResultCacheMax == 0 {
		c.Notify.Caches.ResultCacheMax = 100
	}
	if c.Notify.Caches.ResultCacheTTL == 0 {
		c.Notify.Caches.ResultCacheTTL = 30000 // 30s
	}
	if c.Notify.Push.HMACKeyID == "" {
		c.Notify.Push.HMACKeyID = "notify-key-1"
	}
	if c.Notify.Scheduler.LockExpirySec == 0 {
		c.Notify.Scheduler.LockExpirySec = 5
	}
	if c.Notify.Scheduler.RescheduleBaseMs == 0 {
		c.Notify.Scheduler.RescheduleBaseMs = 1000
	}
	if c.Notify.Scheduler.SweepLimit == 0 {
		c.Notify.Scheduler.SweepLimit = 10
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

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

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
