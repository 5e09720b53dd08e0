package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Jira     JiraConfig     `yaml:"jira"`
	Sync     SyncConfig     `yaml:"sync"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the asynq task queue. Disabled means sync jobs run
// in-process.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JiraConfig holds process-level JIRA client settings. Server bindings and
// credentials live in the database (jira_instances).
type JiraConfig struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// Identity recorded on finding changes driven by inbound JIRA events.
	SyncActor string `yaml:"sync_actor"`
	// Outbound webhook receiving alert copies, empty disables.
	AlertWebhook string `yaml:"alert_webhook"`
	// Directory where attachment file paths are resolved.
	MediaRoot string `yaml:"media_root"`
}

// SyncConfig controls the periodic JIRA status poller.
type SyncConfig struct {
	PollEnabled bool   `yaml:"poll_enabled"`
	PollCron    string `yaml:"poll_cron"`
}

// Load reads the yaml config file, falls back to defaults when the file is
// absent, and applies environment overrides last.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := defaults()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.fillZeroValues()
	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: "8080", Mode: "debug"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "vulnsync.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Jira:     JiraConfig{RequestTimeoutSeconds: 30, SyncActor: "JIRA", MediaRoot: "media"},
		Sync:     SyncConfig{PollCron: "@every 10m"},
	}
}

// fillZeroValues restores defaults a partial yaml file zeroed out.
func (c *Config) fillZeroValues() {
	if c.Jira.RequestTimeoutSeconds == 0 {
		c.Jira.RequestTimeoutSeconds = 30
	}
	if c.Jira.SyncActor == "" {
		c.Jira.SyncActor = "JIRA"
	}
	if c.Jira.MediaRoot == "" {
		c.Jira.MediaRoot = "media"
	}
	if c.Sync.PollCron == "" {
		c.Sync.PollCron = "@every 10m"
	}
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Server.Host, "SERVER_HOST")
	setFromEnv(&c.Server.Port, "SERVER_PORT")
	setFromEnv(&c.Server.Mode, "SERVER_MODE")
	setFromEnv(&c.Database.Driver, "DB_DRIVER")
	setFromEnv(&c.Database.DSN, "DB_DSN")
	setFromEnv(&c.Jira.SyncActor, "JIRA_SYNC_ACTOR")
	setFromEnv(&c.Jira.MediaRoot, "MEDIA_ROOT")

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.Redis.Addr, c.Redis.Password, c.Redis.DB = splitRedisURL(redisURL)
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// splitRedisURL parses redis://:password@host:port/db.
func splitRedisURL(url string) (addr, password string, db int) {
	url = strings.TrimPrefix(url, "redis://")

	if at := strings.Index(url, "@"); at != -1 {
		auth := url[:at]
		url = url[at+1:]
		if colon := strings.Index(auth, ":"); colon != -1 {
			password = auth[colon+1:]
		}
	}

	if slash := strings.LastIndex(url, "/"); slash != -1 {
		if n, err := strconv.Atoi(url[slash+1:]); err == nil {
			db = n
		}
		url = url[:slash]
	}
	return url, password, db
}
