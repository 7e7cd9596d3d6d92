// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultTargets are the listing prefixes partitioned into tasks.
var DefaultTargets = []string{
	"https://stackoverflow.com/questions",
	"https://stackoverflow.com/questions/tagged/python",
	"https://stackoverflow.com/questions/tagged/javascript",
	"https://stackoverflow.com/questions/tagged/java",
	"https://stackoverflow.com/questions/tagged/c%23",
	"https://stackoverflow.com/questions/tagged/html",
	"https://stackoverflow.com/questions/tagged/css",
	"https://stackoverflow.com/questions/tagged/react",
	"https://stackoverflow.com/questions/tagged/node.js",
	"https://stackoverflow.com/questions/tagged/sql",
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Database DatabaseConfig `mapstructure:"database"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Export   ExportConfig   `mapstructure:"export"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the health server listeners.
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// AuthConfig holds the shared secret for privileged endpoints.
type AuthConfig struct {
	ShutdownKey string `mapstructure:"shutdown_key"`
}

// RedisConfig describes the coordination store connection.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig governs task planning and assignment.
type QueueConfig struct {
	PageBudget     int           `mapstructure:"page_budget"`
	PageRangeSize  int           `mapstructure:"page_range_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	ClaimTimeout   time.Duration `mapstructure:"claim_timeout"`
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	Targets        []string      `mapstructure:"targets"`
}

// WorkerConfig governs the worker loop and per-page pacing.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	IdleBackoff       time.Duration `mapstructure:"idle_backoff"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	FullContentRatio  float64       `mapstructure:"full_content_ratio"`
}

// ScraperConfig selects and tunes the scraping session implementation.
type ScraperConfig struct {
	Mode              string        `mapstructure:"mode"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	BrowserPath       string        `mapstructure:"browser_path"`
}

// DatabaseConfig controls the question store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// FleetConfig controls the scaler and its provisioner.
type FleetConfig struct {
	Provider           string        `mapstructure:"provider"`
	MinInstances       int           `mapstructure:"min_instances"`
	MaxInstances       int           `mapstructure:"max_instances"`
	ScaleUpThreshold   int64         `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold int64         `mapstructure:"scale_down_threshold"`
	TasksPerInstance   int64         `mapstructure:"tasks_per_instance"`
	ScaleDownStep      int64         `mapstructure:"scale_down_step"`
	Interval           time.Duration `mapstructure:"interval"`
	HealthPort         int           `mapstructure:"health_port"`
	BootGrace          time.Duration `mapstructure:"boot_grace"`
	EC2                EC2Config     `mapstructure:"ec2"`
}

// EC2Config holds launch parameters for EC2 instances.
type EC2Config struct {
	Region           string   `mapstructure:"region"`
	AMIID            string   `mapstructure:"ami_id"`
	InstanceType     string   `mapstructure:"instance_type"`
	KeyName          string   `mapstructure:"key_name"`
	SecurityGroupIDs []string `mapstructure:"security_group_ids"`
	SubnetID         string   `mapstructure:"subnet_id"`
	UserData         string   `mapstructure:"user_data"`
}

// MonitorConfig sets the background monitor cadence and alert thresholds.
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	CPUThreshold     float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold  float64       `mapstructure:"memory_threshold"`
	DiskThreshold    float64       `mapstructure:"disk_threshold"`
	PendingThreshold int64         `mapstructure:"pending_threshold"`
	DiskPath         string        `mapstructure:"disk_path"`
}

// ShutdownConfig tunes the remote shutdown drain.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// ExportConfig selects where question exports are written.
type ExportConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for task event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("auth.shutdown_key", "secure-key-change-me")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("queue.page_budget", 100000)
	v.SetDefault("queue.page_range_size", 50)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.claim_timeout", 30*time.Second)
	v.SetDefault("queue.liveness_window", 5*time.Minute)
	v.SetDefault("queue.targets", DefaultTargets)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.task_timeout", 300*time.Second)
	v.SetDefault("worker.idle_backoff", 10*time.Second)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker.shutdown_timeout", 60*time.Second)
	v.SetDefault("worker.min_delay", 2*time.Second)
	v.SetDefault("worker.max_delay", 5*time.Second)
	v.SetDefault("worker.full_content_ratio", 0.7)
	v.SetDefault("scraper.mode", "http")
	v.SetDefault("scraper.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("scraper.timeout", 30*time.Second)
	v.SetDefault("scraper.requests_per_second", 0.5)
	v.SetDefault("scraper.burst", 1)
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.browser_path", "")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "questions")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("fleet.provider", "memory")
	v.SetDefault("fleet.min_instances", 1)
	v.SetDefault("fleet.max_instances", 20)
	v.SetDefault("fleet.scale_up_threshold", 500)
	v.SetDefault("fleet.scale_down_threshold", 50)
	v.SetDefault("fleet.tasks_per_instance", 200)
	v.SetDefault("fleet.scale_down_step", 100)
	v.SetDefault("fleet.interval", 5*time.Minute)
	v.SetDefault("fleet.health_port", 8080)
	v.SetDefault("fleet.boot_grace", 10*time.Minute)
	v.SetDefault("fleet.ec2.region", "us-east-1")
	v.SetDefault("fleet.ec2.ami_id", "")
	v.SetDefault("fleet.ec2.instance_type", "t3.medium")
	v.SetDefault("fleet.ec2.key_name", "")
	v.SetDefault("fleet.ec2.security_group_ids", []string{})
	v.SetDefault("fleet.ec2.subnet_id", "")
	v.SetDefault("fleet.ec2.user_data", "")
	v.SetDefault("monitor.interval", 60*time.Second)
	v.SetDefault("monitor.cpu_threshold", 80.0)
	v.SetDefault("monitor.memory_threshold", 85.0)
	v.SetDefault("monitor.disk_threshold", 90.0)
	v.SetDefault("monitor.pending_threshold", 1000)
	v.SetDefault("monitor.disk_path", "/")
	v.SetDefault("shutdown.grace_period", 5*time.Second)
	v.SetDefault("export.provider", "local")
	v.SetDefault("export.base_dir", "exports")
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.prefix", "questions")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MetricsPort < 0 {
		return fmt.Errorf("server.metrics_port must be >= 0")
	}
	if c.Auth.ShutdownKey == "" {
		return fmt.Errorf("auth.shutdown_key must be set")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if c.Queue.PageRangeSize <= 0 {
		return fmt.Errorf("queue.page_range_size must be > 0")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be > 0")
	}
	if len(c.Queue.Targets) == 0 {
		return fmt.Errorf("queue.targets must not be empty")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.TaskTimeout <= 0 {
		return fmt.Errorf("worker.task_timeout must be > 0")
	}
	if c.Worker.MaxDelay < c.Worker.MinDelay {
		return fmt.Errorf("worker.max_delay must be >= worker.min_delay")
	}
	if c.Worker.FullContentRatio < 0 || c.Worker.FullContentRatio > 1 {
		return fmt.Errorf("worker.full_content_ratio must be within [0,1]")
	}
	switch c.Scraper.Mode {
	case "http", "browser", "auto":
	default:
		return fmt.Errorf("scraper.mode must be http, browser or auto")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres")
	}
	if c.Fleet.MinInstances < 0 || c.Fleet.MaxInstances < c.Fleet.MinInstances {
		return fmt.Errorf("fleet.max_instances must be >= fleet.min_instances >= 0")
	}
	if c.Fleet.TasksPerInstance <= 0 || c.Fleet.ScaleDownStep <= 0 {
		return fmt.Errorf("fleet.tasks_per_instance and fleet.scale_down_step must be > 0")
	}
	switch c.Fleet.Provider {
	case "memory":
	case "ec2":
		if c.Fleet.EC2.AMIID == "" {
			return fmt.Errorf("fleet.ec2.ami_id is required for the ec2 provider")
		}
	default:
		return fmt.Errorf("fleet.provider must be memory or ec2")
	}
	switch c.Export.Provider {
	case "local", "gcs":
	default:
		return fmt.Errorf("export.provider must be local or gcs")
	}
	return nil
}
