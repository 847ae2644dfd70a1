// Package config handles loading and validating the rosterline.yaml
// configuration. Every tunable has a sensible default so a local deployment
// runs with zero config; environment variables override file values so
// containerized deployments need no file at all.
//
// The loaded Config is immutable and threaded through constructors — nothing
// outside this package and main reads the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults for the orchestration plane.
const (
	DefaultListenAddr        = "127.0.0.1:8080"
	DefaultBucket            = "rosterline"
	DefaultQueueName         = "rosterline:jobs"
	DefaultRegion            = "local"
	DefaultVisibilityTimeout = 12 * time.Hour
	DefaultMaxCaseSize       = 10 << 20 // 10 MiB
	DefaultJanitorCron       = "0 * * * *"
	DefaultJobRetentionDays  = 7
	DefaultStoreRetries      = 5
	DefaultCASRetries        = 8
	DefaultAllocRetries      = 16
)

// S3 holds object store connection settings.
type S3 struct {
	Endpoint        string        `yaml:"endpoint"`
	AccessKey       string        `yaml:"access_key"`
	SecretKey       string        `yaml:"secret_key"`
	Bucket          string        `yaml:"bucket"`
	UseSSL          bool          `yaml:"use_ssl"`
	MetadataTimeout time.Duration `yaml:"metadata_timeout"` // list/head/delete ops
	DataTimeout     time.Duration `yaml:"data_timeout"`     // get/put ops
}

// Queue holds job queue settings.
type Queue struct {
	RedisURL          string        `yaml:"redis_url"` // redis://[:password@]host:port[/db]
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// Janitor holds background cleanup settings.
type Janitor struct {
	Cron             string `yaml:"cron"`               // standard 5-field cron expression
	JobRetentionDays int    `yaml:"job_retention_days"` // terminal runs' jobs/ objects TTL
}

// Retry holds the bounded retry limits for store, CAS, and allocation loops.
type Retry struct {
	Store      int `yaml:"store"`      // transient object-store errors
	CAS        int `yaml:"cas"`        // registry compare-and-swap
	Allocation int `yaml:"allocation"` // result counter contention
}

// Config is the top-level rosterline.yaml configuration.
type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	Region      string   `yaml:"region"`
	CORSOrigins []string `yaml:"cors_origins"`
	MaxCaseSize int64    `yaml:"max_case_size"`
	S3          S3       `yaml:"s3"`
	Queue       Queue    `yaml:"queue"`
	Janitor     Janitor  `yaml:"janitor"`
	Retry       Retry    `yaml:"retry"`
}

// Default returns a Config with all defaults applied (no S3 endpoint, no
// Redis URL — the daemons fall back to in-memory backends for development).
func Default() *Config {
	return &Config{
		ListenAddr:  DefaultListenAddr,
		Region:      DefaultRegion,
		MaxCaseSize: DefaultMaxCaseSize,
		S3: S3{
			Bucket: DefaultBucket,
		},
		Queue: Queue{
			Name:              DefaultQueueName,
			VisibilityTimeout: DefaultVisibilityTimeout,
		},
		Janitor: Janitor{
			Cron:             DefaultJanitorCron,
			JobRetentionDays: DefaultJobRetentionDays,
		},
		Retry: Retry{
			Store:      DefaultStoreRetries,
			CAS:        DefaultCASRetries,
			Allocation: DefaultAllocRetries,
		},
	}
}

// ResolvePath finds the config file path.
// Priority: ROSTER_CONFIG env var > ./rosterline.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("ROSTER_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("rosterline.yaml"); err == nil {
		return "rosterline.yaml"
	}
	return ""
}

// Load parses a rosterline.yaml file, applies environment overrides, and
// validates the result. If path is empty, only defaults and env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Env wins over
// file so container deployments can ship a baked-in file and still tune
// per-environment settings.
func (c *Config) applyEnv() error {
	setStr := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setStr(&c.ListenAddr, "ROSTER_LISTEN_ADDR")
	setStr(&c.Region, "ROSTER_REGION")
	setStr(&c.S3.Endpoint, "S3_ENDPOINT")
	setStr(&c.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&c.S3.SecretKey, "S3_SECRET_KEY")
	setStr(&c.S3.Bucket, "S3_BUCKET")
	setStr(&c.Queue.RedisURL, "REDIS_URL")
	setStr(&c.Queue.Name, "QUEUE_NAME")
	setStr(&c.Janitor.Cron, "JANITOR_CRON")

	if v := os.Getenv("S3_USE_SSL"); v != "" {
		c.S3.UseSSL = v == "true"
	}
	for _, d := range []struct {
		dst  *time.Duration
		name string
	}{
		{&c.S3.MetadataTimeout, "S3_METADATA_TIMEOUT"},
		{&c.S3.DataTimeout, "S3_DATA_TIMEOUT"},
		{&c.Queue.VisibilityTimeout, "QUEUE_VISIBILITY_TIMEOUT"},
	} {
		if v := os.Getenv(d.name); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s=%q: must be a valid Go duration (e.g. 10s, 2m): %w", d.name, v, err)
			}
			*d.dst = parsed
		}
	}
	if v := os.Getenv("MAX_CASE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_CASE_SIZE=%q: must be an integer byte count: %w", v, err)
		}
		c.MaxCaseSize = n
	}
	if v := os.Getenv("JOB_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOB_RETENTION_DAYS=%q: must be an integer: %w", v, err)
		}
		c.Janitor.JobRetentionDays = n
	}
	return nil
}

// applyDefaults fills in zero values left by a sparse file or env.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if c.MaxCaseSize <= 0 {
		c.MaxCaseSize = DefaultMaxCaseSize
	}
	if c.S3.Bucket == "" {
		c.S3.Bucket = DefaultBucket
	}
	if c.Queue.Name == "" {
		c.Queue.Name = DefaultQueueName
	}
	if c.Queue.VisibilityTimeout <= 0 {
		c.Queue.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.Janitor.Cron == "" {
		c.Janitor.Cron = DefaultJanitorCron
	}
	if c.Janitor.JobRetentionDays <= 0 {
		c.Janitor.JobRetentionDays = DefaultJobRetentionDays
	}
	if c.Retry.Store <= 0 {
		c.Retry.Store = DefaultStoreRetries
	}
	if c.Retry.CAS <= 0 {
		c.Retry.CAS = DefaultCASRetries
	}
	if c.Retry.Allocation <= 0 {
		c.Retry.Allocation = DefaultAllocRetries
	}
}

// validate checks values that would otherwise fail deep inside a dependency.
func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: must be host:port: %w", c.ListenAddr, err)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(c.Janitor.Cron); err != nil {
		return fmt.Errorf("janitor cron %q: %w", c.Janitor.Cron, err)
	}
	return nil
}
