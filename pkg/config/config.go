// Package config loads client settings from defaults, an optional YAML file,
// a .env file and GROUPSYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mahaj/groupsync/pkg/cache"
)

const envPrefix = "GROUPSYNC_"

type Config struct {
	APIURL  string `yaml:"api_url"`
	PushURL string `yaml:"push_url"`
	Token   string `yaml:"token"`
	// UID defaults to the user id in Token.
	UID      string `yaml:"uid"`
	UserName string `yaml:"user_name"`
	GroupID  string `yaml:"group_id"`
	// Language is sent with task completions.
	Language string `yaml:"language"`

	PageSize            int           `yaml:"page_size"`
	ReadReceiptInterval time.Duration `yaml:"read_receipt_interval"`

	Log         LogConfig     `yaml:"log"`
	Cache       CacheConfig   `yaml:"cache"`
	Journal     JournalConfig `yaml:"journal"`
	MetricsAddr string        `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CacheConfig struct {
	Backend   string        `yaml:"backend"`
	Path      string        `yaml:"path"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type JournalConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func Default() *Config {
	return &Config{
		APIURL:              "http://localhost:5001/api",
		PushURL:             "ws://localhost:5001/ws",
		Language:            "en",
		PageSize:            20,
		ReadReceiptInterval: 2 * time.Second,
		Log:                 LogConfig{Level: "info", Format: "console"},
		Cache: CacheConfig{
			Backend:   cache.BackendNone,
			Path:      ".groupsync/cache",
			RedisAddr: "localhost:6379",
			TTL:       cache.DefaultRedisTTL,
		},
		Journal: JournalConfig{Topic: "groupsync-events"},
	}
}

// Load builds the configuration. path and envFile may be empty; a missing
// envFile is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("API_URL", &c.APIURL)
	str("PUSH_URL", &c.PushURL)
	str("TOKEN", &c.Token)
	str("UID", &c.UID)
	str("USER_NAME", &c.UserName)
	str("GROUP", &c.GroupID)
	str("LANGUAGE", &c.Language)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("CACHE_PATH", &c.Cache.Path)
	str("REDIS_ADDR", &c.Cache.RedisAddr)
	str("KAFKA_TOPIC", &c.Journal.Topic)
	str("METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup(envPrefix + "KAFKA_BROKERS"); ok && v != "" {
		c.Journal.Brokers = splitList(v)
	}
	if v, ok := lookup(envPrefix + "PAGE_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPAGE_SIZE: %w", envPrefix, err)
		}
		c.PageSize = n
	}
	if v, ok := lookup(envPrefix + "READ_RECEIPT_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREAD_RECEIPT_INTERVAL: %w", envPrefix, err)
		}
		c.ReadReceiptInterval = d
	}
	if v, ok := lookup(envPrefix + "CACHE_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCACHE_TTL: %w", envPrefix, err)
		}
		c.Cache.TTL = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if err := checkURL("api_url", c.APIURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("push_url", c.PushURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size must be positive, got %d", c.PageSize))
	}
	if c.ReadReceiptInterval < 0 {
		errs = append(errs, errors.New("read_receipt_interval must not be negative"))
	}
	switch c.Cache.Backend {
	case cache.BackendNone, "":
	case cache.BackendPebble:
		if c.Cache.Path == "" {
			errs = append(errs, errors.New("cache.path is required for the pebble backend"))
		}
	case cache.BackendRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if len(c.Journal.Brokers) > 0 && c.Journal.Topic == "" {
		errs = append(errs, errors.New("journal.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s %q: scheme must be one of %s", field, raw, strings.Join(schemes, ", "))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
