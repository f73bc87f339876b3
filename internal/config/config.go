package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/proxyfetch/internal/progress"
)

// Config defines configuration for the proxyfetch CLI.
type Config struct {
	Proxies      []string        `yaml:"proxies"`
	ProxyList    ObjectRef       `yaml:"proxy_list"`
	URLs         []string        `yaml:"urls"`
	URLFile      string          `yaml:"url_file"`
	Retries      bool            `yaml:"retries"`
	Workers      int             `yaml:"workers"`
	MaxAttempts  int             `yaml:"max_attempts"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Throttle     ThrottleConfig  `yaml:"throttle"`
	HTTP         HTTPConfig      `yaml:"http"`
	Output       OutputConfig    `yaml:"output"`
	Progress     bool            `yaml:"progress"`
}

// ObjectRef names a single object in a blob bucket.
type ObjectRef struct {
	Bucket string `yaml:"bucket"`
	Object string `yaml:"object"`
}

// RateLimitConfig caps how fast requests are dispatched. RPS 0 means
// unlimited.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ThrottleConfig tunes the retry delay controller.
type ThrottleConfig struct {
	Budget              time.Duration `yaml:"budget"`
	Growth              float64       `yaml:"growth"`
	RecoveryProbability float64       `yaml:"recovery_probability"`
	InitialDelay        time.Duration `yaml:"initial_delay"`
}

// HTTPConfig tunes the per-proxy transports. MaxBodySize 0 means
// unlimited.
type HTTPConfig struct {
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxBodySize         int64         `yaml:"max_body_size"`
}

// OutputConfig is where fetched content is written. An empty bucket
// disables persistence.
type OutputConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Retries:      true,
		Workers:      64,
		PollInterval: 100 * time.Millisecond,
		Throttle: ThrottleConfig{
			Budget:              10 * time.Minute,
			Growth:              2.1,
			RecoveryProbability: 0.05,
			InitialDelay:        time.Millisecond,
		},
		HTTP: HTTPConfig{
			MaxIdleConnsPerHost: 100,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Proxies      []string           `yaml:"proxies"`
	ProxyList    ObjectRef          `yaml:"proxy_list"`
	URLs         []string           `yaml:"urls"`
	URLFile      string             `yaml:"url_file"`
	Retries      *bool              `yaml:"retries"`
	Workers      int                `yaml:"workers"`
	MaxAttempts  int                `yaml:"max_attempts"`
	PollInterval string             `yaml:"poll_interval"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Throttle     yamlThrottleConfig `yaml:"throttle"`
	HTTP         yamlHTTPConfig     `yaml:"http"`
	Output       OutputConfig       `yaml:"output"`
	Progress     bool               `yaml:"progress"`
}

type yamlThrottleConfig struct {
	Budget              string   `yaml:"budget"`
	Growth              float64  `yaml:"growth"`
	RecoveryProbability *float64 `yaml:"recovery_probability"`
	InitialDelay        string   `yaml:"initial_delay"`
}

type yamlHTTPConfig struct {
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
	Timeout             string `yaml:"timeout"`
	MaxBodySize         string `yaml:"max_body_size"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if len(yc.Proxies) > 0 {
		cfg.Proxies = yc.Proxies
	}
	if yc.ProxyList.Bucket != "" {
		cfg.ProxyList.Bucket = yc.ProxyList.Bucket
	}
	if yc.ProxyList.Object != "" {
		cfg.ProxyList.Object = yc.ProxyList.Object
	}
	if len(yc.URLs) > 0 {
		cfg.URLs = yc.URLs
	}
	if yc.URLFile != "" {
		cfg.URLFile = yc.URLFile
	}
	if yc.Retries != nil {
		cfg.Retries = *yc.Retries
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.MaxAttempts != 0 {
		cfg.MaxAttempts = yc.MaxAttempts
	}
	if err := parseDuration("poll_interval", yc.PollInterval, &cfg.PollInterval); err != nil {
		return Config{}, err
	}
	if yc.RateLimit.RPS != 0 {
		cfg.RateLimit.RPS = yc.RateLimit.RPS
	}
	if yc.RateLimit.Burst != 0 {
		cfg.RateLimit.Burst = yc.RateLimit.Burst
	}
	if err := parseDuration("throttle.budget", yc.Throttle.Budget, &cfg.Throttle.Budget); err != nil {
		return Config{}, err
	}
	if yc.Throttle.Growth != 0 {
		cfg.Throttle.Growth = yc.Throttle.Growth
	}
	if yc.Throttle.RecoveryProbability != nil {
		cfg.Throttle.RecoveryProbability = *yc.Throttle.RecoveryProbability
	}
	if err := parseDuration("throttle.initial_delay", yc.Throttle.InitialDelay, &cfg.Throttle.InitialDelay); err != nil {
		return Config{}, err
	}
	if yc.HTTP.MaxIdleConnsPerHost != 0 {
		cfg.HTTP.MaxIdleConnsPerHost = yc.HTTP.MaxIdleConnsPerHost
	}
	if err := parseDuration("http.timeout", yc.HTTP.Timeout, &cfg.HTTP.Timeout); err != nil {
		return Config{}, err
	}
	if yc.HTTP.MaxBodySize != "" {
		size, err := progress.ParseBytes(yc.HTTP.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("invalid http.max_body_size: %w", err)
		}
		cfg.HTTP.MaxBodySize = size
	}
	if yc.Output.Bucket != "" {
		cfg.Output.Bucket = yc.Output.Bucket
	}
	if yc.Output.Prefix != "" {
		cfg.Output.Prefix = yc.Output.Prefix
	}
	cfg.Progress = yc.Progress

	return cfg, nil
}

func parseDuration(key, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PROXYFETCH_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PROXYFETCH_PROXIES"); v != "" {
		c.Proxies = splitList(v)
	}
	if v := os.Getenv("PROXYFETCH_PROXY_LIST_BUCKET"); v != "" {
		c.ProxyList.Bucket = v
	}
	if v := os.Getenv("PROXYFETCH_PROXY_LIST_OBJECT"); v != "" {
		c.ProxyList.Object = v
	}
	if v := os.Getenv("PROXYFETCH_URL_FILE"); v != "" {
		c.URLFile = v
	}
	if v := os.Getenv("PROXYFETCH_RETRIES"); v != "" {
		c.Retries = v == "true" || v == "1"
	}
	if v := os.Getenv("PROXYFETCH_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("PROXYFETCH_OUTPUT_BUCKET"); v != "" {
		c.Output.Bucket = v
	}
	if v := os.Getenv("PROXYFETCH_OUTPUT_PREFIX"); v != "" {
		c.Output.Prefix = v
	}
	if v := os.Getenv("PROXYFETCH_HTTP_MAX_BODY_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse PROXYFETCH_HTTP_MAX_BODY_SIZE: %w", err)
		}
		c.HTTP.MaxBodySize = size
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PROXYFETCH_WORKERS", &c.Workers},
		{"PROXYFETCH_MAX_ATTEMPTS", &c.MaxAttempts},
		{"PROXYFETCH_RATE_LIMIT_BURST", &c.RateLimit.Burst},
		{"PROXYFETCH_HTTP_MAX_IDLE_CONNS_PER_HOST", &c.HTTP.MaxIdleConnsPerHost},
	}
	for _, e := range ints {
		if v := os.Getenv(e.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.name, err)
			}
			*e.dst = n
		}
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"PROXYFETCH_RATE_LIMIT_RPS", &c.RateLimit.RPS},
		{"PROXYFETCH_THROTTLE_GROWTH", &c.Throttle.Growth},
		{"PROXYFETCH_THROTTLE_RECOVERY_PROBABILITY", &c.Throttle.RecoveryProbability},
	}
	for _, e := range floats {
		if v := os.Getenv(e.name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.name, err)
			}
			*e.dst = f
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"PROXYFETCH_POLL_INTERVAL", &c.PollInterval},
		{"PROXYFETCH_THROTTLE_BUDGET", &c.Throttle.Budget},
		{"PROXYFETCH_THROTTLE_INITIAL_DELAY", &c.Throttle.InitialDelay},
		{"PROXYFETCH_HTTP_TIMEOUT", &c.HTTP.Timeout},
	}
	for _, e := range durations {
		if err := parseDuration(e.name, os.Getenv(e.name), e.dst); err != nil {
			return err
		}
	}

	return nil
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the configuration. URLs are not required here since
// not every command fetches.
func (c *Config) Validate() error {
	if len(c.Proxies) == 0 && c.ProxyList.Bucket == "" {
		return errors.New("config: proxies or proxy_list is required")
	}
	if c.ProxyList.Bucket != "" && c.ProxyList.Object == "" {
		return errors.New("config: proxy_list.object is required with proxy_list.bucket")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.MaxAttempts < 0 {
		return errors.New("config: max_attempts must not be negative")
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.Throttle.Budget <= 0 {
		return errors.New("config: throttle.budget must be positive")
	}
	if c.Throttle.Growth < 1 {
		return errors.New("config: throttle.growth must be at least 1")
	}
	if c.Throttle.RecoveryProbability < 0 || c.Throttle.RecoveryProbability > 1 {
		return errors.New("config: throttle.recovery_probability must be within [0, 1]")
	}
	if c.Throttle.InitialDelay <= 0 {
		return errors.New("config: throttle.initial_delay must be positive")
	}
	if c.HTTP.MaxIdleConnsPerHost <= 0 {
		return errors.New("config: http.max_idle_conns_per_host must be positive")
	}
	if c.HTTP.Timeout < 0 {
		return errors.New("config: http.timeout must not be negative")
	}
	if c.HTTP.MaxBodySize < 0 {
		return errors.New("config: http.max_body_size must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored. Retries and
// Throttle.RecoveryProbability have meaningful zero values, so they are
// never merged; set them from the file, the environment or directly.
func (c Config) Merge(override Config) Config {
	if len(override.Proxies) > 0 {
		c.Proxies = override.Proxies
	}
	if override.ProxyList.Bucket != "" {
		c.ProxyList.Bucket = override.ProxyList.Bucket
	}
	if override.ProxyList.Object != "" {
		c.ProxyList.Object = override.ProxyList.Object
	}
	if len(override.URLs) > 0 {
		c.URLs = override.URLs
	}
	if override.URLFile != "" {
		c.URLFile = override.URLFile
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.MaxAttempts != 0 {
		c.MaxAttempts = override.MaxAttempts
	}
	if override.PollInterval != 0 {
		c.PollInterval = override.PollInterval
	}
	if override.RateLimit.RPS != 0 {
		c.RateLimit.RPS = override.RateLimit.RPS
	}
	if override.RateLimit.Burst != 0 {
		c.RateLimit.Burst = override.RateLimit.Burst
	}
	if override.Throttle.Budget != 0 {
		c.Throttle.Budget = override.Throttle.Budget
	}
	if override.Throttle.Growth != 0 {
		c.Throttle.Growth = override.Throttle.Growth
	}
	if override.Throttle.InitialDelay != 0 {
		c.Throttle.InitialDelay = override.Throttle.InitialDelay
	}
	if override.HTTP.MaxIdleConnsPerHost != 0 {
		c.HTTP.MaxIdleConnsPerHost = override.HTTP.MaxIdleConnsPerHost
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.HTTP.MaxBodySize != 0 {
		c.HTTP.MaxBodySize = override.HTTP.MaxBodySize
	}
	if override.Output.Bucket != "" {
		c.Output.Bucket = override.Output.Bucket
	}
	if override.Output.Prefix != "" {
		c.Output.Prefix = override.Output.Prefix
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	return c
}
