package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"mini-pool/manager"
	"mini-pool/middleware"
	"mini-pool/route"
	"mini-pool/transport"
)

// Config is the on-disk configuration of a pooling client.
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Socket   SocketConfig   `yaml:"socket"`
	Dial     DialConfig     `yaml:"dial"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Registry RegistryConfig `yaml:"registry"`
}

// PoolConfig holds capacity and expiry settings.
type PoolConfig struct {
	MaxTotal           int `yaml:"max_total"`
	DefaultMaxPerRoute int `yaml:"default_max_per_route"`
	// MaxPerRoute overrides the per-route cap, keyed by "scheme://host[:port]".
	MaxPerRoute             map[string]int `yaml:"max_per_route"`
	LeaseTimeout            time.Duration  `yaml:"lease_timeout"`
	KeepAlive               time.Duration  `yaml:"keep_alive"`
	IdleTimeout             time.Duration  `yaml:"idle_timeout"`
	SweepInterval           time.Duration  `yaml:"sweep_interval"`
	ValidateAfterInactivity time.Duration  `yaml:"validate_after_inactivity"`
}

// SocketConfig represents socket options
type SocketConfig struct {
	SoTimeout  time.Duration `yaml:"so_timeout"`
	KeepAlive  time.Duration `yaml:"tcp_keep_alive"`
	TCPNoDelay bool          `yaml:"tcp_no_delay"`
	BufferSize int           `yaml:"buffer_size"`
}

// DialConfig bounds connection creation.
type DialConfig struct {
	// Rate is the number of connections created per second, 0 for unlimited.
	Rate           float64       `yaml:"rate"`
	Burst          int           `yaml:"burst"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CreateTimeout  time.Duration `yaml:"create_timeout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig represents statsd settings
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Address  string        `yaml:"address"`
	Prefix   string        `yaml:"prefix"`
	Interval time.Duration `yaml:"interval"`
}

// RegistryConfig represents the etcd registry settings. Discovery is off
// while Endpoints is empty.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxTotal:           20,
			DefaultMaxPerRoute: 2,
			LeaseTimeout:       30 * time.Second,
			KeepAlive:          30 * time.Second,
			IdleTimeout:        time.Minute,
			SweepInterval:      10 * time.Second,
		},
		Socket: SocketConfig{
			TCPNoDelay: true,
			BufferSize: transport.DefaultConnConfig().BufferSize,
		},
		Dial: DialConfig{
			ConnectTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address:  "127.0.0.1:8125",
			Prefix:   "minipool.",
			Interval: 10 * time.Second,
		},
		Registry: RegistryConfig{
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies MINIPOOL_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	ints := map[string]*int{
		"MINIPOOL_MAX_TOTAL":     &cfg.Pool.MaxTotal,
		"MINIPOOL_MAX_PER_ROUTE": &cfg.Pool.DefaultMaxPerRoute,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"MINIPOOL_LEASE_TIMEOUT":   &cfg.Pool.LeaseTimeout,
		"MINIPOOL_KEEP_ALIVE":      &cfg.Pool.KeepAlive,
		"MINIPOOL_CONNECT_TIMEOUT": &cfg.Dial.ConnectTimeout,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("MINIPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MINIPOOL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MINIPOOL_STATSD_ADDR"); v != "" {
		cfg.Metrics.Address = v
		cfg.Metrics.Enabled = true
	}
	if v := os.Getenv("MINIPOOL_ETCD_ENDPOINTS"); v != "" {
		cfg.Registry.Endpoints = strings.Split(v, ",")
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Pool.MaxTotal <= 0 {
		return fmt.Errorf("pool.max_total must be positive, got %d", c.Pool.MaxTotal)
	}
	if c.Pool.DefaultMaxPerRoute <= 0 {
		return fmt.Errorf("pool.default_max_per_route must be positive, got %d", c.Pool.DefaultMaxPerRoute)
	}
	for host, n := range c.Pool.MaxPerRoute {
		if n <= 0 {
			return fmt.Errorf("pool.max_per_route[%s] must be positive, got %d", host, n)
		}
		if _, err := route.ParseHost(host); err != nil {
			return fmt.Errorf("pool.max_per_route: %w", err)
		}
	}
	if c.Pool.LeaseTimeout < 0 || c.Pool.IdleTimeout < 0 || c.Pool.SweepInterval < 0 || c.Pool.ValidateAfterInactivity < 0 {
		return fmt.Errorf("pool durations cannot be negative")
	}
	if c.Socket.BufferSize < 0 {
		return fmt.Errorf("socket.buffer_size cannot be negative")
	}
	if c.Dial.Rate < 0 {
		return fmt.Errorf("dial.rate cannot be negative")
	}
	if c.Dial.Rate > 0 && c.Dial.Burst <= 0 {
		return fmt.Errorf("dial.burst must be positive when dial.rate is set")
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return fmt.Errorf("metrics enabled but no address given")
		}
		if c.Metrics.Interval <= 0 {
			return fmt.Errorf("metrics.interval must be positive")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Limits converts the pool section into manager limits. Each override
// applies to the direct route the default planner derives from its host.
func (c *Config) Limits() (manager.Limits, error) {
	limits := manager.Limits{
		MaxTotal:           c.Pool.MaxTotal,
		DefaultMaxPerRoute: c.Pool.DefaultMaxPerRoute,
	}
	if len(c.Pool.MaxPerRoute) == 0 {
		return limits, nil
	}

	planner := &route.DefaultPlanner{}
	limits.PerRoute = make(map[route.Route]int, len(c.Pool.MaxPerRoute))
	for s, n := range c.Pool.MaxPerRoute {
		host, err := route.ParseHost(s)
		if err != nil {
			return manager.Limits{}, err
		}
		r, err := planner.Plan(&host, route.Request{})
		if err != nil {
			return manager.Limits{}, err
		}
		limits.PerRoute[r] = n
	}
	return limits, nil
}

// SocketOptions returns the socket section as transport settings.
func (c *Config) SocketOptions() transport.SocketConfig {
	return transport.SocketConfig{
		SoTimeout:  c.Socket.SoTimeout,
		KeepAlive:  c.Socket.KeepAlive,
		TCPNoDelay: c.Socket.TCPNoDelay,
	}
}

// ConnOptions returns the per-connection settings.
func (c *Config) ConnOptions() transport.ConnConfig {
	cc := transport.DefaultConnConfig()
	if c.Socket.BufferSize > 0 {
		cc.BufferSize = c.Socket.BufferSize
	}
	return cc
}

// ManagerOptions returns the manager options the config describes: socket
// and connection settings, stale checking and the creation middleware.
func (c *Config) ManagerOptions(logger logrus.FieldLogger) []manager.Option {
	var mws []middleware.Middleware
	if c.Dial.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.Dial.Rate, c.Dial.Burst))
	}
	if c.Dial.CreateTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(c.Dial.CreateTimeout))
	}
	mws = append(mws, middleware.LoggingMiddleware(logger))

	return []manager.Option{
		manager.WithLogger(logger),
		manager.WithSocketConfig(c.SocketOptions()),
		manager.WithConnConfig(c.ConnOptions()),
		manager.WithValidateAfterInactivity(c.Pool.ValidateAfterInactivity),
		manager.WithMiddleware(mws...),
	}
}
