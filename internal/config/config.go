package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds transport server configuration
type ServerConfig struct {
	NodeID            string        `yaml:"node_id"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// Config represents the complete configuration for the sync node
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	OpCache      OpCacheConfig      `yaml:"op_cache"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Stores       []StoreConfig      `yaml:"stores"`
	WorkerPool   WorkerPoolConfig   `yaml:"worker_pool"`
	Gossip       GossipConfig       `yaml:"gossip"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OpCacheConfig holds operation cache retention
type OpCacheConfig struct {
	// MaxNum is the number of entries kept per source. 0 keeps everything.
	MaxNum int `yaml:"max_num"`
}

// SubscriptionConfig holds catchup/subscribe tuning
type SubscriptionConfig struct {
	// KeepaliveInterval re-checks the log on a timer. 0 disables it.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// AggregateThreshold is the op count above which aggregate "yes" composes
	// raw operations into a single transaction.
	AggregateThreshold int `yaml:"aggregate_threshold"`
	// StreamBufferWarn logs a warning when a subscriber falls this many frames behind.
	StreamBufferWarn int `yaml:"stream_buffer_warn"`
}

// Store kinds
const (
	StoreKindMemory   = "memory"
	StoreKindSingle   = "single"
	StoreKindJSONFile = "jsonfile"
)

// StoreConfig describes one served store
type StoreConfig struct {
	Name     string                 `yaml:"name"`
	Kind     string                 `yaml:"kind"`
	Source   string                 `yaml:"source"`
	Path     string                 `yaml:"path"`
	ReadOnly bool                   `yaml:"read_only"`
	Initial  map[string]interface{} `yaml:"initial"`
	// Value seeds a single store.
	Value interface{} `yaml:"value"`
}

// WorkerPoolConfig holds request worker pool configuration
type WorkerPoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7070
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 4 << 20 // 4MB
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.RequestsPerSecond == 0 {
		cfg.Server.RequestsPerSecond = 200
	}
	if cfg.Server.Burst == 0 {
		cfg.Server.Burst = 50
	}

	if cfg.OpCache.MaxNum == 0 {
		cfg.OpCache.MaxNum = 1000
	}

	if cfg.Subscription.AggregateThreshold == 0 {
		cfg.Subscription.AggregateThreshold = 16
	}
	if cfg.Subscription.StreamBufferWarn == 0 {
		cfg.Subscription.StreamBufferWarn = 256
	}

	for i := range cfg.Stores {
		if cfg.Stores[i].Kind == "" {
			cfg.Stores[i].Kind = StoreKindMemory
		}
	}

	if cfg.WorkerPool.Workers == 0 {
		cfg.WorkerPool.Workers = 8
	}
	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 1024
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 2 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.OpCache.MaxNum < 0 {
		return fmt.Errorf("op_cache.max_num must not be negative")
	}
	if c.Subscription.KeepaliveInterval < 0 {
		return fmt.Errorf("subscription.keepalive_interval must not be negative")
	}
	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one store is required")
	}

	names := make(map[string]bool, len(c.Stores))
	for i, s := range c.Stores {
		if s.Name == "" {
			return fmt.Errorf("stores[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("stores[%d].name %q is duplicated", i, s.Name)
		}
		names[s.Name] = true

		switch s.Kind {
		case StoreKindMemory, StoreKindSingle:
		case StoreKindJSONFile:
			if s.Path == "" {
				return fmt.Errorf("stores[%d].path is required for kind %s", i, s.Kind)
			}
		default:
			return fmt.Errorf("stores[%d].kind %q is not one of memory, single, jsonfile", i, s.Kind)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
