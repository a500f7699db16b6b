package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SnifferConfig controls capture sessions.
type SnifferConfig struct {
	Dir                string   `yaml:"dir"`
	Device             string   `yaml:"device"`
	PollIntervalMs     int      `yaml:"poll_interval_ms"`
	SnapLen            int32    `yaml:"snap_len"`
	Promiscuous        bool     `yaml:"promiscuous"`
	ExcludedInterfaces []string `yaml:"excluded_interfaces"`
	TLSPorts           []uint16 `yaml:"tls_ports"`
	MaxOutOfOrder      int      `yaml:"max_out_of_order"`
	BidirectionalFlows bool     `yaml:"bidirectional_flows"`
	ReplayDelayMs      int      `yaml:"replay_delay_ms"`
	WriterBufferSize   int      `yaml:"writer_buffer_size"`
	// RemoteAddr is excluded from capture so the UI's own traffic is not
	// sniffed.
	RemoteAddr string `yaml:"remote_addr"`
}

// PollInterval is the capture loop's receive timeout.
func (c SnifferConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ReplayDelay is the pause between frames of a stored capture.
func (c SnifferConfig) ReplayDelay() time.Duration {
	return time.Duration(c.ReplayDelayMs) * time.Millisecond
}

// TLSProxyConfig configures the intercepting proxy.
type TLSProxyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listen_addr"`
	CACertFile    string `yaml:"ca_cert_file"`
	CAKeyFile     string `yaml:"ca_key_file"`
	CertCacheSize int    `yaml:"cert_cache_size"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI               string `yaml:"uri"`
	Database          string `yaml:"database"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// SQLiteConfig holds the embedded database location.
type SQLiteConfig struct {
	DSN string `yaml:"dsn"`
}

// StoreConfig selects the entity store.
type StoreConfig struct {
	Type   string       `yaml:"type"` // memory | sqlite | mongo
	Mongo  MongoConfig  `yaml:"mongo"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ModulesConfig lists the capture-time extensions to activate.
type ModulesConfig struct {
	Activated   []string    `yaml:"activated"`
	StaticDir   string      `yaml:"static_dir"`
	EntryTTLSec int         `yaml:"entry_ttl_sec"`
	Redis       RedisConfig `yaml:"redis"`
}

// EntryTTL is the default lifetime of a module entry.
func (c ModulesConfig) EntryTTL() time.Duration {
	return time.Duration(c.EntryTTLSec) * time.Second
}

// NATSConfig holds the settings for publishing live events.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// WebSocketConfig controls the live feed hub.
type WebSocketConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

// BroadcastConfig configures event delivery.
type BroadcastConfig struct {
	NATS      NATSConfig      `yaml:"nats"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GobConfig holds the settings for the on-disk archive.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// WriterDef defines one archive writer.
type WriterDef struct {
	Type       string           `yaml:"type"` // clickhouse | gob
	Enabled    bool             `yaml:"enabled"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Gob        GobConfig        `yaml:"gob"`
}

// ArchiveConfig lists the flow-statistics archive writers.
type ArchiveConfig struct {
	Writers []WriterDef `yaml:"writers"`
}

// APIConfig holds the listen addresses of the control surface.
type APIConfig struct {
	HttpListenAddr string `yaml:"http_listen_addr"`
	GrpcListenAddr string `yaml:"grpc_listen_addr"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OtelEndpoint string `yaml:"otel_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Sniffer   SnifferConfig   `yaml:"sniffer"`
	TLSProxy  TLSProxyConfig  `yaml:"tls_proxy"`
	Store     StoreConfig     `yaml:"store"`
	Modules   ModulesConfig   `yaml:"modules"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Archive   ArchiveConfig   `yaml:"archive"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// LoadConfig reads the configuration from a YAML file, fills defaults and
// validates it.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	s := &c.Sniffer
	if s.Dir == "" {
		s.Dir = "sniffer"
	}
	if s.PollIntervalMs <= 0 {
		s.PollIntervalMs = 500
	}
	if s.SnapLen <= 0 {
		s.SnapLen = 65535
	}
	if len(s.TLSPorts) == 0 {
		s.TLSPorts = []uint16{443}
	}
	if s.MaxOutOfOrder <= 0 {
		s.MaxOutOfOrder = 256
	}
	if s.WriterBufferSize <= 0 {
		s.WriterBufferSize = 10000
	}

	if c.TLSProxy.ListenAddr == "" {
		c.TLSProxy.ListenAddr = ":9999"
	}
	if c.TLSProxy.CertCacheSize <= 0 {
		c.TLSProxy.CertCacheSize = 1024
	}
	if c.TLSProxy.DialTimeoutMs <= 0 {
		c.TLSProxy.DialTimeoutMs = 5000
	}

	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.Mongo.Database == "" {
		c.Store.Mongo.Database = "malcom"
	}
	if c.Store.Mongo.ConnectTimeoutSec <= 0 {
		c.Store.Mongo.ConnectTimeoutSec = 30
	}

	if c.Modules.EntryTTLSec <= 0 {
		c.Modules.EntryTTLSec = 24 * 60 * 60
	}

	if c.Broadcast.NATS.Subject == "" {
		c.Broadcast.NATS.Subject = "sniffer-data"
	}
	if c.Broadcast.WebSocket.BufferSize <= 0 {
		c.Broadcast.WebSocket.BufferSize = 256
	}

	for i := range c.Archive.Writers {
		w := &c.Archive.Writers[i]
		if w.Type == "clickhouse" && w.ClickHouse.Port == 0 {
			w.ClickHouse.Port = 9000
		}
		if w.Type == "gob" && w.Gob.RootPath == "" {
			w.Gob.RootPath = "archive"
		}
	}

	if c.API.HttpListenAddr == "" {
		c.API.HttpListenAddr = ":8080"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ns-sniffer"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.DSN == "" {
			errs = append(errs, errors.New("store.sqlite.dsn is required"))
		}
	case "mongo":
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not one of memory, sqlite, mongo", c.Store.Type))
	}

	for i, w := range c.Archive.Writers {
		switch w.Type {
		case "clickhouse":
			if w.Enabled && w.ClickHouse.Host == "" {
				errs = append(errs, fmt.Errorf("archive.writers[%d].clickhouse.host is required", i))
			}
		case "gob":
		default:
			errs = append(errs, fmt.Errorf("archive.writers[%d].type %q is not one of clickhouse, gob", i, w.Type))
		}
	}

	if c.Broadcast.NATS.Enabled && c.Broadcast.NATS.NATSURL == "" {
		errs = append(errs, errors.New("broadcast.nats.nats_url is required when enabled"))
	}
	if c.TLSProxy.Enabled && (c.TLSProxy.CACertFile == "") != (c.TLSProxy.CAKeyFile == "") {
		errs = append(errs, errors.New("tls_proxy.ca_cert_file and ca_key_file must be set together"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}
