package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 18791
	DefaultBufSize            = 100
	DefaultStorageDriver      = StorageSQLite
	DefaultSyncQueueSize      = 32
	DefaultSyncTimeoutMs      = 10000
	DefaultTitleMaxLen        = 50
	DefaultFlushSchedule      = "0 */5 * * * *"
	DefaultCheckpointSchedule = "0 0 * * * *"
	DefaultLogLevel           = "info"
)

const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

type Config struct {
	Storage     StorageConfig     `json:"storage"`
	Tombstones  TombstoneConfig   `json:"tombstones"`
	Sync        SyncConfig        `json:"sync"`
	Gateway     GatewayConfig     `json:"gateway"`
	Routing     RoutingConfig     `json:"routing"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Session     SessionConfig     `json:"session"`
	Log         LogConfig         `json:"log"`
}

type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "memory"
	DBPath string `json:"dbPath,omitempty"`
}

type TombstoneConfig struct {
	Path string `json:"path,omitempty"`
}

type SyncConfig struct {
	Ordered   bool `json:"ordered"`
	QueueSize int  `json:"queueSize,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type RoutingConfig struct {
	File  string `json:"file,omitempty"`
	Watch bool   `json:"watch"`
}

// MaintenanceConfig schedules take a six-field cron expression or a plain
// interval such as "90s".
type MaintenanceConfig struct {
	Enabled            bool   `json:"enabled"`
	FlushSchedule      string `json:"flushSchedule,omitempty"`
	CheckpointSchedule string `json:"checkpointSchedule,omitempty"`
}

type SessionConfig struct {
	TitleMaxLen int `json:"titleMaxLen,omitempty"`
}

type LogConfig struct {
	Level       string `json:"level,omitempty"`
	Development bool   `json:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{Driver: DefaultStorageDriver},
		Sync: SyncConfig{
			QueueSize: DefaultSyncQueueSize,
			TimeoutMs: DefaultSyncTimeoutMs,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Maintenance: MaintenanceConfig{
			Enabled:            true,
			FlushSchedule:      DefaultFlushSchedule,
			CheckpointSchedule: DefaultCheckpointSchedule,
		},
		Session: SessionConfig{TitleMaxLen: DefaultTitleMaxLen},
		Log:     LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".cardsync")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DataDir holds the session database, the tombstone file and cron state.
func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

// CronPath is where maintenance job state is kept.
func CronPath() string {
	return filepath.Join(DataDir(), "cron", "jobs.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if driver := os.Getenv("CARDSYNC_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dbPath := os.Getenv("CARDSYNC_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if path := os.Getenv("CARDSYNC_TOMBSTONE_PATH"); path != "" {
		cfg.Tombstones.Path = path
	}
	if ordered := os.Getenv("CARDSYNC_SYNC_ORDERED"); ordered != "" {
		if parsed, err := strconv.ParseBool(ordered); err == nil {
			cfg.Sync.Ordered = parsed
		}
	}
	if timeout := os.Getenv("CARDSYNC_SYNC_TIMEOUT_MS"); timeout != "" {
		if parsed, err := strconv.Atoi(timeout); err == nil {
			cfg.Sync.TimeoutMs = parsed
		}
	}
	if host := os.Getenv("CARDSYNC_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("CARDSYNC_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if file := os.Getenv("CARDSYNC_ROUTES_FILE"); file != "" {
		cfg.Routing.File = file
	}
	if level := os.Getenv("CARDSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(DataDir(), "sessions.db")
	}
	if cfg.Tombstones.Path == "" {
		cfg.Tombstones.Path = filepath.Join(DataDir(), "tombstones.json")
	}
	if cfg.Sync.QueueSize <= 0 {
		cfg.Sync.QueueSize = DefaultSyncQueueSize
	}
	if cfg.Sync.TimeoutMs <= 0 {
		cfg.Sync.TimeoutMs = DefaultSyncTimeoutMs
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Maintenance.FlushSchedule == "" {
		cfg.Maintenance.FlushSchedule = DefaultFlushSchedule
	}
	if cfg.Maintenance.CheckpointSchedule == "" {
		cfg.Maintenance.CheckpointSchedule = DefaultCheckpointSchedule
	}
	if cfg.Session.TitleMaxLen <= 0 {
		cfg.Session.TitleMaxLen = DefaultTitleMaxLen
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageSQLite, StorageMemory:
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
