package config

import (
	"time"
	_ "time/tzdata"
)

// CollectorConfig is the root configuration for a collector instance.
type CollectorConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Market    MarketConfig    `yaml:"market"`
	Broker    BrokerConfig    `yaml:"broker"`
	Universe  UniverseConfig  `yaml:"universe"`
	Routing   RoutingConfig   `yaml:"routing"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Logging   LoggingConfig   `yaml:"logging"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Profiling ProfilingConfig `yaml:"profiling"`
	Backup    BackupConfig    `yaml:"backup"`
}

// InstanceConfig identifies this collector.
type InstanceConfig struct {
	ID string `yaml:"id" env:"INSTANCE_ID"`
}

// MarketConfig holds the trading-day window.
type MarketConfig struct {
	Timezone      string        `yaml:"timezone"`
	CloseHour     int           `yaml:"close_hour"`
	CloseMinute   int           `yaml:"close_minute"`
	CheckInterval time.Duration `yaml:"check_interval"`
	HolidaysFile  string        `yaml:"holidays_file"`
	WeekendClosed *bool         `yaml:"weekend_closed"`
}

// Location resolves Timezone. Validate has already checked it loads.
func (m MarketConfig) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BrokerConfig holds Kite Connect settings.
type BrokerConfig struct {
	WSURL             string        `yaml:"ws_url"`
	RestURL           string        `yaml:"rest_url"`
	APIKey            string        `yaml:"api_key" env:"BROKER_API_KEY"`
	AccessToken       string        `yaml:"access_token" env:"BROKER_ACCESS_TOKEN"`
	TokenSource       string        `yaml:"token_source"` // "static" or "database"
	TokenFreshAfter   int           `yaml:"token_fresh_after_hour"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// UniverseConfig selects where the instrument list comes from and which
// of its rows a session subscribes to.
type UniverseConfig struct {
	Source         string            `yaml:"source"` // "file" or "api"
	File           string            `yaml:"file"`
	Exchanges      []string          `yaml:"exchanges"`
	Symbols        []string          `yaml:"symbols"`
	Tokens         []uint32          `yaml:"tokens"`
	Rules          []UniverseRule    `yaml:"rules"`
	MaxInstruments int               `yaml:"max_instruments"`
	TableAliases   map[string]string `yaml:"table_aliases"`
}

// UniverseRule selects the contracts of one underlying.
type UniverseRule struct {
	Name            string   `yaml:"name"`
	InstrumentTypes []string `yaml:"instrument_types"`
	Expiries        int      `yaml:"expiries"` // nearest N, 0 for all
}

// Selective reports whether any allowlist or rule narrows the universe.
func (u UniverseConfig) Selective() bool {
	return len(u.Symbols) > 0 || len(u.Tokens) > 0 || len(u.Rules) > 0
}

// RoutingConfig maps instrument classes to logical databases.
type RoutingConfig struct {
	EquityDatabase string `yaml:"equity_database"`
	IndexDatabase  string `yaml:"index_database"`
	FutureDatabase string `yaml:"future_database"`
	OptionDatabase string `yaml:"option_database"`
}

// DatabaseConfig holds the tick store and the optional token store.
type DatabaseConfig struct {
	Ticks       DBConfig `yaml:"ticks" envPrefix:"DB_TICKS_"`
	Tokens      DBConfig `yaml:"tokens" envPrefix:"DB_TOKENS_"`
	TokenSchema string   `yaml:"token_schema"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StorageConfig describes the wide tick table.
type StorageConfig struct {
	Schema              string        `yaml:"schema"`
	Table               string        `yaml:"table"`
	PartitionByDatabase bool          `yaml:"partition_by_database"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	CreateSchema        *bool         `yaml:"create_schema"`
}

// SessionConfig holds streaming session settings.
type SessionConfig struct {
	Mode                string        `yaml:"mode"` // ltp, quote or full
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectBackoffCap time.Duration `yaml:"reconnect_backoff_cap"`
	ReconnectBudget     int           `yaml:"reconnect_budget"`
}

// PipelineConfig holds batching and retry settings.
type PipelineConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	BatchMaxSize     int           `yaml:"batch_max_size"`
	BatchMaxInterval time.Duration `yaml:"batch_max_interval"`
	Workers          int           `yaml:"workers"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	WriteRetries     int           `yaml:"write_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// FallbackConfig configures the local durable log for unwritable batches.
type FallbackConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// NotifyConfig configures event sinks. The log sink is always on.
type NotifyConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig holds the HTTP metrics/health server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

// BackupConfig names the external archival command run after close.
type BackupConfig struct {
	Command     string `yaml:"command"`
	ThreadCount int    `yaml:"thread_count"`
}
