package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultTimezone            = "Asia/Kolkata"
	DefaultCloseHour           = 15
	DefaultCloseMinute         = 30
	DefaultCheckInterval       = 5 * time.Second
	DefaultWSURL               = "wss://ws.kite.trade"
	DefaultRestURL             = "https://api.kite.trade"
	DefaultTokenSource         = "static"
	DefaultTokenFreshAfter     = 8
	DefaultAPITimeout          = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultRequestsPerSecond   = 3
	DefaultUniverseSource      = "file"
	DefaultMaxInstruments      = 3000
	DefaultEquityDatabase      = "equity"
	DefaultOptionDatabase      = "options"
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultTokenSchema         = "tokens"
	DefaultSchema              = "equity"
	DefaultTable               = "daily_table"
	DefaultStorageWriteTimeout = 10 * time.Second
	DefaultMode                = "full"
	DefaultConnectTimeout      = 10 * time.Second
	DefaultIdleTimeout         = 10 * time.Second
	DefaultSessionWriteTimeout = 5 * time.Second
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectBackoffCap = 60 * time.Second
	DefaultReconnectBudget     = 50
	DefaultQueueCapacity       = 100000
	DefaultBatchMaxSize        = 1000
	DefaultBatchMaxInterval    = 1 * time.Second
	DefaultWorkers             = 1
	DefaultPublishTimeout      = 5 * time.Second
	DefaultWriteRetries        = 5
	DefaultRetryBaseDelay      = 200 * time.Millisecond
	DefaultDrainTimeout        = 30 * time.Second
	DefaultFallbackPath        = "fallback/ticks.jsonl"
	DefaultFallbackMaxSizeMB   = 100
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultLogMaxSizeMB        = 100
	DefaultLogMaxAgeDays       = 14
	DefaultKafkaTopic          = "collector-events"
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultApplicationName     = "zerodha-data-collector"
	DefaultBackupThreadCount   = 4
)

func (c *CollectorConfig) applyDefaults() {
	// Market defaults
	if c.Market.Timezone == "" {
		c.Market.Timezone = DefaultTimezone
	}
	if c.Market.CloseHour == 0 && c.Market.CloseMinute == 0 {
		c.Market.CloseHour = DefaultCloseHour
		c.Market.CloseMinute = DefaultCloseMinute
	}
	if c.Market.CheckInterval == 0 {
		c.Market.CheckInterval = DefaultCheckInterval
	}
	if c.Market.WeekendClosed == nil {
		closed := true
		c.Market.WeekendClosed = &closed
	}

	// Broker defaults
	if c.Broker.WSURL == "" {
		c.Broker.WSURL = DefaultWSURL
	}
	if c.Broker.RestURL == "" {
		c.Broker.RestURL = DefaultRestURL
	}
	if c.Broker.TokenSource == "" {
		c.Broker.TokenSource = DefaultTokenSource
	}
	if c.Broker.TokenFreshAfter == 0 {
		c.Broker.TokenFreshAfter = DefaultTokenFreshAfter
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = DefaultAPITimeout
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = DefaultMaxRetries
	}
	if c.Broker.RequestsPerSecond == 0 {
		c.Broker.RequestsPerSecond = DefaultRequestsPerSecond
	}

	// Universe defaults
	if c.Universe.Source == "" {
		c.Universe.Source = DefaultUniverseSource
	}
	if c.Universe.MaxInstruments == 0 {
		c.Universe.MaxInstruments = DefaultMaxInstruments
	}

	// Routing defaults: indices and futures share the equity database.
	if c.Routing.EquityDatabase == "" {
		c.Routing.EquityDatabase = DefaultEquityDatabase
	}
	if c.Routing.IndexDatabase == "" {
		c.Routing.IndexDatabase = c.Routing.EquityDatabase
	}
	if c.Routing.FutureDatabase == "" {
		c.Routing.FutureDatabase = c.Routing.EquityDatabase
	}
	if c.Routing.OptionDatabase == "" {
		c.Routing.OptionDatabase = DefaultOptionDatabase
	}

	// Database defaults
	applyDBDefaults(&c.Database.Ticks)
	if c.Database.Tokens.Host != "" {
		applyDBDefaults(&c.Database.Tokens)
	}
	if c.Database.TokenSchema == "" {
		c.Database.TokenSchema = DefaultTokenSchema
	}

	// Storage defaults
	if c.Storage.Schema == "" {
		c.Storage.Schema = DefaultSchema
	}
	if c.Storage.Table == "" {
		c.Storage.Table = DefaultTable
	}
	if c.Storage.WriteTimeout == 0 {
		c.Storage.WriteTimeout = DefaultStorageWriteTimeout
	}
	if c.Storage.CreateSchema == nil {
		create := true
		c.Storage.CreateSchema = &create
	}

	// Session defaults
	if c.Session.Mode == "" {
		c.Session.Mode = DefaultMode
	}
	if c.Session.ConnectTimeout == 0 {
		c.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = DefaultIdleTimeout
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultSessionWriteTimeout
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectBackoffCap == 0 {
		c.Session.ReconnectBackoffCap = DefaultReconnectBackoffCap
	}
	if c.Session.ReconnectBudget == 0 {
		c.Session.ReconnectBudget = DefaultReconnectBudget
	}

	// Pipeline defaults
	if c.Pipeline.QueueCapacity == 0 {
		c.Pipeline.QueueCapacity = DefaultQueueCapacity
	}
	if c.Pipeline.BatchMaxSize == 0 {
		c.Pipeline.BatchMaxSize = DefaultBatchMaxSize
	}
	if c.Pipeline.BatchMaxInterval == 0 {
		c.Pipeline.BatchMaxInterval = DefaultBatchMaxInterval
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = DefaultWorkers
	}
	if c.Pipeline.PublishTimeout == 0 {
		c.Pipeline.PublishTimeout = DefaultPublishTimeout
	}
	if c.Pipeline.WriteRetries == 0 {
		c.Pipeline.WriteRetries = DefaultWriteRetries
	}
	if c.Pipeline.RetryBaseDelay == 0 {
		c.Pipeline.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.Pipeline.DrainTimeout == 0 {
		c.Pipeline.DrainTimeout = DefaultDrainTimeout
	}

	// Fallback defaults
	if c.Fallback.Path == "" {
		c.Fallback.Path = DefaultFallbackPath
	}
	if c.Fallback.MaxSizeMB == 0 {
		c.Fallback.MaxSizeMB = DefaultFallbackMaxSizeMB
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// Notify defaults
	if c.Notify.Kafka.Topic == "" {
		c.Notify.Kafka.Topic = DefaultKafkaTopic
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Profiling.ApplicationName == "" {
		c.Profiling.ApplicationName = DefaultApplicationName
	}

	if c.Backup.ThreadCount == 0 {
		c.Backup.ThreadCount = DefaultBackupThreadCount
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
