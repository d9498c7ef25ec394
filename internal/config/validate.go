package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// placeholders are template values that must be replaced before a run.
var placeholders = []string{
	"your_api_key",
	"your_api_secret",
	"your_access_token",
	"your_password",
	"your_username",
	"your_host",
	"changeme",
}

// Validate checks that all required fields are set and values are valid.
func (c *CollectorConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone %q: %w", c.Market.Timezone, err)
	}
	if c.Market.CloseHour < 0 || c.Market.CloseHour > 23 {
		return fmt.Errorf("market.close_hour must be between 0 and 23, got %d", c.Market.CloseHour)
	}
	if c.Market.CloseMinute < 0 || c.Market.CloseMinute > 59 {
		return fmt.Errorf("market.close_minute must be between 0 and 59, got %d", c.Market.CloseMinute)
	}
	if c.Market.CheckInterval <= 0 {
		return errors.New("market.check_interval must be > 0")
	}

	if c.Broker.APIKey == "" {
		return errors.New("broker.api_key is required")
	}
	switch c.Broker.TokenSource {
	case "static":
		if c.Broker.AccessToken == "" {
			return errors.New("broker.access_token is required when broker.token_source is static")
		}
	case "database":
		if c.Database.Tokens.Host == "" {
			return errors.New("database.tokens is required when broker.token_source is database")
		}
		if err := c.Database.Tokens.validate("database.tokens"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("broker.token_source must be static or database, got %q", c.Broker.TokenSource)
	}
	if c.Broker.TokenFreshAfter < 0 || c.Broker.TokenFreshAfter > 23 {
		return errors.New("broker.token_fresh_after_hour must be between 0 and 23")
	}
	if c.Broker.RequestsPerSecond <= 0 {
		return errors.New("broker.requests_per_second must be > 0")
	}

	switch c.Universe.Source {
	case "file":
		if c.Universe.File == "" {
			return errors.New("universe.file is required when universe.source is file")
		}
	case "api":
		if !c.Universe.Selective() {
			return errors.New("universe.source api needs symbols, tokens or rules to narrow the dump")
		}
	default:
		return fmt.Errorf("universe.source must be file or api, got %q", c.Universe.Source)
	}
	for i, r := range c.Universe.Rules {
		if r.Name == "" {
			return fmt.Errorf("universe.rules[%d].name is required", i)
		}
		if r.Expiries < 0 {
			return fmt.Errorf("universe.rules[%d].expiries must be >= 0", i)
		}
	}
	if c.Universe.MaxInstruments < 1 {
		return errors.New("universe.max_instruments must be >= 1")
	}

	if err := c.Database.Ticks.validate("database.ticks"); err != nil {
		return err
	}

	if c.Storage.Schema == "" || c.Storage.Table == "" {
		return errors.New("storage.schema and storage.table are required")
	}

	switch c.Session.Mode {
	case "ltp", "quote", "full":
	default:
		return fmt.Errorf("session.mode must be ltp, quote or full, got %q", c.Session.Mode)
	}
	if c.Session.ReconnectBudget < 1 {
		return errors.New("session.reconnect_budget must be >= 1")
	}
	if c.Session.ReconnectBackoffCap < c.Session.ReconnectBaseDelay {
		return errors.New("session.reconnect_backoff_cap must be >= session.reconnect_base_delay")
	}

	if c.Pipeline.QueueCapacity < 1 {
		return errors.New("pipeline.queue_capacity must be >= 1")
	}
	if c.Pipeline.BatchMaxSize < 1 {
		return errors.New("pipeline.batch_max_size must be >= 1")
	}
	if c.Pipeline.BatchMaxInterval <= 0 {
		return errors.New("pipeline.batch_max_interval must be > 0")
	}
	if c.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be >= 1")
	}
	if c.Pipeline.QueueCapacity < c.Pipeline.Workers {
		return fmt.Errorf("pipeline.queue_capacity (%d) must be >= pipeline.workers (%d)", c.Pipeline.QueueCapacity, c.Pipeline.Workers)
	}
	if c.Pipeline.WriteRetries < 0 {
		return errors.New("pipeline.write_retries must be >= 0")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if c.Backup.ThreadCount < 1 {
		return errors.New("backup.thread_count must be >= 1")
	}

	return c.checkPlaceholders()
}

// checkPlaceholders rejects values copied unchanged from the example config.
func (c *CollectorConfig) checkPlaceholders() error {
	fields := map[string]string{
		"broker.api_key":           c.Broker.APIKey,
		"broker.access_token":      c.Broker.AccessToken,
		"database.ticks.host":      c.Database.Ticks.Host,
		"database.ticks.user":      c.Database.Ticks.User,
		"database.ticks.password":  c.Database.Ticks.Password,
		"database.tokens.host":     c.Database.Tokens.Host,
		"database.tokens.user":     c.Database.Tokens.User,
		"database.tokens.password": c.Database.Tokens.Password,
	}
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if isPlaceholder(fields[name]) {
			return fmt.Errorf("%s still holds a placeholder value", name)
		}
	}
	return nil
}

func isPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return false
	}
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return false
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
