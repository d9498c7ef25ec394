// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// an optional .env file, and ZDC_* overrides for secrets (see EnvPrefix).
// The validated struct is treated as immutable once LoadAndValidate returns.
package config
