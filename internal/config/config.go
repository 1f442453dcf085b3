// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package config loads molt's layered configuration and publishes
// immutable snapshots of it to subscribers as the file changes on disk.
//
// Precedence, lowest to highest: built-in defaults, the YAML config
// file, MOLT_* environment variables, then CLI flags.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/moltserver/molt/internal/config/deprecation"
)

// Config is the typed view of the merged configuration tree.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Status       StatusConfig       `koanf:"status"`
	Plugins      PluginsConfig      `koanf:"plugins"`
	Search       SearchConfig       `koanf:"search"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Control      ControlConfig      `koanf:"control"`
	Deprecations DeprecationsConfig `koanf:"deprecations"`
}

// ServerConfig configures the embedded legacy server's listener.
type ServerConfig struct {
	Host     string    `koanf:"host" validate:"required"`
	Port     int       `koanf:"port" validate:"min=1,max=65535"`
	BasePath string    `koanf:"basePath" validate:"omitempty,startswith=/"`
	SSL      SSLConfig `koanf:"ssl"`
}

// SSLConfig configures TLS for the legacy server. Empty certificate and
// key paths with SSL enabled mean development certificates are generated
// on first start.
type SSLConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Certificate string `koanf:"certificate"`
	Key         string `koanf:"key"`
}

// StatusConfig guards the legacy status endpoint. With Anonymous false,
// requests must present basic-auth credentials matching Username and the
// bcrypt PasswordHash.
type StatusConfig struct {
	Anonymous    bool   `koanf:"anonymous"`
	Username     string `koanf:"username" validate:"required_if=Anonymous false"`
	PasswordHash string `koanf:"passwordHash" validate:"required_if=Anonymous false"`
}

// PluginsConfig controls legacy plugin discovery.
type PluginsConfig struct {
	ScanDirs    []string      `koanf:"scanDirs" validate:"min=1"`
	Include     []string      `koanf:"include"`
	Disabled    []string      `koanf:"disabled"`
	InitTimeout time.Duration `koanf:"initTimeout" validate:"min=0"`
	ScanWorkers int           `koanf:"scanWorkers" validate:"min=1,max=64"`
}

// SearchConfig configures the network-TLS search strategy backend.
type SearchConfig struct {
	Enabled        bool            `koanf:"enabled"`
	Addresses      []string        `koanf:"addresses" validate:"required_if=Enabled true,dive,url"`
	RequestTimeout time.Duration   `koanf:"requestTimeout" validate:"min=0"`
	TLS            SearchTLSConfig `koanf:"tls"`
	Retry          RetryConfig     `koanf:"retry"`
	Breaker        BreakerConfig   `koanf:"breaker"`
}

// SearchTLSConfig configures transport security to the search backend.
type SearchTLSConfig struct {
	CAFile             string `koanf:"caFile"`
	InsecureSkipVerify bool   `koanf:"insecureSkipVerify"`
}

// RetryConfig bounds retries against the search backend.
type RetryConfig struct {
	Attempts uint64        `koanf:"attempts" validate:"min=1,max=10"`
	Backoff  time.Duration `koanf:"backoff" validate:"min=0"`
}

// BreakerConfig tunes the search circuit breaker.
type BreakerConfig struct {
	MaxRequests uint32        `koanf:"maxRequests" validate:"min=1"`
	Interval    time.Duration `koanf:"interval" validate:"min=0"`
	Timeout     time.Duration `koanf:"timeout" validate:"min=0"`
}

// LoggingConfig controls log output. Level changes are applied live on
// config reload; format changes require a restart.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// MetricsConfig configures the observability server. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// ControlConfig configures the unix control socket. An empty Socket path
// falls back to the XDG runtime directory.
type ControlConfig struct {
	Enabled bool   `koanf:"enabled"`
	Socket  string `koanf:"socket"`
}

// DeprecationsConfig carries operator-supplied deprecation rules, applied
// after the built-in ones.
type DeprecationsConfig struct {
	Rules []string `koanf:"rules"`
}

// builtinDeprecations migrate settings from older molt releases.
var builtinDeprecations = []string{
	`rename server.ssl.cert to server.ssl.certificate`,
	`rename plugins.dirs to plugins.scanDirs`,
	`unused server.xsrf`,
	`unused optimize.bundleFilter`,
}

func defaults() map[string]any {
	return map[string]any{
		"server.host":                "127.0.0.1",
		"server.port":                5601,
		"server.basePath":            "",
		"server.ssl.enabled":         false,
		"status.anonymous":           true,
		"plugins.scanDirs":           []string{"plugins"},
		"plugins.include":            []string{"*"},
		"plugins.initTimeout":        "10s",
		"plugins.scanWorkers":        4,
		"search.enabled":             false,
		"search.requestTimeout":      "30s",
		"search.retry.attempts":      3,
		"search.retry.backoff":       "250ms",
		"search.breaker.maxRequests": 3,
		"search.breaker.interval":    "60s",
		"search.breaker.timeout":     "30s",
		"logging.level":              "info",
		"logging.format":             "json",
		"metrics.addr":               "127.0.0.1:9610",
		"control.enabled":            true,
	}
}

var validate = validator.New()

// Load merges all configuration layers, applies deprecation rules, and
// returns the typed config plus the backing koanf tree. A missing or
// invalid file, a bad deprecation rule, or a failed validation all fail
// the load.
//
// Deprecation rules run against the operator-supplied layers only, before
// defaults are merged in. A rename target therefore counts as "already
// set" only when the operator set it, not when a default exists for it.
func Load(path string, flags *pflag.FlagSet) (*Config, *koanf.Koanf, error) {
	overlay := koanf.New(".")

	if path != "" {
		if err := overlay.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, nil, oops.Code("CONFIG_LOAD").
				With("path", path).
				Wrapf(err, "loading config file")
		}
	}

	if err := overlay.Load(env.Provider("MOLT_", ".", envToKey), nil); err != nil {
		return nil, nil, oops.Code("CONFIG_LOAD").Wrapf(err, "loading environment")
	}

	if flags != nil {
		// Only flags the user actually set participate; flag zero values
		// must not shadow file or env settings.
		set := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
		flags.Visit(set.AddFlag)
		if err := overlay.Load(posflag.Provider(set, ".", overlay), nil); err != nil {
			return nil, nil, oops.Code("CONFIG_LOAD").Wrapf(err, "loading flags")
		}
	}

	rules, err := deprecation.ParseRules(append(
		append([]string{}, builtinDeprecations...),
		overlay.Strings("deprecations.rules")...,
	))
	if err != nil {
		return nil, nil, err
	}
	if err := deprecation.Apply(overlay, rules, slog.Default()); err != nil {
		return nil, nil, err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, nil, oops.Code("CONFIG_LOAD").Wrapf(err, "loading defaults")
	}
	if err := k.Merge(overlay); err != nil {
		return nil, nil, oops.Code("CONFIG_LOAD").Wrapf(err, "merging layers")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").
			With("path", path).
			Wrapf(err, "unmarshaling config")
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").
			With("path", path).
			Hint("check types and allowed values against molt.yaml reference").
			Wrapf(err, "validating config")
	}

	return &cfg, k, nil
}

// envToKey maps MOLT_SERVER_PORT to server.port. Multi-word keys such as
// server.basePath cannot be addressed from the environment; use the file
// or flags for those.
func envToKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "MOLT_")), "_", ".")
}
