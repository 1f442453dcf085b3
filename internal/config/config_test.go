// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/pkg/errutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "molt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, _, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 5601, cfg.Server.Port)
	assert.False(t, cfg.Server.SSL.Enabled)
	assert.True(t, cfg.Status.Anonymous)
	assert.Equal(t, []string{"plugins"}, cfg.Plugins.ScanDirs)
	assert.Equal(t, []string{"*"}, cfg.Plugins.Include)
	assert.Equal(t, 10*time.Second, cfg.Plugins.InitTimeout)
	assert.Equal(t, 4, cfg.Plugins.ScanWorkers)
	assert.False(t, cfg.Search.Enabled)
	assert.Equal(t, uint64(3), cfg.Search.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Search.Retry.Backoff)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:9610", cfg.Metrics.Addr)
	assert.True(t, cfg.Control.Enabled)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 5602
  basePath: /legacy
plugins:
  scanDirs:
    - ./legacy-plugins
    - ./extra-plugins
  initTimeout: 30s
logging:
  level: debug
`)

	cfg, _, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5602, cfg.Server.Port)
	assert.Equal(t, "/legacy", cfg.Server.BasePath)
	assert.Equal(t, []string{"./legacy-plugins", "./extra-plugins"}, cfg.Plugins.ScanDirs)
	assert.Equal(t, 30*time.Second, cfg.Plugins.InitTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Plugins.ScanWorkers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  port: [not closed\n")
	_, _, err := config.Load(path, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD")
	errutil.AssertErrorContext(t, err, "path", path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 5602\n")
	t.Setenv("MOLT_SERVER_PORT", "5603")
	t.Setenv("MOLT_LOGGING_LEVEL", "warn")

	cfg, _, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 5603, cfg.Server.Port, "env should override file")
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_FlagOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 5602\n")
	t.Setenv("MOLT_SERVER_PORT", "5603")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("server.port", 0, "")
	flags.String("logging.level", "", "")
	require.NoError(t, flags.Set("server.port", "5604"))

	cfg, _, err := config.Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, 5604, cfg.Server.Port, "flags should override env and file")
	assert.Equal(t, "info", cfg.Logging.Level, "unset flag must not clobber defaults")
}

func TestLoad_ValidationFailure(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "logging:\n  level: verbose\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"basePath missing slash", "server:\n  basePath: legacy\n"},
		{"auth without username", "status:\n  anonymous: false\n"},
		{"search enabled without addresses", "search:\n  enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, _, err := config.Load(path, nil)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		})
	}
}

func TestLoad_BuiltinDeprecationRename(t *testing.T) {
	path := writeConfig(t, `
server:
  ssl:
    enabled: false
    cert: /etc/molt/server.crt
`)

	cfg, k, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/etc/molt/server.crt", cfg.Server.SSL.Certificate)
	assert.False(t, k.Exists("server.ssl.cert"))
}

func TestLoad_BuiltinDeprecationUnused(t *testing.T) {
	path := writeConfig(t, `
server:
  xsrf: disabled
`)

	_, k, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.False(t, k.Exists("server.xsrf"))
}

func TestLoad_UserDeprecationRules(t *testing.T) {
	path := writeConfig(t, `
deprecations:
  rules:
    - rename legacy.port to server.port
legacy:
  port: 5699
`)

	cfg, k, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 5699, cfg.Server.Port)
	assert.False(t, k.Exists("legacy.port"))
}

func TestLoad_BadUserDeprecationRule(t *testing.T) {
	path := writeConfig(t, `
deprecations:
  rules:
    - rename only.one.path
`)

	_, _, err := config.Load(path, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_DEPRECATION_RULE")
}

func TestLoad_StatusAuthConfigured(t *testing.T) {
	path := writeConfig(t, `
status:
  anonymous: false
  username: admin
  passwordHash: $2a$10$N9qo8uLOickgx2ZMRZoMye5Cw1A1M/1uSPcgIBtghc2RqaO1zNAeS
`)

	cfg, _, err := config.Load(path, nil)
	require.NoError(t, err)
	assert.False(t, cfg.Status.Anonymous)
	assert.Equal(t, "admin", cfg.Status.Username)
}
