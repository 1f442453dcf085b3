// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package deprecation_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltserver/molt/internal/config/deprecation"
	"github.com/moltserver/molt/pkg/errutil"
)

func TestParse_ValidRules(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"rename flat", `rename cert to certificate`},
		{"rename nested", `rename server.ssl.cert to server.ssl.certificate`},
		{"rename across sections", `rename server.xsrf.token to security.xsrf.token`},
		{"unused flat", `unused uuid`},
		{"unused nested", `unused optimize.bundleFilter`},
		{"underscore idents", `rename plugins.scan_dirs to plugins.scanDirs`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := deprecation.Parse(tt.rule)
			require.NoError(t, err, "rule should parse: %s", tt.rule)
			require.NotNil(t, rule)
		})
	}
}

func TestParse_InvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"empty", ``},
		{"unknown verb", `remove server.port`},
		{"rename missing to", `rename server.ssl.cert`},
		{"rename missing target", `rename server.ssl.cert to`},
		{"trailing dot", `unused server.`},
		{"leading digit segment", `unused server.9lives`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := deprecation.Parse(tt.rule)
			require.Error(t, err, "rule should not parse: %s", tt.rule)
			errutil.AssertErrorCode(t, err, "CONFIG_DEPRECATION_RULE")
			errutil.AssertErrorContext(t, err, "rule", tt.rule)
		})
	}
}

func TestParseRules_StopsAtFirstBadRule(t *testing.T) {
	_, err := deprecation.ParseRules([]string{
		`unused optimize.bundleFilter`,
		`rename broken`,
	})
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "rule", `rename broken`)
}

func newTestKoanf(t *testing.T, values map[string]any) *koanf.Koanf {
	t.Helper()
	k := koanf.New(".")
	require.NoError(t, k.Load(confmap.Provider(values, "."), nil))
	return k
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApply_RenameMovesValue(t *testing.T) {
	k := newTestKoanf(t, map[string]any{
		"server.ssl.cert": "/etc/molt/server.crt",
	})

	rules, err := deprecation.ParseRules([]string{
		`rename server.ssl.cert to server.ssl.certificate`,
	})
	require.NoError(t, err)
	require.NoError(t, deprecation.Apply(k, rules, discardLogger()))

	assert.False(t, k.Exists("server.ssl.cert"))
	assert.Equal(t, "/etc/molt/server.crt", k.String("server.ssl.certificate"))
}

func TestApply_RenameKeepsReplacementWhenBothSet(t *testing.T) {
	k := newTestKoanf(t, map[string]any{
		"server.ssl.cert":        "/old.crt",
		"server.ssl.certificate": "/new.crt",
	})

	rules, err := deprecation.ParseRules([]string{
		`rename server.ssl.cert to server.ssl.certificate`,
	})
	require.NoError(t, err)
	require.NoError(t, deprecation.Apply(k, rules, discardLogger()))

	assert.False(t, k.Exists("server.ssl.cert"))
	assert.Equal(t, "/new.crt", k.String("server.ssl.certificate"))
}

func TestApply_RenameNoopWhenAbsent(t *testing.T) {
	k := newTestKoanf(t, map[string]any{
		"server.port": 5601,
	})

	rules, err := deprecation.ParseRules([]string{
		`rename server.ssl.cert to server.ssl.certificate`,
	})
	require.NoError(t, err)
	require.NoError(t, deprecation.Apply(k, rules, discardLogger()))

	assert.False(t, k.Exists("server.ssl.certificate"))
	assert.Equal(t, 5601, k.Int("server.port"))
}

func TestApply_UnusedDropsValue(t *testing.T) {
	k := newTestKoanf(t, map[string]any{
		"optimize.bundleFilter": "!tests",
		"server.port":           5601,
	})

	rules, err := deprecation.ParseRules([]string{
		`unused optimize.bundleFilter`,
	})
	require.NoError(t, err)
	require.NoError(t, deprecation.Apply(k, rules, discardLogger()))

	assert.False(t, k.Exists("optimize.bundleFilter"))
	assert.Equal(t, 5601, k.Int("server.port"))
}
