// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package goplugin

import (
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/moltserver/molt/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins the host can dispense. The Plugin
// value carries no Impl; the implementation lives in the plugin process.
var PluginMap = map[string]goplugin.Plugin{
	pluginsdk.DispenseName: &pluginsdk.Plugin{},
}
