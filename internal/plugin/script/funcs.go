// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package script

import (
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/moltserver/molt/internal/plugin/capability"
)

// SettingsSource returns the config subset currently granted to a
// plugin. The host backs this with its own per-plugin store.
type SettingsSource func(plugin string) map[string]any

// Functions exposes host capabilities to Lua plugins under the molt
// global. Reading a setting requires the plugin's grants to admit its
// key; logging and version lookup are unrestricted.
type Functions struct {
	enforcer    *capability.Enforcer
	hostVersion string
	settings    SettingsSource
	log         *slog.Logger
}

// NewFunctions creates the host function set. Panics on a nil enforcer;
// running scripts without capability checks is never intended.
func NewFunctions(enforcer *capability.Enforcer, hostVersion string, settings SettingsSource, log *slog.Logger) *Functions {
	if enforcer == nil {
		panic("script.NewFunctions: enforcer cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Functions{
		enforcer:    enforcer,
		hostVersion: hostVersion,
		settings:    settings,
		log:         log,
	}
}

// Register adds the molt table to a Lua state.
func (f *Functions) Register(ls *lua.LState, pluginName string) {
	mod := ls.NewTable()

	ls.SetField(mod, "log", ls.NewFunction(f.logFn(pluginName)))
	ls.SetField(mod, "setting", ls.NewFunction(f.settingFn(pluginName)))
	ls.SetField(mod, "host_version", ls.NewFunction(f.hostVersionFn()))

	ls.SetGlobal("molt", mod)
}

func (f *Functions) logFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := f.log.With("plugin", pluginName)
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			logger.Info(message)
		}
		return 0
	}
}

// settingFn returns molt.setting(key) -> value, err. Keys outside the
// plugin's grants raise a Lua error so a misdeclared manifest surfaces
// during development instead of silently reading nil.
func (f *Functions) settingFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)

		if !f.enforcer.Check(pluginName, key) {
			L.RaiseError("setting denied: %s may not read %s", pluginName, key)
			return 0
		}

		if f.settings == nil {
			L.Push(lua.LNil)
			return 1
		}
		value, ok := f.settings(pluginName)[key]
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(toLValue(L, value))
		return 1
	}
}

func (f *Functions) hostVersionFn() lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(f.hostVersion))
		return 1
	}
}
