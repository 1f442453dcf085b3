// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

// Package main implements the usage-beacon example plugin for Molt.
//
// The beacon demonstrates the binary plugin lifecycle over pluginsdk:
// the host calls Init once after launching the process, ApplyConfig on
// every config change that touches a granted key, and Shutdown before
// killing the process. Between calls it emits a heartbeat line on an
// interval read from its own config namespace (usageBeacon.interval).
//
// Build the executable next to its manifest so the file name matches
// binary-plugin.executable:
//
//	go build -o plugins/usage-beacon/usage-beacon ./plugins/usage-beacon
//
// Then add the plugins directory to plugins.scanDirs in molt.yaml.
package main

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/moltserver/molt/pkg/pluginsdk"
)

const defaultInterval = 60 * time.Second

// Beacon counts applied config changes and emits a periodic heartbeat.
// Log output goes to stderr, where the host's plugin runtime collects
// it.
type Beacon struct {
	log *slog.Logger

	mu       sync.Mutex
	applied  int
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewBeacon creates a beacon with the default heartbeat interval.
func NewBeacon() *Beacon {
	return &Beacon{
		log:      slog.New(slog.NewTextHandler(os.Stderr, nil)).With("plugin", "usage-beacon"),
		interval: defaultInterval,
	}
}

// Init starts the heartbeat. The host passes its own version so a
// plugin can adapt to older hosts; the beacon just records it.
func (b *Beacon) Init(settings map[string]any, hostVersion string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.interval = intervalFrom(settings, b.interval)
	b.startLocked()

	b.log.Info("beacon started", "host_version", hostVersion, "interval", b.interval.String())
	return nil
}

// ApplyConfig restarts the heartbeat when the interval changed.
func (b *Beacon) ApplyConfig(settings map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applied++
	next := intervalFrom(settings, b.interval)
	if next != b.interval {
		b.stopLocked()
		b.interval = next
		b.startLocked()
	}

	b.log.Info("config applied", "count", b.applied, "interval", b.interval.String())
	return nil
}

// Shutdown stops the heartbeat. The host kills the process right
// after, so there is nothing else to flush.
func (b *Beacon) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	b.log.Info("beacon stopped", "configs_applied", b.applied)
	return nil
}

func (b *Beacon) startLocked() {
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.heartbeat(b.stop, b.done, b.interval)
}

func (b *Beacon) stopLocked() {
	if b.stop == nil {
		return
	}
	close(b.stop)
	<-b.done
	b.stop = nil
	b.done = nil
}

func (b *Beacon) heartbeat(stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.log.Info("heartbeat")
		case <-stop:
			return
		}
	}
}

// intervalFrom reads usageBeacon.interval from the granted settings.
// Duration strings and plain second counts are both accepted; anything
// else keeps the current interval.
func intervalFrom(settings map[string]any, fallback time.Duration) time.Duration {
	raw, ok := settings["usageBeacon.interval"]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return fallback
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Impl: NewBeacon()})
}
