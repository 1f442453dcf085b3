package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/moltserver/molt/internal/config"
	"github.com/moltserver/molt/internal/plugin/capability"
)

// deliverTimeout bounds how long one plugin may take to accept a
// config change.
const deliverTimeout = 5 * time.Second

// Dispatcher fans config snapshots out to loaded plugins. Each plugin
// receives only the settings its grants admit, through the host that
// loaded it; a plugin that fails to apply a change is logged and
// skipped, never fatal.
type Dispatcher struct {
	enforcer *capability.Enforcer
	log      *slog.Logger

	mu      sync.RWMutex
	targets []dispatchTarget
	wg      sync.WaitGroup
}

type dispatchTarget struct {
	name string
	host Host
}

// NewDispatcher creates a config dispatcher. A nil logger falls back
// to the default.
func NewDispatcher(enforcer *capability.Enforcer, log *slog.Logger) *Dispatcher {
	if enforcer == nil {
		panic("plugin: Dispatcher requires an enforcer")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		enforcer: enforcer,
		log:      log,
	}
}

// Register adds a plugin to the dispatch list. Call after host has
// loaded it.
func (d *Dispatcher) Register(name string, host Host) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, dispatchTarget{name: name, host: host})
}

// Dispatch delivers one snapshot to every registered plugin whose
// grants admit part of it. Deliveries run concurrently; Dispatch
// returns without waiting for them.
func (d *Dispatcher) Dispatch(ctx context.Context, snap config.Snapshot) {
	flat := snap.Flat()

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, target := range d.targets {
		settings := d.enforcer.Filter(target.name, flat)
		if len(settings) == 0 {
			// No grants admit any current setting; nothing to say.
			continue
		}
		d.deliverAsync(ctx, target, snap, settings)
	}
}

// Drain waits for in-flight deliveries to finish.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) deliverAsync(ctx context.Context, target dispatchTarget, snap config.Snapshot, settings map[string]any) {
	// Deliveries outlive the caller's request context but never the
	// delivery timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		if err := target.host.ApplySettings(ctx, target.name, settings); err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				d.log.Warn("plugin config delivery timed out",
					"plugin", target.name,
					"snapshot_id", snap.ID.String(),
					"timeout", deliverTimeout.String())
			case errors.Is(err, context.Canceled):
				d.log.Debug("plugin config delivery canceled",
					"plugin", target.name,
					"snapshot_id", snap.ID.String())
			default:
				d.log.Error("failed to deliver config to plugin",
					"plugin", target.name,
					"snapshot_id", snap.ID.String(),
					"error", err)
			}
		}
	}()
}
