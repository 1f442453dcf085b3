// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Molt Authors

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/maps"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/moltserver/molt/internal/observability"
	"github.com/moltserver/molt/pkg/errutil"
)

// subscriberBuffer is the per-subscription channel depth. Snapshots are
// rare; a full buffer means the subscriber stopped draining.
const subscriberBuffer = 16

// debounceWindow coalesces the burst of fs events an editor save emits.
const debounceWindow = 100 * time.Millisecond

// Snapshot is an immutable view of the configuration at one point in
// time. Raw holds the nested key-value tree exactly as merged.
type Snapshot struct {
	ID     ulid.ULID
	Seq    uint64
	Time   time.Time
	Config *Config
	Raw    map[string]any
}

// Flat returns the raw tree flattened to dotted keys, the form grant
// patterns match against.
func (s Snapshot) Flat() map[string]any {
	flat, _ := maps.Flatten(s.Raw, nil, ".")
	return flat
}

// Subscription receives config snapshots until unsubscribed. The channel
// is closed on Unsubscribe and on service Close.
type Subscription struct {
	ch   chan Snapshot
	svc  *Service
	once sync.Once
}

// C returns the snapshot channel.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Unsubscribe detaches from the service and closes the channel. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.svc.remove(s)
	})
}

// Service owns the merged configuration, watches the backing file, and
// fans out a new snapshot to every subscriber after each successful
// reload. A reload that fails to parse or validate keeps the previous
// snapshot current.
type Service struct {
	log   *slog.Logger
	path  string
	flags *pflag.FlagSet

	mu      sync.RWMutex
	current Snapshot
	subs    map[*Subscription]struct{}
	closed  bool

	watcher   *fsnotify.Watcher
	watchOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewService performs the initial load and returns a service holding
// snapshot sequence 1. The initial load failing is fatal.
func NewService(log *slog.Logger, path string, flags *pflag.FlagSet) (*Service, error) {
	cfg, k, err := Load(path, flags)
	if err != nil {
		return nil, err
	}

	s := &Service{
		log:    log,
		path:   path,
		flags:  flags,
		subs:   make(map[*Subscription]struct{}),
		stopCh: make(chan struct{}),
	}
	s.current = Snapshot{
		ID:     NewULID(),
		Seq:    1,
		Time:   time.Now(),
		Config: cfg,
		Raw:    k.Raw(),
	}
	return s, nil
}

// Current returns the latest snapshot.
func (s *Service) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers a new snapshot subscriber. Subscribing after Close
// returns a subscription whose channel is already closed.
func (s *Service) Subscribe() *Subscription {
	sub := &Subscription{
		ch:  make(chan Snapshot, subscriberBuffer),
		svc: s,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Service) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Watch starts the file watcher. The config file and its directory are
// both watched: editors and config management tools replace the file via
// rename, which only the directory watch observes. No-op if the service
// was created without a file path.
func (s *Service) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	var err error
	s.watchOnce.Do(func() {
		var watcher *fsnotify.Watcher
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			err = oops.Code("CONFIG_WATCH").Wrapf(err, "creating file watcher")
			return
		}
		if addErr := watcher.Add(s.path); addErr != nil {
			watcher.Close()
			err = oops.Code("CONFIG_WATCH").
				With("path", s.path).
				Wrapf(addErr, "watching config file")
			return
		}
		if dirErr := watcher.Add(filepath.Dir(s.path)); dirErr != nil {
			s.log.Warn("cannot watch config directory; atomic saves may be missed",
				"dir", filepath.Dir(s.path),
				"error", dirErr,
			)
		}

		s.watcher = watcher
		s.wg.Add(1)
		go s.watchLoop(ctx, watcher)
		s.log.Info("config watcher started", "path", s.path)
	})
	return err
}

func (s *Service) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// A Create after rename means the watch on the old inode is
			// stale; re-add so subsequent writes are seen.
			if event.Op&fsnotify.Create != 0 {
				if err := watcher.Add(s.path); err != nil {
					s.log.Warn("re-adding config file watch failed", "error", err)
				}
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, s.reload)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload re-runs the full layered load. On failure the current snapshot
// stays in place and the error is logged.
func (s *Service) reload() {
	cfg, k, err := Load(s.path, s.flags)
	if err != nil {
		observability.RecordConfigReloadFailure()
		errutil.LogError(s.log, "config reload rejected; keeping current snapshot", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	snap := Snapshot{
		ID:     NewULID(),
		Seq:    s.current.Seq + 1,
		Time:   time.Now(),
		Config: cfg,
		Raw:    k.Raw(),
	}
	s.current = snap
	s.mu.Unlock()

	// Sends happen under the read lock so Unsubscribe and Close cannot
	// close a channel mid-send.
	s.mu.RLock()
	for sub := range s.subs {
		select {
		case sub.ch <- snap:
		default:
			s.log.Warn("config snapshot dropped: subscriber buffer full",
				"snapshot_id", snap.ID.String(),
				"seq", snap.Seq,
			)
		}
	}
	s.mu.RUnlock()

	s.log.Info("config reloaded",
		"snapshot_id", snap.ID.String(),
		"seq", snap.Seq,
	)
}

// Close stops the watcher and closes every subscription channel.
// Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.wg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		for sub := range s.subs {
			delete(s.subs, sub)
			close(sub.ch)
		}
	})
}
