package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/samber/oops"

	"github.com/moltserver/molt/internal/config"
)

// manifestFile is the manifest filename inside each plugin directory.
const manifestFile = "plugin.yaml"

// ScanOptions configures a discovery pass.
type ScanOptions struct {
	// Dirs are the directories whose immediate subdirectories are
	// plugin candidates.
	Dirs []string
	// Include restricts discovery to plugins whose name matches at
	// least one pattern. Empty means include everything.
	Include []string
	// Disabled skips plugins whose name matches any pattern.
	Disabled []string
	// Workers bounds manifest parsing concurrency.
	Workers int
	// HostVersion is checked against each manifest's compat range.
	// Nil (dev builds) admits every plugin.
	HostVersion *semver.Version
	// Settings is the flattened config; a plugin whose
	// "<prefix>.enabled" key is false is treated as disabled.
	Settings map[string]any
}

// DiscoveryResult is the outcome of a single scan.
type DiscoveryResult struct {
	ScanID       ulid.ULID
	Specs        []*Spec
	Disabled     []string
	Incompatible []string
	UIExports    *UIExports
	Duration     time.Duration
}

// Scanner performs one-time plugin discovery across the configured
// scan directories.
type Scanner struct {
	opts     ScanOptions
	log      *slog.Logger
	include  []glob.Glob
	disabled []glob.Glob
}

// NewScanner compiles the include and disabled patterns and returns a
// ready scanner.
func NewScanner(opts ScanOptions, log *slog.Logger) (*Scanner, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	include, err := compileGlobs(opts.Include)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").
			With("setting", "plugins.include").
			Wrapf(err, "compiling include patterns")
	}
	disabled, err := compileGlobs(opts.Disabled)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").
			With("setting", "plugins.disabled").
			Wrapf(err, "compiling disabled patterns")
	}

	return &Scanner{
		opts:     opts,
		log:      log,
		include:  include,
		disabled: disabled,
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Scan walks every scan directory, parses candidate manifests on a
// bounded worker pool, and classifies the results.
//
// A directory without a readable, schema-valid manifest is logged and
// skipped. Duplicate plugin names, a requires entry naming an absent
// plugin, and unknown export types abort the scan: each one means the
// installation is misconfigured in a way no single plugin can be
// blamed for quietly.
func (s *Scanner) Scan(ctx context.Context) (*DiscoveryResult, error) {
	start := time.Now()
	result := &DiscoveryResult{
		ScanID:       config.NewULID(),
		Specs:        []*Spec{},
		Disabled:     []string{},
		Incompatible: []string{},
	}

	candidates := s.listCandidates()

	pool, err := ants.NewPool(s.opts.Workers)
	if err != nil {
		return nil, oops.Code("PLUGIN_SCAN").Wrapf(err, "creating scan pool")
	}
	defer pool.Release()

	var (
		mu    sync.Mutex
		specs []*Spec
		wg    sync.WaitGroup
	)
	for _, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, oops.Code("PLUGIN_SCAN").Wrapf(err, "scan canceled")
		}
		wg.Add(1)
		job := func() {
			defer wg.Done()
			spec := s.readCandidate(dir)
			if spec == nil {
				return
			}
			mu.Lock()
			specs = append(specs, spec)
			mu.Unlock()
		}
		if err := pool.Submit(job); err != nil {
			wg.Done()
			s.log.Warn("plugin scan job rejected", "dir", dir, "error", err)
		}
	}
	wg.Wait()

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name() < specs[j].Name() })

	// Duplicates are fatal even when one copy would later be filtered
	// out; two directories claiming one name is an install mistake.
	seen := make(map[string]string, len(specs))
	accepted := make([]*Spec, 0, len(specs))
	for _, spec := range specs {
		name := spec.Name()
		if prev, dup := seen[name]; dup {
			return nil, oops.Code("PLUGIN_DUPLICATE").
				With("plugin", name).
				With("dir", spec.Dir).
				With("previous_dir", prev).
				Hint("remove or rename one of the two plugin directories").
				Errorf("plugin %q found in both %s and %s", name, prev, spec.Dir)
		}
		seen[name] = spec.Dir

		if !s.included(name) {
			s.log.Debug("plugin not in include list, skipping", "plugin", name)
			continue
		}
		if s.isDisabled(spec) {
			s.log.Info("plugin disabled", "plugin", name)
			result.Disabled = append(result.Disabled, name)
			continue
		}
		if s.opts.HostVersion != nil {
			ok, err := spec.Manifest.Compatible(s.opts.HostVersion)
			if err != nil {
				s.log.Warn("skipping plugin with invalid compat range",
					"plugin", name,
					"error", err)
				continue
			}
			if !ok {
				s.log.Warn("plugin incompatible with host version",
					"plugin", name,
					"compat", spec.Manifest.Compat,
					"host_version", s.opts.HostVersion.String())
				result.Incompatible = append(result.Incompatible, name)
				continue
			}
		}
		accepted = append(accepted, spec)
	}

	names := make(map[string]bool, len(accepted))
	for _, spec := range accepted {
		names[spec.Name()] = true
	}
	for _, spec := range accepted {
		for _, req := range spec.Manifest.Requires {
			if !names[req] {
				return nil, oops.Code("PLUGIN_REQUIREMENT_MISSING").
					With("plugin", spec.Name()).
					With("requires", req).
					Hint("install the required plugin or disable the dependent one").
					Errorf("plugin %q requires %q, which is not available", spec.Name(), req)
			}
		}
	}

	exports, err := CollectExports(accepted)
	if err != nil {
		return nil, err
	}

	result.Specs = accepted
	result.UIExports = exports
	result.Duration = time.Since(start)

	s.log.Info("plugin scan complete",
		"scan_id", result.ScanID.String(),
		"found", len(accepted),
		"disabled", len(result.Disabled),
		"incompatible", len(result.Incompatible),
		"duration", result.Duration)

	return result, nil
}

// listCandidates returns every immediate subdirectory of the scan
// directories. A missing scan directory is normal on a fresh install.
func (s *Scanner) listCandidates() []string {
	var candidates []string
	for _, dir := range s.opts.Dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				s.log.Debug("scan directory does not exist", "dir", dir)
			} else {
				s.log.Warn("cannot read scan directory", "dir", dir, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			candidates = append(candidates, filepath.Join(dir, entry.Name()))
		}
	}
	return candidates
}

// readCandidate parses one plugin directory. Any fault local to the
// directory is logged and nil is returned so the scan continues.
func (s *Scanner) readCandidate(dir string) *Spec {
	manifestPath := filepath.Join(dir, manifestFile)

	data, err := os.ReadFile(manifestPath) //nolint:gosec // path is derived from configured scan dirs
	if err != nil {
		s.log.Warn("skipping plugin without manifest",
			"dir", dir,
			"error", err)
		return nil
	}

	if err := ValidateSchema(data); err != nil {
		s.log.Warn("skipping plugin with schema-invalid manifest",
			"dir", dir,
			"error", FormatSchemaError(err))
		return nil
	}

	manifest, err := ParseManifest(data)
	if err != nil {
		s.log.Warn("skipping plugin with invalid manifest",
			"dir", dir,
			"error", err)
		return nil
	}

	return &Spec{
		Manifest:     manifest,
		Dir:          dir,
		ManifestPath: manifestPath,
	}
}

func (s *Scanner) included(name string) bool {
	if len(s.include) == 0 {
		return true
	}
	for _, g := range s.include {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// isDisabled checks the disabled patterns and the plugin's own
// "<prefix>.enabled" config key.
func (s *Scanner) isDisabled(spec *Spec) bool {
	name := spec.Name()
	for _, g := range s.disabled {
		if g.Match(name) {
			return true
		}
	}
	if enabled, ok := s.opts.Settings[spec.Manifest.Prefix()+".enabled"]; ok {
		if b, isBool := enabled.(bool); isBool && !b {
			return true
		}
	}
	return false
}
