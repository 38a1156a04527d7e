// Package resolver implements the Module Cache & Resolver (§4.3): locating,
// downloading, unpacking, parsing, canonicalizing, and caching per-release
// firmware module binaries, including backfill of modules missing from a
// release.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/releasehost"
)

// MaxConcurrentDownloads bounds asset-download parallelism (§5).
const MaxConcurrentDownloads = 6

// MaxBackfillProbes bounds how many older releases are checked when
// backfilling a missing bootloader/user_part (§4.3 Backfill step 3).
const MaxBackfillProbes = 20

// ReleaseNotFound is returned when no release path locates the version.
type ReleaseNotFound struct {
	Version string
}

func (e *ReleaseNotFound) Error() string {
	return fmt.Sprintf("resolver: release %s not found", e.Version)
}

// NoBinariesInRelease is returned when a release was located but contains
// neither *.bin nor *.zip assets.
type NoBinariesInRelease struct {
	Version string
}

func (e *NoBinariesInRelease) Error() string {
	return fmt.Sprintf("resolver: release %s has no binary assets", e.Version)
}

// Options configures a single get_release_modules call.
type Options struct {
	NoCache bool
	Draft   bool
}

// Resolver is the Module Cache & Resolver.
type Resolver struct {
	Host         *releasehost.Client
	Catalog      *catalog.Catalog
	Parser       *module.Parser
	CacheRoot    string // <cacheDir>
	TempRoot     string // <tempDir>
	AssetsDir    string // bundled assets/binaries/ for backfill step 1
}

// New builds a Resolver.
func New(host *releasehost.Client, cat *catalog.Catalog, cacheRoot, tempRoot, assetsDir string) *Resolver {
	return &Resolver{
		Host:      host,
		Catalog:   cat,
		Parser:    module.NewParser(cat),
		CacheRoot: cacheRoot,
		TempRoot:  tempRoot,
		AssetsDir: assetsDir,
	}
}

// GetReleaseModules implements the public get_release_modules contract.
func (r *Resolver) GetReleaseModules(ctx context.Context, version string, opts Options) ([]*module.Module, error) {
	releaseDir := filepath.Join(r.CacheRoot, version)

	if !opts.NoCache {
		if mods, err := r.fastPath(releaseDir); err != nil {
			return nil, err
		} else if len(mods) > 0 {
			logx.Info("resolver fast path hit", zap.String("version", version), zap.Int("modules", len(mods)))
			return mods, nil
		}
	}

	release, err := r.locateRelease(ctx, version, opts.Draft)
	if err != nil {
		return nil, err
	}

	assets := selectAssets(release.Assets)
	if len(assets) == 0 {
		return nil, &NoBinariesInRelease{Version: version}
	}

	downloadDir := filepath.Join(r.TempRoot, "downloads", version)
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("resolver: creating download dir: %w", err)
	}
	defer os.RemoveAll(downloadDir)

	if err := r.downloadAssets(ctx, assets, downloadDir); err != nil {
		return nil, err
	}
	if err := r.unpackZips(downloadDir); err != nil {
		return nil, err
	}

	grouped, warnings, err := r.canonicalize(downloadDir)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logx.Warn("module parse warning", zap.Error(w))
	}

	if err := r.backfill(ctx, version, grouped); err != nil {
		return nil, err
	}

	modules := flatten(grouped)

	if !release.Draft {
		if err := r.commit(version, modules); err != nil {
			return nil, err
		}
	}

	return modules, nil
}

// GetModulesFromPath implements get_modules_from_path: parse a local
// file, directory, or zip of binaries directly, bypassing the release
// machinery entirely.
func (r *Resolver) GetModulesFromPath(path string) ([]*module.Module, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	scanRoot := path
	if !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".zip") {
		dest, err := os.MkdirTemp(r.TempRoot, "flashctl-path-*")
		if err != nil {
			return nil, fmt.Errorf("resolver: extracting %s: %w", path, err)
		}
		if _, err := extractZip(path, dest); err != nil {
			return nil, fmt.Errorf("resolver: extracting %s: %w", path, err)
		}
		scanRoot = dest
	}

	grouped, warnings, err := r.canonicalize(scanRoot)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logx.Warn("module parse warning", zap.Error(w))
	}
	return flatten(grouped), nil
}

// fastPath implements §4.3's fast path: parse every *.bin under an
// existing release cache dir without touching the network.
func (r *Resolver) fastPath(releaseDir string) ([]*module.Module, error) {
	if _, err := os.Stat(releaseDir); os.IsNotExist(err) {
		return nil, nil
	}

	var mods []*module.Module
	err := filepath.Walk(releaseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".bin") {
			return nil
		}
		m, warning, err := r.Parser.ParseFile(path)
		if err != nil {
			logx.Warn("skipping unparseable cached module", zap.String("path", path), zap.Error(err))
			return nil
		}
		if warning != nil {
			logx.Warn("module parse warning", zap.Error(warning))
		}
		if m != nil {
			mods = append(mods, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: walking cache dir: %w", err)
	}
	return mods, nil
}

// locateRelease implements §4.3 slow path steps 1-3.
func (r *Resolver) locateRelease(ctx context.Context, version string, draft bool) (*releasehost.Release, error) {
	rel, err := r.Host.GetReleaseByTag(ctx, "v"+version)
	if err == nil {
		return rel, nil
	}
	var nf *releasehost.NotFound
	if !asNotFound(err, &nf) {
		return nil, err
	}

	rel, err = r.Host.GetReleaseByTag(ctx, version)
	if err == nil {
		return rel, nil
	}
	if !asNotFound(err, &nf) {
		return nil, err
	}

	if draft {
		releases, err := r.Host.ListReleases(ctx)
		if err != nil {
			return nil, err
		}
		for i := range releases {
			rel := &releases[i]
			if !rel.Draft {
				continue
			}
			tag := strings.TrimPrefix(rel.Tag, "v")
			if semverEqual(tag, version) {
				return rel, nil
			}
		}
	}

	return nil, &ReleaseNotFound{Version: version}
}

func asNotFound(err error, target **releasehost.NotFound) bool {
	nf, ok := err.(*releasehost.NotFound)
	if ok {
		*target = nf
	}
	return ok
}

func semverEqual(a, b string) bool {
	va, erra := semver.NewVersion(a)
	vb, errb := semver.NewVersion(b)
	if erra != nil || errb != nil {
		return a == b
	}
	return va.Equal(vb)
}

// selectAssets prefers *.bin assets; falls back to *.zip only if no *.bin
// assets exist (§4.3 Asset selection).
func selectAssets(assets []releasehost.Asset) []releasehost.Asset {
	var bins []releasehost.Asset
	var zips []releasehost.Asset
	for _, a := range assets {
		switch {
		case strings.EqualFold(filepath.Ext(a.Name), ".bin"):
			bins = append(bins, a)
		case strings.EqualFold(filepath.Ext(a.Name), ".zip"):
			zips = append(zips, a)
		}
	}
	if len(bins) > 0 {
		return bins
	}
	return zips
}

// flatten converts the grouped map into a stable, sorted slice.
func flatten(grouped map[module.Key]*module.Module) []*module.Module {
	out := make([]*module.Module, 0, len(grouped))
	for _, m := range grouped {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PlatformID != b.PlatformID {
			return a.PlatformID < b.PlatformID
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Index < b.Index
	})
	return out
}
