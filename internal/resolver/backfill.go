package resolver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
)

// missingType names a (platform, module type) pair still unresolved after
// grouping.
type missingType struct {
	platform *catalog.Platform
	kind     catalog.ModuleType
}

// backfill implements §4.3's Backfill stage: computing expected modules
// per platform represented in grouped, then filling gaps from bundled
// assets and, for bootloader/user_part, older releases.
func (r *Resolver) backfill(ctx context.Context, version string, grouped map[module.Key]*module.Module) error {
	platformsSeen := make(map[int]*catalog.Platform)
	for key := range grouped {
		if _, ok := platformsSeen[key.PlatformID]; ok {
			continue
		}
		p, err := r.Catalog.ByID(key.PlatformID)
		if err != nil {
			continue
		}
		platformsSeen[key.PlatformID] = p
	}

	var missing []missingType
	for _, p := range platformsSeen {
		missing = append(missing, expectedFor(p, grouped)...)
	}
	if len(missing) == 0 {
		return nil
	}

	// Step 1: bundled assets.
	var stillMissing []missingType
	for _, mt := range missing {
		if m := r.findBundledAsset(mt); m != nil {
			grouped[m.Key()] = m
			logx.Info("backfilled module from bundled assets",
				zap.String("platform", mt.platform.Name), zap.String("type", string(mt.kind)))
			continue
		}
		stillMissing = append(stillMissing, mt)
	}

	// Step 2: radio_stack/ncp_firmware downgrade to warning and drop.
	var needOlderReleases []missingType
	for _, mt := range stillMissing {
		if mt.kind == catalog.ModuleRadioStack || mt.kind == catalog.ModuleNCPFirmware {
			logx.Warn("module missing from release and bundled assets (dropped)",
				zap.String("platform", mt.platform.Name), zap.String("type", string(mt.kind)))
			continue
		}
		needOlderReleases = append(needOlderReleases, mt)
	}
	if len(needOlderReleases) == 0 {
		return nil
	}

	// Step 3: probe older releases for bootloader/user_part.
	olderVersions, err := r.descendingOlderVersions(ctx, version)
	if err != nil {
		return err
	}
	if len(olderVersions) > MaxBackfillProbes {
		olderVersions = olderVersions[:MaxBackfillProbes]
	}

	for _, mt := range needOlderReleases {
		found := r.probeOlderReleasesFor(ctx, mt, olderVersions)
		if found != nil {
			grouped[found.Key()] = found
			logx.Info("backfilled module from older release",
				zap.String("platform", mt.platform.Name), zap.String("type", string(mt.kind)))
			continue
		}
		// Step 4: remaining missing bootloader/user_part is a warning.
		logx.Warn("module missing from release, bundled assets, and older releases (warning only)",
			zap.String("platform", mt.platform.Name), zap.String("type", string(mt.kind)))
	}
	return nil
}

func expectedFor(p *catalog.Platform, grouped map[module.Key]*module.Module) []missingType {
	want := []catalog.ModuleType{catalog.ModuleBootloader, catalog.ModuleUserPart}
	if p.HasRadioStack {
		want = append(want, catalog.ModuleRadioStack)
	}
	if p.HasNCPFirmware {
		want = append(want, catalog.ModuleNCPFirmware)
	}

	var missing []missingType
	for _, kind := range want {
		if !hasAny(grouped, p.ID, kind) {
			missing = append(missing, missingType{platform: p, kind: kind})
		}
	}
	return missing
}

func hasAny(grouped map[module.Key]*module.Module, platformID int, kind catalog.ModuleType) bool {
	for key := range grouped {
		if key.PlatformID == platformID && key.Type == kind {
			return true
		}
	}
	return false
}

// findBundledAsset scans AssetsDir for a module matching the platform and
// type, marking it IsAsset=true (§4.3 Backfill step 1, "copy semantics").
func (r *Resolver) findBundledAsset(mt missingType) *module.Module {
	if r.AssetsDir == "" {
		return nil
	}
	var found *module.Module
	_ = filepath.Walk(r.AssetsDir, func(path string, info os.FileInfo, err error) error {
		if found != nil || err != nil || info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".bin") {
			return nil
		}
		m, _, parseErr := r.Parser.ParseFile(path)
		if parseErr != nil || m == nil {
			return nil
		}
		if m.PlatformID == mt.platform.ID && m.Type == mt.kind {
			m.IsAsset = true
			found = m
		}
		return nil
	})
	return found
}

// descendingOlderVersions lists every release strictly less than version,
// sorted descending by semver (§4.3 Backfill step 3).
func (r *Resolver) descendingOlderVersions(ctx context.Context, version string) ([]string, error) {
	target, err := semver.NewVersion(version)
	if err != nil {
		return nil, nil
	}

	releases, err := r.Host.ListReleases(ctx)
	if err != nil {
		return nil, err
	}

	var versions []*semver.Version
	for _, rel := range releases {
		tag := strings.TrimPrefix(rel.Tag, "v")
		v, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		if v.LessThan(target) {
			versions = append(versions, v)
		}
	}
	sort.Sort(sort.Reverse(bySemver(versions)))

	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.Original()
	}
	return out, nil
}

// keepBackfillMatch copies a module file found during an older-release
// probe out of the probe's scratch directory before it is removed.
func (r *Resolver) keepBackfillMatch(m *module.Module) (*module.Module, error) {
	keepDir := filepath.Join(r.TempRoot, "backfill-keep")
	if err := os.MkdirAll(keepDir, 0755); err != nil {
		return nil, err
	}
	dest := filepath.Join(keepDir, filepath.Base(m.FilePath))

	data, err := os.ReadFile(m.FilePath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return nil, err
	}
	m.FilePath = dest
	return m, nil
}

type bySemver []*semver.Version

func (s bySemver) Len() int           { return len(s) }
func (s bySemver) Less(i, j int) bool { return s[i].LessThan(s[j]) }
func (s bySemver) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// probeOlderReleasesFor downloads and parses each older release in turn
// (oldest-probed-first is actually newest-first per the descending sort)
// until a module whose filename matches the expected marker is found.
func (r *Resolver) probeOlderReleasesFor(ctx context.Context, mt missingType, olderVersions []string) *module.Module {
	marker := "bootloader"
	if mt.kind == catalog.ModuleUserPart {
		marker = "tinker"
	}

	for _, v := range olderVersions {
		rel, err := r.locateRelease(ctx, v, false)
		if err != nil {
			continue
		}
		assets := selectAssets(rel.Assets)
		if len(assets) == 0 {
			continue
		}

		probeDir := filepath.Join(r.TempRoot, "backfill-probe", v)
		if err := os.MkdirAll(probeDir, 0755); err != nil {
			continue
		}
		if err := r.downloadAssets(ctx, assets, probeDir); err != nil {
			os.RemoveAll(probeDir)
			continue
		}
		if err := r.unpackZips(probeDir); err != nil {
			os.RemoveAll(probeDir)
			continue
		}

		var match *module.Module
		_ = filepath.Walk(probeDir, func(path string, info os.FileInfo, err error) error {
			if match != nil || err != nil || info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".bin") {
				return nil
			}
			if !strings.Contains(strings.ToLower(filepath.Base(path)), marker) {
				return nil
			}
			m, _, parseErr := r.Parser.ParseFile(path)
			if parseErr != nil || m == nil {
				return nil
			}
			if m.PlatformID == mt.platform.ID && m.Type == mt.kind {
				match = m
			}
			return nil
		})
		if match != nil {
			kept, err := r.keepBackfillMatch(match)
			os.RemoveAll(probeDir)
			if err != nil {
				continue
			}
			return kept
		}
		os.RemoveAll(probeDir)
	}
	return nil
}
