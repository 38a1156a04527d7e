package resolver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/particle-iot/flashctl/internal/module"
)

// commit implements §4.3's Commit stage: clear the release's cache
// directory and atomically place the final module set under
// <cacheDir>/<version>/<platform_name>/<file>, updating each Module's
// FilePath to point at its cached location. Bundled-asset modules are
// copied (they still live under AssetsDir); downloaded/backfilled modules
// are moved out of temp storage.
func (r *Resolver) commit(version string, modules []*module.Module) error {
	releaseDir := filepath.Join(r.CacheRoot, version)
	if err := os.RemoveAll(releaseDir); err != nil {
		return fmt.Errorf("resolver: clearing cache dir for %s: %w", version, err)
	}

	for _, m := range modules {
		platform, err := r.Catalog.ByID(m.PlatformID)
		if err != nil {
			return fmt.Errorf("resolver: committing module: %w", err)
		}

		platformDir := filepath.Join(releaseDir, platform.Name)
		if err := os.MkdirAll(platformDir, 0755); err != nil {
			return fmt.Errorf("resolver: creating platform cache dir: %w", err)
		}

		dest := filepath.Join(platformDir, filepath.Base(m.FilePath))

		if m.IsAsset {
			if err := copyFile(m.FilePath, dest); err != nil {
				return fmt.Errorf("resolver: copying bundled asset %s: %w", m.FilePath, err)
			}
		} else {
			if err := moveFile(m.FilePath, dest); err != nil {
				return fmt.Errorf("resolver: moving %s into cache: %w", m.FilePath, err)
			}
		}
		m.FilePath = dest
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	// Cross-device rename falls back to copy + remove.
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}
