package resolver

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/releasehost"
)

// downloadAssets fetches every asset into destDir under a semaphore of
// size MaxConcurrentDownloads (§4.3 Asset selection, §5).
func (r *Resolver) downloadAssets(ctx context.Context, assets []releasehost.Asset, destDir string) error {
	sem := make(chan struct{}, MaxConcurrentDownloads)
	var wg sync.WaitGroup
	errCh := make(chan error, len(assets))

	for _, a := range assets {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			path := filepath.Join(destDir, a.Name)
			if err := r.downloadOne(ctx, a, path); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err // propagate the first captured error
		}
	}
	return nil
}

func (r *Resolver) downloadOne(ctx context.Context, asset releasehost.Asset, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return &releasehost.DownloadFailed{Asset: asset.Name, Err: err}
	}
	defer out.Close()

	logx.Debug("downloading asset", zap.String("name", asset.Name), zap.Int64("size", asset.Size))
	if err := r.Host.DownloadAsset(ctx, asset, out); err != nil {
		return err
	}
	return nil
}

// unpackZips extracts every *.zip in dir into a sibling directory named
// after the zip (without extension), per §4.3 Asset selection's "unpack
// every downloaded *.zip into a sibling directory".
func (r *Resolver) unpackZips(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("resolver: reading download dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".zip") {
			continue
		}
		zipPath := filepath.Join(dir, e.Name())
		dest := filepath.Join(dir, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		if err := os.MkdirAll(dest, 0755); err != nil {
			return fmt.Errorf("resolver: creating unpack dir for %s: %w", e.Name(), err)
		}
		if _, err := extractZip(zipPath, dest); err != nil {
			return fmt.Errorf("resolver: unpacking %s: %w", e.Name(), err)
		}
	}
	return nil
}

// extractZip unpacks src into destination, guarding against zip-slip path
// traversal.
func extractZip(src, destination string) ([]string, error) {
	var filenames []string
	rc, err := zip.OpenReader(src)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	for _, f := range rc.File {
		fpath := filepath.Join(destination, f.Name)
		if !strings.HasPrefix(fpath, filepath.Clean(destination)+string(os.PathSeparator)) {
			return filenames, fmt.Errorf("%s: illegal file path in zip", fpath)
		}
		filenames = append(filenames, fpath)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0755); err != nil {
				return filenames, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
			return filenames, err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return filenames, err
		}
		src, err := f.Open()
		if err != nil {
			outFile.Close()
			return filenames, err
		}
		_, copyErr := io.Copy(outFile, src)
		outFile.Close()
		src.Close()
		if copyErr != nil {
			return filenames, copyErr
		}
	}
	return filenames, nil
}
