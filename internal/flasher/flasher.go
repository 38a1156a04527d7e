// Package flasher implements the Per-Device Flasher (§4.8): given a
// Device, a list of Modules targeting its platform, and a retry budget,
// partitions modules between the primary transport's direct-write path
// and the update-request fallback, then drives both sequences with
// module-granularity resume on failure.
package flasher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/transport"
)

const (
	updateReqReenumWait = 3 * time.Second
	updateReqOpenTimeout = 60 * time.Second
)

// Job is the transient per-device flash request (§3's Flash Job).
type Job struct {
	DeviceID     string
	Platform     *catalog.Platform
	Modules      []*module.Module
	RetriesLeft  int
}

// Flasher drives one device's module set to completion.
type Flasher struct {
	Primary      transport.Device
	UpdateReq    transport.Device // nil if no update-request fallback is wired for this device
	TempDir      string

	headerCacheMu sync.Mutex
	headerCache   map[string]string // original path -> materialized drop_header path
}

func New(primary, updateReq transport.Device, tempDir string) *Flasher {
	return &Flasher{
		Primary: primary, UpdateReq: updateReq, TempDir: tempDir,
		headerCache: make(map[string]string),
	}
}

// Run implements §4.8 in full: partition, direct-module retry loop,
// transport switch, update-request sequence.
func (f *Flasher) Run(ctx context.Context, job *Job) error {
	direct, viaUpdate := f.partition(job.Modules)

	if len(direct) > 0 {
		if err := f.runDirect(ctx, job, direct); err != nil {
			return err
		}
	}

	if len(viaUpdate) > 0 {
		if err := f.runUpdateRequest(ctx, job, viaUpdate); err != nil {
			return err
		}
	}
	return nil
}

// partition splits modules into direct (primary transport can flash the
// type and write its storage) and update-request (everything else),
// preserving input order within each partition (§4.8 step 1).
func (f *Flasher) partition(modules []*module.Module) (direct, viaUpdate []*module.Module) {
	for _, m := range modules {
		if f.Primary.CanFlashModule(m) && f.Primary.CanWriteToFlash() {
			direct = append(direct, m)
		} else {
			viaUpdate = append(viaUpdate, m)
		}
	}
	return direct, viaUpdate
}

// runDirect implements §4.8 steps 2-4 and 6: the retry loop for direct
// modules, encrypted-module policy, and drop_header materialization.
func (f *Flasher) runDirect(ctx context.Context, job *Job, modules []*module.Module) error {
	remaining := modules

	for {
		err := f.attemptDirect(ctx, job, &remaining)
		if err == nil {
			break
		}
		f.Primary.Close(ctx)
		if job.RetriesLeft <= 0 {
			return fmt.Errorf("flasher: device %s: %w", job.DeviceID, err)
		}
		job.RetriesLeft--
		logx.Warn("direct flash attempt failed, retrying",
			zap.String("device", job.DeviceID), zap.Error(err), zap.Int("retries_left", job.RetriesLeft))
	}

	return f.Primary.Reset(ctx)
}

// attemptDirect opens the device, prepares it, and writes modules in
// order, skipping any still-succeeded prefix on a resumed attempt. A
// module write that reaches at least its first byte is not retried at
// module granularity: callers resume from the first not-yet-succeeded
// module (§4.8 step 6) — tracked here by mutating remaining as each
// module completes.
func (f *Flasher) attemptDirect(ctx context.Context, job *Job, remaining *[]*module.Module) error {
	if err := f.Primary.Open(ctx); err != nil {
		return err
	}
	if err := f.Primary.PrepareToFlash(ctx); err != nil {
		return err
	}

	for len(*remaining) > 0 {
		m := (*remaining)[0]

		if f.skipRequiredEncrypted(job.Platform, m) {
			*remaining = (*remaining)[1:]
			continue
		}

		path, err := f.materializeDropHeader(m)
		if err != nil {
			return err
		}

		if err := f.Primary.WriteToFlash(ctx, path, m.Storage, m.Address); err != nil {
			return err
		}
		*remaining = (*remaining)[1:]
	}
	return nil
}

// skipRequiredEncrypted implements §4.8 step 3: if the platform marks a
// module's storage slot as required-encrypted and the candidate lacks the
// encrypted flag, log a warning and skip it.
func (f *Flasher) skipRequiredEncrypted(platform *catalog.Platform, m *module.Module) bool {
	desc, ok := platform.StorageForModule(m.Type, m.Index)
	if !ok || !desc.Encrypted {
		return false
	}
	if m.Encrypted {
		return false
	}
	logx.Warn("skipping module requiring encryption",
		zap.String("platform", platform.Name), zap.String("type", string(m.Type)), zap.String("path", m.FilePath))
	return true
}

// materializeDropHeader implements §4.8 step 4: if drop_header is set,
// write a sibling file with the leading header_size bytes removed into a
// per-device temp dir, memoized by path so repeated writes (retries)
// reuse the same materialized file.
func (f *Flasher) materializeDropHeader(m *module.Module) (string, error) {
	if !m.DropHeader {
		return m.FilePath, nil
	}

	f.headerCacheMu.Lock()
	if cached, ok := f.headerCache[m.FilePath]; ok {
		f.headerCacheMu.Unlock()
		return cached, nil
	}
	f.headerCacheMu.Unlock()

	data, err := os.ReadFile(m.FilePath)
	if err != nil {
		return "", fmt.Errorf("flasher: reading %s for header strip: %w", m.FilePath, err)
	}
	if m.HeaderSize > int64(len(data)) {
		return "", fmt.Errorf("flasher: header_size %d exceeds file size of %s", m.HeaderSize, m.FilePath)
	}
	stripped := data[m.HeaderSize:]

	if err := os.MkdirAll(f.TempDir, 0755); err != nil {
		return "", fmt.Errorf("flasher: creating temp dir: %w", err)
	}
	dest := filepath.Join(f.TempDir, filepath.Base(m.FilePath))
	if err := os.WriteFile(dest, stripped, 0644); err != nil {
		return "", fmt.Errorf("flasher: writing stripped module: %w", err)
	}

	f.headerCacheMu.Lock()
	f.headerCache[m.FilePath] = dest
	f.headerCacheMu.Unlock()
	return dest, nil
}

// runUpdateRequest implements §4.8 step 5: wait for re-enumeration, open
// with a 60s timeout, prepare, then stream each remaining module,
// reopening between modules when reset_pending is signaled. Final reset.
func (f *Flasher) runUpdateRequest(ctx context.Context, job *Job, modules []*module.Module) error {
	if f.UpdateReq == nil {
		return fmt.Errorf("flasher: device %s has no update-request transport wired", job.DeviceID)
	}

	time.Sleep(updateReqReenumWait)

	openCtx, cancel := context.WithTimeout(ctx, updateReqOpenTimeout)
	defer cancel()
	if err := f.UpdateReq.Open(openCtx); err != nil {
		return fmt.Errorf("flasher: device %s: opening update-request transport: %w", job.DeviceID, err)
	}
	if err := f.UpdateReq.PrepareToFlash(ctx); err != nil {
		return err
	}

	for _, m := range modules {
		if f.skipRequiredEncrypted(job.Platform, m) {
			continue
		}
		result, err := f.UpdateReq.FlashModule(ctx, m.FilePath)
		if err != nil {
			return fmt.Errorf("flasher: device %s: flashing %s: %w", job.DeviceID, m.FilePath, err)
		}
		if result.ResetPending {
			if err := f.UpdateReq.Close(ctx); err != nil {
				return err
			}
			reopenCtx, reopenCancel := context.WithTimeout(ctx, updateReqOpenTimeout)
			err := f.UpdateReq.Open(reopenCtx)
			reopenCancel()
			if err != nil {
				return fmt.Errorf("flasher: device %s: reopening after reset_pending: %w", job.DeviceID, err)
			}
		}
	}

	return f.UpdateReq.Reset(ctx)
}
