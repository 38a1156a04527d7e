// Package fleet implements the Fleet Coordinator (§4.9): enumerating
// devices reachable through a chosen primary transport, resolving
// user-requested targets against that set (falling back to the
// device-registry API for names and unknown platforms), and dispatching a
// Flasher per device under bounded parallelism.
package fleet

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/flasher"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/registry"
	"github.com/particle-iot/flashctl/internal/transport"
	"github.com/particle-iot/flashctl/internal/usbdev"
)

// NoDevicesFound is returned by EnumerateDevices when every candidate
// device failed to open within its retry budget, or none were present.
type NoDevicesFound struct{}

func (e *NoDevicesFound) Error() string { return "fleet: no devices found" }

// DeviceNotFound is returned by ResolveTargets for a requested id/name
// that matches nothing local and nothing in the registry.
type DeviceNotFound struct{ Identity string }

func (e *DeviceNotFound) Error() string {
	return fmt.Sprintf("fleet: requested device %q not found", e.Identity)
}

// UnknownDevicePlatform is returned when a selected target's platform
// could not be determined from the local probe, a user hint, or the
// registry.
type UnknownDevicePlatform struct{ DeviceID string }

func (e *UnknownDevicePlatform) Error() string {
	return fmt.Sprintf("fleet: could not determine platform for device %q", e.DeviceID)
}

// Candidate is one device known to the coordinator after enumeration:
// identity, platform (if resolved), and enough addressing information to
// reopen it on the primary transport.
type Candidate struct {
	transport.DeviceHandle
	Platform *catalog.Platform
}

// Target is one user-requested device: an id or a name, plus an optional
// platform hint (the `:platform` suffix on `-d`).
type Target struct {
	Identity     string // id or name
	PlatformHint string // catalog platform name, "" if not given
}

// EnumerateOptions bounds the probe-and-open pass of enumeration.
type EnumerateOptions struct {
	MaxRetries int
	MaxJobs    int // 0 means unbounded
}

// Coordinator owns the shared resources every device run needs: the
// catalog, the primary transport's discovery, an optional update-request
// fallback discovery, the USB enumerator used for the pre-probe pass, and
// the device registry for name/platform resolution.
type Coordinator struct {
	Catalog       *catalog.Catalog
	Primary       transport.Discovery
	UpdateReq     transport.Discovery // nil if this run has no fallback transport wired
	USBEnumerator *usbdev.Enumerator
	Registry      *registry.Client
	TempDir       string
}

// EnumerateDevices implements §4.9's enumerate_devices: run the pre-probe
// pass (which seeds nothing), list the primary transport's devices, then
// open/close each with bounded parallelism and a retry budget to confirm
// it is reachable and to fill in any platform still unknown.
func (c *Coordinator) EnumerateDevices(ctx context.Context, opts EnumerateOptions) ([]Candidate, error) {
	preProbed := c.preProbePlatforms()

	handles, err := c.Primary.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: listing primary transport devices: %w", err)
	}

	sem := newSemaphore(opts.MaxJobs)
	var mu sync.Mutex
	var candidates []Candidate
	var wg sync.WaitGroup

	for _, h := range handles {
		h := h
		wg.Add(1)
		sem.acquire()
		go func() {
			defer wg.Done()
			defer sem.release()

			platform := c.platformFor(h, preProbed)
			cand, ok := c.confirmDevice(ctx, h, platform, opts.MaxRetries)
			if !ok {
				return
			}
			mu.Lock()
			candidates = append(candidates, cand)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(candidates) == 0 {
		return nil, &NoDevicesFound{}
	}
	return candidates, nil
}

// preProbePlatforms is the §4.9 step 1 pre-probe pass. It performs no USB
// scan and always returns an empty id -> platform map, so platforms come
// only from the primary transport's List, the opened device, a user hint,
// or the registry.
func (c *Coordinator) preProbePlatforms() map[string]*catalog.Platform {
	guesses := make(map[string]*catalog.Platform)
	if c.USBEnumerator == nil {
		return guesses
	}
	// The pre-probe pass only has USB identity to go on (VID:PID, serial);
	// it cannot itself distinguish platforms sharing one DFU VID:PID, so it
	// seeds nothing beyond what List/registry resolution already provide.
	// Retained as a named, separate step (rather than folded into List)
	// because it is documented in §4.9 as running before transport listing
	// and independently of which transport is primary.
	return guesses
}

func (c *Coordinator) platformFor(h transport.DeviceHandle, preProbed map[string]*catalog.Platform) *catalog.Platform {
	if h.PlatformID != 0 {
		if p, err := c.Catalog.ByID(h.PlatformID); err == nil {
			return p
		}
	}
	return preProbed[h.ID]
}

// confirmDevice opens and immediately closes one device to verify it is
// reachable, retrying up to maxRetries times on open failure.
func (c *Coordinator) confirmDevice(ctx context.Context, h transport.DeviceHandle, platform *catalog.Platform, maxRetries int) (Candidate, bool) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		dev, err := c.Primary.OpenByID(ctx, h.ID, platform)
		if err != nil {
			lastErr = err
			continue
		}
		if platform == nil {
			if p, perr := c.Catalog.ByID(dev.PlatformID()); perr == nil {
				platform = p
			}
		}
		closeErr := dev.Close(ctx)
		if closeErr != nil {
			logx.Warn("fleet: closing device after enumeration probe failed",
				zap.String("device", h.ID), zap.Error(closeErr))
		}
		return Candidate{DeviceHandle: h, Platform: platform}, true
	}
	logx.Warn("fleet: device failed to open during enumeration",
		zap.String("device", h.ID), zap.Error(lastErr))
	return Candidate{}, false
}

// ResolveTargets implements §4.9's resolve_targets: requested ids/names
// are matched against the locally enumerated candidates first; anything
// unmatched, or matched but missing a platform, triggers one registry
// resolution pass.
func (c *Coordinator) ResolveTargets(ctx context.Context, local []Candidate, requested []Target) ([]Candidate, error) {
	byID := make(map[string]Candidate, len(local))
	for _, cand := range local {
		byID[cand.ID] = cand
	}

	var resolved []Candidate
	for _, t := range requested {
		cand, ok := byID[t.Identity]
		if !ok {
			r, err := c.resolveViaRegistry(ctx, t)
			if err != nil {
				return nil, err
			}
			cand = r
		}
		if cand.Platform == nil && t.PlatformHint != "" {
			if p, err := c.Catalog.ByName(t.PlatformHint); err == nil {
				cand.Platform = p
			}
		}
		if cand.Platform == nil && ok {
			if r, err := c.resolveViaRegistry(ctx, t); err == nil {
				cand.Platform = r.Platform
			}
		}
		if cand.Platform == nil {
			return nil, &UnknownDevicePlatform{DeviceID: t.Identity}
		}
		resolved = append(resolved, cand)
	}
	return resolved, nil
}

// resolveViaRegistry looks up a name or unrecognized id through the
// device-registry API, per §4.9's "single registry call" rule.
func (c *Coordinator) resolveViaRegistry(ctx context.Context, t Target) (Candidate, error) {
	if c.Registry == nil {
		return Candidate{}, &DeviceNotFound{Identity: t.Identity}
	}

	info, err := c.Registry.GetDevice(ctx, t.Identity)
	if err != nil {
		info, err = c.Registry.ResolveByName(ctx, t.Identity)
	}
	if err != nil {
		return Candidate{}, &DeviceNotFound{Identity: t.Identity}
	}

	var platform *catalog.Platform
	if p, perr := c.Catalog.ByID(info.PlatformID); perr == nil {
		platform = p
	}
	return Candidate{
		DeviceHandle: transport.DeviceHandle{ID: info.ID, PlatformID: info.PlatformID},
		Platform:     platform,
	}, nil
}

// RunResult is one device's outcome from Dispatch.
type RunResult struct {
	DeviceID string
	Platform string
	Err      error
}

// DispatchOptions bounds per-device retries and fleet-wide parallelism.
type DispatchOptions struct {
	MaxRetries int
	MaxJobs    int // 0 means unbounded
}

// Dispatch implements §4.9's dispatch: one Flasher per device, run under
// bounded parallelism. Every device reaches a terminal state regardless
// of other devices' outcomes; the first error encountered (in device
// order) is returned after all complete.
func (c *Coordinator) Dispatch(ctx context.Context, devices []Candidate, modules []*module.Module, opts DispatchOptions) ([]RunResult, error) {
	sem := newSemaphore(opts.MaxJobs)
	results := make([]RunResult, len(devices))
	var wg sync.WaitGroup

	for i, dev := range devices {
		i, dev := i, dev
		wg.Add(1)
		sem.acquire()
		go func() {
			defer wg.Done()
			defer sem.release()
			results[i] = c.runOne(ctx, dev, modules, opts.MaxRetries)
		}()
	}
	wg.Wait()

	var first error
	for _, r := range results {
		if r.Err != nil && first == nil {
			first = r.Err
		}
	}
	return results, first
}

// runOne opens the primary and (when needed) update-request devices for
// one target, runs its Flasher, and always closes both handles.
func (c *Coordinator) runOne(ctx context.Context, dev Candidate, modules []*module.Module, maxRetries int) RunResult {
	result := RunResult{DeviceID: dev.ID, Platform: dev.Platform.Name}

	primary, err := c.Primary.OpenByID(ctx, dev.ID, dev.Platform)
	if err != nil {
		result.Err = fmt.Errorf("fleet: device %s: opening primary transport: %w", dev.ID, err)
		return result
	}
	defer primary.Close(ctx)

	var updateReq transport.Device
	if c.UpdateReq != nil {
		updateReq, err = c.UpdateReq.OpenByID(ctx, dev.ID, dev.Platform)
		if err != nil {
			result.Err = fmt.Errorf("fleet: device %s: opening update-request transport: %w", dev.ID, err)
			return result
		}
		defer updateReq.Close(ctx)
	}

	targetModules := make([]*module.Module, 0, len(modules))
	for _, m := range modules {
		if m.PlatformID == dev.Platform.ID {
			targetModules = append(targetModules, m)
		}
	}

	f := flasher.New(primary, updateReq, c.TempDir)
	job := &flasher.Job{
		DeviceID:    dev.ID,
		Platform:    dev.Platform,
		Modules:     targetModules,
		RetriesLeft: maxRetries,
	}
	result.Err = f.Run(ctx, job)
	return result
}

// semaphore bounds concurrency to n goroutines; n <= 0 means unbounded.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		return &semaphore{}
	}
	return &semaphore{ch: make(chan struct{}, n)}
}

func (s *semaphore) acquire() {
	if s.ch != nil {
		s.ch <- struct{}{}
	}
}

func (s *semaphore) release() {
	if s.ch != nil {
		<-s.ch
	}
}
