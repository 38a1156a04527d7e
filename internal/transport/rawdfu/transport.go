// Package rawdfu implements the Raw DFU transport (§4.4): it invokes an
// external programmer subprocess to write a module to a specific
// alt-setting and address on a device reachable over DFU.
//
// The subprocess-invocation shape (timeout context, exit-code extraction,
// stderr capture) is grounded on this corpus's GDB executor.
package rawdfu

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/subprocx"
	"github.com/particle-iot/flashctl/internal/transport"
	"github.com/particle-iot/flashctl/internal/usbdev"
)

const (
	flashTimeout  = 2 * time.Minute
	reenumRetries = 10
	reenumDelay   = 500 * time.Millisecond
	resetSettle   = 1 * time.Second
)

// UnsupportedStorage is returned when the platform defines no alt-setting
// for the requested storage type.
type UnsupportedStorage struct {
	Storage catalog.StorageType
}

func (e *UnsupportedStorage) Error() string {
	return fmt.Sprintf("rawdfu: platform has no alt-setting for storage %q", e.Storage)
}

// ProgrammerFailed is returned when the external programmer exits nonzero.
type ProgrammerFailed struct {
	ExitCode int
	Stderr   string
}

func (e *ProgrammerFailed) Error() string {
	return fmt.Sprintf("rawdfu: programmer exited %d: %s", e.ExitCode, e.Stderr)
}

// DeviceNotOpen is returned when an operation requires an open handle.
type DeviceNotOpen struct{ DeviceID string }

func (e *DeviceNotOpen) Error() string {
	return fmt.Sprintf("rawdfu: device %s is not open", e.DeviceID)
}

// OpenFailed wraps a failure to (re)open the USB handle, including after
// bounded re-enumeration retries.
type OpenFailed struct {
	DeviceID string
	Err      error
}

func (e *OpenFailed) Error() string { return fmt.Sprintf("rawdfu: opening %s: %v", e.DeviceID, e.Err) }
func (e *OpenFailed) Unwrap() error { return e.Err }

// ProgrammerPath is resolved via PATH per §6's "External executables".
var ProgrammerPath = "dfu-util"

// Device is the Raw DFU control surface for one board.
type Device struct {
	id         string
	platform   *catalog.Platform
	serial     string
	busPort    string
	enum       *usbdev.Enumerator
	vendorID   gousb.ID
	productID  gousb.ID

	open bool
}

func NewDevice(id string, platform *catalog.Platform, serial, busPort string, enum *usbdev.Enumerator, vendorID, productID gousb.ID) *Device {
	return &Device{
		id: id, platform: platform,
		serial: serial, busPort: busPort, enum: enum,
		vendorID: vendorID, productID: productID,
	}
}

func (d *Device) ID() string      { return d.id }
func (d *Device) PlatformID() int { return d.platform.ID }

// reopen waits for the device to re-enumerate under its current VID:PID
// and marks the handle open, with bounded retries (§4.4 step 3, §5).
func (d *Device) reopen(ctx context.Context) error {
	want := map[gousb.ID]gousb.ID{d.vendorID: d.productID}
	for attempt := 0; attempt < reenumRetries; attempt++ {
		select {
		case <-ctx.Done():
			return &OpenFailed{DeviceID: d.id, Err: ctx.Err()}
		case <-time.After(reenumDelay):
		}
		found, err := d.enum.Scan(want)
		if err == nil && len(found) > 0 {
			d.open = true
			logx.LogDeviceOpen(d.id, d.platform.Name, "rawdfu")
			return nil
		}
	}
	return &OpenFailed{DeviceID: d.id, Err: fmt.Errorf("device did not re-enumerate as %04x:%04x", d.vendorID, d.productID)}
}

// Open implements §4.4 step 3: wait for re-enumeration and reopen by id
// with bounded retries. No mode-switch control request is sent, here or
// by the Flasher; Open succeeds only for a board already enumerated in
// DFU mode.
func (d *Device) Open(ctx context.Context) error {
	return d.reopen(ctx)
}

func (d *Device) Close(ctx context.Context) error {
	d.open = false
	return nil
}

func (d *Device) Reset(ctx context.Context) error {
	if !d.open {
		return &DeviceNotOpen{DeviceID: d.id}
	}
	time.Sleep(resetSettle)
	return nil
}

func (d *Device) PrepareToFlash(ctx context.Context) error {
	return nil
}

// CanFlashModule excludes bootloader: it is written via the
// update-request transport to avoid bricking (§4.4 Capability).
func (d *Device) CanFlashModule(m *module.Module) bool {
	if m.Type == catalog.ModuleBootloader {
		return false
	}
	_, ok := d.platform.AltSetting(m.Storage)
	return ok
}

func (d *Device) CanWriteToFlash() bool { return true }

// WriteToFlash spawns the external programmer per §4.4 steps 1,4-7.
func (d *Device) WriteToFlash(ctx context.Context, filePath string, storage catalog.StorageType, address int64) error {
	if !d.open {
		return &DeviceNotOpen{DeviceID: d.id}
	}
	alt, ok := d.platform.AltSetting(storage)
	if !ok {
		return &UnsupportedStorage{Storage: storage}
	}

	// Step 4: close the USB handle before spawning the programmer.
	d.open = false

	args := []string{
		"-d", fmt.Sprintf("%04x:%04x", d.vendorID, d.productID),
		"-a", fmt.Sprintf("%d", alt),
		"-s", fmt.Sprintf("0x%x", address),
		"-D", filePath,
	}
	if d.serial != "" {
		args = append(args, "-S", d.serial)
	} else {
		args = append(args, "-p", d.busPort)
	}

	start := time.Now()
	result, err := subprocx.Run(ctx, flashTimeout, ProgrammerPath, args...)
	if result != nil {
		logx.LogSubprocess(ProgrammerPath, args, time.Since(start).Milliseconds(), result.ExitCode)
	}
	if err != nil {
		stderr := ""
		exitCode := -1
		if result != nil {
			stderr = result.Stderr
			exitCode = result.ExitCode
		}
		return &ProgrammerFailed{ExitCode: exitCode, Stderr: stderr}
	}
	if result.ExitCode != 0 {
		return &ProgrammerFailed{ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	// Step 7: reopen the USB handle.
	return d.reopen(ctx)
}

// FlashModule is not supported by the raw DFU transport: whole-module
// update semantics belong to the update-request transport.
func (d *Device) FlashModule(ctx context.Context, filePath string) (transport.FlashResult, error) {
	return transport.FlashResult{}, fmt.Errorf("rawdfu: FlashModule not supported, use WriteToFlash")
}

var _ transport.Device = (*Device)(nil)
