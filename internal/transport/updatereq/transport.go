// Package updatereq implements the Update-Request (USB) transport
// (§4.5): it asks the running firmware to accept and apply a full module
// image over a USB control request, rather than writing storage directly.
package updatereq

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/transport"
)

const flashTimeout = 4 * time.Minute

// bRequestFlash is the control-request code this device class uses to
// accept a module image. bmRequestType 0x21 selects host-to-device,
// class request type, interface recipient.
const (
	bmRequestType = 0x21
	bRequestFlash = 0x50
)

// DeviceNotOpen mirrors the rawdfu error for an operation requiring an
// open handle.
type DeviceNotOpen struct{ DeviceID string }

func (e *DeviceNotOpen) Error() string {
	return fmt.Sprintf("updatereq: device %s is not open", e.DeviceID)
}

// Device is the Update-Request control surface for one board.
type Device struct {
	id         string
	platformID int
	ctx        *gousb.Context
	vendorID   gousb.ID
	productID  gousb.ID

	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
}

func NewDevice(ctx *gousb.Context, id string, platformID int, vendorID, productID gousb.ID) *Device {
	return &Device{ctx: ctx, id: id, platformID: platformID, vendorID: vendorID, productID: productID}
}

func (d *Device) ID() string      { return d.id }
func (d *Device) PlatformID() int { return d.platformID }

func (d *Device) Open(ctx context.Context) error {
	dev, err := d.ctx.OpenDeviceWithVIDPID(d.vendorID, d.productID)
	if err != nil || dev == nil {
		return fmt.Errorf("updatereq: opening %s: %w", d.id, err)
	}
	config, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return fmt.Errorf("updatereq: setting config on %s: %w", d.id, err)
	}
	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		dev.Close()
		return fmt.Errorf("updatereq: claiming interface on %s: %w", d.id, err)
	}
	d.dev, d.config, d.intf = dev, config, intf
	logx.LogDeviceOpen(d.id, fmt.Sprintf("platform-%d", d.platformID), "updatereq")
	return nil
}

func (d *Device) Close(ctx context.Context) error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
	if d.dev != nil {
		err := d.dev.Close()
		d.dev = nil
		return err
	}
	return nil
}

func (d *Device) Reset(ctx context.Context) error {
	if d.dev == nil {
		return &DeviceNotOpen{DeviceID: d.id}
	}
	_, err := d.dev.Control(bmRequestType, bRequestFlash, 0, 0, nil)
	return err
}

// PrepareToFlash enters a safe non-cloud "listening" mode before a
// flashing sequence (§4.5).
func (d *Device) PrepareToFlash(ctx context.Context) error {
	if d.dev == nil {
		return &DeviceNotOpen{DeviceID: d.id}
	}
	_, err := d.dev.Control(bmRequestType, bRequestFlash, 1 /* enter listening mode */, 0, nil)
	return err
}

// CanFlashModule is always true: update-request accepts any module type.
func (d *Device) CanFlashModule(m *module.Module) bool { return true }

// CanWriteToFlash is always false: this transport does not expose raw
// storage writes.
func (d *Device) CanWriteToFlash() bool { return false }

func (d *Device) WriteToFlash(ctx context.Context, filePath string, storage catalog.StorageType, address int64) error {
	return fmt.Errorf("updatereq: WriteToFlash not supported, use FlashModule")
}

// FlashModule reads the full file into memory and sends it via the USB
// firmware-update control request, timeout 4 minutes (§4.5).
func (d *Device) FlashModule(ctx context.Context, filePath string) (transport.FlashResult, error) {
	if d.dev == nil {
		return transport.FlashResult{}, &DeviceNotOpen{DeviceID: d.id}
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return transport.FlashResult{}, fmt.Errorf("updatereq: reading %s: %w", filePath, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, flashTimeout)
	defer cancel()

	start := time.Now()
	_, err = d.dev.Control(bmRequestType, bRequestFlash, 2 /* apply module */, 0, data)
	logx.Info("update-request module write",
		zap.String("device", d.id), zap.Int("bytes", len(data)), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return transport.FlashResult{}, fmt.Errorf("updatereq: writing %s timed out after %s", filePath, flashTimeout)
	}
	if err != nil {
		return transport.FlashResult{}, fmt.Errorf("updatereq: control write failed: %w", err)
	}
	return transport.FlashResult{ResetPending: true}, nil
}

var _ transport.Device = (*Device)(nil)
