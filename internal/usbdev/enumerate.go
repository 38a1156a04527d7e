// Package usbdev enumerates USB devices relevant to flashing: boards
// presenting the update-request control interface and debug adapters
// presenting a vendor CDC/JTAG interface. It wraps google/gousb the way
// the ASIC driver in this corpus opens and releases devices: a context per
// scan, explicit Config/Interface claim, explicit Close on every level.
package usbdev

import (
	"fmt"
	"strings"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/logx"
)

// Descriptor identifies one attached USB device without opening it for
// exclusive access.
type Descriptor struct {
	VendorID    gousb.ID
	ProductID   gousb.ID
	Bus         int
	Address     int
	Port        int
	SerialIndex int
}

// Enumerator scans the USB bus for devices matching a set of VID:PID
// pairs, serving both the Update-Request transport's device list and the
// Debug Adapter transport's adapter discovery.
type Enumerator struct {
	ctx *gousb.Context
}

func NewEnumerator() *Enumerator {
	return &Enumerator{ctx: gousb.NewContext()}
}

func (e *Enumerator) Close() error {
	return e.ctx.Close()
}

// Context returns the underlying gousb context, for transports that must
// open a device for exclusive, long-lived use rather than the brief
// open/close Scan and SerialNumber perform.
func (e *Enumerator) Context() *gousb.Context {
	return e.ctx
}

// Scan lists every attached device whose VID:PID matches one of want.
func (e *Enumerator) Scan(want map[gousb.ID]gousb.ID) ([]Descriptor, error) {
	var found []Descriptor
	devices, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if pid, ok := want[desc.Vendor]; ok && pid == desc.Product {
			found = append(found, Descriptor{
				VendorID:  desc.Vendor,
				ProductID: desc.Product,
				Bus:       desc.Bus,
				Address:   desc.Address,
				Port:      portOf(desc),
			})
		}
		return false // never keep the device open during the scan
	})
	if err != nil {
		return nil, fmt.Errorf("usbdev: scanning bus: %w", err)
	}
	for _, d := range devices {
		d.Close()
	}
	return found, nil
}

func portOf(desc *gousb.DeviceDesc) int {
	if len(desc.Path) == 0 {
		return 0
	}
	return desc.Path[len(desc.Path)-1]
}

// SerialNumber opens the device briefly to read its serial string
// descriptor, sanitizing non-ASCII and control bytes per the debug adapter
// transport's identity-reconciliation rule: non-ASCII becomes '?',
// control/DEL bytes become "\xNN" escapes.
func (e *Enumerator) SerialNumber(d Descriptor) (string, error) {
	dev, err := e.ctx.OpenDeviceWithVIDPID(d.VendorID, d.ProductID)
	if err != nil {
		return "", fmt.Errorf("usbdev: opening %04x:%04x: %w", d.VendorID, d.ProductID, err)
	}
	if dev == nil {
		return "", fmt.Errorf("usbdev: device %04x:%04x not found", d.VendorID, d.ProductID)
	}
	defer dev.Close()

	raw, err := dev.SerialNumber()
	if err != nil {
		logx.Warn("failed reading USB serial descriptor", zap.String("device", fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)))
		return "", err
	}
	return SanitizeSerial(raw), nil
}

// SanitizeSerial applies the non-ASCII/control-byte escaping rule used
// when reconciling USB serial strings against registry device identity.
func SanitizeSerial(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r == 0x7f || r < 0x20:
			fmt.Fprintf(&b, "\\x%02X", r)
		case r > 0x7f:
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
