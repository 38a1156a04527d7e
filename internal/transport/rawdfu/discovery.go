package rawdfu

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/transport"
	"github.com/particle-iot/flashctl/internal/usbdev"
)

// VendorID and ProductID identify a board enumerated in DFU mode. Fixed
// across every platform this build supports; the platform running behind
// a given DFU device is not discoverable over the wire and must be
// resolved by the caller (device registry lookup or a user hint) before
// OpenByID.
var (
	VendorID  = gousb.ID(0x2b04)
	ProductID = gousb.ID(0xd006)
)

// Discovery enumerates boards presenting the DFU interface.
type Discovery struct {
	enum *usbdev.Enumerator
}

func NewDiscovery(enum *usbdev.Enumerator) *Discovery {
	return &Discovery{enum: enum}
}

func (d *Discovery) List(ctx context.Context) ([]transport.DeviceHandle, error) {
	want := map[gousb.ID]gousb.ID{VendorID: ProductID}
	descs, err := d.enum.Scan(want)
	if err != nil {
		return nil, fmt.Errorf("rawdfu: scanning for DFU devices: %w", err)
	}

	handles := make([]transport.DeviceHandle, 0, len(descs))
	for _, desc := range descs {
		serial, err := d.enum.SerialNumber(desc)
		if err != nil {
			serial = ""
		}
		handles = append(handles, transport.DeviceHandle{
			ID:      serial,
			Serial:  serial,
			BusPort: fmt.Sprintf("%d-%d", desc.Bus, desc.Port),
		})
	}
	return handles, nil
}

// OpenByID re-scans for a DFU device matching deviceID (preferring serial,
// falling back to bus port when the device exposes no serial descriptor)
// and returns a Device bound to platform.
func (d *Discovery) OpenByID(ctx context.Context, deviceID string, platform *catalog.Platform) (transport.Device, error) {
	want := map[gousb.ID]gousb.ID{VendorID: ProductID}
	descs, err := d.enum.Scan(want)
	if err != nil {
		return nil, fmt.Errorf("rawdfu: scanning for DFU devices: %w", err)
	}

	for _, desc := range descs {
		serial, _ := d.enum.SerialNumber(desc)
		busPort := fmt.Sprintf("%d-%d", desc.Bus, desc.Port)
		if serial == deviceID || (serial == "" && busPort == deviceID) {
			return NewDevice(deviceID, platform, serial, busPort, d.enum, VendorID, ProductID), nil
		}
	}
	return nil, fmt.Errorf("rawdfu: no attached DFU device with id %q", deviceID)
}

var _ transport.Discovery = (*Discovery)(nil)
