package updatereq

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/transport"
	"github.com/particle-iot/flashctl/internal/usbdev"
)

// VendorID and ProductID identify a board running firmware that has
// entered listening mode and exposes the update-request control
// interface. As with rawdfu, the firmware platform is not discoverable
// from the USB descriptors alone.
var (
	VendorID  = gousb.ID(0x2b04)
	ProductID = gousb.ID(0xc006)
)

// Discovery enumerates boards presenting the update-request interface.
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
		return nil, fmt.Errorf("updatereq: scanning for listening-mode devices: %w", err)
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

// OpenByID binds a Device to deviceID's platform. Unlike rawdfu, the
// returned Device does not hold a USB handle until Open is called, so no
// re-scan is needed here; the VID:PID pair is fixed for every platform.
func (d *Discovery) OpenByID(ctx context.Context, deviceID string, platform *catalog.Platform) (transport.Device, error) {
	return NewDevice(d.enum.Context(), deviceID, platform.ID, VendorID, ProductID), nil
}

var _ transport.Discovery = (*Discovery)(nil)
