package debugadapter

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/transport"
	"github.com/particle-iot/flashctl/internal/usbdev"
)

// BaseControlPort is the first control port assigned to an adapter;
// adapter index i (1-based) uses BaseControlPort + i - 1 (§4.6 Adapter
// discovery).
const BaseControlPort = 4444

// Discovery enumerates debug adapters over USB and opens a Device bound
// to a specific board platform, once identity has been established by the
// caller (the Fleet Coordinator resolves which platform each adapter's
// attached board runs).
type Discovery struct {
	enum    *usbdev.Enumerator
	table   *catalog.AdapterTable
	catalog *catalog.Catalog
}

func NewDiscovery(enum *usbdev.Enumerator, table *catalog.AdapterTable, cat *catalog.Catalog) *Discovery {
	return &Discovery{enum: enum, table: table, catalog: cat}
}

// attachedAdapter pairs a matched AdapterSpec with its discovered serial
// and assigned control port.
type attachedAdapter struct {
	spec        catalog.AdapterSpec
	serial      string
	controlPort int
}

// scanAdapters enumerates every USB device matching the adapter table,
// assigning each a 1-based index (in scan order) and its control port.
func (d *Discovery) scanAdapters() ([]attachedAdapter, error) {
	want := make(map[gousb.ID]gousb.ID)
	for _, spec := range d.table.All() {
		want[gousb.ID(spec.USBVendorID)] = gousb.ID(spec.USBProductID)
	}

	descs, err := d.enum.Scan(want)
	if err != nil {
		return nil, fmt.Errorf("debugadapter: scanning for adapters: %w", err)
	}

	var attached []attachedAdapter
	for i, desc := range descs {
		spec, err := d.table.Match(uint16(desc.VendorID), uint16(desc.ProductID))
		if err != nil {
			continue
		}
		serial, err := d.enum.SerialNumber(desc)
		if err != nil {
			serial = ""
		}
		index := i + 1
		attached = append(attached, attachedAdapter{
			spec:        *spec,
			serial:      serial,
			controlPort: BaseControlPort + index - 1,
		})
	}
	return attached, nil
}

// List returns one DeviceHandle per attached adapter. Platform is left
// unknown (0); the Fleet Coordinator fills it in via registry resolution
// or a user hint, since the adapter itself does not report the board's
// firmware platform until after device-open identifies the MCU.
func (d *Discovery) List(ctx context.Context) ([]transport.DeviceHandle, error) {
	attached, err := d.scanAdapters()
	if err != nil {
		return nil, err
	}
	handles := make([]transport.DeviceHandle, 0, len(attached))
	for _, a := range attached {
		handles = append(handles, transport.DeviceHandle{
			ID:     a.serial,
			Serial: a.serial,
		})
	}
	return handles, nil
}

// OpenByID locates the attached adapter whose serial matches deviceID and
// returns a bound Device for the given platform.
func (d *Discovery) OpenByID(ctx context.Context, deviceID string, platform *catalog.Platform) (transport.Device, error) {
	attached, err := d.scanAdapters()
	if err != nil {
		return nil, err
	}
	for _, a := range attached {
		if a.serial == deviceID {
			return NewDevice(deviceID, platform, &a.spec, a.serial, a.controlPort), nil
		}
	}
	return nil, fmt.Errorf("debugadapter: no attached adapter with serial %q", deviceID)
}

var _ transport.Discovery = (*Discovery)(nil)
