package catalog

import "fmt"

// AdapterType distinguishes debug adapter product families (each with its
// own control-port/init-script conventions).
type AdapterType string

// AdapterSpec is a Debug Adapter catalog entry: `{type, display_name,
// usb_vid, usb_pid, control_config, serial_param, transport,
// supported_mcu_list, extra_init_string?, index}` (§3). Identified by USB
// VID:PID, assigned a 1-based Index at discovery time that determines its
// control port (base + index - 1).
type AdapterSpec struct {
	Type              AdapterType
	DisplayName       string
	USBVendorID       uint16
	USBProductID      uint16
	ControlConfig     string // daemon config fragment (e.g. interface driver name)
	SerialParam       string // daemon command-line flag naming the adapter serial
	Transport         string // daemon transport name (e.g. "hla_swd", "swd")
	SupportedMCUList  []string
	ExtraInitString   string
	Index             int
}

// AdapterTable is the static Debug Adapter catalog: every adapter family
// this build knows how to drive.
type AdapterTable struct {
	specs []AdapterSpec
}

// UnknownAdapter is returned when a VID:PID pair matches no known adapter.
type UnknownAdapter struct {
	VendorID, ProductID uint16
}

func (e *UnknownAdapter) Error() string {
	return fmt.Sprintf("catalog: unknown debug adapter %04x:%04x", e.VendorID, e.ProductID)
}

func NewAdapterTable(specs []AdapterSpec) *AdapterTable {
	return &AdapterTable{specs: specs}
}

// Match returns the adapter spec for a VID:PID pair.
func (t *AdapterTable) Match(vendorID, productID uint16) (*AdapterSpec, error) {
	for i := range t.specs {
		if t.specs[i].USBVendorID == vendorID && t.specs[i].USBProductID == productID {
			return &t.specs[i], nil
		}
	}
	return nil, &UnknownAdapter{VendorID: vendorID, ProductID: productID}
}

// All returns every known adapter spec.
func (t *AdapterTable) All() []AdapterSpec {
	return t.specs
}

// DefaultAdapterTable is the built-in debug adapter catalog used when no
// override is supplied. J-Link and ST-Link are the two daemon-driven
// adapter families this build supports.
func DefaultAdapterTable() *AdapterTable {
	return NewAdapterTable([]AdapterSpec{
		{
			Type:             "jlink",
			DisplayName:      "SEGGER J-Link",
			USBVendorID:      0x1366,
			USBProductID:     0x0101,
			ControlConfig:    "interface/jlink.cfg",
			SerialParam:      "-c",
			Transport:        "hla_swd",
			SupportedMCUList: []string{"nrf52840", "stm32f2x", "rtl872x"},
		},
		{
			Type:             "stlink",
			DisplayName:      "ST-Link/V2",
			USBVendorID:      0x0483,
			USBProductID:     0x374b,
			ControlConfig:    "interface/stlink.cfg",
			SerialParam:      "hla_serial",
			Transport:        "hla_swd",
			SupportedMCUList: []string{"stm32f2x"},
		},
	})
}
