package debugadapter

import (
	"testing"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
)

const adapterTestCatalogYAML = `
platforms:
  - id: 13
    name: boron
    modules:
      - { type: system_part, index: 1, storage: internal_flash }
      - { type: user_part, index: 1, storage: external_flash }
    debug_adapter:
      mcu: STM32F205RGT6
      requires_asserted_srst: true
      manufacturer_string: "STMicroelectronics"
  - id: 6
    name: photon
    modules:
      - { type: system_part, index: 0, storage: internal_flash }
`

func adapterTestPlatform(t *testing.T, id int) *catalog.Platform {
	t.Helper()
	cat, err := catalog.ParseRecords([]byte(adapterTestCatalogYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	p, err := cat.ByID(id)
	if err != nil {
		t.Fatalf("ByID(%d): %v", id, err)
	}
	return p
}

func TestManufacturerStringFor_UsesConfiguredStringOnMatch(t *testing.T) {
	d := NewDevice("dev-1", adapterTestPlatform(t, 13), nil, "", 0)
	got := d.manufacturerStringFor("STM32F205RGT6")
	if got != "STMicroelectronics" {
		t.Fatalf("manufacturerStringFor(matching mcu) = %q, want %q", got, "STMicroelectronics")
	}
}

func TestManufacturerStringFor_FallsBackToMCUOnMismatch(t *testing.T) {
	d := NewDevice("dev-1", adapterTestPlatform(t, 13), nil, "", 0)
	got := d.manufacturerStringFor("STM32F412")
	if got != "STM32F412" {
		t.Fatalf("manufacturerStringFor(mismatched mcu) = %q, want the mcu string back unchanged", got)
	}
}

func TestManufacturerStringFor_FallsBackWithoutDebugAdapterConfig(t *testing.T) {
	d := NewDevice("dev-1", adapterTestPlatform(t, 6), nil, "", 0)
	got := d.manufacturerStringFor("STM32F205RGT6")
	if got != "STM32F205RGT6" {
		t.Fatalf("manufacturerStringFor(no debug_adapter config) = %q, want the mcu string back unchanged", got)
	}
}

func TestCanFlashModule_OnlyInternalFlash(t *testing.T) {
	d := NewDevice("dev-1", adapterTestPlatform(t, 13), nil, "", 0)

	internal := &module.Module{Storage: catalog.StorageInternalFlash}
	if !d.CanFlashModule(internal) {
		t.Fatal("CanFlashModule(internal_flash) = false, want true")
	}

	external := &module.Module{Storage: catalog.StorageExternalFlash}
	if d.CanFlashModule(external) {
		t.Fatal("CanFlashModule(external_flash) = true, want false: this transport only drives internal flash")
	}
}
