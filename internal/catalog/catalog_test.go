package catalog

import "testing"

const testYAML = `
platforms:
  - id: 13
    name: boron
    display_name: Boron
    mcu_family: stm32f2
    has_radio_stack: true
    has_ncp_firmware: true
    modules:
      - { type: bootloader, index: 0, storage: internal_flash }
      - { type: system_part, index: 1, storage: internal_flash }
      - { type: user_part, index: 1, storage: internal_flash }
      - { type: radio_stack, index: 0, storage: internal_flash, encrypted: true }
      - { type: ncp_firmware, index: 0, storage: external_flash }
    alt_settings:
      internal_flash: 0
      external_flash: 1
    filesystem_region:
      storage: external_flash
      address: 0x0
      size: 0x100000
    device_config_region:
      storage: internal_flash
      address: 0x8004000
      size: 0x4000
    debug_adapter:
      mcu: STM32F205RGT6
      requires_asserted_srst: true
      manufacturer_string: "STMicroelectronics"
    device_id_procedure:
      memory_address: "0x1FFF7A10"
      length: 12
      prefix: ""
  - id: 6
    name: photon
    display_name: Photon
    mcu_family: stm32f2
    modules:
      - { type: system_part, index: 1, storage: internal_flash }
`

func TestParseRecords(t *testing.T) {
	cat, err := ParseRecords([]byte(testYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if len(cat.All()) != 2 {
		t.Fatalf("got %d platforms, want 2", len(cat.All()))
	}

	boron, err := cat.ByID(13)
	if err != nil {
		t.Fatalf("ByID(13): %v", err)
	}
	if boron.Name != "boron" {
		t.Fatalf("boron.Name = %q, want boron", boron.Name)
	}

	byName, err := cat.ByName("boron")
	if err != nil {
		t.Fatalf("ByName(boron): %v", err)
	}
	if byName != boron {
		t.Fatal("ByName and ByID returned different Platform pointers")
	}
}

func TestCatalog_UnknownPlatform(t *testing.T) {
	cat, err := ParseRecords([]byte(testYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}

	if _, err := cat.ByID(999); err == nil {
		t.Fatal("ByID(999): want error, got nil")
	}
	if _, err := cat.ByName("nonexistent"); err == nil {
		t.Fatal("ByName(nonexistent): want error, got nil")
	}
}

func TestStorageForModule(t *testing.T) {
	cat, err := ParseRecords([]byte(testYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	boron, _ := cat.ByID(13)

	desc, ok := boron.StorageForModule(ModuleSystemPart, 1)
	if !ok {
		t.Fatal("StorageForModule(system_part, 1): want ok=true")
	}
	if desc.Storage != StorageInternalFlash {
		t.Fatalf("desc.Storage = %q, want internal_flash", desc.Storage)
	}

	desc, ok = boron.StorageForModule(ModuleRadioStack, 0)
	if !ok || !desc.Encrypted {
		t.Fatalf("StorageForModule(radio_stack, 0) = %+v, %v; want encrypted descriptor", desc, ok)
	}

	if _, ok := boron.StorageForModule(ModuleUserPart, 2); ok {
		t.Fatal("StorageForModule(user_part, 2): want ok=false, no such index")
	}
}

func TestStorageForModule_ImplicitIndex(t *testing.T) {
	cat, err := ParseRecords([]byte(testYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	photon, _ := cat.ByID(6)

	// photon's only system_part is registered at index 1; a zero-value
	// index lookup should resolve it even without an explicit match.
	desc, ok := photon.StorageForModule(ModuleSystemPart, 0)
	if !ok {
		t.Fatal("StorageForModule(system_part, 0) on single-entry platform: want ok=true")
	}
	if desc.Storage != StorageInternalFlash {
		t.Fatalf("desc.Storage = %q, want internal_flash", desc.Storage)
	}
}

func TestAltSetting(t *testing.T) {
	cat, err := ParseRecords([]byte(testYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	boron, _ := cat.ByID(13)

	alt, ok := boron.AltSetting(StorageExternalFlash)
	if !ok || alt != 1 {
		t.Fatalf("AltSetting(external_flash) = %d, %v; want 1, true", alt, ok)
	}

	if _, ok := boron.AltSetting(StorageFactoryReserved); ok {
		t.Fatal("AltSetting(factory_reserved): want ok=false, platform has no such mapping")
	}
}

func TestParseRecords_UnknownModuleType(t *testing.T) {
	bad := `
platforms:
  - id: 1
    name: bad
    modules:
      - { type: not_a_real_type, index: 0, storage: internal_flash }
`
	if _, err := ParseRecords([]byte(bad)); err == nil {
		t.Fatal("ParseRecords with unknown module type: want error, got nil")
	}
}

func TestAdapterTable_Match(t *testing.T) {
	table := DefaultAdapterTable()

	spec, err := table.Match(0x1366, 0x0101)
	if err != nil {
		t.Fatalf("Match(jlink): %v", err)
	}
	if spec.Type != "jlink" {
		t.Fatalf("spec.Type = %q, want jlink", spec.Type)
	}

	spec, err = table.Match(0x0483, 0x374b)
	if err != nil {
		t.Fatalf("Match(stlink): %v", err)
	}
	if spec.Type != "stlink" {
		t.Fatalf("spec.Type = %q, want stlink", spec.Type)
	}

	if _, err := table.Match(0xffff, 0xffff); err == nil {
		t.Fatal("Match on an unregistered VID:PID: want error, got nil")
	} else if _, ok := err.(*UnknownAdapter); !ok {
		t.Fatalf("err = %T, want *UnknownAdapter", err)
	}
}

func TestAdapterTable_All(t *testing.T) {
	table := DefaultAdapterTable()
	if len(table.All()) != 2 {
		t.Fatalf("got %d adapter specs, want 2", len(table.All()))
	}
}

func TestParseRecords_UnknownStorageType(t *testing.T) {
	bad := `
platforms:
  - id: 1
    name: bad
    modules:
      - { type: system_part, index: 0, storage: not_a_real_storage }
`
	if _, err := ParseRecords([]byte(bad)); err == nil {
		t.Fatal("ParseRecords with unknown storage type: want error, got nil")
	}
}
