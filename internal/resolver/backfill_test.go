package resolver

import (
	"testing"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
)

const backfillTestCatalogYAML = `
platforms:
  - id: 13
    name: boron
    has_radio_stack: true
    has_ncp_firmware: true
    modules:
      - { type: bootloader, index: 0, storage: internal_flash }
      - { type: system_part, index: 1, storage: internal_flash }
  - id: 6
    name: photon
    modules:
      - { type: system_part, index: 0, storage: internal_flash }
`

func backfillTestPlatform(t *testing.T, id int) *catalog.Platform {
	t.Helper()
	cat, err := catalog.ParseRecords([]byte(backfillTestCatalogYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	p, err := cat.ByID(id)
	if err != nil {
		t.Fatalf("ByID(%d): %v", id, err)
	}
	return p
}

func TestExpectedFor_IncludesRadioStackAndNCPFirmwareWhenPresent(t *testing.T) {
	boron := backfillTestPlatform(t, 13)
	grouped := map[module.Key]*module.Module{}

	missing := expectedFor(boron, grouped)

	var sawRadioStack, sawNCPFirmware, sawBootloader, sawUserPart bool
	for _, mt := range missing {
		switch mt.kind {
		case catalog.ModuleRadioStack:
			sawRadioStack = true
		case catalog.ModuleNCPFirmware:
			sawNCPFirmware = true
		case catalog.ModuleBootloader:
			sawBootloader = true
		case catalog.ModuleUserPart:
			sawUserPart = true
		}
	}
	if !sawRadioStack || !sawNCPFirmware || !sawBootloader || !sawUserPart {
		t.Fatalf("expectedFor(boron) = %+v, want bootloader/user_part/radio_stack/ncp_firmware all present", missing)
	}
}

func TestExpectedFor_OmitsRadioStackAndNCPFirmwareWhenPlatformLacksThem(t *testing.T) {
	photon := backfillTestPlatform(t, 6)
	grouped := map[module.Key]*module.Module{}

	missing := expectedFor(photon, grouped)

	for _, mt := range missing {
		if mt.kind == catalog.ModuleRadioStack || mt.kind == catalog.ModuleNCPFirmware {
			t.Fatalf("expectedFor(photon) includes %v, want it omitted: platform has neither capability", mt.kind)
		}
	}
}

func TestExpectedFor_AlreadyPresentIsNotMissing(t *testing.T) {
	boron := backfillTestPlatform(t, 13)
	grouped := map[module.Key]*module.Module{
		{PlatformID: 13, Type: catalog.ModuleBootloader, Index: 0}: {PlatformID: 13, Type: catalog.ModuleBootloader},
	}

	missing := expectedFor(boron, grouped)
	for _, mt := range missing {
		if mt.kind == catalog.ModuleBootloader {
			t.Fatal("expectedFor: bootloader already in grouped, want it excluded from missing")
		}
	}
}

func TestHasAny(t *testing.T) {
	grouped := map[module.Key]*module.Module{
		{PlatformID: 13, Type: catalog.ModuleBootloader, Index: 0}: {},
	}
	if !hasAny(grouped, 13, catalog.ModuleBootloader) {
		t.Fatal("hasAny(13, bootloader): want true")
	}
	if hasAny(grouped, 13, catalog.ModuleSystemPart) {
		t.Fatal("hasAny(13, system_part): want false")
	}
	if hasAny(grouped, 6, catalog.ModuleBootloader) {
		t.Fatal("hasAny(6, bootloader): want false, wrong platform")
	}
}
