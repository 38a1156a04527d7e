// Package catalog holds the static Platform Catalog: the table mapping a
// hardware platform id/name to its MCU family, firmware module layout,
// storage-to-alt-setting mapping, and debug-adapter configuration.
//
// The catalog is built once from an embedded YAML document, the same way
// the firmware signature catalog elsewhere in this corpus is embedded and
// lazily parsed into an indexed singleton.
package catalog

import (
	"fmt"
)

// ModuleType identifies the kind of firmware module a Module record
// describes.
type ModuleType string

const (
	ModuleUserPart    ModuleType = "user_part"
	ModuleSystemPart  ModuleType = "system_part"
	ModuleBootloader  ModuleType = "bootloader"
	ModuleRadioStack  ModuleType = "radio_stack"
	ModuleNCPFirmware ModuleType = "ncp_firmware"
)

var knownModuleTypes = map[string]ModuleType{
	"user_part":    ModuleUserPart,
	"system_part":  ModuleSystemPart,
	"bootloader":   ModuleBootloader,
	"radio_stack":  ModuleRadioStack,
	"ncp_firmware": ModuleNCPFirmware,
}

// StorageType identifies a storage region on the target (e.g. internal
// flash, external flash, an alt-setting-addressable DFU region).
type StorageType string

const (
	StorageInternalFlash StorageType = "internal_flash"
	StorageExternalFlash StorageType = "external_flash"
	StorageFactoryReserved StorageType = "factory_reserved"
)

var knownStorageTypes = map[string]StorageType{
	"internal_flash":   StorageInternalFlash,
	"external_flash":   StorageExternalFlash,
	"factory_reserved": StorageFactoryReserved,
}

// StorageDescriptor is the result of resolving a (module type, index) pair
// against a Platform's module layout.
type StorageDescriptor struct {
	Storage   StorageType
	Encrypted bool
}

// Region describes a fixed address range within a storage type, used for
// the filesystem and device-config-table regions.
type Region struct {
	Storage StorageType
	Address int64
	Size    int64
}

// DeviceIDProcedure describes how the debug-adapter transport reads a
// platform's 24-hex device id once connected (§4.6 step 4).
type DeviceIDProcedure struct {
	// MemoryAddress and Length select the "mdb <addr> <n>" path when set.
	MemoryAddress string
	Length        int
	// Prefix is an optional known platform prefix prepended to the hex
	// bytes read from the mdb response.
	Prefix string
	// TclProcedure and CaptureRegex select the custom-procedure path when
	// MemoryAddress is empty: the procedure's output is matched against
	// CaptureRegex and capture groups concatenated.
	TclProcedure string
	CaptureRegex string
}

// DebugAdapterTargetConfig is the subset of a Platform's hardware
// parameters the debug-adapter transport needs: which MCU the adapter
// should select once detected, and whether SRST must be asserted.
type DebugAdapterTargetConfig struct {
	MCU              string
	RequiresAssertedSRST bool
	FlashUnlockNeeded    bool
	FlashProcedure       string // non-empty selects the platform-specific write procedure
	ResetProcedure       string // non-empty selects the platform-specific reset procedure
	ManufacturerString   string // matched against probe transcript during auto-detect
}

type moduleKey struct {
	Type  ModuleType
	Index int // 0 means "no index" / the type's unique slot
}

// Platform is a class of hardware board: a fixed MCU family, storage
// layout, and firmware module set. Platforms are constant for the process
// lifetime once the catalog is loaded.
type Platform struct {
	ID          int
	Name        string
	DisplayName string
	MCUFamily   string

	HasRadioStack  bool
	HasNCPFirmware bool

	FilesystemRegion   *Region
	DeviceConfigRegion *Region

	DebugAdapter      *DebugAdapterTargetConfig
	DeviceIDProcedure *DeviceIDProcedure

	modules     map[moduleKey]StorageDescriptor
	altSettings map[StorageType]uint8
}

// StorageForModule selects the unique module descriptor when the type has
// no indices, the match on index when multiple exist, or returns ok=false.
func (p *Platform) StorageForModule(t ModuleType, index int) (StorageDescriptor, bool) {
	if d, ok := p.modules[moduleKey{Type: t, Index: index}]; ok {
		return d, true
	}
	if index != 0 {
		return StorageDescriptor{}, false
	}
	// No explicit index given: succeed only if there is exactly one
	// descriptor registered for this type, across all indices.
	var found StorageDescriptor
	count := 0
	for k, v := range p.modules {
		if k.Type == t {
			found = v
			count++
		}
	}
	if count == 1 {
		return found, true
	}
	return StorageDescriptor{}, false
}

// AltSetting returns the raw-programmer alt-setting selector for a storage
// type, or ok=false if the platform has no alt-setting mapping for it.
func (p *Platform) AltSetting(storage StorageType) (uint8, bool) {
	v, ok := p.altSettings[storage]
	return v, ok
}

// UnknownPlatform is returned by Catalog.ByID/ByName when the platform is
// not present in the catalog.
type UnknownPlatform struct {
	Identity string
}

func (e *UnknownPlatform) Error() string {
	return fmt.Sprintf("catalog: unknown platform %q", e.Identity)
}

// UnknownModuleType is returned while constructing a Platform from an
// external catalog record that names a module type tag this build does
// not recognize.
type UnknownModuleType struct {
	Tag string
}

func (e *UnknownModuleType) Error() string {
	return fmt.Sprintf("catalog: unknown module type %q", e.Tag)
}

// UnknownStorageType mirrors UnknownModuleType for storage type tags.
type UnknownStorageType struct {
	Tag string
}

func (e *UnknownStorageType) Error() string {
	return fmt.Sprintf("catalog: unknown storage type %q", e.Tag)
}

// Catalog indexes every known Platform by id and by name.
type Catalog struct {
	platforms []*Platform
	byID      map[int]*Platform
	byName    map[string]*Platform
}

// ByID returns the platform with the given numeric id.
func (c *Catalog) ByID(id int) (*Platform, error) {
	p, ok := c.byID[id]
	if !ok {
		return nil, &UnknownPlatform{Identity: fmt.Sprintf("%d", id)}
	}
	return p, nil
}

// ByName returns the platform with the given short name.
func (c *Catalog) ByName(name string) (*Platform, error) {
	p, ok := c.byName[name]
	if !ok {
		return nil, &UnknownPlatform{Identity: name}
	}
	return p, nil
}

// All returns every platform in the catalog, in catalog-file order.
func (c *Catalog) All() []*Platform {
	return c.platforms
}
