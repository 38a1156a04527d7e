// Package module defines the canonical Module record and the metadata
// parser that turns a candidate firmware binary into one.
package module

import (
	"fmt"

	"github.com/particle-iot/flashctl/internal/catalog"
)

// Module is a firmware module binary ready to flash (§3).
type Module struct {
	PlatformID int
	Type       catalog.ModuleType
	Index      int
	Version    int64

	Storage catalog.StorageType
	Address int64

	ModuleSize int64
	HeaderSize int64
	DropHeader bool

	Encrypted            bool
	NeedsToBeEncrypted   bool
	CRCValid             bool

	FileSize int64
	FilePath string

	// IsAsset marks a module sourced from the bundled backfill assets
	// directory rather than a downloaded release (§4.3 Backfill step 1).
	IsAsset bool
}

// Key identifies a Module within a resolved set; (platform_id, type,
// index) must be unique per §3's invariant.
type Key struct {
	PlatformID int
	Type       catalog.ModuleType
	Index      int
}

func (m *Module) Key() Key {
	return Key{PlatformID: m.PlatformID, Type: m.Type, Index: m.Index}
}

// Function is the raw module-function tag read from a firmware header,
// before it is mapped to a catalog.ModuleType (or rejected).
type Function string

const (
	FunctionUserPart    Function = "user_part"
	FunctionSystemPart  Function = "system_part"
	FunctionBootloader  Function = "bootloader"
	FunctionRadioStack  Function = "radio_stack"
	FunctionNCPFirmware Function = "ncp_firmware"
	// The following functions are recognized but never eligible to
	// flash; ParseFile returns a skippable *UnsupportedModule for them.
	FunctionMonoFirmware Function = "mono_firmware"
	FunctionResource     Function = "resource"
	FunctionSettings     Function = "settings"
)

var flashableFunctions = map[Function]catalog.ModuleType{
	FunctionUserPart:    catalog.ModuleUserPart,
	FunctionSystemPart:  catalog.ModuleSystemPart,
	FunctionBootloader:  catalog.ModuleBootloader,
	FunctionRadioStack:  catalog.ModuleRadioStack,
	FunctionNCPFirmware: catalog.ModuleNCPFirmware,
}

var skippableFunctions = map[Function]bool{
	FunctionMonoFirmware: true,
	FunctionResource:     true,
	FunctionSettings:     true,
}

// UnsupportedModule is a skippable warning: the file parsed fine but names
// a module function this tool never flashes.
type UnsupportedModule struct {
	Path     string
	Function Function
}

func (e *UnsupportedModule) Error() string {
	return fmt.Sprintf("module: %s: unsupported module function %q (skipped)", e.Path, e.Function)
}

// UnknownFunction is a skippable warning for a function tag this build
// does not recognize at all (neither flashable nor a known skip).
type UnknownFunction struct {
	Path string
	Raw  uint8
}

func (e *UnknownFunction) Error() string {
	return fmt.Sprintf("module: %s: unknown module function tag 0x%02x (skipped)", e.Path, e.Raw)
}

// StorageUnknown fails parsing outright: the platform has no storage
// descriptor for (type, index).
type StorageUnknown struct {
	Path     string
	Platform string
	Type     catalog.ModuleType
	Index    int
}

func (e *StorageUnknown) Error() string {
	return fmt.Sprintf("module: %s: platform %s has no storage descriptor for type=%s index=%d",
		e.Path, e.Platform, e.Type, e.Index)
}

// ParseFailed wraps an underlying header-parse error (malformed/truncated
// file). Skippable per §7.
type ParseFailed struct {
	Path string
	Err  error
}

func (e *ParseFailed) Error() string {
	return fmt.Sprintf("module: %s: parse failed: %v", e.Path, e.Err)
}

func (e *ParseFailed) Unwrap() error { return e.Err }

// CRCWarning is attached to a Module (not returned as an error) when the
// header's CRC does not validate. Per the Open Question resolved in
// SPEC_FULL.md §9, this is logged and the module remains eligible to
// flash.
type CRCWarning struct {
	Path string
}

func (e *CRCWarning) Error() string {
	return fmt.Sprintf("module: %s: CRC mismatch (warning only, module still eligible)", e.Path)
}
