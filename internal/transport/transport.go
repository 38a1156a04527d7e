// Package transport defines the capability interfaces every flashing
// transport implements, replacing the source's Device/FlashInterface
// class hierarchy (§9) with two narrow interfaces: discovery and device
// control. Three implementations live in the rawdfu, updatereq, and
// debugadapter subpackages.
package transport

import (
	"context"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
)

// Discovery lists devices reachable through a transport and opens one by
// id. Implemented independently by each of the three transports.
//
// OpenByID takes the caller-resolved Platform because every transport's
// Device binds to a platform at construction (storage layout, alt-setting
// map, and for the debug adapter the MCU target config) and none of the
// three transports can read it back from the wire before opening: DFU and
// update-request devices report only a bus identity, and the debug
// adapter reports only the attached adapter's identity, not the firmware
// running on the board behind it. The Fleet Coordinator resolves platform
// from the device registry or a user-supplied hint before calling
// OpenByID; DeviceHandle.PlatformID carries it through when a caller
// already knows it from a prior resolution.
type Discovery interface {
	List(ctx context.Context) ([]DeviceHandle, error)
	OpenByID(ctx context.Context, deviceID string, platform *catalog.Platform) (Device, error)
}

// DeviceHandle is a lightweight discovery record: an id, optionally a
// platform, and enough addressing information to reopen the same device.
type DeviceHandle struct {
	ID         string
	PlatformID int // 0 means unknown
	Serial     string
	BusPort    string
}

// FlashResult is returned by FlashModule; ResetPending signals the caller
// must close and reopen the handle before continuing (the update-request
// path always returns this).
type FlashResult struct {
	ResetPending bool
}

// Device is the per-board control surface every transport exposes: open,
// close, reset, and the two write paths (direct storage write, and
// whole-module "flash" semantics for the update-request path).
type Device interface {
	ID() string
	PlatformID() int

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Reset(ctx context.Context) error

	PrepareToFlash(ctx context.Context) error

	// CanFlashModule reports whether this transport can write m at all;
	// depending on the transport this looks at m's type, its storage, or
	// both.
	CanFlashModule(m *module.Module) bool
	// CanWriteToFlash reports whether WriteToFlash is supported by this
	// transport (the update-request transport never supports it).
	CanWriteToFlash() bool

	WriteToFlash(ctx context.Context, filePath string, storage catalog.StorageType, address int64) error
	FlashModule(ctx context.Context, filePath string) (FlashResult, error)
}
