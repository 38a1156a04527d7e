package updatereq

import (
	"context"
	"testing"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
)

func TestCapabilities(t *testing.T) {
	d := NewDevice(nil, "dev-1", 13, 0x2b04, 0xc006)
	if !d.CanFlashModule(&module.Module{Type: catalog.ModuleBootloader}) {
		t.Fatal("CanFlashModule(bootloader) = false, want true: update-request accepts any module type")
	}
	if d.CanWriteToFlash() {
		t.Fatal("CanWriteToFlash() = true, want false: this transport has no raw storage write")
	}
}

func TestOperations_RequireOpenDevice(t *testing.T) {
	d := NewDevice(nil, "dev-1", 13, 0x2b04, 0xc006)
	ctx := context.Background()

	if _, ok := mustDeviceNotOpen(t, d.Reset(ctx)); !ok {
		t.Fatal("Reset before Open: want *DeviceNotOpen")
	}
	if _, ok := mustDeviceNotOpen(t, d.PrepareToFlash(ctx)); !ok {
		t.Fatal("PrepareToFlash before Open: want *DeviceNotOpen")
	}
	if _, err := d.FlashModule(ctx, "/tmp/does-not-matter.bin"); err == nil {
		t.Fatal("FlashModule before Open: want an error")
	} else if _, ok := err.(*DeviceNotOpen); !ok {
		t.Fatalf("FlashModule before Open: err = %T, want *DeviceNotOpen", err)
	}

	if err := d.WriteToFlash(ctx, "x", catalog.StorageInternalFlash, 0); err == nil {
		t.Fatal("WriteToFlash: want an error, this transport never supports it")
	}
}

func mustDeviceNotOpen(t *testing.T, err error) (*DeviceNotOpen, bool) {
	t.Helper()
	if err == nil {
		return nil, false
	}
	dno, ok := err.(*DeviceNotOpen)
	return dno, ok
}
