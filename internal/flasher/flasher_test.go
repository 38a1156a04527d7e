package flasher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/transport"
)

const testCatalogYAML = `
platforms:
  - id: 13
    name: boron
    modules:
      - { type: bootloader, index: 0, storage: internal_flash, encrypted: true }
      - { type: system_part, index: 1, storage: internal_flash }
      - { type: user_part, index: 1, storage: internal_flash }
`

func testPlatform(t *testing.T) *catalog.Platform {
	t.Helper()
	cat, err := catalog.ParseRecords([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	p, err := cat.ByID(13)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	return p
}

// fakeDevice is an in-memory transport.Device recording every write.
type fakeDevice struct {
	id              string
	canFlash        func(*module.Module) bool
	canWriteToFlash bool
	writes          []string
	flashed         []string
	openErr         error
	writeErr        error
	opened          bool
}

func (d *fakeDevice) ID() string      { return d.id }
func (d *fakeDevice) PlatformID() int { return 13 }
func (d *fakeDevice) Open(ctx context.Context) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opened = true
	return nil
}
func (d *fakeDevice) Close(ctx context.Context) error { d.opened = false; return nil }
func (d *fakeDevice) Reset(ctx context.Context) error { return nil }
func (d *fakeDevice) PrepareToFlash(ctx context.Context) error { return nil }
func (d *fakeDevice) CanFlashModule(m *module.Module) bool {
	if d.canFlash != nil {
		return d.canFlash(m)
	}
	return true
}
func (d *fakeDevice) CanWriteToFlash() bool { return d.canWriteToFlash }
func (d *fakeDevice) WriteToFlash(ctx context.Context, filePath string, storage catalog.StorageType, address int64) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, filePath)
	return nil
}
func (d *fakeDevice) FlashModule(ctx context.Context, filePath string) (transport.FlashResult, error) {
	d.flashed = append(d.flashed, filePath)
	return transport.FlashResult{}, nil
}

var _ transport.Device = (*fakeDevice)(nil)

func TestPartition_SplitsDirectAndUpdateRequest(t *testing.T) {
	primary := &fakeDevice{
		canWriteToFlash: true,
		canFlash: func(m *module.Module) bool {
			return m.Type != catalog.ModuleBootloader
		},
	}
	f := New(primary, nil, t.TempDir())

	modules := []*module.Module{
		{Type: catalog.ModuleBootloader, FilePath: "boot.bin"},
		{Type: catalog.ModuleSystemPart, FilePath: "sys.bin"},
	}
	direct, viaUpdate := f.partition(modules)
	if len(direct) != 1 || direct[0].FilePath != "sys.bin" {
		t.Fatalf("direct = %+v, want just sys.bin", direct)
	}
	if len(viaUpdate) != 1 || viaUpdate[0].FilePath != "boot.bin" {
		t.Fatalf("viaUpdate = %+v, want just boot.bin", viaUpdate)
	}
}

func TestPartition_PrimaryCannotWriteToFlashSendsEverythingViaUpdate(t *testing.T) {
	primary := &fakeDevice{canWriteToFlash: false}
	f := New(primary, nil, t.TempDir())

	modules := []*module.Module{{Type: catalog.ModuleSystemPart, FilePath: "sys.bin"}}
	direct, viaUpdate := f.partition(modules)
	if len(direct) != 0 || len(viaUpdate) != 1 {
		t.Fatalf("direct=%d viaUpdate=%d, want 0/1", len(direct), len(viaUpdate))
	}
}

func TestSkipRequiredEncrypted(t *testing.T) {
	platform := testPlatform(t)
	f := New(&fakeDevice{}, nil, t.TempDir())

	encryptedRequired := &module.Module{Type: catalog.ModuleBootloader, Index: 0, Encrypted: false}
	if !f.skipRequiredEncrypted(platform, encryptedRequired) {
		t.Fatal("skipRequiredEncrypted: want true for an unencrypted candidate in a required-encrypted slot")
	}

	encryptedOK := &module.Module{Type: catalog.ModuleBootloader, Index: 0, Encrypted: true}
	if f.skipRequiredEncrypted(platform, encryptedOK) {
		t.Fatal("skipRequiredEncrypted: want false when the candidate is already encrypted")
	}

	notRequired := &module.Module{Type: catalog.ModuleSystemPart, Index: 1, Encrypted: false}
	if f.skipRequiredEncrypted(platform, notRequired) {
		t.Fatal("skipRequiredEncrypted: want false for a slot that doesn't require encryption")
	}
}

func TestMaterializeDropHeader_StripsAndMemoizes(t *testing.T) {
	f := New(&fakeDevice{}, nil, t.TempDir())

	src := filepath.Join(t.TempDir(), "module.bin")
	if err := os.WriteFile(src, []byte("HEADERpayload"), 0o644); err != nil {
		t.Fatalf("writing src: %v", err)
	}
	m := &module.Module{FilePath: src, DropHeader: true, HeaderSize: 6}

	path1, err := f.materializeDropHeader(m)
	if err != nil {
		t.Fatalf("materializeDropHeader: %v", err)
	}
	data, err := os.ReadFile(path1)
	if err != nil {
		t.Fatalf("reading materialized file: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("materialized contents = %q, want %q", data, "payload")
	}

	path2, err := f.materializeDropHeader(m)
	if err != nil {
		t.Fatalf("materializeDropHeader (cached): %v", err)
	}
	if path1 != path2 {
		t.Fatalf("materializeDropHeader returned different paths on repeat calls: %q vs %q", path1, path2)
	}
}

func TestMaterializeDropHeader_NoOpWithoutFlag(t *testing.T) {
	f := New(&fakeDevice{}, nil, t.TempDir())
	m := &module.Module{FilePath: "/some/path.bin", DropHeader: false}

	path, err := f.materializeDropHeader(m)
	if err != nil {
		t.Fatalf("materializeDropHeader: %v", err)
	}
	if path != m.FilePath {
		t.Fatalf("path = %q, want the original FilePath unchanged", path)
	}
}

func TestRun_DirectOnly(t *testing.T) {
	primary := &fakeDevice{canWriteToFlash: true}
	f := New(primary, nil, t.TempDir())

	job := &Job{
		DeviceID: "dev-1",
		Platform: testPlatform(t),
		Modules: []*module.Module{
			{Type: catalog.ModuleSystemPart, Index: 1, FilePath: "sys.bin"},
		},
		RetriesLeft: 1,
	}
	if err := f.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(primary.writes) != 1 || primary.writes[0] != "sys.bin" {
		t.Fatalf("primary.writes = %v, want [sys.bin]", primary.writes)
	}
}

func TestRun_RetriesOnFailureThenFailsWhenExhausted(t *testing.T) {
	primary := &fakeDevice{canWriteToFlash: true, writeErr: errWriteFailed{}}
	f := New(primary, nil, t.TempDir())

	job := &Job{
		DeviceID:    "dev-1",
		Platform:    testPlatform(t),
		Modules:     []*module.Module{{Type: catalog.ModuleSystemPart, Index: 1, FilePath: "sys.bin"}},
		RetriesLeft: 2,
	}
	err := f.Run(context.Background(), job)
	if err == nil {
		t.Fatal("Run: want an error once retries are exhausted")
	}
	if job.RetriesLeft != 0 {
		t.Fatalf("job.RetriesLeft = %d, want 0 (exhausted)", job.RetriesLeft)
	}
}

type errWriteFailed struct{}

func (errWriteFailed) Error() string { return "fake: write failed" }

func TestRun_TransportSwitch(t *testing.T) {
	primary := &fakeDevice{
		canWriteToFlash: true,
		canFlash: func(m *module.Module) bool {
			return m.Type != catalog.ModuleBootloader
		},
	}
	updateReq := &fakeDevice{}
	f := New(primary, updateReq, t.TempDir())

	job := &Job{
		DeviceID: "dev-1",
		Platform: testPlatform(t),
		Modules: []*module.Module{
			{Type: catalog.ModuleBootloader, Index: 0, FilePath: "boot.bin", Encrypted: true},
			{Type: catalog.ModuleSystemPart, Index: 1, FilePath: "sys.bin"},
		},
		RetriesLeft: 1,
	}
	if err := f.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(primary.writes) != 1 || primary.writes[0] != "sys.bin" {
		t.Fatalf("primary.writes = %v, want [sys.bin] via the direct path", primary.writes)
	}
	if len(updateReq.flashed) != 1 || updateReq.flashed[0] != "boot.bin" {
		t.Fatalf("updateReq.flashed = %v, want [boot.bin] via the update-request path", updateReq.flashed)
	}
	if !updateReq.opened {
		t.Fatal("updateReq.opened = false, want true after Run completes")
	}
}
