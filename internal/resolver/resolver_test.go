package resolver

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/releasehost"
)

const testCatalogYAML = `
platforms:
  - id: 13
    name: boron
    modules:
      - { type: bootloader, index: 0, storage: internal_flash }
      - { type: system_part, index: 1, storage: internal_flash }
      - { type: user_part, index: 1, storage: internal_flash }
`

func testResolver(t *testing.T, cacheRoot, tempRoot string) *Resolver {
	t.Helper()
	cat, err := catalog.ParseRecords([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	return New(releasehost.NewClient(""), cat, cacheRoot, tempRoot, "")
}

// writeModuleFile writes a minimal valid module binary to dir/name.
func writeModuleFile(t *testing.T, dir, name string, functionTag, index uint8, version uint16, fileSize int) string {
	t.Helper()
	header := make([]byte, 28)
	binary.LittleEndian.PutUint32(header[0:4], 0x08000000)
	binary.LittleEndian.PutUint32(header[4:8], 0x08000000+uint32(fileSize)-4)
	binary.LittleEndian.PutUint16(header[10:12], version)
	binary.LittleEndian.PutUint16(header[12:14], 13)
	header[14] = functionTag
	header[15] = index
	binary.LittleEndian.PutUint32(header[20:24], 28)
	crc := crc32.ChecksumIEEE(header[:24])
	binary.LittleEndian.PutUint32(header[24:28], crc)

	data := make([]byte, fileSize)
	copy(data, header)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestSelectAssets_PrefersBinOverZip(t *testing.T) {
	assets := []releasehost.Asset{
		{Name: "boron-bundle.zip"},
		{Name: "boron-system-part1.bin"},
		{Name: "boron-bootloader.bin"},
	}
	got := selectAssets(assets)
	if len(got) != 2 {
		t.Fatalf("got %d assets, want 2 .bin assets", len(got))
	}
	for _, a := range got {
		if filepath.Ext(a.Name) != ".bin" {
			t.Fatalf("selectAssets returned a non-.bin asset: %s", a.Name)
		}
	}
}

func TestSelectAssets_FallsBackToZip(t *testing.T) {
	assets := []releasehost.Asset{{Name: "boron-bundle.zip"}}
	got := selectAssets(assets)
	if len(got) != 1 || filepath.Ext(got[0].Name) != ".zip" {
		t.Fatalf("got %+v, want the single .zip asset", got)
	}
}

func TestSemverEqual(t *testing.T) {
	cases := []struct{ a, b string; want bool }{
		{"2.1.0", "2.1.0", true},
		{"2.1.0", "v2.1.0", true}, // semver.NewVersion tolerates a leading 'v' on either side
		{"2.1.0", "2.1.1", false},
	}
	for _, c := range cases {
		if got := semverEqual(c.a, c.b); got != c.want {
			t.Errorf("semverEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestFlatten_SortsByPlatformTypeIndex(t *testing.T) {
	grouped := map[module.Key]*module.Module{
		{PlatformID: 13, Type: catalog.ModuleUserPart, Index: 1}:   {PlatformID: 13, Type: catalog.ModuleUserPart, Index: 1},
		{PlatformID: 13, Type: catalog.ModuleBootloader, Index: 0}: {PlatformID: 13, Type: catalog.ModuleBootloader, Index: 0},
		{PlatformID: 6, Type: catalog.ModuleSystemPart, Index: 0}:  {PlatformID: 6, Type: catalog.ModuleSystemPart, Index: 0},
	}
	out := flatten(grouped)
	if len(out) != 3 {
		t.Fatalf("got %d modules, want 3", len(out))
	}
	if out[0].PlatformID != 6 {
		t.Fatalf("out[0].PlatformID = %d, want 6 (lowest platform id first)", out[0].PlatformID)
	}
	if out[1].PlatformID != 13 || out[1].Type != catalog.ModuleBootloader {
		t.Fatalf("out[1] = %+v, want platform 13 bootloader before user_part", out[1])
	}
}

func TestGetModulesFromPath_Directory(t *testing.T) {
	dir := t.TempDir()
	r := testResolver(t, t.TempDir(), t.TempDir())

	writeModuleFile(t, dir, "boron-bootloader.bin", 0x01, 0, 100, 64)
	writeModuleFile(t, dir, "boron-system-part1.bin", 0x02, 1, 1201, 128)

	mods, err := r.GetModulesFromPath(dir)
	if err != nil {
		t.Fatalf("GetModulesFromPath: %v", err)
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
}

func TestGetModulesFromPath_CollisionPrefersHigherVersion(t *testing.T) {
	dir := t.TempDir()
	r := testResolver(t, t.TempDir(), t.TempDir())

	writeModuleFile(t, dir, "boron-system-part1-old.bin", 0x02, 1, 100, 64)
	writeModuleFile(t, dir, "boron-system-part1-new.bin", 0x02, 1, 200, 64)

	mods, err := r.GetModulesFromPath(dir)
	if err != nil {
		t.Fatalf("GetModulesFromPath: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("got %d modules, want 1 (collision resolved to a single module)", len(mods))
	}
	if mods[0].Version != 200 {
		t.Fatalf("mods[0].Version = %d, want 200 (the higher version should win)", mods[0].Version)
	}
}

func TestFastPath_ParsesExistingCacheWithoutNetwork(t *testing.T) {
	cacheRoot := t.TempDir()
	releaseDir := filepath.Join(cacheRoot, "2.1.0", "boron")
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	r := testResolver(t, cacheRoot, t.TempDir())
	writeModuleFile(t, releaseDir, "boron-bootloader.bin", 0x01, 0, 100, 64)

	mods, err := r.fastPath(filepath.Join(cacheRoot, "2.1.0"))
	if err != nil {
		t.Fatalf("fastPath: %v", err)
	}
	if len(mods) != 1 {
		t.Fatalf("got %d modules, want 1", len(mods))
	}
}

func TestFastPath_MissingDirReturnsEmptyNotError(t *testing.T) {
	r := testResolver(t, t.TempDir(), t.TempDir())
	mods, err := r.fastPath(filepath.Join(r.CacheRoot, "does-not-exist"))
	if err != nil {
		t.Fatalf("fastPath on missing dir: %v", err)
	}
	if mods != nil {
		t.Fatalf("got %v, want nil", mods)
	}
}

func TestCommit_MovesModulesUnderCacheRoot(t *testing.T) {
	cacheRoot := t.TempDir()
	work := t.TempDir()
	r := testResolver(t, cacheRoot, t.TempDir())

	path := writeModuleFile(t, work, "boron-bootloader.bin", 0x01, 0, 100, 64)
	mods := []*module.Module{{PlatformID: 13, Type: catalog.ModuleBootloader, FilePath: path}}

	if err := r.commit("2.1.0", mods); err != nil {
		t.Fatalf("commit: %v", err)
	}

	want := filepath.Join(cacheRoot, "2.1.0", "boron", "boron-bootloader.bin")
	if mods[0].FilePath != want {
		t.Fatalf("FilePath = %q, want %q", mods[0].FilePath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected committed file at %s: %v", want, err)
	}
}
