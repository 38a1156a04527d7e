package module

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/particle-iot/flashctl/internal/catalog"
)

const testCatalogYAML = `
platforms:
  - id: 13
    name: boron
    modules:
      - { type: bootloader, index: 0, storage: internal_flash }
      - { type: system_part, index: 1, storage: internal_flash }
      - { type: radio_stack, index: 0, storage: internal_flash, encrypted: true }
`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.ParseRecords([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	return cat
}

// buildHeader assembles a 28-byte module header plus trailing body bytes,
// setting the CRC correctly unless corruptCRC is true.
func buildHeader(t *testing.T, moduleStart, moduleEnd uint32, version, platformID uint16, functionTag, index uint8, flags uint16, declaredHeaderSize uint32, corruptCRC bool, body []byte) []byte {
	t.Helper()
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], moduleStart)
	binary.LittleEndian.PutUint32(header[4:8], moduleEnd)
	binary.LittleEndian.PutUint16(header[10:12], version)
	binary.LittleEndian.PutUint16(header[12:14], platformID)
	header[14] = functionTag
	header[15] = index
	binary.LittleEndian.PutUint16(header[18:20], flags)
	binary.LittleEndian.PutUint32(header[20:24], declaredHeaderSize)

	crc := crc32.ChecksumIEEE(header[:24])
	if corruptCRC {
		crc++
	}
	binary.LittleEndian.PutUint32(header[24:28], crc)

	return append(header, body...)
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing temp module file: %v", err)
	}
	return path
}

func TestParseFile_SystemPart(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	data := buildHeader(t, 0x08020000, 0x0803FFFC, 1201, 13, 0x02, 1, 0, 28, false, make([]byte, 16))
	path := writeTempFile(t, data)

	m, warn, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if warn != nil {
		t.Fatalf("unexpected warning: %v", warn)
	}
	if m.Type != catalog.ModuleSystemPart {
		t.Fatalf("m.Type = %q, want system_part", m.Type)
	}
	if m.PlatformID != 13 || m.Index != 1 {
		t.Fatalf("m.PlatformID/Index = %d/%d, want 13/1", m.PlatformID, m.Index)
	}
	if !m.CRCValid {
		t.Fatal("m.CRCValid = false, want true for a correctly-computed header CRC")
	}
	wantSize := int64(0x0803FFFC) - int64(0x08020000) + 4
	if m.ModuleSize != wantSize {
		t.Fatalf("m.ModuleSize = %d, want %d", m.ModuleSize, wantSize)
	}
}

func TestParseFile_EncryptedRadioStack(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	data := buildHeader(t, 0x08000000, 0x08004000, 100, 13, 0x07, 0, 0, 28, false, nil)
	path := writeTempFile(t, data)

	m, warn, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if warn != nil {
		t.Fatalf("unexpected warning: %v", warn)
	}
	if !m.NeedsToBeEncrypted {
		t.Fatal("m.NeedsToBeEncrypted = false, want true: platform descriptor marks radio_stack encrypted")
	}
}

func TestParseFile_DropHeaderAndEncryptedFlags(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	flags := uint16(0x1 | 0x2) // drop_header | encrypted
	data := buildHeader(t, 0x08000000, 0x08004000, 1, 13, 0x01, 0, flags, 28, false, nil)
	path := writeTempFile(t, data)

	m, _, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if !m.DropHeader {
		t.Fatal("m.DropHeader = false, want true")
	}
	if !m.Encrypted {
		t.Fatal("m.Encrypted = false, want true")
	}
}

func TestParseFile_CRCMismatchWarnsButDoesNotFail(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	data := buildHeader(t, 0x08000000, 0x08004000, 1, 13, 0x01, 0, 0, 28, true, nil)
	path := writeTempFile(t, data)

	m, warn, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if warn == nil {
		t.Fatal("warn = nil, want a *CRCWarning for a corrupted header CRC")
	}
	if _, ok := warn.(*CRCWarning); !ok {
		t.Fatalf("warn = %T, want *CRCWarning", warn)
	}
	if m == nil || m.CRCValid {
		t.Fatal("module should still be returned, eligible to flash, with CRCValid=false")
	}
}

func TestParseFile_SkippableFunction(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	data := buildHeader(t, 0x08000000, 0x08004000, 1, 13, 0x05, 0, 0, 28, false, nil) // resource
	path := writeTempFile(t, data)

	m, warn, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if m != nil {
		t.Fatalf("m = %+v, want nil for a skippable function", m)
	}
	if _, ok := warn.(*UnsupportedModule); !ok {
		t.Fatalf("warn = %T, want *UnsupportedModule", warn)
	}
}

func TestParseFile_UnknownFunctionTag(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	data := buildHeader(t, 0x08000000, 0x08004000, 1, 13, 0xEE, 0, 0, 28, false, nil)
	path := writeTempFile(t, data)

	m, warn, err := p.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if m != nil {
		t.Fatalf("m = %+v, want nil for an unrecognized function tag", m)
	}
	if _, ok := warn.(*UnknownFunction); !ok {
		t.Fatalf("warn = %T, want *UnknownFunction", warn)
	}
}

func TestParseFile_StorageUnknownFailsOutright(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	// user_part has no storage descriptor registered on the test platform.
	data := buildHeader(t, 0x08000000, 0x08004000, 1, 13, 0x03, 1, 0, 28, false, nil)
	path := writeTempFile(t, data)

	m, warn, err := p.ParseFile(path)
	if m != nil || warn != nil {
		t.Fatalf("m=%+v warn=%v, want both nil on a hard failure", m, warn)
	}
	if _, ok := err.(*StorageUnknown); !ok {
		t.Fatalf("err = %T, want *StorageUnknown", err)
	}
}

func TestParseFile_UnknownPlatformFailsOutright(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	data := buildHeader(t, 0x08000000, 0x08004000, 1, 999, 0x02, 1, 0, 28, false, nil)
	path := writeTempFile(t, data)

	_, _, err := p.ParseFile(path)
	if err == nil {
		t.Fatal("ParseFile with unknown platform id: want error, got nil")
	}
	if _, ok := err.(*ParseFailed); !ok {
		t.Fatalf("err = %T, want *ParseFailed wrapping the unknown-platform error", err)
	}
}

func TestParseFile_TruncatedHeaderFails(t *testing.T) {
	cat := testCatalog(t)
	p := NewParser(cat)

	path := writeTempFile(t, []byte{0x01, 0x02, 0x03})
	_, _, err := p.ParseFile(path)
	if err == nil {
		t.Fatal("ParseFile on a truncated file: want error, got nil")
	}
	if _, ok := err.(*ParseFailed); !ok {
		t.Fatalf("err = %T, want *ParseFailed", err)
	}
}
