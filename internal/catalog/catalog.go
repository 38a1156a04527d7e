package catalog

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed platforms.yaml
var platformsYAML []byte

// yamlCatalog is the on-disk shape of platforms.yaml.
type yamlCatalog struct {
	Platforms []yamlPlatform `yaml:"platforms"`
}

type yamlModuleEntry struct {
	Type      string `yaml:"type"`
	Index     int    `yaml:"index"`
	Storage   string `yaml:"storage"`
	Encrypted bool   `yaml:"encrypted"`
}

type yamlRegion struct {
	Storage string `yaml:"storage"`
	Address int64  `yaml:"address"`
	Size    int64  `yaml:"size"`
}

type yamlDebugAdapter struct {
	MCU                  string `yaml:"mcu"`
	RequiresAssertedSRST bool   `yaml:"requires_asserted_srst"`
	FlashUnlockNeeded    bool   `yaml:"flash_unlock_needed"`
	FlashProcedure       string `yaml:"flash_procedure"`
	ResetProcedure       string `yaml:"reset_procedure"`
	ManufacturerString   string `yaml:"manufacturer_string"`
}

type yamlDeviceIDProcedure struct {
	MemoryAddress string `yaml:"memory_address"`
	Length        int    `yaml:"length"`
	Prefix        string `yaml:"prefix"`
	TclProcedure  string `yaml:"tcl_procedure"`
	CaptureRegex  string `yaml:"capture_regex"`
}

type yamlPlatform struct {
	ID             int                    `yaml:"id"`
	Name           string                 `yaml:"name"`
	DisplayName    string                 `yaml:"display_name"`
	MCUFamily      string                 `yaml:"mcu_family"`
	HasRadioStack  bool                   `yaml:"has_radio_stack"`
	HasNCPFirmware bool                   `yaml:"has_ncp_firmware"`
	Modules        []yamlModuleEntry      `yaml:"modules"`
	AltSettings    map[string]uint8       `yaml:"alt_settings"`
	Filesystem     *yamlRegion            `yaml:"filesystem_region"`
	DeviceConfig   *yamlRegion            `yaml:"device_config_region"`
	DebugAdapter   *yamlDebugAdapter      `yaml:"debug_adapter"`
	DeviceID       *yamlDeviceIDProcedure `yaml:"device_id_procedure"`
}

var (
	globalCatalog     *Catalog
	globalCatalogOnce sync.Once
	globalCatalogErr  error
)

// Load parses the embedded platform catalog, building the id/name indexes.
// Safe to call repeatedly; parsing happens once.
func Load() (*Catalog, error) {
	globalCatalogOnce.Do(func() {
		globalCatalog, globalCatalogErr = parse(platformsYAML)
	})
	return globalCatalog, globalCatalogErr
}

// ParseRecords builds a Catalog from an arbitrary YAML document in the
// same shape as the embedded one — used by tests and by operators who
// want to point flashctl at a custom catalog file.
func ParseRecords(data []byte) (*Catalog, error) {
	return parse(data)
}

func parse(data []byte) (*Catalog, error) {
	var doc yamlCatalog
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parsing platform catalog: %w", err)
	}

	c := &Catalog{
		byID:   make(map[int]*Platform),
		byName: make(map[string]*Platform),
	}

	for _, yp := range doc.Platforms {
		p, err := buildPlatform(yp)
		if err != nil {
			return nil, fmt.Errorf("catalog: platform %q: %w", yp.Name, err)
		}
		c.platforms = append(c.platforms, p)
		c.byID[p.ID] = p
		c.byName[p.Name] = p
	}

	return c, nil
}

func buildPlatform(yp yamlPlatform) (*Platform, error) {
	p := &Platform{
		ID:             yp.ID,
		Name:           yp.Name,
		DisplayName:    yp.DisplayName,
		MCUFamily:      yp.MCUFamily,
		HasRadioStack:  yp.HasRadioStack,
		HasNCPFirmware: yp.HasNCPFirmware,
		modules:        make(map[moduleKey]StorageDescriptor),
		altSettings:    make(map[StorageType]uint8),
	}

	for _, m := range yp.Modules {
		mt, ok := knownModuleTypes[m.Type]
		if !ok {
			return nil, &UnknownModuleType{Tag: m.Type}
		}
		st, ok := knownStorageTypes[m.Storage]
		if !ok {
			return nil, &UnknownStorageType{Tag: m.Storage}
		}
		p.modules[moduleKey{Type: mt, Index: m.Index}] = StorageDescriptor{
			Storage:   st,
			Encrypted: m.Encrypted,
		}
	}

	for storageTag, alt := range yp.AltSettings {
		st, ok := knownStorageTypes[storageTag]
		if !ok {
			return nil, &UnknownStorageType{Tag: storageTag}
		}
		p.altSettings[st] = alt
	}

	if yp.Filesystem != nil {
		r, err := toRegion(*yp.Filesystem)
		if err != nil {
			return nil, err
		}
		p.FilesystemRegion = r
	}
	if yp.DeviceConfig != nil {
		r, err := toRegion(*yp.DeviceConfig)
		if err != nil {
			return nil, err
		}
		p.DeviceConfigRegion = r
	}
	if yp.DebugAdapter != nil {
		p.DebugAdapter = &DebugAdapterTargetConfig{
			MCU:                  yp.DebugAdapter.MCU,
			RequiresAssertedSRST: yp.DebugAdapter.RequiresAssertedSRST,
			FlashUnlockNeeded:    yp.DebugAdapter.FlashUnlockNeeded,
			FlashProcedure:       yp.DebugAdapter.FlashProcedure,
			ResetProcedure:       yp.DebugAdapter.ResetProcedure,
			ManufacturerString:   yp.DebugAdapter.ManufacturerString,
		}
	}
	if yp.DeviceID != nil {
		p.DeviceIDProcedure = &DeviceIDProcedure{
			MemoryAddress: yp.DeviceID.MemoryAddress,
			Length:        yp.DeviceID.Length,
			Prefix:        yp.DeviceID.Prefix,
			TclProcedure:  yp.DeviceID.TclProcedure,
			CaptureRegex:  yp.DeviceID.CaptureRegex,
		}
	}

	return p, nil
}

func toRegion(yr yamlRegion) (*Region, error) {
	st, ok := knownStorageTypes[yr.Storage]
	if !ok {
		return nil, &UnknownStorageType{Tag: yr.Storage}
	}
	return &Region{Storage: st, Address: yr.Address, Size: yr.Size}, nil
}
