// Package debugadapter implements the Debug Adapter transport (§4.6): a
// long-lived target-control daemon subprocess plus a line-oriented TCP
// control client, driving probe-then-flash sequences against a hardware
// debug adapter (J-Link, ST-Link, ...).
package debugadapter

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/controlclient"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/transport"
)

const (
	shellPrompt      = "> "
	writeTimeout     = 2 * time.Minute
	minResetInterval = 5 * time.Second
)

// Device is the Debug Adapter control surface for one board.
type Device struct {
	id       string
	platform *catalog.Platform
	adapter  *catalog.AdapterSpec
	serial   string

	controlPort int
	daemon      *daemon
	client      *controlclient.Client
	matcher     *responseMatcher

	detectedMCU  string
	srstAsserted bool
	lastReset    time.Time
}

func NewDevice(id string, platform *catalog.Platform, adapter *catalog.AdapterSpec, serial string, controlPort int) *Device {
	return &Device{
		id: id, platform: platform, adapter: adapter, serial: serial,
		controlPort: controlPort,
		daemon:      newDaemon(),
		matcher:     newResponseMatcher(),
	}
}

func (d *Device) ID() string      { return d.id }
func (d *Device) PlatformID() int { return d.platform.ID }

// Open implements the full device-open sequence of §4.6.
func (d *Device) Open(ctx context.Context) error {
	if d.platform.DebugAdapter == nil {
		return fmt.Errorf("debugadapter: platform %s has no debug-adapter config", d.platform.Name)
	}

	// Step 1: skip detection if the adapter supports exactly one MCU.
	if len(d.adapter.SupportedMCUList) == 1 {
		d.detectedMCU = d.adapter.SupportedMCUList[0]
	} else if d.detectedMCU == "" {
		mcu, err := d.detectMCU(ctx)
		if err != nil {
			return err
		}
		d.detectedMCU = mcu
	}

	// Step 3: stop any probe daemon, start the real-target daemon.
	if err := d.stopDaemon(ctx); err != nil {
		return err
	}
	args := realTargetArgs(d.adapter.ControlConfig, d.detectedMCU, d.adapter.SerialParam, d.serial, d.controlPort, d.adapter.ExtraInitString)
	if err := d.daemon.start(ctx, d.controlPort, args); err != nil {
		return err
	}
	if err := d.connectClient(ctx); err != nil {
		return err
	}

	if d.platform.DebugAdapter.RequiresAssertedSRST {
		if err := d.resetHalt(ctx); err != nil {
			return err
		}
	}

	logx.LogDeviceOpen(d.id, d.platform.Name, "debugadapter")
	return nil
}

// detectMCU implements step 2: probe with SWD + generic Cortex-M target,
// running `dap info` over debug ports 0..4, retrying with
// connect_assert_srst once if no candidate matches.
func (d *Device) detectMCU(ctx context.Context) (string, error) {
	var transcript strings.Builder

	for attempt := 0; attempt < 2; attempt++ {
		assertSRST := attempt == 1
		args := probeArgs(d.adapter.ControlConfig, d.adapter.SerialParam, d.serial, d.controlPort, assertSRST)

		if err := d.daemon.start(ctx, d.controlPort, args); err != nil {
			return "", err
		}
		if err := d.connectClient(ctx); err != nil {
			d.daemon.forceKill()
			return "", err
		}
		if assertSRST {
			d.srstAsserted = true
		}

		for ap := 0; ap < 5; ap++ {
			resp, _ := d.client.Exec(fmt.Sprintf("dap info %d", ap), shellPrompt, 10*time.Second)
			transcript.WriteString(resp)
			transcript.WriteString("\n")
			if d.matcher.sawNoAP(resp) {
				break
			}
		}

		for _, candidate := range d.adapter.SupportedMCUList {
			if strings.Contains(transcript.String(), d.manufacturerStringFor(candidate)) {
				d.client.Disconnect()
				d.daemon.forceKill()
				return candidate, nil
			}
		}

		d.client.Disconnect()
		d.daemon.forceKill()
	}

	return "", &UnknownTargetPlatform{Transcript: transcript.String()}
}

// manufacturerStringFor returns the string used to recognize a candidate
// MCU in a probe transcript. Real catalogs attach this per-platform via
// DebugAdapterTargetConfig.ManufacturerString; for a bare MCU name
// fallback to the name itself.
func (d *Device) manufacturerStringFor(mcu string) string {
	if d.platform.DebugAdapter != nil && d.platform.DebugAdapter.MCU == mcu && d.platform.DebugAdapter.ManufacturerString != "" {
		return d.platform.DebugAdapter.ManufacturerString
	}
	return mcu
}

func (d *Device) connectClient(ctx context.Context) error {
	client := controlclient.New()
	opts := controlclient.DefaultOptions(shellPrompt)
	if err := client.Connect("127.0.0.1", d.controlPort, opts); err != nil {
		return err
	}
	d.client = client
	return nil
}

func (d *Device) stopDaemon(ctx context.Context) error {
	if !d.daemon.running() {
		return nil
	}
	return d.daemon.gracefulStop(ctx, d.client, shellPrompt)
}

func (d *Device) Close(ctx context.Context) error {
	// If the adapter asserts SRST on connect and the client is idle,
	// issue reset run before shutdown (§4.6 Close).
	if d.srstAsserted && d.client != nil && d.client.State() == controlclient.StateConnected {
		d.client.Exec("reset run", shellPrompt, 10*time.Second)
	}
	if d.client != nil && d.client.State() == controlclient.StateConnected {
		return d.daemon.gracefulStop(ctx, d.client, shellPrompt)
	}
	d.daemon.forceKill()
	return nil
}

// Reset implements §4.6's reset procedure with the 5s minimum-interval
// rule and `reset init`/`reset halt` verification, falling back to
// soft_reset_halt on failure.
func (d *Device) Reset(ctx context.Context) error {
	if elapsed := time.Since(d.lastReset); elapsed < minResetInterval {
		time.Sleep(minResetInterval - elapsed)
	}
	d.lastReset = time.Now()

	resetCmd := "reset run"
	if d.platform.DebugAdapter != nil && d.platform.DebugAdapter.ResetProcedure != "" {
		resetCmd = d.platform.DebugAdapter.ResetProcedure
	}
	resp, err := d.client.Exec(resetCmd, shellPrompt, 10*time.Second)
	if err != nil {
		return err
	}
	if d.matcher.resetWasVerified(resp) {
		return nil
	}

	resp, err = d.client.Exec("soft_reset_halt", shellPrompt, 10*time.Second)
	if err != nil {
		return err
	}
	if !d.matcher.resetWasVerified(resp) {
		return &ResetFailed{Response: resp}
	}
	return nil
}

func (d *Device) resetHalt(ctx context.Context) error {
	resp, err := d.client.Exec("reset init", shellPrompt, 10*time.Second)
	if err != nil {
		return err
	}
	if !d.matcher.resetWasVerified(resp) {
		return &ResetFailed{Response: resp}
	}
	return nil
}

func (d *Device) PrepareToFlash(ctx context.Context) error {
	return nil
}

// CanFlashModule reports true for any module whose storage is
// internal_flash, the only storage write_to_flash supports here.
func (d *Device) CanFlashModule(m *module.Module) bool {
	return m.Storage == catalog.StorageInternalFlash
}

func (d *Device) CanWriteToFlash() bool { return true }

// WriteToFlash is allowed only for internal_flash, using one of the
// three write strategies named in §4.6.
func (d *Device) WriteToFlash(ctx context.Context, filePath string, storage catalog.StorageType, address int64) error {
	if storage != catalog.StorageInternalFlash {
		return fmt.Errorf("debugadapter: write_to_flash only supports internal_flash, got %q", storage)
	}
	hexAddr := fmt.Sprintf("0x%x", address)

	var cmd, strategy string
	switch {
	case d.platform.DebugAdapter != nil && d.platform.DebugAdapter.FlashProcedure != "":
		strategy = "procedure"
		cmd = procedureCmd(d.platform.DebugAdapter.FlashProcedure, filePath, hexAddr)
	case d.platform.DebugAdapter != nil && d.platform.DebugAdapter.FlashUnlockNeeded:
		strategy = "flash_unlock"
		cmd = flashUnlockCmd(filePath, hexAddr)
	default:
		strategy = "program"
		cmd = programCmd(filePath, hexAddr)
	}

	start := time.Now()
	resp, err := d.client.Exec(cmd, shellPrompt, writeTimeout)
	logx.LogTransportWrite(d.id, "", string(storage), address)
	logx.Debug("debug adapter write", zap.String("strategy", strategy), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		return err
	}
	if !d.matcher.writeSucceeded(resp) {
		return &FlashWriteFailed{Strategy: strategy, Response: resp}
	}
	return nil
}

// FlashModule is not supported directly by this transport; boards reach
// it only via WriteToFlash.
func (d *Device) FlashModule(ctx context.Context, filePath string) (transport.FlashResult, error) {
	return transport.FlashResult{}, fmt.Errorf("debugadapter: FlashModule not supported, use WriteToFlash")
}

// ReadDeviceID implements §4.6 step 4: either an mdb-based read against
// the platform's memory-address procedure, or a custom Tcl procedure
// whose output is matched against a platform-specific capture regex.
func (d *Device) ReadDeviceID(ctx context.Context) (string, error) {
	proc := d.platform.DeviceIDProcedure
	if proc == nil {
		return "", fmt.Errorf("debugadapter: platform %s has no device-id procedure", d.platform.Name)
	}

	if proc.MemoryAddress != "" {
		resp, err := d.client.Exec(mdbReadCmd(proc.MemoryAddress, proc.Length), shellPrompt, 10*time.Second)
		if err != nil {
			return "", err
		}
		hex, ok := d.matcher.extractMdbHex(resp)
		if !ok {
			return "", &DeviceIDReadFailed{Response: resp}
		}
		hex = strings.ToLower(proc.Prefix + hex)
		return hex, nil
	}

	resp, err := d.client.Exec(proc.TclProcedure, shellPrompt, 10*time.Second)
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(proc.CaptureRegex)
	if err != nil {
		return "", fmt.Errorf("debugadapter: invalid capture regex for %s: %w", d.platform.Name, err)
	}
	match := re.FindStringSubmatch(resp)
	if match == nil {
		return "", &DeviceIDReadFailed{Response: resp}
	}
	id := strings.Join(match[1:], "")
	return strings.ToLower(id), nil
}

var _ transport.Device = (*Device)(nil)
