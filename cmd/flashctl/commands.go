package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/particle-iot/flashctl/internal/appconfig"
	"github.com/particle-iot/flashctl/internal/catalog"
	"github.com/particle-iot/flashctl/internal/fleet"
	"github.com/particle-iot/flashctl/internal/logx"
	"github.com/particle-iot/flashctl/internal/module"
	"github.com/particle-iot/flashctl/internal/registry"
	"github.com/particle-iot/flashctl/internal/releasehost"
	"github.com/particle-iot/flashctl/internal/resolver"
	"github.com/particle-iot/flashctl/internal/transport"
	"github.com/particle-iot/flashctl/internal/transport/debugadapter"
	"github.com/particle-iot/flashctl/internal/transport/rawdfu"
	"github.com/particle-iot/flashctl/internal/transport/updatereq"
	"github.com/particle-iot/flashctl/internal/ui"
	"github.com/particle-iot/flashctl/internal/usbdev"
)

// Global flags
var (
	verboseCount int
	maxJobs      int
	maxRetries   int
)

// flash command flags
var (
	deviceArgs     []string
	allDevices     bool
	useOpenOCD     bool
	draftRelease   bool
	noCache        bool
	includeSystem  bool
	noSystem       bool
	includeUser    bool
	noUser         bool
	includeBoot    bool
	noBoot         bool
	includeNCP     bool
	noNCP          bool
	includeRadio   bool
	noRadio        bool
)

func init() {
	rootCmd.PersistentFlags().CountVarP(&verboseCount, "verbose", "v", "increase logging verbosity (-v, -vv)")
	rootCmd.PersistentFlags().IntVarP(&maxJobs, "jobs", "j", 0, "maximum devices flashed in parallel (0 = unbounded)")
	rootCmd.PersistentFlags().IntVarP(&maxRetries, "retries", "r", 2, "per-device retry budget on open/flash failure")

	rootCmd.AddCommand(flashCmd)

	flashCmd.Flags().StringArrayVarP(&deviceArgs, "device", "d", nil, "device id or name, optionally suffixed :platform (repeatable)")
	flashCmd.Flags().BoolVar(&allDevices, "all-devices", false, "flash every device reachable through the selected transport")
	flashCmd.Flags().BoolVar(&useOpenOCD, "openocd", false, "use the debug-adapter transport instead of the raw programmer")
	flashCmd.Flags().BoolVar(&draftRelease, "draft", false, "allow resolving a draft release (requires GITHUB_TOKEN)")
	flashCmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the local release cache")

	flashCmd.Flags().BoolVar(&includeSystem, "system", true, "include system_part modules")
	flashCmd.Flags().BoolVar(&noSystem, "no-system", false, "exclude system_part modules")
	flashCmd.Flags().BoolVar(&includeUser, "user", true, "include user_part modules")
	flashCmd.Flags().BoolVar(&noUser, "no-user", false, "exclude user_part modules")
	flashCmd.Flags().BoolVar(&includeBoot, "bootloader", true, "include bootloader modules")
	flashCmd.Flags().BoolVar(&noBoot, "no-bootloader", false, "exclude bootloader modules")
	flashCmd.Flags().BoolVar(&includeNCP, "ncp", true, "include ncp_firmware modules")
	flashCmd.Flags().BoolVar(&noNCP, "no-ncp", false, "exclude ncp_firmware modules")
	flashCmd.Flags().BoolVar(&includeRadio, "radio", true, "include radio_stack modules")
	flashCmd.Flags().BoolVar(&noRadio, "no-radio", false, "exclude radio_stack modules")
}

var flashCmd = &cobra.Command{
	Use:   "flash <version|path>",
	Short: "Resolve and write firmware modules to one or more devices",
	Long: `Resolve firmware modules from a release version or a local directory and
write them to one or more attached devices.

An argument naming an existing file or directory is treated as a local
path to a directory, .zip, or single module binary; anything else is
resolved as a release version (e.g. 2.1.0) against the release host.

By default the single attached device is targeted. Use -d to name specific
devices, or --all-devices to flash every device the selected transport can
reach.`,
	Example: `  # Flash the single attached device
  flashctl flash 2.1.0

  # Flash two named devices, one with an explicit platform hint
  flashctl flash 2.1.0 -d my-boron -d abcd1234:argon

  # Flash every attached device via a debug adapter
  flashctl flash 2.1.0 --openocd --all-devices

  # Flash bootloader and system_part only, from a local build
  flashctl flash ./build/modules --no-user --no-ncp --no-radio`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func effective(include, exclude bool) bool {
	if exclude {
		return false
	}
	return include
}

func allowedModuleTypes() map[catalog.ModuleType]bool {
	return map[catalog.ModuleType]bool{
		catalog.ModuleSystemPart:  effective(includeSystem, noSystem),
		catalog.ModuleUserPart:    effective(includeUser, noUser),
		catalog.ModuleBootloader:  effective(includeBoot, noBoot),
		catalog.ModuleNCPFirmware: effective(includeNCP, noNCP),
		catalog.ModuleRadioStack:  effective(includeRadio, noRadio),
	}
}

func filterModules(modules []*module.Module, allowed map[catalog.ModuleType]bool) []*module.Module {
	out := make([]*module.Module, 0, len(modules))
	for _, m := range modules {
		if allowed[m.Type] {
			out = append(out, m)
		}
	}
	return out
}

func parseTarget(arg string) fleet.Target {
	if idx := strings.LastIndex(arg, ":"); idx > 0 {
		return fleet.Target{Identity: arg[:idx], PlatformHint: arg[idx+1:]}
	}
	return fleet.Target{Identity: arg}
}

func runFlash(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	if verboseCount > 0 {
		logx.Initialize(logx.VerbosityToLevel(verboseCount))
	} else {
		logx.InitializeFromEnv()
	}

	versionOrPath := args[0]

	ui.PrintCommandHeader(
		"Flash firmware",
		fmt.Sprintf("flashctl flash %s", versionOrPath),
		map[string]string{
			"Source": versionOrPath,
			"Jobs":   fmt.Sprintf("%d", maxJobs),
		},
	)

	creds, err := appconfig.LoadCredentials()
	if err != nil {
		ui.PrintFailure("Flash failed", err, []string{"Check ~/.particle/profile.json is readable"})
		return err
	}
	if draftRelease {
		if err := creds.RequireGithubToken(); err != nil {
			ui.PrintFailure("Flash failed", err, []string{"Set GITHUB_TOKEN to resolve draft releases"})
			return err
		}
	}

	cat, err := catalog.Load()
	if err != nil {
		ui.PrintFailure("Flash failed", err, []string{"The embedded platform catalog failed to parse"})
		return err
	}

	ctx := context.Background()

	modules, err := resolveModules(ctx, cat, creds, versionOrPath)
	if err != nil {
		ui.PrintFailure("Flash failed", err, []string{
			"Check the version exists on the release host",
			"Pass --draft if this is a draft release",
			"Pass a local directory path instead of a version",
		})
		return err
	}
	modules = filterModules(modules, allowedModuleTypes())
	if len(modules) == 0 {
		err := fmt.Errorf("no modules left to flash after applying module-type filters")
		ui.PrintFailure("Flash failed", err, []string{"Check --no-system/--no-user/... flags aren't excluding everything"})
		return err
	}

	enum := usbdev.NewEnumerator()
	defer enum.Close()

	var primary transport.Discovery
	var updateReqDisc transport.Discovery = updatereq.NewDiscovery(enum)
	if useOpenOCD {
		primary = debugadapter.NewDiscovery(enum, catalog.DefaultAdapterTable(), cat)
	} else {
		primary = rawdfu.NewDiscovery(enum)
	}

	var regClient *registry.Client
	if creds.RegistryToken != "" {
		regClient = registry.NewClient(creds.RegistryToken)
		if creds.RegistryAPIURL != "" {
			regClient.BaseURL = creds.RegistryAPIURL
		}
	}

	tempDir, err := os.MkdirTemp("", "flashctl-flash-*")
	if err != nil {
		ui.PrintFailure("Flash failed", err, []string{"Check the OS temp directory is writable"})
		return err
	}
	defer os.RemoveAll(tempDir)

	coord := &fleet.Coordinator{
		Catalog:       cat,
		Primary:       primary,
		UpdateReq:     updateReqDisc,
		USBEnumerator: enum,
		Registry:      regClient,
		TempDir:       tempDir,
	}

	ui.PrintPleaseWait("Enumerating attached devices", "")
	local, err := coord.EnumerateDevices(ctx, fleet.EnumerateOptions{MaxRetries: maxRetries, MaxJobs: maxJobs})
	if err != nil {
		ui.PrintFailure("Flash failed", err, []string{
			"Check a device is attached and in the expected mode",
			"Pass --openocd if your device is behind a debug adapter",
		})
		return err
	}

	targets, err := selectTargets(ctx, coord, local)
	if err != nil {
		ui.PrintFailure("Flash failed", err, []string{"Check the requested device id/name and platform"})
		return err
	}

	if len(targets) > 1 && !allDevices {
		if !ui.ConfirmDangerousOperation(
			fmt.Sprintf("About to flash %d devices", len(targets)),
			deviceSummaryLines(targets),
			"This will write firmware to every listed device. This cannot be undone.",
		) {
			return fmt.Errorf("flash cancelled by user")
		}
	}

	results, dispatchErr := dispatchWithDashboard(ctx, coord, targets, modules)
	recordHistory(versionOrPath, results)

	if dispatchErr != nil {
		ui.PrintFailure("Flash failed", dispatchErr, []string{
			"Re-run with -v for logging, -vv for debug detail",
			"A failing device can be retried alone with -d <id>",
		})
		return dispatchErr
	}

	ui.PrintSuccess("Flash complete", map[string]string{
		"Devices": fmt.Sprintf("%d", len(results)),
		"Source":  versionOrPath,
	})
	return nil
}

// resolveModules dispatches to the release resolver or the local-path
// resolver depending on whether versionOrPath parses as a directory/file
// that exists on disk.
func resolveModules(ctx context.Context, cat *catalog.Catalog, creds *appconfig.Credentials, versionOrPath string) ([]*module.Module, error) {
	cacheRoot, err := appconfig.CacheRoot()
	if err != nil {
		return nil, err
	}

	host := releasehost.NewClient(creds.GithubToken)
	res := resolver.New(host, cat, cacheRoot, os.TempDir(), "")

	if _, err := os.Stat(versionOrPath); err == nil {
		return res.GetModulesFromPath(versionOrPath)
	}

	return res.GetReleaseModules(ctx, versionOrPath, resolver.Options{
		NoCache: noCache,
		Draft:   draftRelease,
	})
}

func selectTargets(ctx context.Context, coord *fleet.Coordinator, local []fleet.Candidate) ([]fleet.Candidate, error) {
	if allDevices {
		return local, nil
	}
	if len(deviceArgs) == 0 {
		if len(local) != 1 {
			return nil, fmt.Errorf("found %d devices; pass -d to select one or --all-devices to flash all", len(local))
		}
		return local, nil
	}

	requested := make([]fleet.Target, 0, len(deviceArgs))
	for _, arg := range deviceArgs {
		requested = append(requested, parseTarget(arg))
	}
	return coord.ResolveTargets(ctx, local, requested)
}

func deviceSummaryLines(targets []fleet.Candidate) []string {
	lines := make([]string, 0, len(targets))
	for _, t := range targets {
		platform := "unknown"
		if t.Platform != nil {
			platform = t.Platform.Name
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", t.ID, platform))
	}
	sort.Strings(lines)
	return lines
}

// dispatchWithDashboard runs the fleet dispatch, driving a live multi-device
// dashboard when more than one device is targeted and calling Dispatch
// directly, with no dashboard, otherwise.
func dispatchWithDashboard(ctx context.Context, coord *fleet.Coordinator, targets []fleet.Candidate, modules []*module.Module) ([]fleet.RunResult, error) {
	if len(targets) <= 1 {
		results, err := coord.Dispatch(ctx, targets, modules, fleet.DispatchOptions{MaxRetries: maxRetries, MaxJobs: maxJobs})
		return results, err
	}

	ids := make([]string, len(targets))
	platforms := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
		if t.Platform != nil {
			platforms[i] = t.Platform.Name
		}
	}

	runner := ui.NewFleetRunner("Flashing devices", ids, platforms)
	indexByID := make(map[string]int, len(targets))
	for i, id := range ids {
		indexByID[id] = i
		runner.UpdateDevice(i, ui.StepRunning, "")
	}

	results, err := coord.Dispatch(ctx, targets, modules, fleet.DispatchOptions{MaxRetries: maxRetries, MaxJobs: maxJobs})
	for _, r := range results {
		idx, ok := indexByID[r.DeviceID]
		if !ok {
			continue
		}
		if r.Err != nil {
			runner.UpdateDevice(idx, ui.StepFailed, r.Err.Error())
		} else {
			runner.UpdateDevice(idx, ui.StepComplete, "")
		}
	}
	runner.Finish()

	return results, err
}

func recordHistory(versionOrPath string, results []fleet.RunResult) {
	entries := make([]appconfig.HistoryEntry, 0, len(results))
	for _, r := range results {
		entry := appconfig.HistoryEntry{
			Timestamp: timeNow(),
			DeviceID:  r.DeviceID,
			Platform:  r.Platform,
			Version:   versionOrPath,
			Success:   r.Err == nil,
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		entries = append(entries, entry)
	}
	if err := appconfig.AppendHistory(entries...); err != nil {
		logx.Warn("failed to persist flash history")
	}
}

// timeNow is a narrow seam so history timestamps come from one place.
func timeNow() time.Time {
	return time.Now()
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent flash results",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		entries, err := appconfig.LoadHistory()
		if err != nil {
			ui.PrintFailure("History unavailable", err, nil)
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No flash history recorded yet.")
			return nil
		}
		for _, e := range entries {
			status := "ok"
			if !e.Success {
				status = "FAILED: " + e.Error
			}
			fmt.Printf("%s  %-24s %-10s %-8s %s\n",
				e.Timestamp.Format(time.RFC3339), e.DeviceID, e.Platform, e.Version, status)
		}
		return nil
	},
}
