// Flashctl resolves firmware module binaries for a release or a local
// directory, discovers boards attached over USB or behind a debug adapter,
// and writes the resolved modules to one or more devices in parallel.
//
// Supported transports:
//
//   - An external DFU-mode programmer (dfu-util-style raw programming)
//   - A direct USB control-endpoint write for boards already running
//     listening-mode firmware
//   - An OpenOCD-style debug adapter daemon driven over its line-oriented
//     control protocol
//
// See 'flashctl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/particle-iot/flashctl/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flashctl",
	Short: "Firmware flashing utility for Particle devices",
	Long: `Resolve and flash firmware modules onto one or more attached devices.

flashctl accepts a release version or a local directory of module binaries,
resolves which modules each target device needs, and writes them over
whichever transport that device is reachable through: an external DFU
programmer, a direct USB control-endpoint write, or an OpenOCD-style debug
adapter.

Use 'flashctl flash --help' for the full set of flashing options.`,
	Version: version.Version,
	Example: `  # Flash the single attached device to 2.1.0
  flashctl flash 2.1.0

  # Flash a specific device by id
  flashctl flash 2.1.0 -d e00fce68d0f7a1e7a8e6b9a1

  # Flash every attached device
  flashctl flash 2.1.0 --all-devices

  # Flash from a local build directory via a debug adapter
  flashctl flash ./build/modules --openocd -d 000000001234:boron`,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(historyCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("flashctl %s (commit: %s)\n", version.Version, version.Commit)
	},
}
