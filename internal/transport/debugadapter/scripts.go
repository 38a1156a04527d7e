package debugadapter

import "fmt"

// probeArgs builds the daemon command line for the MCU-detection phase:
// select the SWD transport, bring up a generic Cortex-M target on the
// given adapter's control config, and run `dap info` for debug-port
// indices 0..4 (§4.6 step 2). detectMCU repeats the per-port query over
// the control client, stopping at the first "no AP" response.
func probeArgs(adapterConfigFile string, serialParam, serial string, controlPort int, assertSRST bool) []string {
	connectCmd := "init"
	if assertSRST {
		connectCmd = "reset_config srst_only srst_nogate; init"
	}
	tcl := fmt.Sprintf(
		"transport select swd; "+
			"source [find target/cortex_m.cfg]; "+
			"telnet_port %d; gdb_port disabled; tcl_port disabled; "+
			"%s; "+
			"for {set ap 0} {$ap < 5} {incr ap} { dap info $ap }",
		controlPort, connectCmd,
	)
	args := []string{"-f", adapterConfigFile}
	if serialParam != "" && serial != "" {
		args = append(args, "-c", fmt.Sprintf("%s %s", serialParam, serial))
	}
	args = append(args, "-c", tcl)
	return args
}

// realTargetArgs builds the daemon command line once the MCU has been
// identified: load its specific target config instead of the generic
// Cortex-M one (§4.6 step 3).
func realTargetArgs(adapterConfigFile, mcu string, serialParam, serial string, controlPort int, extraInit string) []string {
	tcl := fmt.Sprintf("transport select swd; telnet_port %d; gdb_port disabled; tcl_port disabled; init", controlPort)
	if extraInit != "" {
		tcl += "; " + extraInit
	}
	args := []string{"-f", adapterConfigFile, "-f", fmt.Sprintf("target/%s.cfg", mcu)}
	if serialParam != "" && serial != "" {
		args = append(args, "-c", fmt.Sprintf("%s %s", serialParam, serial))
	}
	args = append(args, "-c", tcl)
	return args
}

// flashUnlockCmd builds `flash write_image erase unlock <file> <hex_addr>`
// for MCUs needing flash unlock (§4.6 Flashing).
func flashUnlockCmd(file string, hexAddr string) string {
	return fmt.Sprintf("flash write_image erase unlock %s %s", file, hexAddr)
}

// programCmd builds the simple `program <file> <hex_addr>` path.
func programCmd(file string, hexAddr string) string {
	return fmt.Sprintf("program %s %s", file, hexAddr)
}

// procedureCmd invokes a platform-specific Tcl write procedure
// `f(file, hex_addr)`.
func procedureCmd(procedure, file, hexAddr string) string {
	return fmt.Sprintf("%s %s %s", procedure, file, hexAddr)
}

// mdbReadCmd reads n bytes at addr via `mdb <addr> <n>`.
func mdbReadCmd(addr string, n int) string {
	return fmt.Sprintf("mdb %s %d", addr, n)
}
