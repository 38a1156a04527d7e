// Package ui provides terminal UI components for the flashctl CLI.
//
// This package uses Bubble Tea and Lipgloss to render polished terminal output
// for fleet flashing runs. Unlike the interactive TUI wizard found elsewhere in
// this codebase, these components follow a "run once and exit" pattern - they
// render output compellingly but don't require user interaction.
//
// # Architecture
//
// The UI package provides four main component types:
//
//   - Header: Command banner showing operation name and parameters
//   - Progress: Progress bar with step list showing real-time status
//   - Result: Success/failure boxes with styled information
//   - TranscriptOutput: Raw subprocess/control-protocol output box for verbose mode
//
// These components are orchestrated by the CommandRunner, which manages the
// header → progress → result flow for single-device command execution, and by
// FleetModel (fleet.go), which manages the live multi-device dashboard used by
// `flashctl flash` when flashing more than one board.
//
// # Usage Pattern
//
// Single-device commands use this package by:
//
//  1. Creating a CommandRunner with command metadata
//  2. Calling Run() with their operation function
//  3. The operation reports progress via a step callback
//  4. CommandRunner handles all UI rendering automatically
//
// Example:
//
//	runner := ui.NewCommandRunner(ui.RunnerConfig{
//	    Title:      "Flash boron",
//	    Command:    "flashctl flash 2.1.0 -d abcd1234",
//	    Params:     map[string]string{"Device": "abcd1234"},
//	    TotalSteps: 4,
//	    Verbose:    verbose,
//	})
//
//	err := runner.Run(ctx, func(onStep ui.StepCallback) error {
//	    onStep(1, "Opening device", ui.StepRunning, "")
//	    // ... do work ...
//	    onStep(1, "Opening device", ui.StepComplete, "")
//	    return nil
//	})
//
// # Logging Integration
//
// This package expects logging to be controlled via the FLASHCTL_LOG_LEVEL
// environment variable (see internal/logx). When unset, zap logging is silent,
// allowing the curated UI output to be displayed cleanly. Set FLASHCTL_LOG_LEVEL
// to "debug", "info", "warn", or "error" to enable logging output alongside it.
//
// # Verbose Mode
//
// When a CommandRunner is created with Verbose set and given a transcript via
// SetTranscriptOutput, the TranscriptOutput component displays that raw
// control-protocol or subprocess output in a styled box after the result. The
// -v flag only raises the log level; it does not turn this on.
package ui
