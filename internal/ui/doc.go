// Package ui provides terminal UI components for the ilidar-tool CLI.
//
// This package uses Bubble Tea and Lipgloss to render polished terminal
// output for sensor commands. These components follow a "run once and
// exit" pattern - they render output compellingly but don't require user
// interaction.
//
// # Architecture
//
// The UI package provides four main component types:
//
//   - Header: Command banner showing operation name and parameters
//   - Progress: Progress bar with step list showing real-time status
//   - Result: Success/failure boxes with styled information
//   - Table: Sensor listings for discovery and info output
//
// These components are orchestrated by the Runner, which manages the
// header → progress → result flow for long operations such as firmware
// updates.
//
// # Usage Pattern
//
// Commands use this package by:
//
//  1. Creating a Runner with command metadata
//  2. Calling Run() with their operation function
//  3. The operation reports progress via a step callback
//  4. Runner handles all UI rendering automatically
//
// Example:
//
//	runner := ui.NewRunner(ui.RunnerConfig{
//	    Title:      "Firmware Update",
//	    Command:    "ilidar-tool update",
//	    Params:     map[string]string{"Sensors": "3"},
//	    TotalSteps: 4,
//	})
//
//	err := runner.Run(ctx, func(onStep ui.StepCallback) error {
//	    onStep(1, "Entering safe boot", ui.StepRunning, "")
//	    // ... do work ...
//	    onStep(1, "Entering safe boot", ui.StepComplete, "")
//	    return nil
//	})
//
// # Logging Integration
//
// This package expects logging to be controlled via the ILIDAR_LOG_LEVEL
// environment variable. When unset or empty, zap logging is silent,
// allowing the curated UI output to be displayed cleanly. Set
// ILIDAR_LOG_LEVEL to "debug", "info", "warn", or "error" to enable
// logging output.
package ui
