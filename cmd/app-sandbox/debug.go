//go:build linux

package main

import (
	"fmt"
	"io"
	"strings"
)

// DebugLogger provides structured debug output for sandbox planning.
// It is disabled by default (when output is nil) and outputs to stderr when enabled.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a new debug logger.
// If output is nil, the logger is disabled and all methods are no-ops.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled returns true if debug logging is enabled.
func (d *DebugLogger) Enabled() bool {
	return d.output != nil
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if d.output == nil {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// ConfigFile outputs information about a config file.
func (d *DebugLogger) ConfigFile(label, path string, loaded bool) {
	if d.output == nil {
		return
	}

	if loaded {
		_, _ = fmt.Fprintf(d.output, "  %s: %s\n", label, path)
	} else {
		_, _ = fmt.Fprintf(d.output, "  %s: (not found)\n", label)
	}
}

// BwrapArgs outputs multiple bwrap arguments for debugging.
// Arguments are grouped by flag (e.g., --ro-bind src dest becomes one line).
func (d *DebugLogger) BwrapArgs(args []string) {
	if d.output == nil {
		return
	}

	idx := 0
	for idx < len(args) {
		if strings.HasPrefix(args[idx], "--") {
			flagArg := args[idx]
			next := idx + 1

			for next < len(args) && !strings.HasPrefix(args[next], "--") {
				next++
			}

			line := append([]string{flagArg}, args[idx+1:next]...)
			_, _ = fmt.Fprintf(d.output, "  %s\n", strings.Join(line, " "))
			idx = next
		} else {
			_, _ = fmt.Fprintf(d.output, "  %s\n", args[idx])
			idx++
		}
	}
}

// debugConfigLoading outputs debug information about config file loading.
func debugConfigLoading(debug *DebugLogger, cfg *Config) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Config Loading")

	if len(cfg.LoadedConfigFiles) == 0 {
		debug.Logf("  No config files loaded")

		return
	}

	if path, ok := cfg.LoadedConfigFiles["global"]; ok {
		debug.ConfigFile("Global config", path, true)
	} else {
		debug.ConfigFile("Global config", "", false)
	}

	if path, ok := cfg.LoadedConfigFiles["explicit"]; ok {
		debug.ConfigFile("Explicit config (--config)", path, true)
	} else if path, ok := cfg.LoadedConfigFiles["project"]; ok {
		debug.ConfigFile("Project config", path, true)
	} else {
		debug.ConfigFile("Project config", "", false)
	}
}

// DebugLayers outputs the permission layers in merge order.
func DebugLayers(debug *DebugLogger, layers []Layer) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Permission Layers")

	if len(layers) == 0 {
		debug.Logf("  No permission layers")

		return
	}

	for _, layer := range layers {
		debug.Bulletf("%s", layer.Label)
	}
}

// DebugBwrapArgs outputs debug information about generated bwrap arguments.
func DebugBwrapArgs(debug *DebugLogger, args []string) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Generated bwrap Arguments")
	debug.BwrapArgs(args)
}
