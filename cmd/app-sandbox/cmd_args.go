//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/app-sandbox/sandbox"
)

// ErrUnexpectedArgs is returned when a command gets positional arguments it does not take.
var ErrUnexpectedArgs = errors.New("unexpected arguments")

// ArgsCmd creates the args command, which prints the planned bwrap arguments.
func ArgsCmd(cfg *Config, env map[string]string) *Command {
	flags := flag.NewFlagSet("args", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("debug", false, "Print planning details to stderr")
	flags.BoolP("null", "z", false, "Separate arguments with NUL instead of newline")
	flags.String("app-id", "", "Application `id` (overrides config)")
	flags.String("app-data-dir", "", "Per-app data `dir` for persistent directories")
	flags.String("shared-runtime-dir", "", "Host `dir` bound at /run/app-sandbox")
	flags.Int("bundle-threshold", 0, "Pass arguments through --args above this `count` (negative disables)")

	layerFlags := addLayerFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "args [flags] [permission options]",
		Short: "Print the bwrap arguments for the permissions",
		Long: "Merge metadata, config and command-line permissions and print the bwrap arguments,\n" +
			"one per line. Numbers following --args, --ro-bind-data and similar name inherited\n" +
			"file descriptors, which are closed when the command exits.",
		Aliases: []string{},
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: %s", ErrUnexpectedArgs, strings.Join(args, " "))
			}

			debugEnabled, _ := flags.GetBool("debug")

			var debug *DebugLogger
			if debugEnabled {
				debug = NewDebugLogger(stderr)
			} else {
				debug = NewDebugLogger(nil)
			}

			err := applyArgsFlags(cfg, flags)
			if err != nil {
				return err
			}

			debugConfigLoading(debug, cfg)

			environment, err := sandbox.EnvironmentFromMap(env)
			if err != nil {
				return err
			}

			layers, err := layerFlags.layers(cfg)
			if err != nil {
				return err
			}

			DebugLayers(debug, layers)

			sandboxCfg := &sandbox.Config{
				AppID:            cfg.AppID,
				Layers:           layerContexts(layers),
				AppDataDir:       cfg.AppDataDir,
				SharedRuntimeDir: cfg.SharedRuntimeDir,
			}

			if cfg.BundleThreshold != nil {
				sandboxCfg.BundleThreshold = *cfg.BundleThreshold
			}

			if debug.Enabled() {
				debug.Section("Planning")

				sandboxCfg.Debugf = debug.Logf
			}

			sb, err := sandbox.NewWithEnvironment(sandboxCfg, environment)
			if err != nil {
				return err
			}

			plan, err := sb.Plan(ctx)
			if err != nil {
				return err
			}

			DebugBwrapArgs(debug, plan.Argv)

			for i, f := range plan.ExtraFiles {
				debug.Bulletf("fd %d: %s", 3+i, f.Name())
			}

			sep := "\n"
			if null, _ := flags.GetBool("null"); null {
				sep = "\x00"
			}

			for _, arg := range plan.Argv {
				fprintf(stdout, "%s%s", arg, sep)
			}

			return plan.Close()
		},
	}
}

// applyArgsFlags applies the args command flags to cfg (highest priority).
func applyArgsFlags(cfg *Config, flags *flag.FlagSet) error {
	if flags.Changed("app-id") {
		cfg.AppID, _ = flags.GetString("app-id")
	}

	if flags.Changed("app-data-dir") {
		cfg.AppDataDir, _ = flags.GetString("app-data-dir")
	}

	if flags.Changed("shared-runtime-dir") {
		cfg.SharedRuntimeDir, _ = flags.GetString("shared-runtime-dir")
	}

	if flags.Changed("bundle-threshold") {
		threshold, err := flags.GetInt("bundle-threshold")
		if err != nil {
			return fmt.Errorf("--bundle-threshold: %w", err)
		}

		cfg.BundleThreshold = &threshold
	}

	return nil
}
