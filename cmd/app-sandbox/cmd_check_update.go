//go:build linux

package main

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/app-sandbox/permissions"
)

// ErrCheckUpdateArgs is returned when check-update does not get exactly two files.
var ErrCheckUpdateArgs = errors.New("check-update expects two metadata files: OLD NEW")

// CheckUpdateCmd creates the check-update command, which reports whether an
// update of the metadata asks for more permissions.
func CheckUpdateCmd(cfg *Config) *Command {
	flags := flag.NewFlagSet("check-update", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("quiet", "q", false, "Quiet mode, no output")

	return &Command{
		Flags: flags,
		Usage: "check-update [flags] <old> <new>",
		Short: "Check if updated metadata requests new permissions",
		Long: "Compare two metadata key files.\n" +
			"Exits 0 if the new metadata grants nothing the old one did not, 1 otherwise.",
		Aliases: []string{},
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			if len(args) != 2 {
				return ErrCheckUpdateArgs
			}

			quiet, _ := flags.GetBool("quiet")

			contexts := make([]*permissions.Context, 0, len(args))

			for _, path := range args {
				if !filepath.IsAbs(path) {
					path = filepath.Join(cfg.EffectiveCwd, path)
				}

				ctx, err := loadMetadataFile(path)
				if err != nil {
					return err
				}

				contexts = append(contexts, ctx)
			}

			if permissions.AddsPermissions(contexts[0], contexts[1]) {
				if !quiet {
					fprintln(stdout, "new permissions requested")
				}

				return ErrSilentExit
			}

			if !quiet {
				fprintln(stdout, "no new permissions")
			}

			return nil
		},
	}
}
