//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit makes a command exit with status 1 without printing an error.
// The command is expected to have written its own output.
var ErrSilentExit = errors.New("silent exit")

// Command is one subcommand of the CLI.
type Command struct {
	// Flags holds the command flags. "help" must be registered.
	Flags *flag.FlagSet

	// Usage is the synopsis, starting with the command name.
	Usage string

	// Short is the one-line description shown in the command list.
	Short string

	// Long is shown by "<command> --help".
	Long string

	Aliases []string

	// Exec runs the command with the positional arguments left after flag
	// parsing.
	Exec func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name returns the command name, the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine returns the line shown for c in the global help.
func (c *Command) HelpLine() string {
	name := c.Name()
	if len(c.Aliases) > 0 {
		name += " (" + strings.Join(c.Aliases, ", ") + ")"
	}

	return fmt.Sprintf("  %-22s %s", name, c.Short)
}

// PrintHelp writes the usage, description and flags of c.
func (c *Command) PrintHelp(output io.Writer) {
	fprintln(output, "Usage: app-sandbox "+c.Usage)
	fprintln(output)

	if c.Long != "" {
		fprintln(output, c.Long)
	} else {
		fprintln(output, c.Short)
	}

	fprintln(output)
	fprintln(output, "Flags:")
	fprintf(output, "%s", c.Flags.FlagUsages())
}

// Run parses args and executes c. Returns the exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(io.Discard)

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.PrintHelp(stderr)

		return 1
	}

	help, _ := c.Flags.GetBool("help")
	if help {
		c.PrintHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err != nil {
		if !errors.Is(err, ErrSilentExit) {
			fprintError(stderr, err)
		}

		return 1
	}

	return 0
}
