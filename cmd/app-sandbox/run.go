//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

// interruptGrace is how long a cancelled command may take to release its
// files before Run gives up on it.
const interruptGrace = 2 * time.Second

// globalOptions are the flags accepted before the command name.
type globalOptions struct {
	flags *flag.FlagSet

	help    bool
	version bool
	cwd     string
	config  string
}

func newGlobalOptions() *globalOptions {
	o := &globalOptions{flags: flag.NewFlagSet("app-sandbox", flag.ContinueOnError)}

	o.flags.SetInterspersed(false)
	o.flags.Usage = func() {}
	o.flags.SetOutput(&strings.Builder{})

	o.flags.BoolVarP(&o.help, "help", "h", false, "Show help")
	o.flags.BoolVarP(&o.version, "version", "v", false, "Print the version and exit")
	o.flags.StringVarP(&o.cwd, "cwd", "C", "", "Resolve the project config and relative paths from `dir`")
	o.flags.StringVar(&o.config, "config", "", "Read `file` instead of the project .app-sandbox.json[c]")

	return o
}

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	opts := newGlobalOptions()

	err := opts.flags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		opts.printShortUsage(stderr)

		return 1
	}

	if opts.version {
		fprintln(stdout, versionString())

		return 0
	}

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: opts.cwd,
		ConfigPath:      opts.config,
		Env:             env,
	})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	commands := []*Command{
		ArgsCmd(&cfg, env),
		ShowCmd(&cfg),
		CheckUpdateCmd(&cfg),
	}

	rest := opts.flags.Args()
	if opts.help || len(rest) == 0 {
		opts.printHelp(stdout, commands)

		return 0
	}

	cmd := findCommand(commands, rest[0])
	if cmd == nil {
		fprintError(stderr, fmt.Errorf("unknown command %q", rest[0]))
		fprintln(stderr)
		opts.printShortUsage(stderr)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return runInterruptible(cancel, sigCh, stderr, func() int {
		return cmd.Run(ctx, stdin, stdout, stderr, rest[1:])
	})
}

func findCommand(commands []*Command, name string) *Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}

		for _, alias := range cmd.Aliases {
			if alias == name {
				return cmd
			}
		}
	}

	return nil
}

// runInterruptible runs fn and returns its exit code. The first signal
// cancels the command and waits up to [interruptGrace] for it; a second
// signal returns immediately.
func runInterruptible(cancel context.CancelFunc, sigCh <-chan os.Signal, stderr io.Writer, fn func() int) int {
	done := make(chan int, 1)

	go func() {
		done <- fn()
	}()

	if sigCh == nil {
		return <-done
	}

	select {
	case code := <-done:
		return code
	case <-sigCh:
		fprintln(stderr, "interrupted, cancelling")
		cancel()
	}

	select {
	case <-done:
	case <-time.After(interruptGrace):
		fprintln(stderr, "command did not stop in time")
	case <-sigCh:
	}

	return 130
}

func versionString() string {
	if commit == "none" && date == "unknown" {
		return fmt.Sprintf("app-sandbox %s (built from source)", version)
	}

	return fmt.Sprintf("app-sandbox %s (%s, %s)", version, commit, date)
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

// ANSI color codes for terminal output.
const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// fprintError prints an error message, red when attached to a terminal.
func fprintError(output io.Writer, err error) {
	prefix := "error:"
	if isTerminal() {
		prefix = colorRed + prefix + colorReset
	}

	fprintln(output, prefix, err)
}

func (o *globalOptions) printShortUsage(output io.Writer) {
	fprintln(output, "Usage: app-sandbox [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprintf(output, "%s", o.flags.FlagUsages())
	fprintln(output)
	fprintln(output, "Run 'app-sandbox --help' for a list of commands.")
}

const layersHelp = `Permission layers, later ones override earlier ones:
  1. metadata key files (--metadata, or "metadata" in the config)
  2. $XDG_CONFIG_HOME/app-sandbox/config.json[c]
  3. .app-sandbox.json[c] in the working directory, or --config
  4. permission flags on the command line`

func (o *globalOptions) printHelp(output io.Writer, commands []*Command) {
	fprintln(output, "app-sandbox - compile application permissions into bubblewrap arguments")
	fprintln(output)
	fprintln(output, "Usage: app-sandbox [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Flags:")
	fprintf(output, "%s", o.flags.FlagUsages())
	fprintln(output)
	fprintln(output, "Commands:")

	for _, cmd := range commands {
		fprintln(output, cmd.HelpLine())
	}

	fprintln(output)
	fprintln(output, layersHelp)
	fprintln(output)
	fprintln(output, "Run 'app-sandbox <command> --help' for more information on a command.")
}

// isTerminal reports whether stdin is a terminal. Tests may replace it.
var isTerminal = func() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}

	return stat.Mode()&os.ModeCharDevice != 0
}
