//go:build linux

// Command app-sandbox compiles application permissions into bubblewrap
// arguments.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	env := make(map[string]string)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && key != "" {
			env[key] = value
		}
	}

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}
