//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
)

// Launcher is the executable [Sandbox.Command] looks up in PATH.
const Launcher = "bwrap"

// Command constructs an unstarted [exec.Cmd] that would run argv inside the
// sandbox. The returned cleanup function must be called to release the
// inherited files of the plan. Cleanup is safe to call multiple times.
//
// The returned *[exec.Cmd] is NOT started. Callers may set Stdin/Stdout/Stderr and
// then call Run/Start/Wait.
func (s *Sandbox) Command(ctx context.Context, argv []string) (*exec.Cmd, func() error, error) {
	noop := func() error { return nil }

	if s == nil || s.v == nil {
		return nil, noop, errors.New("sandbox: uninitialized sandbox (use New or NewWithEnvironment)")
	}

	if len(argv) == 0 {
		return nil, noop, errors.New("sandbox: no command provided")
	}

	launcherPath, err := exec.LookPath(Launcher)
	if err != nil {
		return nil, noop, fmt.Errorf("sandbox: %s not found in PATH: %w", Launcher, err)
	}

	plan, err := s.Plan(ctx)
	if err != nil {
		return nil, noop, err
	}

	args := make([]string, 0, len(plan.Argv)+1+len(argv))
	args = append(args, plan.Argv...)
	args = append(args, "--")
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, launcherPath, args...)
	cmd.Env = plan.Env

	if len(plan.ExtraFiles) > 0 {
		cmd.ExtraFiles = plan.ExtraFiles
	}

	s.v.debugf("command: argv0=%q launcher=%q args=%d extraFiles=%d", argv[0], launcherPath, len(plan.Argv), len(plan.ExtraFiles))

	return cmd, closeOnce(plan.Close), nil
}

// envMapToSliceSorted converts a map env to a sorted KEY=VALUE slice.
//
// Sorting improves determinism in tests and makes debug output stable.
func envMapToSliceSorted(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

func closeOnce(closeFn func() error) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			outErr = closeFn()
		})

		return outErr
	}
}
