//go:build linux

package main

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// argLines splits newline-separated args output.
func argLines(stdout string) []string {
	return strings.Split(strings.TrimSuffix(stdout, "\n"), "\n")
}

// containsSequence reports whether seq occurs contiguously in args.
func containsSequence(args []string, seq ...string) bool {
	for i := range args {
		if i+len(seq) <= len(args) && slices.Equal(args[i:i+len(seq)], seq) {
			return true
		}
	}

	return false
}

func Test_Args_Prints_Default_Isolation(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	args := argLines(c.MustRun("args"))

	for _, want := range [][]string{
		{"--unshare-ipc"},
		{"--unshare-net"},
		{"--dev", "/dev"},
		{"--ro-bind-data", "3", "/.app-sandbox-info"},
	} {
		if !containsSequence(args, want...) {
			t.Errorf("args should contain %q\nargs: %q", want, args)
		}
	}
}

func Test_Args_Applies_Command_Line_Permissions(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	args := argLines(c.MustRun("args", "--share=network", "--env=FOO=bar", "--unset-env=LD_PRELOAD"))

	if slices.Contains(args, "--unshare-net") {
		t.Errorf("network is shared, args should not unshare it: %q", args)
	}

	if !containsSequence(args, "--setenv", "FOO", "bar") {
		t.Errorf("expected --setenv FOO bar in %q", args)
	}

	if !containsSequence(args, "--unsetenv", "LD_PRELOAD") {
		t.Errorf("expected --unsetenv LD_PRELOAD in %q", args)
	}
}

func Test_Args_Exposes_Home_When_Granted(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	args := argLines(c.MustRun("args", "--filesystem=home:ro"))

	if !slices.Contains(args, c.Dir) {
		t.Errorf("expected home %s in %q", c.Dir, args)
	}
}

func Test_Args_Command_Line_Overrides_Config_Permissions(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".app-sandbox.json", `{"permissions": {"share": ["network"]}}`)

	args := argLines(c.MustRun("args"))
	if slices.Contains(args, "--unshare-net") {
		t.Errorf("config shares network: %q", args)
	}

	args = argLines(c.MustRun("args", "--unshare=network"))
	if !slices.Contains(args, "--unshare-net") {
		t.Errorf("command line unshares network: %q", args)
	}
}

func Test_Args_Loads_Metadata_Below_Config(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile("app/metadata", "[Context]\nshared=network;ipc;\n")
	c.WriteFile(".app-sandbox.jsonc", `{
		// the project denies ipc again
		"metadata": ["app/metadata"],
		"permissions": {"unshare": ["ipc"]},
	}`)

	args := argLines(c.MustRun("args"))

	if slices.Contains(args, "--unshare-net") {
		t.Errorf("metadata shares network: %q", args)
	}

	if !slices.Contains(args, "--unshare-ipc") {
		t.Errorf("config unshares ipc: %q", args)
	}
}

func Test_Args_Metadata_Flag_Replaces_Config_Metadata(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile("a.metadata", "[Context]\nshared=network;\n")
	c.WriteFile("b.metadata", "[Context]\nshared=ipc;\n")
	c.WriteFile(".app-sandbox.json", `{"metadata": ["a.metadata"]}`)

	args := argLines(c.MustRun("args", "--metadata=b.metadata"))

	if !slices.Contains(args, "--unshare-net") {
		t.Errorf("a.metadata should not be loaded: %q", args)
	}

	if slices.Contains(args, "--unshare-ipc") {
		t.Errorf("b.metadata shares ipc: %q", args)
	}
}

func Test_Args_Bundles_Arguments_Above_Threshold(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	args := argLines(c.MustRun("args", "--bundle-threshold=1"))

	if diff := cmp.Diff([]string{"--args", "4"}, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func Test_Args_Bundle_Threshold_From_Config(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".app-sandbox.json", `{"bundle-threshold": 1}`)

	args := argLines(c.MustRun("args"))
	if args[0] != "--args" {
		t.Errorf("expected bundled args, got %q", args)
	}

	args = argLines(c.MustRun("args", "--bundle-threshold=-1"))
	if args[0] == "--args" {
		t.Errorf("negative threshold disables bundling, got %q", args)
	}
}

func Test_Args_Null_Separates_With_NUL(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stdout, _, code := c.Run("args", "--null")

	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if strings.Contains(stdout, "\n") {
		t.Errorf("output should not contain newlines: %q", stdout)
	}

	if !strings.Contains(stdout, "--unshare-net\x00") {
		t.Errorf("expected NUL separated args: %q", stdout)
	}
}

func Test_Args_Debug_Writes_Planning_Details_To_Stderr(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	_, stderr, code := c.Run("args", "--debug")

	if code != 0 {
		t.Fatalf("exit code = %d, want 0\nstderr: %s", code, stderr)
	}

	AssertContains(t, stderr, "=== Permission Layers ===")
	AssertContains(t, stderr, "command line")
	AssertContains(t, stderr, "sandbox(planning): ")
	AssertContains(t, stderr, "=== Generated bwrap Arguments ===")
	AssertContains(t, stderr, "fd 3: ")
	AssertContains(t, stderr, "app-sandbox-info")
}

func Test_Args_Fails_When_App_ID_Invalid(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("args", "--app-id=not-a-bus-name")

	AssertContains(t, stderr, "app id")
}

func Test_Args_Fails_When_Permission_Invalid(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("args", "--socket=teleport")

	AssertContains(t, stderr, "teleport")
}

func Test_Args_Fails_When_Metadata_Missing(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("args", "--metadata=missing.metadata")

	AssertContains(t, stderr, "missing.metadata")
}

func Test_Args_Rejects_Positional_Arguments(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	stderr := c.MustFail("args", "echo")

	AssertContains(t, stderr, "unexpected arguments: echo")
}
