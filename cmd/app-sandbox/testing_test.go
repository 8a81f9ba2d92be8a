//go:build linux

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// CLI provides a clean interface for running CLI commands in tests.
// It manages a temp directory and environment variables.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLITester creates a new test CLI with a temp directory.
// The environment is pre-seeded with HOME (pointing to Dir), XDG_CONFIG_HOME
// and XDG_RUNTIME_DIR below Dir, and PATH, so no host config or socket leaks
// into the tests.
func NewCLITester(t *testing.T) *CLI {
	t.Helper()

	dir := t.TempDir()

	return &CLI{
		t:   t,
		Dir: dir,
		Env: map[string]string{
			"HOME":            dir,
			"XDG_CONFIG_HOME": filepath.Join(dir, ".config"),
			"XDG_RUNTIME_DIR": filepath.Join(dir, "run"),
			"PATH":            os.Getenv("PATH"),
		},
	}
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "app-sandbox" or "--cwd" - those are added automatically.
func (c *CLI) Run(args ...string) (string, string, int) {
	return c.RunWithInput(nil, args...)
}

// RunWithInput executes the CLI with stdin and args.
// stdin can be nil, an io.Reader, or a []string (joined with newlines).
func (c *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var inReader io.Reader

	switch v := stdin.(type) {
	case nil:
		inReader = nil
	case io.Reader:
		inReader = v
	case []string:
		inReader = strings.NewReader(strings.Join(v, "\n"))
	default:
		panic(fmt.Sprintf("RunWithInput: stdin must be nil, io.Reader, or []string, got %T", stdin))
	}

	var outBuf, errBuf bytes.Buffer

	fullArgs := append([]string{"app-sandbox", "--cwd", c.Dir}, args...)
	code := Run(inReader, &outBuf, &errBuf, fullArgs, c.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Returns trimmed stderr.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code == 0 {
		c.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteFile writes content to a file in the test directory.
func (c *CLI) WriteFile(relPath, content string) {
	c.t.Helper()

	path := filepath.Join(c.Dir, relPath)
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		c.t.Fatalf("failed to create dir %s: %v", dir, err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		c.t.Fatalf("failed to write file %s: %v", relPath, err)
	}
}

// Path returns the absolute path of relPath in the test directory.
func (c *CLI) Path(relPath string) string {
	return filepath.Join(c.Dir, relPath)
}

// stripANSI removes ANSI escape codes from a string.
// Used to normalize output for comparison regardless of TTY state.
func stripANSI(s string) string {
	result := s
	for {
		start := strings.Index(result, "\033[")
		if start == -1 {
			break
		}

		end := strings.Index(result[start:], "m")
		if end == -1 {
			break
		}

		result = result[:start] + result[start+end+1:]
	}

	return result
}

// AssertContains fails the test if content doesn't contain substr.
// Strips ANSI codes from content before comparison to handle TTY/non-TTY differences.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	cleaned := stripANSI(content)
	if !strings.Contains(cleaned, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
// Strips ANSI codes from content before comparison to handle TTY/non-TTY differences.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	cleaned := stripANSI(content)
	if strings.Contains(cleaned, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}

func Test_NewCLITester_Seeds_Default_Env(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)

	if c.Env["HOME"] != c.Dir {
		t.Errorf("HOME = %q, want %q", c.Env["HOME"], c.Dir)
	}

	if c.Env["XDG_RUNTIME_DIR"] != filepath.Join(c.Dir, "run") {
		t.Errorf("XDG_RUNTIME_DIR = %q, want below %q", c.Env["XDG_RUNTIME_DIR"], c.Dir)
	}
}
