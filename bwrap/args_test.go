//go:build linux

package bwrap_test

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/app-sandbox/bwrap"
)

func Test_Args_Finish_Resolves_Fd_References_When_Files_Added(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	t.Cleanup(func() { _ = a.Close() })

	first := mustTempFile(t, "first")
	second := mustTempFile(t, "second")

	a.Add("--ro-bind-data", a.AddFd(first), "/one")
	a.Add("--ro-bind-data", a.AddFd(second), "/two")

	got := a.Finish()
	want := []string{"--ro-bind-data", "3", "/one", "--ro-bind-data", "4", "/two"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Finish() mismatch (-want +got):\n%s", diff)
	}

	if files := a.ExtraFiles(); len(files) != 2 || files[0] != first || files[1] != second {
		t.Fatalf("ExtraFiles() = %v, want [first second]", files)
	}
}

func Test_Args_Append_Renumbers_Fd_References_When_Both_Own_Files(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	t.Cleanup(func() { _ = a.Close() })

	a.Add("--file", a.AddFd(mustTempFile(t, "a")), "/a")

	b := bwrap.New()
	b.Add("--file", b.AddFd(mustTempFile(t, "b")), "/b")
	b.SetEnv("FOO", "bar")
	b.AddRuntimeDirMember("wayland-0")

	err := a.Append(b)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if b.Len() != 0 || len(b.ExtraFiles()) != 0 {
		t.Fatalf("appended accumulator not emptied: len=%d files=%d", b.Len(), len(b.ExtraFiles()))
	}

	want := []string{"--file", "3", "/a", "--file", "4", "/b"}
	if diff := cmp.Diff(want, a.Finish()); diff != "" {
		t.Fatalf("Finish() mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"FOO=bar"}, a.Environ(nil)); diff != "" {
		t.Fatalf("Environ() mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"wayland-0"}, a.RuntimeDirMembers()); diff != "" {
		t.Fatalf("RuntimeDirMembers() mismatch (-want +got):\n%s", diff)
	}
}

func Test_Args_Append_Returns_Error_When_Other_Bundled(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	b := bwrap.New()

	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	b.Add("--dir", "/x")

	err := b.BundleArgs(0, b.Len())
	if err != nil {
		t.Fatalf("BundleArgs: %v", err)
	}

	err = a.Append(b)
	if !errors.Is(err, bwrap.ErrAppendBundled) {
		t.Fatalf("Append() error = %v, want ErrAppendBundled", err)
	}
}

func Test_Args_BundleArgs_Writes_Nul_Terminated_Arguments_When_Range_Bundled(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	t.Cleanup(func() { _ = a.Close() })

	data := a.AddFd(mustTempFile(t, "data"))

	a.Add("--unshare-pid")
	a.Add("--ro-bind-data", data, "/info")
	a.Add("--dir", "/tmp")

	err := a.BundleArgs(1, a.Len())
	if err != nil {
		t.Fatalf("BundleArgs: %v", err)
	}

	got := a.Finish()
	want := []string{"--unshare-pid", "--args", "4"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Finish() mismatch (-want +got):\n%s", diff)
	}

	files := a.ExtraFiles()
	if len(files) != 2 {
		t.Fatalf("ExtraFiles() len = %d, want 2", len(files))
	}

	content, err := io.ReadAll(files[1])
	if err != nil {
		t.Fatalf("reading bundle: %v", err)
	}

	wantContent := "--ro-bind-data\x003\x00/info\x00--dir\x00/tmp\x00"
	if string(content) != wantContent {
		t.Fatalf("bundle content = %q, want %q", content, wantContent)
	}
}

func Test_Args_BundleArgs_Returns_Error_When_Range_Invalid(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	a.Add("--dir", "/x")

	err := a.BundleArgs(1, 5)
	if err == nil || !strings.Contains(err.Error(), "internal error") {
		t.Fatalf("BundleArgs() error = %v, want internal error", err)
	}
}

func Test_Args_Environ_Applies_Overlay_When_Set_And_Unset(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	a.SetEnv("LANG", "C")
	a.SetEnv("PATH", "/app/bin")
	a.UnsetEnv("LD_PRELOAD")
	a.SetEnv("LANG", "C.UTF-8")

	got := a.Environ([]string{"PATH=/usr/bin", "LD_PRELOAD=/x.so", "HOME=/home/u", "broken"})
	want := []string{"HOME=/home/u", "LANG=C.UTF-8", "PATH=/app/bin"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Environ() mismatch (-want +got):\n%s", diff)
	}

	a.AddEnvArgs()

	wantArgs := []string{
		"--setenv", "LANG", "C.UTF-8",
		"--unsetenv", "LD_PRELOAD",
		"--setenv", "PATH", "/app/bin",
	}
	if diff := cmp.Diff(wantArgs, a.Finish()); diff != "" {
		t.Fatalf("AddEnvArgs() mismatch (-want +got):\n%s", diff)
	}
}

func Test_Args_PopulateRuntimeDir_Emits_Relative_Symlinks_When_Members_Recorded(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	a.AddRuntimeDirMember("wayland-0")
	a.AddRuntimeDirMember("pulse")
	a.AddRuntimeDirMember("wayland-0")

	a.PopulateRuntimeDir(1000, "/run/user/1000/.app-sandbox/org.example.App")

	want := []string{
		"--bind", "/run/user/1000/.app-sandbox/org.example.App", "/run/app-sandbox",
		"--symlink", "../../app-sandbox/wayland-0", "/run/user/1000/wayland-0",
		"--symlink", "../../app-sandbox/pulse", "/run/user/1000/pulse",
	}
	if diff := cmp.Diff(want, a.Finish()); diff != "" {
		t.Fatalf("PopulateRuntimeDir() mismatch (-want +got):\n%s", diff)
	}
}

func Test_Args_AddArgsData_Mounts_Readable_File_When_Called(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	t.Cleanup(func() { _ = a.Close() })

	err := a.AddArgsData("info", []byte("[Application]\n"), "/.app-sandbox-info")
	if err != nil {
		t.Fatalf("AddArgsData: %v", err)
	}

	if diff := cmp.Diff([]string{"--ro-bind-data", "3", "/.app-sandbox-info"}, a.Finish()); diff != "" {
		t.Fatalf("AddArgsData() mismatch (-want +got):\n%s", diff)
	}

	content, err := io.ReadAll(a.ExtraFiles()[0])
	if err != nil {
		t.Fatalf("reading data: %v", err)
	}

	if string(content) != "[Application]\n" {
		t.Fatalf("data = %q", content)
	}
}

func Test_Args_Add_Panics_When_Finished(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	a.Add("--dir", "/x")
	_ = a.Finish()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}

		err, ok := r.(error)
		if !ok || !strings.Contains(err.Error(), "already finished") {
			t.Fatalf("panic = %v, want already finished error", r)
		}
	}()

	a.Add("--dir", "/y")
}

func Test_Args_Close_Is_Idempotent_When_Called_Twice(t *testing.T) {
	t.Parallel()

	a := bwrap.New()
	_ = a.AddFd(mustTempFile(t, "x"))
	a.AddNoinheritFd(mustTempFile(t, "y"))

	err := a.Close()
	if err != nil {
		t.Fatalf("first Close: %v", err)
	}

	err = a.Close()
	if err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func mustTempFile(t *testing.T, name string) *os.File {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), name)
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}

	return f
}
