//go:build linux

package permissions_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/app-sandbox/bwrap"
	"github.com/calvinalkan/app-sandbox/exports"
	"github.com/calvinalkan/app-sandbox/permissions"
)

func Test_Context_Exports_Exposes_Root_Entries_When_Host_Granted(t *testing.T) {
	t.Parallel()

	_, host := newHostRoot(t, "/home", "/opt", "/srv", "/usr", "/etc", "/tmp", "/proc")

	c := mustContext(t, "--filesystem=host:ro")

	e, homeAccess := c.Exports(permissions.ExportsConfig{Exports: exports.Config{Host: host, Debugf: t.Logf}})

	want := []exports.Export{
		{Path: "/home", Disposition: "ro"},
		{Path: "/opt", Disposition: "ro"},
		{Path: "/srv", Disposition: "ro"},
	}
	if diff := cmp.Diff(want, e.Paths()); diff != "" {
		t.Fatalf("Paths() mismatch (-want +got):\n%s", diff)
	}

	if e.HostOS() != exports.ModeReadOnly || e.HostEtc() != exports.ModeReadOnly {
		t.Fatalf("host-os/host-etc = %s/%s, want ro/ro", e.HostOS(), e.HostEtc())
	}

	if homeAccess {
		t.Fatal("host grant alone reported home access")
	}
}

func Test_Context_Exports_Resolves_Home_Relative_Grants_When_Home_Set(t *testing.T) {
	t.Parallel()

	root, host := newHostRoot(t,
		"/home/user/Documents",
		"/home/user/secret",
		"/home/user/.var/app/org.example.App",
	)

	c := mustContext(t,
		"--filesystem=home",
		"--filesystem=xdg-documents:ro",
		"--filesystem=xdg-download",
		"--filesystem=~/new:create",
		"--nofilesystem=~/secret",
	)

	e, homeAccess := c.Exports(permissions.ExportsConfig{
		Exports: exports.Config{Host: host, Debugf: t.Logf},
		HomeDir: "/home/user",
		XDGDirs: map[string]string{
			"documents": "/home/user/Documents",
			"download":  "/home/user",
		},
		Mkdir: func(p string) error {
			return os.MkdirAll(filepath.Join(root, p), 0o755)
		},
		AppDataDir: "/home/user/.var/app/org.example.App",
	})

	want := []exports.Export{
		{Path: "/home/user", Disposition: "rw"},
		{Path: "/home/user/.var/app", Disposition: "tmpfs"},
		{Path: "/home/user/.var/app/org.example.App", Disposition: "rw"},
		{Path: "/home/user/Documents", Disposition: "ro"},
		{Path: "/home/user/new", Disposition: "create"},
		{Path: "/home/user/secret", Disposition: "tmpfs"},
	}
	if diff := cmp.Diff(want, e.Paths()); diff != "" {
		t.Fatalf("Paths() mismatch (-want +got):\n%s", diff)
	}

	if !homeAccess {
		t.Fatal("home grant did not report home access")
	}

	if _, err := os.Stat(filepath.Join(root, "home/user/new")); err != nil {
		t.Fatalf(":create grant did not create directory: %v", err)
	}

	args := bwrap.New()
	e.AppendBwrapArgs(args)
	got := args.Finish()

	for _, sub := range [][]string{
		{"--bind", "/home/user", "/home/user"},
		{"--tmpfs", "/home/user/secret"},
		{"--ro-bind", "/home/user/Documents", "/home/user/Documents"},
	} {
		if !containsSubsequence(got, sub) {
			t.Fatalf("args do not contain %q\nargs: %q", sub, got)
		}
	}
}

func Test_Context_Exports_Skips_Disabled_User_Dir_When_Sub_Path_Given(t *testing.T) {
	t.Parallel()

	_, host := newHostRoot(t, "/home/user/foo")

	c := mustContext(t, "--filesystem=xdg-documents/foo", "--filesystem=xdg-documents")

	e, _ := c.Exports(permissions.ExportsConfig{
		Exports: exports.Config{Host: host, Debugf: t.Logf},
		HomeDir: "/home/user",
		XDGDirs: map[string]string{"documents": "/home/user/"},
	})

	if len(e.Paths()) != 0 {
		t.Fatalf("Paths() = %v, want none", e.Paths())
	}
}

func Test_Context_Exports_Skips_Create_When_No_Mkdir(t *testing.T) {
	t.Parallel()

	_, host := newHostRoot(t, "/srv")

	c := mustContext(t, "--filesystem=/srv/missing:create")

	e, homeAccess := c.Exports(permissions.ExportsConfig{Exports: exports.Config{Host: host}})

	if len(e.Paths()) != 0 {
		t.Fatalf("Paths() = %v, want none", e.Paths())
	}

	if homeAccess {
		t.Fatal("reported home access without a home grant")
	}
}

func Test_Context_AppendBwrapArgs_Emits_Namespaces_Devices_And_Env_When_Granted(t *testing.T) {
	t.Parallel()

	root, host := newHostRoot(t, "/dev/dri", "/dev/shm", "/dev/input")

	err := os.WriteFile(filepath.Join(root, "dev/nvidia0"), nil, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	c := mustContext(t,
		"--share=network",
		"--device=dri",
		"--device=kvm",
		"--device=if:input:has-input-device",
		"--env=FOO=bar",
		"--unset-env=BAR",
	)

	args := bwrap.New()
	c.AppendBwrapArgs(args, permissions.LaunchConfig{
		Host:      host,
		Evaluator: func(cond string) bool { return cond == "has-input-device" },
	})
	args.AddEnvArgs()

	want := []string{
		"--unshare-ipc",
		"--dev", "/dev",
		"--dev-bind", "/dev/dri", "/dev/dri",
		"--dev-bind", "/dev/nvidia0", "/dev/nvidia0",
		"--dev-bind", "/dev/input", "/dev/input",
		"--unsetenv", "BAR",
		"--setenv", "FOO", "bar",
	}
	if diff := cmp.Diff(want, args.Finish()); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func Test_Context_AppendBwrapArgs_Hides_Host_Shm_When_All_Devices_Without_Shm(t *testing.T) {
	t.Parallel()

	_, host := newHostRoot(t, "/dev/shm")

	tests := []struct {
		name string
		opts []string
		want []string
	}{
		{
			name: "all devices",
			opts: []string{"--device=all"},
			want: []string{"--unshare-ipc", "--unshare-net", "--dev-bind", "/dev", "/dev", "--tmpfs", "/dev/shm"},
		},
		{
			name: "all devices with shm",
			opts: []string{"--device=all", "--device=shm"},
			want: []string{"--unshare-ipc", "--unshare-net", "--dev-bind", "/dev", "/dev"},
		},
		{
			name: "per-app shm",
			opts: []string{"--allow=per-app-dev-shm"},
			want: []string{"--unshare-ipc", "--unshare-net", "--dev", "/dev", "--bind", "/run/app/shm", "/dev/shm"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			args := bwrap.New()
			mustContext(t, tt.opts...).AppendBwrapArgs(args, permissions.LaunchConfig{
				Host:         host,
				AppDevShmDir: "/run/app/shm",
			})

			if diff := cmp.Diff(tt.want, args.Finish()); diff != "" {
				t.Fatalf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// newHostRoot creates dirs below a temporary directory and opens it as the
// host root.
func newHostRoot(t *testing.T, dirs ...string) (string, *exports.DirHost) {
	t.Helper()

	root := t.TempDir()

	for _, d := range dirs {
		err := os.MkdirAll(filepath.Join(root, d), 0o755)
		if err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	host, err := exports.OpenHost(root)
	if err != nil {
		t.Fatalf("OpenHost: %v", err)
	}

	t.Cleanup(func() { _ = host.Close() })

	return root, host
}

func containsSubsequence(args, want []string) bool {
	for i := 0; i+len(want) <= len(args); i++ {
		if slices.Equal(args[i:i+len(want)], want) {
			return true
		}
	}

	return false
}
