//go:build linux

package exports

import (
	"path"
	"strings"

	"github.com/calvinalkan/app-sandbox/bwrap"
)

// HostMount is where host-os and host-etc content is mounted in the sandbox.
const HostMount = "/run/host"

// Files needed for dynamic linking against the host /usr when /etc itself is
// not exposed.
var hostEtcLinkerFiles = []string{"/etc/ld.so.cache", "/etc/alternatives"}

// AppendBwrapArgs emits the mount instructions for every registered path, in
// sorted path order, followed by the host-os and host-etc mounts.
func (e *Exports) AppendBwrapArgs(args *bwrap.Args) {
	keys := e.sortedPaths()

	for _, p := range keys {
		d := e.paths[p]

		switch d.kind {
		case kindSymlink:
			// A mapped parent already carries the real symlink.
			if e.parentIsMapped(p, keys) {
				continue
			}

			resolved, err := e.resolveLink(p)
			if err != nil {
				e.logf("not recreating symlink %s: %v", p, err)

				continue
			}

			args.Add("--symlink", makeRelative(path.Dir(p), resolved), p)
		case kindTmpfs:
			if !e.isDir(p) {
				continue
			}

			// An unmapped parent is already an empty directory in the sandbox.
			if e.parentIsMapped(p, keys) {
				args.Add("--tmpfs", p)
			} else {
				args.Add("--dir", p)
			}
		case kindDir:
			if e.isDir(p) {
				args.Add("--dir", p)
			}
		case kindReal:
			args.Add(bindFlag(d.mode), p, p)
		}
	}

	if e.hostOS != ModeNone {
		e.appendHostOSArgs(args)
	}

	if e.hostEtc != ModeNone && e.isDir("/etc") {
		args.Add(bindFlag(e.hostEtc), "/etc", path.Join(HostMount, "etc"))
	}

	if e.hostOS != ModeNone || e.hostEtc != ModeNone {
		for _, osRelease := range []string{"/etc/os-release", "/usr/lib/os-release"} {
			if e.exists(osRelease) {
				args.Add("--ro-bind", osRelease, path.Join(HostMount, "os-release"))

				break
			}
		}
	}
}

func (e *Exports) appendHostOSArgs(args *bwrap.Args) {
	flag := bindFlag(e.hostOS)

	if e.isDir("/usr") {
		args.Add(flag, "/usr", path.Join(HostMount, "usr"))
	}

	// ostree hosts keep /usr/local content here.
	if e.isDir("/var/usrlocal") {
		args.Add(flag, "/var/usrlocal", path.Join(HostMount, "var/usrlocal"))
	}

	for _, dir := range UsrMergedDirs {
		dest := HostMount + dir

		target, err := e.host.Readlink(dir)

		switch {
		case err == nil && strings.HasPrefix(target, "usr/"):
			args.Add("--symlink", target, dest)
		case err == nil && strings.HasPrefix(target, "/usr/"):
			args.Add("--symlink", target[1:], dest)
		case e.isDir(dir):
			args.Add(flag, dir, dest)
		}
	}

	if e.hostEtc == ModeNone {
		for _, f := range hostEtcLinkerFiles {
			if e.exists(f) {
				args.Add(flag, f, HostMount+f)
			}
		}
	}
}

func (e *Exports) isDir(p string) bool {
	entry, err := e.host.Stat(p)

	return err == nil && entry.Type == TypeDir
}

func (e *Exports) exists(p string) bool {
	_, err := e.host.Stat(p)

	return err == nil
}

func bindFlag(m Mode) string {
	if m == ModeReadOnly {
		return "--ro-bind"
	}

	return "--bind"
}

// makeRelative returns target (absolute) as a path relative to the directory
// base: one "../" per component of base, then target without its leading
// slash.
func makeRelative(base, target string) string {
	var b strings.Builder

	for _, part := range strings.Split(base, "/") {
		if part != "" {
			b.WriteString("../")
		}
	}

	b.WriteString(strings.TrimLeft(target, "/"))

	return b.String()
}
