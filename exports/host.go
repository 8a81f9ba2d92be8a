//go:build linux

package exports

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// FileType is the type of a host filesystem entry.
type FileType int

const (
	// TypeOther covers devices, fifos and anything else that is never exported.
	TypeOther FileType = iota
	TypeRegular
	TypeDir
	TypeSymlink
	TypeSocket
)

func (t FileType) exportable() bool {
	return t == TypeRegular || t == TypeDir || t == TypeSymlink || t == TypeSocket
}

// Entry describes a host path without following its final component.
type Entry struct {
	Type FileType
	// Autofs is set when the path lives on an autofs mount whose target
	// may not have been mounted yet.
	Autofs bool
}

// Host is the view of the host filesystem used by the resolver. Paths are
// absolute and interpreted relative to the host root.
type Host interface {
	// Lstat describes path without following a final symlink and without
	// triggering an automount.
	Lstat(path string) (Entry, error)
	// Stat describes path, following symlinks.
	Stat(path string) (Entry, error)
	// Readlink returns the target of the symlink at path.
	Readlink(path string) (string, error)
	// ReadDir returns the sorted names in the directory at path.
	ReadDir(path string) ([]string, error)
	// Probe opens path for reading, which triggers automounts.
	Probe(path string) error
}

// DirHost is a [Host] rooted at a directory file descriptor.
//
// Lookups are confined to the root with openat2(RESOLVE_IN_ROOT) where the
// kernel supports it, so absolute symlinks below a test root resolve inside
// that root instead of on the real host.
type DirHost struct {
	root   *os.File
	dirfd  int
	inRoot bool
}

// OpenHost opens root as the host filesystem root. The returned DirHost must
// be closed.
func OpenHost(root string) (*DirHost, error) {
	fd, err := unix.Open(root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: root, Err: err}
	}

	return &DirHost{root: os.NewFile(uintptr(fd), root), dirfd: fd, inRoot: true}, nil
}

// SystemHost returns the real host filesystem.
func SystemHost() *DirHost {
	return &DirHost{dirfd: unix.AT_FDCWD}
}

// Close releases the root descriptor.
func (h *DirHost) Close() error {
	if h.root == nil {
		return nil
	}

	err := h.root.Close()
	h.root = nil

	return err
}

func (h *DirHost) rel(path string) string {
	if !h.inRoot {
		return path
	}

	rel := strings.TrimLeft(path, "/")
	if rel == "" {
		return "."
	}

	return rel
}

func (h *DirHost) open(path string, flags int) (int, error) {
	if h.inRoot {
		fd, err := unix.Openat2(h.dirfd, h.rel(path), &unix.OpenHow{
			Flags:   uint64(flags) | unix.O_CLOEXEC,
			Resolve: unix.RESOLVE_IN_ROOT | unix.RESOLVE_NO_MAGICLINKS,
		})
		// Older seccomp profiles answer unknown syscalls with EPERM.
		if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EPERM) {
			if err != nil {
				return -1, &os.PathError{Op: "openat2", Path: path, Err: err}
			}

			return fd, nil
		}
	}

	fd, err := unix.Openat(h.dirfd, h.rel(path), flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &os.PathError{Op: "openat", Path: path, Err: err}
	}

	return fd, nil
}

func (h *DirHost) describe(path string, flags int) (Entry, error) {
	fd, err := h.open(path, unix.O_PATH|flags)
	if err != nil {
		return Entry{}, err
	}

	defer func() { _ = unix.Close(fd) }()

	var st unix.Stat_t

	err = unix.Fstat(fd, &st)
	if err != nil {
		return Entry{}, &os.PathError{Op: "fstat", Path: path, Err: err}
	}

	// fstatfs on an O_PATH fd does not trigger the automount.
	var sfs unix.Statfs_t

	err = unix.Fstatfs(fd, &sfs)
	if err != nil {
		return Entry{}, &os.PathError{Op: "fstatfs", Path: path, Err: err}
	}

	return Entry{
		Type:   fileType(st.Mode),
		Autofs: uint32(sfs.Type) == unix.AUTOFS_SUPER_MAGIC,
	}, nil
}

// Lstat implements [Host].
func (h *DirHost) Lstat(path string) (Entry, error) {
	return h.describe(path, unix.O_NOFOLLOW)
}

// Stat implements [Host].
func (h *DirHost) Stat(path string) (Entry, error) {
	return h.describe(path, 0)
}

// Readlink implements [Host].
func (h *DirHost) Readlink(path string) (string, error) {
	fd, err := h.open(path, unix.O_PATH|unix.O_NOFOLLOW)
	if err != nil {
		return "", err
	}

	defer func() { _ = unix.Close(fd) }()

	for size := 256; ; size *= 2 {
		buf := make([]byte, size)

		n, err := unix.Readlinkat(fd, "", buf)
		if err != nil {
			return "", &os.PathError{Op: "readlinkat", Path: path, Err: err}
		}

		if n < size {
			return string(buf[:n]), nil
		}
	}
}

// ReadDir implements [Host].
func (h *DirHost) ReadDir(path string) ([]string, error) {
	fd, err := h.open(path, unix.O_RDONLY|unix.O_DIRECTORY)
	if err != nil {
		return nil, err
	}

	dir := os.NewFile(uintptr(fd), path)
	defer func() { _ = dir.Close() }()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	slices.Sort(names)

	return names, nil
}

// Probe implements [Host].
func (h *DirHost) Probe(path string) error {
	fd, err := h.open(path, unix.O_RDONLY|unix.O_DIRECTORY)
	if err != nil {
		return err
	}

	return unix.Close(fd)
}

func fileType(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeRegular
	case unix.S_IFDIR:
		return TypeDir
	case unix.S_IFLNK:
		return TypeSymlink
	case unix.S_IFSOCK:
		return TypeSocket
	default:
		return TypeOther
	}
}
