package exports

import (
	"errors"
	"fmt"
)

// Mode is a filesystem access level. Modes are ordered by privilege, so the
// more privileged of two modes is simply the larger one.
type Mode int

const (
	// ModeNone grants no access (or hides the path).
	ModeNone Mode = iota
	// ModeReadOnly grants read-only access.
	ModeReadOnly
	// ModeReadWrite grants read-write access.
	ModeReadWrite
	// ModeCreate grants read-write access and creates the path if missing.
	ModeCreate
)

// ErrInvalidMode is returned by [ParseMode] for unknown mode names.
var ErrInvalidMode = errors.New("invalid filesystem mode")

var modeNames = [...]string{
	ModeNone:      "none",
	ModeReadOnly:  "ro",
	ModeReadWrite: "rw",
	ModeCreate:    "create",
}

func (m Mode) String() string {
	if m < ModeNone || m > ModeCreate {
		return fmt.Sprintf("Mode(%d)", int(m))
	}

	return modeNames[m]
}

// ParseMode parses "ro", "rw" or "create".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "ro", "read-only":
		return ModeReadOnly, nil
	case "rw", "read-write":
		return ModeReadWrite, nil
	case "create":
		return ModeCreate, nil
	default:
		return ModeNone, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// disposition is what the resolver does with a registered path: mount it with
// a real mode, or one of the layout-only instructions.
type disposition struct {
	kind dispositionKind
	mode Mode
}

type dispositionKind int

const (
	kindDir dispositionKind = iota
	kindTmpfs
	kindReal
	kindSymlink
)

var (
	dispDir     = disposition{kind: kindDir}
	dispTmpfs   = disposition{kind: kindTmpfs}
	dispSymlink = disposition{kind: kindSymlink}
)

func dispReal(m Mode) disposition {
	return disposition{kind: kindReal, mode: m}
}

// rank orders dispositions by privilege: dir < tmpfs < ro < rw < create < symlink.
func (d disposition) rank() int {
	switch d.kind {
	case kindDir:
		return -1
	case kindTmpfs:
		return 0
	case kindReal:
		return int(d.mode)
	case kindSymlink:
		return int(ModeCreate) + 1
	}

	return -1
}

func maxDisposition(a, b disposition) disposition {
	if b.rank() > a.rank() {
		return b
	}

	return a
}

func (d disposition) String() string {
	switch d.kind {
	case kindDir:
		return "dir"
	case kindTmpfs:
		return "tmpfs"
	case kindSymlink:
		return "symlink"
	case kindReal:
		return d.mode.String()
	}

	return "unknown"
}
