package permissions

import (
	"path"
	"slices"
	"strings"

	"github.com/calvinalkan/app-sandbox/exports"
)

// FilesystemMode is the access level of a filesystem grant.
type FilesystemMode = exports.Mode

// KeyKind tells the three kinds of [FilesystemKey] apart.
type KeyKind int

const (
	// KeyNamed is a symbolic location: home, host, host-os, host-etc,
	// xdg-NAME[/sub] or ~/sub.
	KeyNamed KeyKind = iota + 1
	// KeyReset is the host-reset marker.
	KeyReset
	// KeyPath is an absolute host path.
	KeyPath
)

// FilesystemKey identifies a filesystem grant.
type FilesystemKey struct {
	kind  KeyKind
	value string
}

// Well-known keys.
var (
	KeyHome      = FilesystemKey{kind: KeyNamed, value: "home"}
	KeyHost      = FilesystemKey{kind: KeyNamed, value: "host"}
	KeyHostOS    = FilesystemKey{kind: KeyNamed, value: "host-os"}
	KeyHostEtc   = FilesystemKey{kind: KeyNamed, value: "host-etc"}
	KeyHostReset = FilesystemKey{kind: KeyReset, value: "host-reset"}
)

// PathKey returns the key of an absolute path grant.
func PathKey(p string) FilesystemKey {
	return FilesystemKey{kind: KeyPath, value: p}
}

// Kind returns the key kind.
func (k FilesystemKey) Kind() KeyKind {
	return k.kind
}

// Value returns the location name (for named keys) or the unescaped path.
func (k FilesystemKey) Value() string {
	return k.value
}

// IsReset reports whether k is the host-reset marker.
func (k FilesystemKey) IsReset() bool {
	return k.kind == KeyReset
}

// String returns the key in its serialized form. ':' and '\' in paths are
// backslash-escaped.
func (k FilesystemKey) String() string {
	if k.kind != KeyPath {
		return k.value
	}

	var b strings.Builder

	for _, r := range k.value {
		if r == ':' || r == '\\' {
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}

// Spec returns k with mode in the grammar accepted by [ParseFilesystem].
func (k FilesystemKey) Spec(mode FilesystemMode) string {
	switch {
	case k.kind == KeyReset:
		return "!host:reset"
	case mode == exports.ModeNone:
		return "!" + k.String()
	case mode == exports.ModeReadOnly:
		return k.String() + ":ro"
	case mode == exports.ModeCreate:
		return k.String() + ":create"
	default:
		return k.String()
	}
}

// XDGDirs are the xdg-NAME locations understood in filesystem grants.
var XDGDirs = []string{
	"desktop", "documents", "download", "music", "pictures", "public-share",
	"templates", "videos", "data", "cache", "config", "state", "run",
}

// ParseFilesystem parses PATH[:MODE]. MODE is ro, rw (default) or create;
// negated (or a leading '!') forces the mode to none. The host-reset marker
// is only reachable as a negated "host:reset".
func ParseFilesystem(spec string, negated bool) (FilesystemKey, FilesystemMode, error) {
	err := checkPrintable(spec)
	if err != nil {
		return FilesystemKey{}, exports.ModeNone, err
	}

	if rest, ok := strings.CutPrefix(spec, "!"); ok {
		spec = rest
		negated = true
	}

	location, suffix, hasSuffix, err := splitFilesystemSpec(spec)
	if err != nil {
		return FilesystemKey{}, exports.ModeNone, err
	}

	mode := exports.ModeReadWrite
	reset := false

	if hasSuffix {
		switch suffix {
		case "reset":
			reset = true
		default:
			mode, err = exports.ParseMode(suffix)
			if err != nil {
				return FilesystemKey{}, exports.ModeNone, parseErrorf(ErrInvalidFilesystem, spec, "unknown mode %q, valid modes are: ro, rw, create", suffix)
			}
		}
	}

	if negated {
		mode = exports.ModeNone
	}

	if reset {
		if !negated {
			return FilesystemKey{}, exports.ModeNone, parseErrorf(ErrInvalidFilesystem, spec, `mode "reset" only applies to negated grants`)
		}

		if location != "host" {
			return FilesystemKey{}, exports.ModeNone, parseErrorf(ErrInvalidFilesystem, spec, `mode "reset" can only be applied to "host"`)
		}

		return KeyHostReset, exports.ModeNone, nil
	}

	key, err := parseLocation(spec, location)
	if err != nil {
		return FilesystemKey{}, exports.ModeNone, err
	}

	return key, mode, nil
}

// splitFilesystemSpec splits at the first unescaped ':' and removes escapes
// from the location.
func splitFilesystemSpec(spec string) (location, suffix string, hasSuffix bool, err error) {
	var b strings.Builder

	for i := 0; i < len(spec); i++ {
		c := spec[i]

		switch {
		case c == '\\':
			if i+1 >= len(spec) {
				return "", "", false, parseErrorf(ErrInvalidFilesystem, spec, "trailing backslash")
			}

			i++
			b.WriteByte(spec[i])
		case c == ':':
			return b.String(), spec[i+1:], true, nil
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), "", false, nil
}

func parseLocation(spec, location string) (FilesystemKey, error) {
	if strings.TrimSpace(location) == "" {
		return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, "empty location")
	}

	switch location {
	case "home", "~":
		return KeyHome, nil
	case "host":
		return KeyHost, nil
	case "host-os":
		return KeyHostOS, nil
	case "host-etc":
		return KeyHostEtc, nil
	case "host-reset":
		return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, `"host-reset" cannot be named directly, use "!host:reset"`)
	}

	if strings.Contains(location, "/") && slices.Contains(strings.Split(location, "/"), "..") {
		return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, `location must not contain ".."`)
	}

	if xdg, ok := strings.CutPrefix(location, "xdg-"); ok {
		name, sub, _ := strings.Cut(xdg, "/")
		if !slices.Contains(XDGDirs, name) {
			return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, "unknown xdg directory %q", name)
		}

		sub = cleanRelative(sub)
		if name == "run" && sub == "" {
			return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, "xdg-run requires a subdirectory")
		}

		if sub == "" {
			return FilesystemKey{kind: KeyNamed, value: "xdg-" + name}, nil
		}

		return FilesystemKey{kind: KeyNamed, value: "xdg-" + name + "/" + sub}, nil
	}

	if sub, ok := strings.CutPrefix(location, "~/"); ok {
		sub = cleanRelative(sub)
		if sub == "" {
			return KeyHome, nil
		}

		return FilesystemKey{kind: KeyNamed, value: "~/" + sub}, nil
	}

	if strings.HasPrefix(location, "/") {
		cleaned := path.Clean(location)
		if cleaned == "/" {
			return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, `"/" is not available, use "host" instead`)
		}

		return PathKey(cleaned), nil
	}

	return FilesystemKey{}, parseErrorf(ErrInvalidFilesystem, spec, "valid locations are: host, host-os, host-etc, home, xdg-*[/...], ~/dir, /dir")
}

// cleanRelative collapses repeated slashes and "." components of a relative
// path and strips trailing slashes. It returns "" for an empty path.
func cleanRelative(p string) string {
	cleaned := path.Clean("/" + p)

	return strings.TrimPrefix(cleaned, "/")
}
