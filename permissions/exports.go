//go:build linux

package permissions

import (
	"path"
	"slices"
	"strings"

	"github.com/calvinalkan/app-sandbox/exports"
)

// Top-level host directories that "host" does not expose, because the
// sandbox provides its own version of them.
var dontMountInRoot = []string{
	".", "..", "lib", "lib32", "lib64", "libx32", "bin", "sbin", "usr", "boot", "root",
	"tmp", "etc", "app", "run", "proc", "sys", "dev", "var",
}

// ExportsConfig carries the host facts needed to turn filesystem grants
// into host paths.
type ExportsConfig struct {
	Exports exports.Config

	// HomeDir is the user's home directory on the host.
	HomeDir string

	// XDGDirs maps xdg location names ("documents", "config", "run", ...)
	// to host directories. Locations without an entry are skipped.
	XDGDirs map[string]string

	// Mkdir creates the host directory of a :create grant. When nil,
	// :create grants of missing paths are skipped.
	Mkdir func(path string) error

	// AppDataDir is the per-app data directory. Its parent is hidden and
	// the directory itself exposed read-write.
	AppDataDir string
}

// Exports resolves the filesystem grants of c against the host. It reports
// whether home was granted explicitly.
func (c *Context) Exports(cfg ExportsConfig) (*exports.Exports, bool) {
	e := exports.New(cfg.Exports)

	debugf := func(format string, args ...any) {
		if cfg.Exports.Debugf != nil {
			cfg.Exports.Debugf("permissions: "+format, args...)
		}
	}

	hostMode := c.filesystems[KeyHost]

	if hostMode != exports.ModeNone {
		names, err := e.Host().ReadDir("/")
		if err != nil {
			debugf("listing host root: %v", err)
		}

		for _, name := range names {
			if !slices.Contains(dontMountInRoot, name) {
				e.AddPathExpose(hostMode, "/"+name)
			}
		}

		e.AddPathExpose(hostMode, "/run/media")
	}

	e.AddHostOSExpose(max(c.filesystems[KeyHostOS], hostMode))
	e.AddHostEtcExpose(max(c.filesystems[KeyHostEtc], hostMode))

	// Only an explicit home grant counts as home access; host still exposes it.
	homeAccess := c.filesystems[KeyHome] != exports.ModeNone

	homeMode := max(c.filesystems[KeyHome], hostMode)
	if homeMode != exports.ModeNone && cfg.HomeDir != "" {
		debugf("allowing home access")
		e.AddPathExpose(homeMode, cfg.HomeDir)
	}

	keys := make([]FilesystemKey, 0, len(c.filesystems))
	for key := range c.filesystems {
		keys = append(keys, key)
	}

	slices.SortFunc(keys, func(a, b FilesystemKey) int { return strings.Compare(a.String(), b.String()) })

	for _, key := range keys {
		switch key {
		case KeyHost, KeyHostOS, KeyHostEtc, KeyHome, KeyHostReset:
			continue
		}

		hostPath, ok := c.resolveKey(key, cfg, debugf)
		if !ok {
			continue
		}

		mode := c.filesystems[key]

		if mode == exports.ModeCreate {
			if _, err := e.Host().Stat(hostPath); err != nil {
				if cfg.Mkdir == nil {
					debugf("not creating %s", hostPath)

					continue
				}

				err = cfg.Mkdir(hostPath)
				if err != nil {
					debugf("creating %s: %v", hostPath, err)

					continue
				}
			}
		}

		e.AddPathExposeOrHide(mode, hostPath)
	}

	if cfg.AppDataDir != "" {
		e.AddPathTmpfs(path.Dir(cfg.AppDataDir))
		e.AddPathExpose(exports.ModeReadWrite, cfg.AppDataDir)
	}

	return e, homeAccess
}

// resolveKey maps a named or path key to a host path.
func (c *Context) resolveKey(key FilesystemKey, cfg ExportsConfig, debugf func(string, ...any)) (string, bool) {
	value := key.Value()

	switch {
	case key.Kind() == KeyPath:
		return value, true
	case strings.HasPrefix(value, "~/"):
		if cfg.HomeDir == "" {
			return "", false
		}

		return path.Join(cfg.HomeDir, value[2:]), true
	case strings.HasPrefix(value, "xdg-"):
		name, sub, _ := strings.Cut(strings.TrimPrefix(value, "xdg-"), "/")

		dir := cfg.XDGDirs[name]
		if dir == "" {
			debugf("xdg location %s is not configured, skipping %s", name, key)

			return "", false
		}

		// A user dir pointing at home means the user disabled it.
		if path.Clean(dir) == path.Clean(cfg.HomeDir) {
			debugf("xdg location %s is the home directory, skipping", name)

			return "", false
		}

		return path.Join(dir, sub), true
	}

	debugf("unknown filesystem location %s", key)

	return "", false
}
