//go:build linux

// Package exports decides which host paths are visible inside the sandbox, and
// how, and turns that decision into launcher arguments.
//
// Registrations go through [Exports.AddPathExpose] and friends. Each request
// is checked against the host (existence, file type, autofs), canonicalized,
// and symlinks in the path are followed so that the real target is mounted
// and the link is recreated on top of it. Paths that cannot be exported are
// skipped silently; they are reported only through [Config.Debugf].
package exports

import (
	"context"
	"errors"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// DefaultAutofsTimeout bounds how long an autofs mount point may take to
// respond before it is skipped.
const DefaultAutofsTimeout = 200 * time.Millisecond

// maxSymlinkDepth mirrors the kernel's ELOOP limit.
const maxSymlinkDepth = 40

// Directories whose host contents differ from what the sandbox sees there.
// They are exposed through /run/host by the host-os/host-etc toggles.
var dontExportIn = []string{"/usr", "/etc", "/app", "/dev", "/proc"}

// UsrMergedDirs are the top-level directories that a /usr-merged host turns
// into symlinks into /usr.
var UsrMergedDirs = []string{"/bin", "/lib", "/lib32", "/lib64", "/libx32", "/sbin"}

// AutofsProbe reports whether path can be opened. It may block; the resolver
// gives up on it after [Config.AutofsTimeout].
type AutofsProbe func(ctx context.Context, path string) bool

// Config configures an [Exports].
type Config struct {
	// Host is the filesystem the resolver inspects. Defaults to [SystemHost].
	Host Host

	// AutofsProbe overrides how autofs mount points are tested. Defaults to
	// opening the path through Host.
	AutofsProbe AutofsProbe

	// AutofsTimeout defaults to [DefaultAutofsTimeout].
	AutofsTimeout time.Duration

	// Debugf receives a message for every skipped registration.
	Debugf func(format string, args ...any)
}

// Exports is a path to disposition map plus the host-os and host-etc toggles.
// It is not safe for concurrent use.
type Exports struct {
	host    Host
	probe   AutofsProbe
	timeout time.Duration
	debugf  func(format string, args ...any)

	paths   map[string]disposition
	hostOS  Mode
	hostEtc Mode

	// stuck holds the result channels of probes that outlived the timeout.
	stuck map[string]chan bool
}

// New returns an empty resolver.
func New(cfg Config) *Exports {
	e := &Exports{
		host:    cfg.Host,
		probe:   cfg.AutofsProbe,
		timeout: cfg.AutofsTimeout,
		debugf:  cfg.Debugf,
		paths:   map[string]disposition{},
		stuck:   map[string]chan bool{},
	}

	if e.host == nil {
		e.host = SystemHost()
	}

	if e.probe == nil {
		host := e.host
		e.probe = func(_ context.Context, p string) bool {
			return host.Probe(p) == nil
		}
	}

	if e.timeout <= 0 {
		e.timeout = DefaultAutofsTimeout
	}

	return e
}

// Host returns the filesystem the resolver inspects.
func (e *Exports) Host() Host {
	return e.host
}

func (e *Exports) logf(format string, args ...any) {
	if e.debugf == nil {
		return
	}

	e.debugf("exports: "+format, args...)
}

// AddPathExpose makes path visible with mode. It reports whether the path was
// registered.
func (e *Exports) AddPathExpose(mode Mode, p string) bool {
	if mode <= ModeNone || mode > ModeCreate {
		e.logf("not exposing %s with mode %s", p, mode)

		return false
	}

	return e.expose(dispReal(mode), p)
}

// AddPathTmpfs hides path behind an empty tmpfs.
func (e *Exports) AddPathTmpfs(p string) bool {
	return e.expose(dispTmpfs, p)
}

// AddPathDir ensures an empty directory exists at path without exposing its
// contents.
func (e *Exports) AddPathDir(p string) bool {
	return e.expose(dispDir, p)
}

// AddPathExposeOrHide exposes path, or hides it when mode is [ModeNone].
func (e *Exports) AddPathExposeOrHide(mode Mode, p string) bool {
	if mode == ModeNone {
		return e.AddPathTmpfs(p)
	}

	return e.AddPathExpose(mode, p)
}

// AddHostEtcExpose exposes the host /etc at /run/host/etc.
func (e *Exports) AddHostEtcExpose(mode Mode) {
	e.hostEtc = mode
}

// AddHostOSExpose exposes the host /usr (and usr-merged dirs) below /run/host.
func (e *Exports) AddHostOSExpose(mode Mode) {
	e.hostOS = mode
}

// HostOS returns the host-os toggle.
func (e *Exports) HostOS() Mode {
	return e.hostOS
}

// HostEtc returns the host-etc toggle.
func (e *Exports) HostEtc() Mode {
	return e.hostEtc
}

// Export is one registered path.
type Export struct {
	Path        string
	Disposition string
}

// Paths returns the registered paths in sorted order.
func (e *Exports) Paths() []Export {
	out := make([]Export, 0, len(e.paths))
	for _, p := range e.sortedPaths() {
		out = append(out, Export{Path: p, Disposition: e.paths[p].String()})
	}

	return out
}

func (e *Exports) sortedPaths() []string {
	keys := make([]string, 0, len(e.paths))
	for k := range e.paths {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

func (e *Exports) register(p string, d disposition) {
	if old, ok := e.paths[p]; ok {
		d = maxDisposition(old, d)
	}

	e.paths[p] = d
}

// expose follows symlinks in p iteratively. Every symlinked prefix met on the
// way is registered as a symlink once the final target has been accepted.
func (e *Exports) expose(d disposition, p string) bool {
	var links []string

	for level := 0; ; level++ {
		if level > maxSymlinkDepth {
			e.logf("expose of %s too deep, giving up", p)

			return false
		}

		canonical, link, next, ok := e.exposeStep(p)
		if !ok {
			return false
		}

		if link == "" {
			e.register(canonical, d)

			for _, l := range links {
				e.register(l, dispSymlink)
			}

			return true
		}

		links = append(links, link)
		p = next
	}
}

// exposeStep validates p. If a prefix of p is a symlink it returns that prefix
// and the rewritten path to continue with; otherwise it returns the canonical
// path to register.
func (e *Exports) exposeStep(p string) (canonical, link, next string, ok bool) {
	if !path.IsAbs(p) {
		e.logf("not exposing relative path %s", p)

		return "", "", "", false
	}

	entry, err := e.host.Lstat(p)
	if err != nil {
		e.logf("not exposing %s: %v", p, err)

		return "", "", "", false
	}

	if !entry.Type.exportable() {
		e.logf("not exposing %s: unsupported file type", p)

		return "", "", "", false
	}

	if entry.Autofs && !e.autofsWorks(p) {
		e.logf("ignoring blocking autofs path %s", p)

		return "", "", "", false
	}

	canonical = path.Clean(p)

	for _, dir := range dontExportIn {
		if hasPathPrefix(canonical, dir) {
			e.logf("not exposing %s: below %s", canonical, dir)

			return "", "", "", false
		}
	}

	for _, dir := range UsrMergedDirs {
		if hasPathPrefix(canonical, dir) && e.isUsrMerged(dir) {
			e.logf("not exposing %s: %s is merged into /usr", canonical, dir)

			return "", "", "", false
		}
	}

	// Walk every prefix, including the full path: exposing a symlink means
	// exposing its target.
	for end := 1; end <= len(canonical); end++ {
		if end < len(canonical) && canonical[end] != '/' {
			continue
		}

		prefix := canonical[:end]
		if prefix == "/tmp" {
			continue
		}

		prefixEntry, err := e.host.Lstat(prefix)
		if err != nil || prefixEntry.Type != TypeSymlink {
			continue
		}

		resolved, err := e.resolveLink(prefix)
		if err != nil {
			e.logf("not exposing %s: resolving %s: %v", canonical, prefix, err)

			return "", "", "", false
		}

		return "", prefix, resolved + canonical[end:], true
	}

	return canonical, "", "", true
}

func (e *Exports) isUsrMerged(dir string) bool {
	target, err := e.host.Readlink(dir)
	if err != nil {
		return false
	}

	return strings.HasPrefix(target, "usr/") || strings.HasPrefix(target, "/usr/") || target == "usr" || target == "/usr"
}

// autofsWorks races the probe against the timeout. Go cannot kill a thread
// blocked in open, so a probe that times out keeps running until the open
// returns. At most one probe per path is ever in flight; later lookups reuse
// its result once it arrives.
func (e *Exports) autofsWorks(p string) bool {
	if done, ok := e.stuck[p]; ok {
		select {
		case ok := <-done:
			delete(e.stuck, p)

			return ok
		default:
			e.logf("autofs probe of %s still pending, skipping", p)

			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	done := make(chan bool, 1)

	go func() {
		done <- e.probe(ctx, p)
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		e.stuck[p] = done

		return false
	}
}

// resolveLink returns the absolute, lexically cleaned target of the symlink p.
func (e *Exports) resolveLink(p string) (string, error) {
	target, err := e.host.Readlink(p)
	if err != nil {
		return "", err
	}

	if target == "" {
		return "", errors.New("empty symlink target")
	}

	if !path.IsAbs(target) {
		target = path.Join(path.Dir(p), target)
	}

	return path.Clean(target), nil
}

// pathIsMapped returns the effective disposition covering p: the most
// specific registration that is a prefix of p, ignoring forced dirs (they
// share their parent's mapping) and symlinks other than p itself.
func (e *Exports) pathIsMapped(p string, keys []string) (disposition, bool) {
	var (
		found  disposition
		mapped bool
	)

	for _, k := range keys {
		if !hasPathPrefix(p, k) {
			continue
		}

		d := e.paths[k]

		switch d.kind {
		case kindDir:
			continue
		case kindSymlink:
			mapped = p == k
		case kindTmpfs:
			mapped = false
		case kindReal:
			mapped = true
		}

		found = d
	}

	return found, mapped
}

func (e *Exports) parentIsMapped(p string, keys []string) bool {
	mapped := false

	for _, k := range keys {
		if k == p || !hasPathPrefix(p, k) {
			continue
		}

		d := e.paths[k]
		if d.kind == kindDir {
			continue
		}

		mapped = d.kind != kindTmpfs
	}

	return mapped
}

// PathGetMode reports how path is visible in the sandbox: a leaf that does
// not exist on the host still reports its parent's mode when that mode
// allows creating it.
func (e *Exports) PathGetMode(p string) Mode {
	keys := e.sortedPaths()
	p = path.Clean(p)

	for level := 0; level <= maxSymlinkDepth; level++ {
		next, mode, done := e.pathGetModeStep(p, keys)
		if done {
			return mode
		}

		p = next
	}

	e.logf("resolving mode of %s too deep", p)

	return ModeNone
}

func (e *Exports) pathGetModeStep(p string, keys []string) (next string, mode Mode, done bool) {
	if !path.IsAbs(p) {
		return "", ModeNone, true
	}

	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if p == "/" {
		parts = nil
	}

	mode = ModeNone
	prefix := ""

	for i, part := range parts {
		prefix += "/" + part
		last := i == len(parts)-1

		d, mapped := e.pathIsMapped(prefix, keys)
		if !mapped {
			if last {
				return "", ModeNone, true
			}

			continue
		}

		if d.kind == kindReal {
			mode = d.mode
		}

		entry, err := e.host.Lstat(prefix)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && last && mode >= ModeReadWrite {
				return "", mode, true
			}

			return "", ModeNone, true
		}

		if entry.Type == TypeSymlink {
			resolved, err := e.resolveLink(prefix)
			if err != nil {
				return "", ModeNone, true
			}

			return path.Join(append([]string{resolved}, parts[i+1:]...)...), ModeNone, false
		}
	}

	return "", mode, true
}

// PathIsVisible reports whether path is visible in the sandbox at all.
func (e *Exports) PathIsVisible(p string) bool {
	return e.PathGetMode(p) > ModeNone
}

// hasPathPrefix reports whether p equals prefix or lies below it.
func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}

	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
