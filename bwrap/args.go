//go:build linux

// Package bwrap accumulates the argument vector, inherited file descriptors and
// environment overlay handed to a bubblewrap-compatible launcher.
//
// An [Args] makes no policy decisions. Callers (see the exports and
// permissions packages) emit instructions into it in the order they must be
// executed, then call [Args.Finish] to obtain the final argv and
// [Args.ExtraFiles] to obtain the files that must be inherited by the launcher
// (for example through exec.Cmd.ExtraFiles).
//
// File descriptors are referenced symbolically while arguments are being
// accumulated. [Args.AddFd] returns a reference token that may be used as an
// argument; tokens are rewritten to child fd numbers (3, 4, ...) when the
// accumulator is finished or bundled. This keeps [Args.Append] correct when two
// accumulators that both own files are spliced together.
package bwrap

import (
	"errors"
	"fmt"
	"os"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// FirstExtraFD is the fd number the first inherited file receives in the
// launched process (after stdin, stdout and stderr).
const FirstExtraFD = 3

const (
	fdTokenPrefix = "\x00APP_SANDBOX_FD:"
	fdTokenSuffix = "\x00"
)

// RuntimeDirMount is where a shared runtime directory is mounted inside the
// sandbox by [Args.PopulateRuntimeDir].
const RuntimeDirMount = "/run/app-sandbox"

// ErrAppendBundled is returned by [Args.Append] when the accumulator being
// appended already bundled part of its arguments into a file.
var ErrAppendBundled = errors.New("bwrap: cannot append bundled arguments")

type envValue struct {
	value string
	unset bool
}

// Args is an ordered launcher argument builder.
//
// Args is not safe for concurrent use. An Args owns every file added to it and
// must be closed with [Args.Close] once the launcher has been started (or the
// launch has been abandoned).
type Args struct {
	args      []string
	fds       []*os.File
	noinherit []*os.File
	env       map[string]envValue
	members   []string
	bundled   bool
	finished  bool
}

// New returns an empty accumulator.
func New() *Args {
	return &Args{env: map[string]envValue{}}
}

// Add appends args verbatim.
func (a *Args) Add(args ...string) {
	a.mustBeOpen("Add")
	a.args = append(a.args, args...)
}

// Len returns the number of accumulated arguments.
func (a *Args) Len() int {
	return len(a.args)
}

// Args returns a copy of the accumulated arguments with fd references
// resolved. It does not finish the accumulator.
func (a *Args) Args() []string {
	out := slices.Clone(a.args)
	resolveTokens(out)

	return out
}

// AddFd takes ownership of f, arranges for it to be inherited by the launcher
// and returns a reference that resolves to its child fd number.
func (a *Args) AddFd(f *os.File) string {
	a.mustBeOpen("AddFd")
	a.fds = append(a.fds, f)

	return fdToken(len(a.fds) - 1)
}

// AddNoinheritFd takes ownership of f and keeps it open until [Args.Close]
// without passing it to the launcher.
func (a *Args) AddNoinheritFd(f *os.File) {
	a.mustBeOpen("AddNoinheritFd")
	a.noinherit = append(a.noinherit, f)
}

// SetEnv records that name must be set to value in the launcher environment.
// The last write for a name wins.
func (a *Args) SetEnv(name, value string) {
	a.mustBeOpen("SetEnv")
	a.env[name] = envValue{value: value}
}

// UnsetEnv records that name must be removed from the launcher environment.
func (a *Args) UnsetEnv(name string) {
	a.mustBeOpen("UnsetEnv")
	a.env[name] = envValue{unset: true}
}

// Environ applies the environment overlay to base (KEY=VALUE entries) and
// returns the result sorted by name. Malformed base entries are dropped.
func (a *Args) Environ(base []string) []string {
	merged := make(map[string]string, len(base)+len(a.env))

	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		merged[key] = value
	}

	for name, v := range a.env {
		if v.unset {
			delete(merged, name)

			continue
		}

		merged[name] = v.value
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}

	return out
}

// AddEnvArgs emits the environment overlay as --setenv/--unsetenv arguments
// in name order.
func (a *Args) AddEnvArgs() {
	keys := make([]string, 0, len(a.env))
	for k := range a.env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		v := a.env[k]
		if v.unset {
			a.Add("--unsetenv", k)
		} else {
			a.Add("--setenv", k, v.value)
		}
	}
}

// AddRuntimeDirMember records a name that must be reachable below
// $XDG_RUNTIME_DIR inside the sandbox (see [Args.PopulateRuntimeDir]).
func (a *Args) AddRuntimeDirMember(name string) {
	a.mustBeOpen("AddRuntimeDirMember")

	if !slices.Contains(a.members, name) {
		a.members = append(a.members, name)
	}
}

// RuntimeDirMembers returns the recorded runtime-dir members in insertion order.
func (a *Args) RuntimeDirMembers() []string {
	return slices.Clone(a.members)
}

// PopulateRuntimeDir mounts sharedDir (if non-empty) at [RuntimeDirMount] and
// emits one symlink per runtime-dir member so that
// /run/user/<uid>/<member> resolves to RuntimeDirMount/<member>.
func (a *Args) PopulateRuntimeDir(uid int, sharedDir string) {
	if sharedDir != "" {
		a.Add("--bind", sharedDir, RuntimeDirMount)
	}

	runtimeDir := path.Join("/run/user", strconv.Itoa(uid))

	for _, member := range a.members {
		a.Add("--symlink", path.Join("../..", path.Base(RuntimeDirMount), member), path.Join(runtimeDir, member))
	}
}

// AddArgsData writes data into an anonymous file and mounts it read-only at
// dest (--ro-bind-data). name is only used to label the backing file.
func (a *Args) AddArgsData(name string, data []byte, dest string) error {
	a.mustBeOpen("AddArgsData")

	f, err := newDataFile(name, data, false)
	if err != nil {
		return fmt.Errorf("bwrap: ro-bind-data for %q: %w", dest, err)
	}

	a.Add("--ro-bind-data", a.AddFd(f), dest)

	return nil
}

// Append moves everything owned by other (arguments, files, environment and
// runtime-dir members) to the end of a. other is left empty and may be
// discarded. fd references inside other's arguments are renumbered.
func (a *Args) Append(other *Args) error {
	a.mustBeOpen("Append")

	if other.bundled {
		return ErrAppendBundled
	}

	offset := len(a.fds)

	for _, arg := range other.args {
		if idx, ok := parseFdToken(arg); ok {
			arg = fdToken(idx + offset)
		}

		a.args = append(a.args, arg)
	}

	a.fds = append(a.fds, other.fds...)
	a.noinherit = append(a.noinherit, other.noinherit...)

	for name, v := range other.env {
		a.env[name] = v
	}

	for _, m := range other.members {
		a.AddRuntimeDirMember(m)
	}

	other.args = nil
	other.fds = nil
	other.noinherit = nil
	other.env = map[string]envValue{}
	other.members = nil

	return nil
}

// BundleArgs replaces args[start:end] with "--args FD", where FD is a sealed
// anonymous file holding the NUL-terminated arguments. Launchers read such a
// file as if its arguments had appeared at that position.
func (a *Args) BundleArgs(start, end int) error {
	a.mustBeOpen("BundleArgs")

	if start < 0 || end > len(a.args) || start > end {
		return internalErrorf("BundleArgs", "range [%d:%d] out of bounds (len %d)", start, end, len(a.args))
	}

	if start == end {
		return nil
	}

	bundle := slices.Clone(a.args[start:end])
	resolveTokens(bundle)

	var data strings.Builder
	for _, arg := range bundle {
		data.WriteString(arg)
		data.WriteByte(0)
	}

	f, err := newDataFile("app-sandbox-args", []byte(data.String()), true)
	if err != nil {
		return fmt.Errorf("bwrap: bundling %d arguments: %w", end-start, err)
	}

	token := a.AddFd(f)
	a.args = slices.Replace(a.args, start, end, "--args", token)
	a.bundled = true

	return nil
}

// Finish seals the accumulator and returns the final argument vector with
// every fd reference resolved. Mutating a after Finish panics.
func (a *Args) Finish() []string {
	a.finished = true

	out := slices.Clone(a.args)
	resolveTokens(out)

	return out
}

// ExtraFiles returns the files to be inherited by the launcher, in child fd
// order starting at [FirstExtraFD].
func (a *Args) ExtraFiles() []*os.File {
	return slices.Clone(a.fds)
}

// Close closes every file owned by a. It is safe to call more than once.
func (a *Args) Close() error {
	var errs []error

	for _, f := range slices.Concat(a.fds, a.noinherit) {
		if f == nil {
			continue
		}

		err := f.Close()
		if err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}

	a.fds = nil
	a.noinherit = nil

	return errors.Join(errs...)
}

func (a *Args) mustBeOpen(op string) {
	if a.finished {
		panic(internalErrorf(op, "arguments already finished"))
	}

	if a.env == nil {
		a.env = map[string]envValue{}
	}
}

func fdToken(idx int) string {
	return fdTokenPrefix + strconv.Itoa(idx) + fdTokenSuffix
}

func parseFdToken(arg string) (int, bool) {
	if !strings.HasPrefix(arg, fdTokenPrefix) || !strings.HasSuffix(arg, fdTokenSuffix) {
		return 0, false
	}

	idx, err := strconv.Atoi(arg[len(fdTokenPrefix) : len(arg)-len(fdTokenSuffix)])
	if err != nil || idx < 0 {
		return 0, false
	}

	return idx, true
}

func resolveTokens(args []string) {
	for i, arg := range args {
		if idx, ok := parseFdToken(arg); ok {
			args[i] = strconv.Itoa(FirstExtraFD + idx)
		}
	}
}

func internalErrorf(op, format string, args ...any) error {
	return fmt.Errorf("bwrap: internal error: %s: %s", op, fmt.Sprintf(format, args...))
}
