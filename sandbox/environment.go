//go:build linux

package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment describes the host facts used to plan a sandbox.
//
// Planning never reads the process environment; only [DefaultEnvironment]
// and [EnvironmentFromMap] consult the host.
type Environment struct {
	// HomeDir is the host home directory.
	HomeDir string
	// UID is the user the sandbox runs as. It names /run/user/UID inside the
	// sandbox.
	UID int
	// RuntimeDir is the host XDG_RUNTIME_DIR. Sockets (and the session bus)
	// are looked up there.
	RuntimeDir string
	// HostEnv is a snapshot of environment variables (e.g. HOME,
	// WAYLAND_DISPLAY).
	//
	// It answers runtime conditions and is the base environment of the
	// launcher. If HostEnv is nil, an empty environment is used.
	HostEnv map[string]string
	// XDGDirs maps xdg location names ("config", "documents", "run", ...) to
	// host directories. See [ResolveXDGDirs].
	XDGDirs map[string]string
}

// DefaultEnvironment returns an Environment derived from the current process.
//
// HostEnv is populated from os.Environ(); invalid KEY=VALUE entries are
// ignored. See [EnvironmentFromMap] for the rest.
func DefaultEnvironment() (Environment, error) {
	hostEnv := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		// Best-effort parse of KEY=VALUE. Invalid entries are ignored.
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		hostEnv[key] = value
	}

	return EnvironmentFromMap(hostEnv)
}

// EnvironmentFromMap returns an Environment for the current user with the
// given environment snapshot.
//
// HomeDir is HOME from hostEnv, or os.UserHomeDir() when unset. RuntimeDir
// defaults to /run/user/UID. XDGDirs come from the XDG base directory
// variables and $XDG_CONFIG_HOME/user-dirs.dirs, which may be missing.
func EnvironmentFromMap(hostEnv map[string]string) (Environment, error) {
	homeDir := hostEnv["HOME"]
	if homeDir == "" {
		var err error

		homeDir, err = os.UserHomeDir()
		if err != nil {
			return Environment{}, fmt.Errorf("get home directory: %w", err)
		}
	}

	uid := os.Getuid()

	runtimeDir := hostEnv["XDG_RUNTIME_DIR"]
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run/user", strconv.Itoa(uid))
	}

	configHome := xdgBaseDir(homeDir, hostEnv, "XDG_CONFIG_HOME", ".config")

	userDirs, err := os.ReadFile(filepath.Join(configHome, "user-dirs.dirs"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Environment{}, fmt.Errorf("read user dirs: %w", err)
	}

	xdgDirs, err := ResolveXDGDirs(homeDir, hostEnv, bytes.NewReader(userDirs))
	if err != nil {
		return Environment{}, err
	}

	return Environment{
		HomeDir:    homeDir,
		UID:        uid,
		RuntimeDir: runtimeDir,
		HostEnv:    maps.Clone(hostEnv),
		XDGDirs:    xdgDirs,
	}, nil
}

var xdgBaseDirs = []struct {
	name     string
	envVar   string
	fallback string
}{
	{"config", "XDG_CONFIG_HOME", ".config"},
	{"data", "XDG_DATA_HOME", ".local/share"},
	{"cache", "XDG_CACHE_HOME", ".cache"},
	{"state", "XDG_STATE_HOME", ".local/state"},
}

var xdgUserDirs = map[string]string{
	"XDG_DESKTOP_DIR":     "desktop",
	"XDG_DOCUMENTS_DIR":   "documents",
	"XDG_DOWNLOAD_DIR":    "download",
	"XDG_MUSIC_DIR":       "music",
	"XDG_PICTURES_DIR":    "pictures",
	"XDG_PUBLICSHARE_DIR": "public-share",
	"XDG_TEMPLATES_DIR":   "templates",
	"XDG_VIDEOS_DIR":      "videos",
}

// ResolveXDGDirs builds the xdg location table of an [Environment].
//
// Base directories (config, data, cache, state) come from the XDG_*_HOME
// variables in hostEnv, falling back to their defaults below homeDir; relative
// values are ignored. "run" is XDG_RUNTIME_DIR when set. User directories
// (documents, download, ...) are read from userDirs, the shell-style
// user-dirs.dirs file, where "$HOME" expands to homeDir. Entries that do not
// resolve to an absolute path are skipped.
func ResolveXDGDirs(homeDir string, hostEnv map[string]string, userDirs io.Reader) (map[string]string, error) {
	dirs := make(map[string]string, len(xdgBaseDirs)+len(xdgUserDirs)+1)

	for _, base := range xdgBaseDirs {
		dirs[base.name] = xdgBaseDir(homeDir, hostEnv, base.envVar, base.fallback)
	}

	if runtimeDir := hostEnv["XDG_RUNTIME_DIR"]; filepath.IsAbs(runtimeDir) {
		dirs["run"] = runtimeDir
	}

	if userDirs == nil {
		return dirs, nil
	}

	// The file only references $HOME; defining it first lets the parser
	// expand it.
	header := strings.NewReader(fmt.Sprintf("HOME=%q\n", homeDir))

	vars, err := godotenv.Parse(io.MultiReader(header, userDirs))
	if err != nil {
		return nil, fmt.Errorf("parse user dirs: %w", err)
	}

	for envVar, name := range xdgUserDirs {
		dir := vars[envVar]
		if !filepath.IsAbs(dir) {
			continue
		}

		dirs[name] = filepath.Clean(dir)
	}

	return dirs, nil
}

func xdgBaseDir(homeDir string, hostEnv map[string]string, envVar, fallback string) string {
	if dir := hostEnv[envVar]; filepath.IsAbs(dir) {
		return dir
	}

	return filepath.Join(homeDir, fallback)
}
