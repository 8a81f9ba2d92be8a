//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/app-sandbox/permissions"
)

var (
	// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
	ErrDuplicateConfigFiles = errors.New("duplicate config files")
	// ErrUnknownPermission is returned for a permissions key that is not an option name.
	ErrUnknownPermission = errors.New("unknown permission option")
)

// Config holds the application configuration.
type Config struct {
	// AppID names the application. It is used for bus policies and the info
	// file.
	AppID string `json:"app-id,omitempty"`

	// Metadata lists key files with the base permissions of the
	// application, lowest precedence first. Relative paths are resolved
	// against the directory of the config file.
	Metadata []string `json:"metadata,omitempty"`

	AppDataDir       string `json:"app-data-dir,omitempty"`
	SharedRuntimeDir string `json:"shared-runtime-dir,omitempty"`
	BundleThreshold  *int   `json:"bundle-threshold,omitempty"`

	// Permissions of this file. Permissions are not merged into Config;
	// every file contributes one entry to PermissionLayers.
	Permissions PermissionsConfig `json:"permissions,omitempty"`

	// Resolved (not serialized)
	EffectiveCwd      string            `json:"-"`
	LoadedConfigFiles map[string]string `json:"-"`
	PermissionLayers  []PermissionLayer `json:"-"`
}

// PermissionsConfig maps command-line option names ("filesystem", "share",
// "talk-name", ...) to their values.
//
// Within a file the options are applied in help order, so "nofilesystem"
// is applied after "filesystem".
type PermissionsConfig map[string][]string

// PermissionLayer is the permissions contributed by one config file.
type PermissionLayer struct {
	Source  string // "global", "project" or "explicit"
	Path    string
	Context *permissions.Context
}

// Context converts p into a permission layer.
func (p PermissionsConfig) Context() (*permissions.Context, error) {
	names := permissions.OptionNames()

	for name := range p {
		// env-fd reads from an inherited descriptor, which a file cannot name.
		if !slices.Contains(names, name) || name == "env-fd" {
			return nil, fmt.Errorf("%w %q", ErrUnknownPermission, name)
		}
	}

	ctx := permissions.New()

	for _, name := range names {
		for _, value := range p[name] {
			err := ctx.ApplyOption(name, value)
			if err != nil {
				return nil, err
			}
		}
	}

	return ctx, nil
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // --config flag value
	Env             map[string]string // Environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Global config: $XDG_CONFIG_HOME/app-sandbox/config.json or config.jsonc
//     (defaults to ~/.config/app-sandbox/) - always loaded if exists
//  2. Project config OR --config path (not both):
//     - Without --config: .app-sandbox.json or .app-sandbox.jsonc in workDir
//     - With --config: uses that path instead of project config
//
// Both .json and .jsonc files support comments via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	if !filepath.IsAbs(workDir) {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}

		workDir = filepath.Join(cwd, workDir)
	}

	cfg := Config{LoadedConfigFiles: map[string]string{}}

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	globalConfigPath, err := findConfigFile(globalConfigBasePath)
	if err == nil {
		err = cfg.load("global", globalConfigPath)
		if err != nil {
			return Config{}, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	if input.ConfigPath != "" {
		configPath := input.ConfigPath
		if !filepath.IsAbs(configPath) {
			configPath = filepath.Join(workDir, configPath)
		}

		err = cfg.load("explicit", configPath)
		if err != nil {
			return Config{}, err
		}
	} else {
		projectConfigPath, findErr := findConfigFile(filepath.Join(workDir, ".app-sandbox"))
		if findErr == nil {
			err = cfg.load("project", projectConfigPath)
			if err != nil {
				return Config{}, err
			}
		} else if !errors.Is(findErr, os.ErrNotExist) {
			return Config{}, findErr
		}
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// load merges the config file at path into c and records its permission layer.
func (c *Config) load(source, path string) error {
	fileCfg, err := loadConfigFile(path)
	if err != nil {
		return err
	}

	layer, err := fileCfg.Permissions.Context()
	if err != nil {
		return fmt.Errorf("config %s: permissions: %w", path, err)
	}

	*c = mergeConfigs(c, &fileCfg)
	c.LoadedConfigFiles[source] = path
	c.PermissionLayers = append(c.PermissionLayers, PermissionLayer{
		Source:  source,
		Path:    path,
		Context: layer,
	})

	return nil
}

// findConfigFile finds a config file at the given base path.
// It checks for both .json and .jsonc extensions and returns an error if both exist.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", err
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", err
	}

	switch {
	case jsonExists && jsoncExists:
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	case jsonExists:
		return jsonPath, nil
	case jsoncExists:
		return jsoncPath, nil
	}

	return "", os.ErrNotExist
}

// fileExists checks if a file exists and is not a directory.
// Returns (true, nil) if file exists, (false, nil) if not found,
// or (false, error) for other errors (e.g., permission denied).
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
// Both .json and .jsonc files support comments via hujson.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Standardize JSONC to JSON (handles comments in both .json and .jsonc)
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i, metadata := range cfg.Metadata {
		if strings.TrimSpace(metadata) == "" {
			return Config{}, fmt.Errorf("config %s: metadata entry %d is empty", path, i)
		}

		if !filepath.IsAbs(metadata) {
			cfg.Metadata[i] = filepath.Join(filepath.Dir(path), metadata)
		}
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values.
func mergeConfigs(base, override *Config) Config {
	result := *base

	if override.AppID != "" {
		result.AppID = override.AppID
	}

	if len(override.Metadata) > 0 {
		result.Metadata = override.Metadata
	}

	if override.AppDataDir != "" {
		result.AppDataDir = override.AppDataDir
	}

	if override.SharedRuntimeDir != "" {
		result.SharedRuntimeDir = override.SharedRuntimeDir
	}

	if override.BundleThreshold != nil {
		result.BundleThreshold = override.BundleThreshold
	}

	return result
}

// getUserConfigBasePath returns the user config base path (without extension).
// Uses env map for XDG_CONFIG_HOME instead of os.Getenv().
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "app-sandbox", "config"), nil
	}

	home := env["HOME"]
	if home == "" {
		var err error

		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
	}

	return filepath.Join(home, ".config", "app-sandbox", "config"), nil
}
