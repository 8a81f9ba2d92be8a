//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/app-sandbox/permissions"
)

// validateConfigAndEnv validates user-controlled configuration and environment.
//
// This function is the primary "input boundary" for the sandbox package. The
// rest of the implementation assumes that validated fields satisfy their basic
// invariants (absolute paths where required, non-nil layers, etc.).
func validateConfigAndEnv(cfg *Config, env Environment) error {
	errs := make([]error, 0, 4)

	errs = append(errs, validateEnvironment(env)...)
	errs = append(errs, validateAppID(cfg.AppID)...)
	errs = append(errs, validateLayers(cfg.Layers)...)
	errs = append(errs, validateDirs(cfg)...)

	return errors.Join(errs...)
}

func validateEnvironment(env Environment) []error {
	var errs []error

	if strings.TrimSpace(env.HomeDir) == "" {
		errs = append(errs, errors.New("environment HomeDir is empty"))
	} else if !filepath.IsAbs(env.HomeDir) {
		errs = append(errs, fmt.Errorf("environment HomeDir %q is not absolute", env.HomeDir))
	}

	if env.UID < 0 {
		errs = append(errs, fmt.Errorf("environment UID %d is negative", env.UID))
	}

	if env.RuntimeDir != "" && !filepath.IsAbs(env.RuntimeDir) {
		errs = append(errs, fmt.Errorf("environment RuntimeDir %q is not absolute", env.RuntimeDir))
	}

	for name, dir := range env.XDGDirs {
		if !filepath.IsAbs(dir) {
			errs = append(errs, fmt.Errorf("environment XDGDirs[%q] %q is not absolute", name, dir))
		}
	}

	return errs
}

func validateAppID(appID string) []error {
	if appID == "" {
		return nil
	}

	err := permissions.ValidateBusName(appID)
	if err != nil {
		return []error{fmt.Errorf("app id: %w", err)}
	}

	if strings.HasSuffix(appID, ".*") {
		return []error{fmt.Errorf("app id %q must not be a wildcard", appID)}
	}

	return nil
}

func validateLayers(layers []*permissions.Context) []error {
	var errs []error

	for i, layer := range layers {
		if layer == nil {
			errs = append(errs, fmt.Errorf("permission layer %d is nil", i))
		}
	}

	return errs
}

func validateDirs(cfg *Config) []error {
	var errs []error

	for _, dir := range []struct {
		name  string
		value string
	}{
		{"AppDataDir", cfg.AppDataDir},
		{"SharedRuntimeDir", cfg.SharedRuntimeDir},
		{"AppDevShmDir", cfg.AppDevShmDir},
	} {
		if dir.value == "" {
			continue
		}

		if !filepath.IsAbs(dir.value) {
			errs = append(errs, fmt.Errorf("%s %q is not absolute", dir.name, dir.value))
		} else if filepath.Clean(dir.value) == "/" {
			errs = append(errs, fmt.Errorf("%s must not be the root directory", dir.name))
		}
	}

	return errs
}
