//go:build linux

package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/app-sandbox/exports"
	"github.com/calvinalkan/app-sandbox/permissions"
)

func intPtr(i int) *int {
	return &i
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		files       map[string]string // path -> content (relative to workDir)
		globalFiles map[string]string // path -> content (relative to XDG_CONFIG_HOME)
		configPath  string            // --config flag value
		want        Config            // compared without the resolved fields
		wantLayers  []string          // sources of the permission layers
		wantErr     string            // substring of error message, empty means no error
	}{
		{
			name:  "empty config when no config files",
			files: map[string]string{},
			want:  Config{},
		},
		{
			name: "project config .json",
			files: map[string]string{
				".app-sandbox.json": `{"app-id": "org.example.App"}`,
			},
			want:       Config{AppID: "org.example.App"},
			wantLayers: []string{"project"},
		},
		{
			name: "project config .jsonc with comments",
			files: map[string]string{
				".app-sandbox.jsonc": `{
					// comment
					"bundle-threshold": 100,
				}`,
			},
			want:       Config{BundleThreshold: intPtr(100)},
			wantLayers: []string{"project"},
		},
		{
			name: "error when both .json and .jsonc exist for project",
			files: map[string]string{
				".app-sandbox.json":  `{}`,
				".app-sandbox.jsonc": `{}`,
			},
			wantErr: "both",
		},
		{
			name: "project overrides global",
			globalFiles: map[string]string{
				"app-sandbox/config.json": `{"app-id": "org.example.Global", "app-data-dir": "/data"}`,
			},
			files: map[string]string{
				".app-sandbox.json": `{"app-id": "org.example.Project"}`,
			},
			want:       Config{AppID: "org.example.Project", AppDataDir: "/data"},
			wantLayers: []string{"global", "project"},
		},
		{
			name: "explicit config replaces project config",
			files: map[string]string{
				".app-sandbox.json": `{"app-id": "org.example.Project"}`,
				"custom.json":       `{"app-id": "org.example.Custom"}`,
			},
			configPath: "custom.json",
			want:       Config{AppID: "org.example.Custom"},
			wantLayers: []string{"explicit"},
		},
		{
			name:       "error when explicit config is missing",
			configPath: "missing.json",
			wantErr:    "missing.json",
		},
		{
			name: "error on invalid json",
			files: map[string]string{
				".app-sandbox.json": `{"app-id": `,
			},
			wantErr: "parsing config",
		},
		{
			name: "error on unknown permission option",
			files: map[string]string{
				".app-sandbox.json": `{"permissions": {"frobnicate": ["x"]}}`,
			},
			wantErr: `unknown permission option "frobnicate"`,
		},
		{
			name: "error on env-fd permission option",
			files: map[string]string{
				".app-sandbox.json": `{"permissions": {"env-fd": ["3"]}}`,
			},
			wantErr: "env-fd",
		},
		{
			name: "error on invalid permission value",
			files: map[string]string{
				".app-sandbox.json": `{"permissions": {"filesystem": ["relative/path"]}}`,
			},
			wantErr: "--filesystem",
		},
		{
			name: "error on empty metadata entry",
			files: map[string]string{
				".app-sandbox.json": `{"metadata": [" "]}`,
			},
			wantErr: "metadata entry 0 is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			workDir := t.TempDir()
			configHome := t.TempDir()

			for path, content := range tt.files {
				writeTestFile(t, filepath.Join(workDir, path), content)
			}

			for path, content := range tt.globalFiles {
				writeTestFile(t, filepath.Join(configHome, path), content)
			}

			cfg, err := LoadConfig(LoadConfigInput{
				WorkDirOverride: workDir,
				ConfigPath:      tt.configPath,
				Env:             map[string]string{"XDG_CONFIG_HOME": configHome},
			})

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}

				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %q, want substring %q", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.EffectiveCwd != workDir {
				t.Errorf("EffectiveCwd = %q, want %q", cfg.EffectiveCwd, workDir)
			}

			var sources []string
			for _, layer := range cfg.PermissionLayers {
				sources = append(sources, layer.Source)
			}

			if diff := cmp.Diff(tt.wantLayers, sources); diff != "" {
				t.Errorf("layer sources mismatch (-want +got):\n%s", diff)
			}

			got := cfg
			got.EffectiveCwd = ""
			got.LoadedConfigFiles = nil
			got.PermissionLayers = nil
			got.Permissions = nil

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfig_Resolves_Metadata_Relative_To_Config_File(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	configHome := t.TempDir()

	writeTestFile(t, filepath.Join(configHome, "app-sandbox", "config.json"), `{"metadata": ["base.metadata", "/abs/other.metadata"]}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: workDir,
		Env:             map[string]string{"XDG_CONFIG_HOME": configHome},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{filepath.Join(configHome, "app-sandbox", "base.metadata"), "/abs/other.metadata"}
	if diff := cmp.Diff(want, cfg.Metadata); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}

	if got := cfg.LoadedConfigFiles["global"]; got != filepath.Join(configHome, "app-sandbox", "config.json") {
		t.Errorf("LoadedConfigFiles[global] = %q", got)
	}
}

func TestLoadConfig_Keeps_One_Permission_Layer_Per_File(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	configHome := t.TempDir()

	writeTestFile(t, filepath.Join(configHome, "app-sandbox", "config.jsonc"), `{
		"permissions": {"share": ["network"], "filesystem": ["home"]},
	}`)
	writeTestFile(t, filepath.Join(workDir, ".app-sandbox.json"), `{
		"permissions": {"unshare": ["network"]}
	}`)

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: workDir,
		Env:             map[string]string{"XDG_CONFIG_HOME": configHome},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.PermissionLayers) != 2 {
		t.Fatalf("got %d layers, want 2", len(cfg.PermissionLayers))
	}

	global := cfg.PermissionLayers[0].Context
	if global.Shares() != permissions.ShareNetwork {
		t.Errorf("global shares = %v, want network", global.Shares())
	}

	merged := permissions.New()
	for _, layer := range cfg.PermissionLayers {
		merged.Merge(layer.Context)
	}

	if merged.Shares()&permissions.ShareNetwork != 0 {
		t.Error("project layer should unshare network")
	}

	if _, ok := merged.FilesystemMode(permissions.KeyHome); !ok {
		t.Error("home grant from global layer should survive the merge")
	}
}

func TestPermissionsConfig_Applies_Options_In_Help_Order(t *testing.T) {
	t.Parallel()

	ctx, err := PermissionsConfig{
		"nofilesystem": {"home"},
		"filesystem":   {"home"},
	}.Context()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mode, ok := ctx.FilesystemMode(permissions.KeyHome)
	if !ok || mode != exports.ModeNone {
		t.Errorf("home = %v, %t; want none (nofilesystem applied last)", mode, ok)
	}
}

func TestPermissionsConfig_Unknown_Option_Wraps_Sentinel(t *testing.T) {
	t.Parallel()

	_, err := PermissionsConfig{"sockets": {"x11"}}.Context()
	if !errors.Is(err, ErrUnknownPermission) {
		t.Fatalf("error = %v, want ErrUnknownPermission", err)
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
