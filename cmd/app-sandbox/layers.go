//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/app-sandbox/permissions"
)

// Layer is one permission source, labeled for debug output.
type Layer struct {
	Label   string
	Context *permissions.Context
}

// layerFlags registers the flags shared by the commands that assemble
// permissions: --metadata and every permission option.
type layerFlags struct {
	metadata *[]string
	cli      *permissions.Context
}

func addLayerFlags(flags *flag.FlagSet) *layerFlags {
	lf := &layerFlags{cli: permissions.New()}
	lf.metadata = flags.StringArray("metadata", nil, "Load base permissions from key `file` (repeatable, replaces config metadata)")
	lf.cli.AddFlags(flags)

	return lf
}

// layers returns the metadata, config and command-line layers, lowest
// precedence first.
func (lf *layerFlags) layers(cfg *Config) ([]Layer, error) {
	metadata := cfg.Metadata

	if len(*lf.metadata) > 0 {
		metadata = make([]string, 0, len(*lf.metadata))

		for _, path := range *lf.metadata {
			if !filepath.IsAbs(path) {
				path = filepath.Join(cfg.EffectiveCwd, path)
			}

			metadata = append(metadata, path)
		}
	}

	layers := make([]Layer, 0, len(metadata)+len(cfg.PermissionLayers)+1)

	for _, path := range metadata {
		ctx, err := loadMetadataFile(path)
		if err != nil {
			return nil, err
		}

		layers = append(layers, Layer{Label: "metadata " + path, Context: ctx})
	}

	for _, layer := range cfg.PermissionLayers {
		layers = append(layers, Layer{Label: layer.Source + " config " + layer.Path, Context: layer.Context})
	}

	layers = append(layers, Layer{Label: "command line", Context: lf.cli})

	return layers, nil
}

func loadMetadataFile(path string) (*permissions.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	defer func() { _ = f.Close() }()

	ctx := permissions.New()

	err = ctx.LoadMetadata(f)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", path, err)
	}

	return ctx, nil
}

func mergeLayers(layers []Layer) *permissions.Context {
	merged := permissions.New()

	for _, layer := range layers {
		merged.Merge(layer.Context)
	}

	return merged
}

func layerContexts(layers []Layer) []*permissions.Context {
	out := make([]*permissions.Context, 0, len(layers))
	for _, layer := range layers {
		out = append(out, layer.Context)
	}

	return out
}
