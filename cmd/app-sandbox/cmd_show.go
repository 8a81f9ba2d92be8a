//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/app-sandbox/permissions"
)

// Output formats of the show command.
const (
	formatKeyFile = "keyfile"
	formatYAML    = "yaml"
)

// ShowCmd creates the show command, which prints the merged permissions.
func ShowCmd(cfg *Config) *Command {
	flags := flag.NewFlagSet("show", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("format", formatKeyFile, "Output `format`: keyfile or yaml")

	layerFlags := addLayerFlags(flags)

	return &Command{
		Flags:   flags,
		Usage:   "show [flags] [permission options]",
		Short:   "Print the merged permissions",
		Long:    "Merge metadata, config and command-line permissions and print the result as key file metadata or YAML.",
		Aliases: []string{},
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: %s", ErrUnexpectedArgs, strings.Join(args, " "))
			}

			format, _ := flags.GetString("format")
			if format != formatKeyFile && format != formatYAML {
				return fmt.Errorf("--format: unknown format %q (valid: %s, %s)", format, formatKeyFile, formatYAML)
			}

			layers, err := layerFlags.layers(cfg)
			if err != nil {
				return err
			}

			merged := mergeLayers(layers)

			if format == formatKeyFile {
				return merged.Save(stdout)
			}

			f := permissions.NewMetadata()

			err = merged.SaveTo(f)
			if err != nil {
				return err
			}

			doc, err := metadataYAML(f)
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)

			err = enc.Encode(doc)
			if err != nil {
				return fmt.Errorf("encoding yaml: %w", err)
			}

			return enc.Close()
		},
	}
}

// metadataYAML converts key file metadata into a YAML mapping of groups.
// List keys become sequences; escapes are resolved.
func metadataYAML(f *ini.File) (*yaml.Node, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}

	for _, sec := range f.Sections() {
		if len(sec.Keys()) == 0 {
			continue
		}

		group := &yaml.Node{Kind: yaml.MappingNode}
		list := sec.Name() == permissions.GroupContext ||
			sec.Name() == permissions.GroupUSBDevices ||
			strings.HasPrefix(sec.Name(), permissions.GroupPolicyPrefix)

		for _, key := range sec.Keys() {
			var value *yaml.Node

			if list {
				items, err := permissions.ParseList(key.Value())
				if err != nil {
					return nil, fmt.Errorf("[%s] %s: %w", sec.Name(), key.Name(), err)
				}

				value = &yaml.Node{Kind: yaml.SequenceNode}
				for _, item := range items {
					value.Content = append(value.Content, yamlString(item))
				}
			} else {
				v, err := permissions.ParseValue(key.Value())
				if err != nil {
					return nil, fmt.Errorf("[%s] %s: %w", sec.Name(), key.Name(), err)
				}

				value = yamlString(v)
			}

			group.Content = append(group.Content, yamlString(key.Name()), value)
		}

		doc.Content = append(doc.Content, yamlString(sec.Name()), group)
	}

	return doc, nil
}

func yamlString(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}
