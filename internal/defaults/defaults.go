// Package defaults provides the files the init subcommand installs into
// a fresh data directory.
package defaults

import "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// Skills holds the shipped skill files under skills/.
//
//go:embed skills/*.md
var Skills embed.FS
