// Package config loads the host configuration.
//
// A configuration file is optional. When given, its format follows the
// file extension: JSON with comments (github.com/tidwall/jsonc), YAML
// (gopkg.in/yaml.v3) or TOML (github.com/pelletier/go-toml/v2). Values
// in the file are laid over Default(); command-line flags are applied by
// the caller on top of that, followed by Check.
package config
