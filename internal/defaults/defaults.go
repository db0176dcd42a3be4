// Package defaults provides the embedded starter configuration written
// by the mcphost init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the starter config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte
