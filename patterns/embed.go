// Package patterns provides embedded default recognizer definitions.
// The YAML file uses a Presidio-compatible recognizer format.
package patterns

import _ "embed"

//go:embed redaction.yaml
var redactionYAML []byte

// RedactionYAML returns the embedded default redaction recognizer definitions.
func RedactionYAML() []byte { return redactionYAML }
