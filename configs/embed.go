package configs

import _ "embed"

// Example is the annotated default configuration written by init-config.
//
//go:embed gdbrelay.example.yaml
var Example []byte
