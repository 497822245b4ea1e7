// Package templates embeds the files written by `vmhealth setup`.
package templates

import "embed"

//go:embed config.yaml machines.yaml
var FS embed.FS
