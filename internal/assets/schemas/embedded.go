// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI validates manifests
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// StagingManifestSchema is the embedded staging-manifest JSON schema.
//
//go:embed staging-manifest.schema.json
var StagingManifestSchema []byte
