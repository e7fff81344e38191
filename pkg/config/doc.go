// Package config loads and validates the release configuration document.
//
// The document has three top-level tables. `plugins` maps free-form plugin
// names to a location descriptor, either the literal "builtin" or a table
// describing an external provider command. `steps` maps pipeline step names
// to an assignment descriptor: a plugin name (singleton), a list of plugin
// names (shared), or the literal "discover". `cfg` is a free key/value tree
// with one reserved subtree per plugin name; each plugin sees only its own
// subtree.
//
// Documents are accepted in TOML (releaserc.toml) or YAML (releaserc.yaml).
// Structural validation uses go-playground/validator tags on the decoded
// types; cross-table rules (every plugin named in steps exists, step names
// belong to the canonical enumeration) are checked by Document.Validate.
package config
