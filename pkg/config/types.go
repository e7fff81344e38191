package config

import (
	"encoding/json"
	"fmt"
)

// LocationKind distinguishes in-process builtins from external providers.
type LocationKind string

const (
	// LocationBuiltin selects an in-process provider compiled into the
	// engine.
	LocationBuiltin LocationKind = "builtin"

	// LocationExec selects an external provider started as a child
	// process speaking the wire protocol on stdio.
	LocationExec LocationKind = "exec"
)

// Location describes where a plugin lives. The document form is either the
// literal string "builtin" or a table with a location key.
type Location struct {
	Kind    LocationKind `json:"kind" validate:"required,oneof=builtin exec"`
	Command string       `json:"command,omitempty" validate:"required_if=Kind exec"`
	Args    []string     `json:"args,omitempty"`
}

// AssignmentMode is how a step's plugins are selected.
type AssignmentMode string

const (
	// ModeSingleton assigns exactly one named plugin.
	ModeSingleton AssignmentMode = "singleton"

	// ModeShared assigns an ordered list of named plugins.
	ModeShared AssignmentMode = "shared"

	// ModeDiscover selects every registered plugin advertising the step.
	ModeDiscover AssignmentMode = "discover"
)

// Assignment describes which plugins handle a step. The document form is a
// plugin name (singleton), a list of names (shared), or the literal
// "discover".
type Assignment struct {
	Mode    AssignmentMode `json:"mode" validate:"required,oneof=singleton shared discover"`
	Plugins []string       `json:"plugins,omitempty"`
}

// Document is the parsed configuration.
type Document struct {
	// Plugins maps plugin names to their location.
	Plugins map[string]Location `json:"plugins" validate:"required,min=1,dive"`

	// Steps maps step names to their assignment.
	Steps map[string]Assignment `json:"steps" validate:"dive"`

	// Cfg is the free key/value tree. The subtree under a plugin's name is
	// that plugin's private configuration.
	Cfg map[string]interface{} `json:"cfg,omitempty"`
}

// PluginCfg returns the cfg subtree reserved for the named plugin, encoded
// as JSON for transport to the plugin. It returns nil when no subtree
// exists.
func (d *Document) PluginCfg(name string) (json.RawMessage, error) {
	sub, ok := d.Cfg[name]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cfg subtree for plugin %q: %w", name, err)
	}
	return data, nil
}
