package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// DefaultFileNames are the configuration files searched for in the project
// root, in order.
var DefaultFileNames = []string{"releaserc.toml", "releaserc.yaml", "releaserc.yml"}

// Find locates the configuration file in the project root. It returns an
// error when none of the default names exists.
func Find(projectRoot string) (string, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(projectRoot, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no configuration file found in %s (looked for %s)",
		projectRoot, strings.Join(DefaultFileNames, ", "))
}

// Load reads, parses, and validates the configuration file at path. The
// format is chosen by file extension.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}

	var raw map[string]interface{}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML configuration %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration format %q (want .toml, .yaml, or .yml)", ext)
	}

	doc, err := normalize(raw)
	if err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return doc, nil
}

// normalize converts the raw decoded document into typed form, resolving
// the string-or-table shorthands for plugin locations and step assignments.
func normalize(raw map[string]interface{}) (*Document, error) {
	doc := &Document{
		Plugins: make(map[string]Location),
		Steps:   make(map[string]Assignment),
	}

	pluginsRaw, ok := raw["plugins"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("configuration is missing the plugins table")
	}
	for name, entry := range pluginsRaw {
		loc, err := normalizeLocation(name, entry)
		if err != nil {
			return nil, err
		}
		doc.Plugins[name] = loc
	}

	if stepsRaw, ok := raw["steps"].(map[string]interface{}); ok {
		for step, entry := range stepsRaw {
			assignment, err := normalizeAssignment(step, entry)
			if err != nil {
				return nil, err
			}
			doc.Steps[step] = assignment
		}
	}

	if cfgRaw, ok := raw["cfg"].(map[string]interface{}); ok {
		doc.Cfg = cfgRaw
	}

	return doc, nil
}

func normalizeLocation(name string, entry interface{}) (Location, error) {
	switch v := entry.(type) {
	case string:
		if v != string(LocationBuiltin) {
			return Location{}, fmt.Errorf("plugin %q has unknown location %q", name, v)
		}
		return Location{Kind: LocationBuiltin}, nil

	case map[string]interface{}:
		locValue, _ := v["location"].(string)
		switch locValue {
		case string(LocationBuiltin):
			return Location{Kind: LocationBuiltin}, nil
		case string(LocationExec):
			command, _ := v["command"].(string)
			if command == "" {
				return Location{}, fmt.Errorf("plugin %q has exec location without a command", name)
			}
			args, err := stringList(v["args"])
			if err != nil {
				return Location{}, fmt.Errorf("plugin %q has invalid args: %w", name, err)
			}
			return Location{Kind: LocationExec, Command: command, Args: args}, nil
		default:
			return Location{}, fmt.Errorf("plugin %q has unknown location %q", name, locValue)
		}

	default:
		return Location{}, fmt.Errorf("plugin %q has invalid location descriptor (want string or table)", name)
	}
}

func normalizeAssignment(step string, entry interface{}) (Assignment, error) {
	switch v := entry.(type) {
	case string:
		if v == string(ModeDiscover) {
			return Assignment{Mode: ModeDiscover}, nil
		}
		return Assignment{Mode: ModeSingleton, Plugins: []string{v}}, nil

	case []interface{}:
		plugins, err := stringList(v)
		if err != nil {
			return Assignment{}, fmt.Errorf("step %q has invalid plugin list: %w", step, err)
		}
		if len(plugins) == 0 {
			return Assignment{}, fmt.Errorf("step %q has an empty plugin list", step)
		}
		return Assignment{Mode: ModeShared, Plugins: plugins}, nil

	default:
		return Assignment{}, fmt.Errorf("step %q has invalid assignment (want plugin name, list, or \"discover\")", step)
	}
}

func stringList(entry interface{}) ([]string, error) {
	if entry == nil {
		return nil, nil
	}
	items, ok := entry.([]interface{})
	if !ok {
		return nil, fmt.Errorf("want a list of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("want a list of strings, found %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// Validate checks structural constraints and cross-table rules.
func (d *Document) Validate() error {
	if err := validator.New().Struct(d); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for step := range d.Steps {
		if err := protocol.Step(step).Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	for step, assignment := range d.Steps {
		for _, name := range assignment.Plugins {
			if _, ok := d.Plugins[name]; !ok {
				return fmt.Errorf("step %q names unregistered plugin %q", step, name)
			}
		}
	}

	return nil
}
