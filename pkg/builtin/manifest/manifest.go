// Package manifest rewrites the version field of project manifests such
// as Cargo.toml, package.json, or a YAML chart file.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// Config is the plugin's cfg subtree.
type Config struct {
	// Files lists the manifests to rewrite, relative to the project root.
	Files []string `json:"files"`

	// Key is the dotted path of the version field, "package.version" for
	// a Cargo.toml. Defaults to "version".
	Key string `json:"key"`
}

// Plugin rewrites version fields in place.
type Plugin struct{}

// New creates the manifest plugin.
func New() *Plugin { return &Plugin{} }

// Name returns the plugin name.
func (p *Plugin) Name() string { return "manifest" }

// Methods returns the advertised capability set.
func (p *Plugin) Methods() []protocol.Step {
	return []protocol.Step{protocol.StepPreFlight, protocol.StepPrepare}
}

// Run dispatches to the step method.
func (p *Plugin) Run(req *protocol.StepRequest, host protocol.Host) (*protocol.StepResult, error) {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return nil, err
	}

	switch req.Step {
	case protocol.StepPreFlight:
		return p.preFlight(req, cfg)
	case protocol.StepPrepare:
		return p.prepare(req, cfg, host)
	default:
		return nil, protocol.NewFailure(protocol.FailureLogic, "unsupported method %s", req.Step)
	}
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{Key: "version"}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, protocol.NewFailure(protocol.FailureConfig, "bad manifest configuration").WithCause(err)
		}
		if cfg.Key == "" {
			cfg.Key = "version"
		}
	}
	if len(cfg.Files) == 0 {
		return nil, protocol.NewFailure(protocol.FailureConfig, "manifest plugin needs at least one file")
	}
	return cfg, nil
}

// preFlight checks every configured manifest exists and parses, so a
// broken file fails the run before any step mutates state.
func (p *Plugin) preFlight(req *protocol.StepRequest, cfg *Config) (*protocol.StepResult, error) {
	for _, file := range cfg.Files {
		path := filepath.Join(req.ProjectRoot, file)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, protocol.NewFailure(protocol.FailurePrecondition,
				"manifest %s is not readable", file).WithCause(err)
		}
		if _, err := decode(path, data); err != nil {
			return nil, protocol.NewFailure(protocol.FailurePrecondition,
				"manifest %s does not parse", file).WithCause(err)
		}
	}
	return &protocol.StepResult{}, nil
}

// prepare rewrites the version field of every configured manifest,
// snapshotting each file before touching it.
func (p *Plugin) prepare(req *protocol.StepRequest, cfg *Config, host protocol.Host) (*protocol.StepResult, error) {
	var next string
	if ok, err := req.Slot(protocol.SlotNextVersion, &next); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "next_version is not available").WithCause(err)
	}

	var changed []string
	for _, file := range cfg.Files {
		path := filepath.Join(req.ProjectRoot, file)
		if err := host.Snapshot(path); err != nil {
			return nil, protocol.NewFailure(protocol.FailureIo, "failed to snapshot %s", file).WithCause(err)
		}
		if err := rewrite(path, cfg.Key, next); err != nil {
			return nil, err
		}
		host.Log("info", fmt.Sprintf("set %s to %s in %s", cfg.Key, next, file))
		changed = append(changed, path)
	}

	result := &protocol.StepResult{}
	if err := result.Write(protocol.SlotFilesChanged, changed); err != nil {
		return nil, err
	}
	return result, nil
}

func rewrite(path, key, next string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.NewFailure(protocol.FailureIo, "failed to read %s", path).WithCause(err)
	}

	doc, err := decode(path, data)
	if err != nil {
		return protocol.NewFailure(protocol.FailurePrecondition, "%s does not parse", path).WithCause(err)
	}

	if err := setKey(doc, strings.Split(key, "."), next); err != nil {
		return protocol.NewFailure(protocol.FailureConfig, "%s: %v", path, err)
	}

	out, err := encode(path, doc)
	if err != nil {
		return protocol.NewFailure(protocol.FailureIo, "failed to encode %s", path).WithCause(err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return protocol.NewFailure(protocol.FailureIo, "failed to write %s", path).WithCause(err)
	}
	return nil
}

// setKey walks the dotted path and replaces the leaf value.
func setKey(doc map[string]interface{}, path []string, value string) error {
	node := doc
	for i, part := range path[:len(path)-1] {
		child, ok := node[part]
		if !ok {
			return fmt.Errorf("key %s not found", strings.Join(path[:i+1], "."))
		}
		childMap, ok := child.(map[string]interface{})
		if !ok {
			return fmt.Errorf("key %s is not a table", strings.Join(path[:i+1], "."))
		}
		node = childMap
	}

	leaf := path[len(path)-1]
	if _, ok := node[leaf]; !ok {
		return fmt.Errorf("key %s not found", strings.Join(path, "."))
	}
	node[leaf] = value
	return nil
}

func decode(path string, data []byte) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
	return doc, nil
}

func encode(path string, doc map[string]interface{}) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Marshal(doc)
	case ".yaml", ".yml":
		return yaml.Marshal(doc)
	case ".json":
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
}
