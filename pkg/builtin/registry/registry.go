// Package registry uploads a release archive to an artifact registry
// over HTTP with bearer-token authentication.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// DefaultTokenEnv is the environment variable holding the registry token.
const DefaultTokenEnv = "REGISTRY_TOKEN"

const uploadTimeout = 2 * time.Minute

// Config is the plugin's cfg subtree.
type Config struct {
	// URL is the upload endpoint. The archive name and version are
	// appended as query parameters.
	URL string `json:"url"`

	// Method is the HTTP method, PUT by default.
	Method string `json:"method"`

	// Archive is the file uploaded, relative to the project root.
	Archive string `json:"archive"`

	// TokenEnv names the environment variable holding the bearer token.
	// Defaults to REGISTRY_TOKEN.
	TokenEnv string `json:"token_env"`
}

// Plugin pushes archives with net/http.
type Plugin struct {
	client *http.Client
}

// New creates the registry plugin.
func New() *Plugin {
	return &Plugin{client: &http.Client{Timeout: uploadTimeout}}
}

// Name returns the plugin name.
func (p *Plugin) Name() string { return "registry" }

// Methods returns the advertised capability set.
func (p *Plugin) Methods() []protocol.Step {
	return []protocol.Step{protocol.StepPreFlight, protocol.StepPublish}
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
	case protocol.StepPublish:
		return p.publish(req, cfg, host)
	default:
		return nil, protocol.NewFailure(protocol.FailureLogic, "unsupported method %s", req.Step)
	}
}

func parseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{Method: http.MethodPut, TokenEnv: DefaultTokenEnv}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, protocol.NewFailure(protocol.FailureConfig, "bad registry configuration").WithCause(err)
		}
		if cfg.Method == "" {
			cfg.Method = http.MethodPut
		}
		if cfg.TokenEnv == "" {
			cfg.TokenEnv = DefaultTokenEnv
		}
	}
	if cfg.URL == "" || cfg.Archive == "" {
		return nil, protocol.NewFailure(protocol.FailureConfig, "registry plugin needs url and archive")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, protocol.NewFailure(protocol.FailureConfig, "bad registry url %q", cfg.URL).WithCause(err)
	}
	return cfg, nil
}

// preFlight checks the token and the archive before the pipeline runs.
func (p *Plugin) preFlight(req *protocol.StepRequest, cfg *Config) (*protocol.StepResult, error) {
	if os.Getenv(cfg.TokenEnv) == "" {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"registry token is not set, export %s", cfg.TokenEnv)
	}
	path := filepath.Join(req.ProjectRoot, cfg.Archive)
	if _, err := os.Stat(path); err != nil {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"archive %s is not readable", cfg.Archive).WithCause(err)
	}
	return &protocol.StepResult{}, nil
}

// publish uploads the archive and reports the registry as a published
// target.
func (p *Plugin) publish(req *protocol.StepRequest, cfg *Config, host protocol.Host) (*protocol.StepResult, error) {
	var next string
	if ok, err := req.Slot(protocol.SlotNextVersion, &next); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "next_version is not available").WithCause(err)
	}

	data, err := os.ReadFile(filepath.Join(req.ProjectRoot, cfg.Archive))
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureIo, "failed to read archive %s", cfg.Archive).WithCause(err)
	}

	endpoint, err := uploadURL(cfg.URL, filepath.Base(cfg.Archive), next)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureConfig, "bad registry url %q", cfg.URL).WithCause(err)
	}

	httpReq, err := http.NewRequest(cfg.Method, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureConfig, "bad upload request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+os.Getenv(cfg.TokenEnv))
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureNetwork, "failed to upload to %s", cfg.URL).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, protocol.NewFailure(protocol.FailureNetwork,
			"registry rejected the upload with status %d", resp.StatusCode)
	}

	host.Log("info", fmt.Sprintf("uploaded %s version %s to %s", cfg.Archive, next, cfg.URL))

	result := &protocol.StepResult{}
	if err := result.Write(protocol.SlotPublishedTargets, []string{"registry:" + cfg.URL}); err != nil {
		return nil, err
	}
	return result, nil
}

func uploadURL(base, name, version string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("name", name)
	query.Set("version", version)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
