// Package github publishes releases to a GitHub repository: it creates
// a release for the freshly pushed tag and uploads configured assets.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-github/v73/github"
	"golang.org/x/oauth2"

	"github.com/releasekit/releasekit/pkg/protocol"
)

// DefaultTokenEnv is the environment variable holding the API token.
const DefaultTokenEnv = "GH_TOKEN"

// Config is the plugin's cfg subtree.
type Config struct {
	// Owner is the repository owner, user or organization.
	Owner string `json:"owner"`

	// Repo is the repository name.
	Repo string `json:"repo"`

	// Assets lists files to attach to the release, relative to the
	// project root.
	Assets []string `json:"assets"`

	// TokenEnv names the environment variable holding the token.
	// Defaults to GH_TOKEN.
	TokenEnv string `json:"token_env"`

	// APIURL overrides the API endpoint, for GitHub Enterprise.
	APIURL string `json:"api_url"`
}

func (c *Config) target() string { return fmt.Sprintf("github:%s/%s", c.Owner, c.Repo) }

// Plugin talks to the GitHub releases API.
type Plugin struct{}

// New creates the github plugin.
func New() *Plugin { return &Plugin{} }

// Name returns the plugin name.
func (p *Plugin) Name() string { return "github" }

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
	cfg := &Config{TokenEnv: DefaultTokenEnv}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, protocol.NewFailure(protocol.FailureConfig, "bad github configuration").WithCause(err)
		}
		if cfg.TokenEnv == "" {
			cfg.TokenEnv = DefaultTokenEnv
		}
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, protocol.NewFailure(protocol.FailureConfig, "github plugin needs owner and repo")
	}
	return cfg, nil
}

// preFlight checks the token is present and every configured asset
// exists, so a missing credential fails the run before any mutation.
func (p *Plugin) preFlight(req *protocol.StepRequest, cfg *Config) (*protocol.StepResult, error) {
	if os.Getenv(cfg.TokenEnv) == "" {
		return nil, protocol.NewFailure(protocol.FailurePrecondition,
			"github token is not set, export %s", cfg.TokenEnv)
	}
	for _, asset := range cfg.Assets {
		path := filepath.Join(req.ProjectRoot, asset)
		if _, err := os.Stat(path); err != nil {
			return nil, protocol.NewFailure(protocol.FailurePrecondition,
				"release asset %s is not readable", asset).WithCause(err)
		}
	}
	return &protocol.StepResult{}, nil
}

// publish creates the release for the new tag, attaches the assets, and
// reports the repository as a published target.
func (p *Plugin) publish(req *protocol.StepRequest, cfg *Config, host protocol.Host) (*protocol.StepResult, error) {
	var tag string
	if ok, err := req.Slot(protocol.SlotNewTag, &tag); err != nil || !ok {
		return nil, protocol.NewFailure(protocol.FailureLogic, "new_tag is not available").WithCause(err)
	}
	var notes string
	if _, err := req.Slot(protocol.SlotReleaseNotes, &notes); err != nil {
		return nil, protocol.NewFailure(protocol.FailureLogic, "bad release_notes slot").WithCause(err)
	}

	client, err := newClient(os.Getenv(cfg.TokenEnv), cfg.APIURL)
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureConfig, "bad github api url %q", cfg.APIURL).WithCause(err)
	}

	ctx := context.Background()
	release, _, err := client.Repositories.CreateRelease(ctx, cfg.Owner, cfg.Repo, &github.RepositoryRelease{
		TagName: github.Ptr(tag),
		Name:    github.Ptr(tag),
		Body:    github.Ptr(notes),
	})
	if err != nil {
		return nil, protocol.NewFailure(protocol.FailureNetwork,
			"failed to create release %s on %s/%s", tag, cfg.Owner, cfg.Repo).WithCause(err)
	}
	host.Log("info", fmt.Sprintf("created release %s on %s/%s", tag, cfg.Owner, cfg.Repo))

	for _, asset := range cfg.Assets {
		if err := uploadAsset(ctx, client, cfg, release.GetID(), req.ProjectRoot, asset); err != nil {
			return nil, err
		}
		host.Log("info", fmt.Sprintf("uploaded asset %s", asset))
	}

	result := &protocol.StepResult{}
	if err := result.Write(protocol.SlotPublishedTargets, []string{cfg.target()}); err != nil {
		return nil, err
	}
	return result, nil
}

func uploadAsset(ctx context.Context, client *github.Client, cfg *Config, releaseID int64, root, asset string) error {
	file, err := os.Open(filepath.Join(root, asset))
	if err != nil {
		return protocol.NewFailure(protocol.FailureIo, "failed to open asset %s", asset).WithCause(err)
	}
	defer file.Close()

	_, _, err = client.Repositories.UploadReleaseAsset(ctx, cfg.Owner, cfg.Repo, releaseID,
		&github.UploadOptions{Name: filepath.Base(asset)}, file)
	if err != nil {
		return protocol.NewFailure(protocol.FailureNetwork, "failed to upload asset %s", asset).WithCause(err)
	}
	return nil
}

// newClient builds an authenticated client. A non-empty apiURL points
// both the API and upload endpoints at it, for Enterprise or tests.
func newClient(token, apiURL string) (*github.Client, error) {
	httpClient := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client := github.NewClient(httpClient)
	if apiURL == "" {
		return client, nil
	}

	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	base, err := url.Parse(apiURL)
	if err != nil {
		return nil, err
	}
	client.BaseURL = base
	client.UploadURL = base
	return client, nil
}
