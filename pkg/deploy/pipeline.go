// Package deploy publishes a sandbox's project files to Vercel.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/readiness"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/vercel"
)

// Deployment outcomes reported to a Recorder.
const (
	ResultReady    = "ready"
	ResultPending  = "pending"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
	ResultEmpty    = "empty"
)

type Config struct {
	ProjectPrefix   string
	PublicDomain    string
	ProjectSettings vercel.ProjectSettings
	Target          string
	// Build bounds the wait for READY. Exhaustion is not an error.
	Build readiness.Poller
	// Propagation bounds the wait for the public URL. Exhaustion is not an
	// error.
	Propagation readiness.Poller
	// DNSServer, when set, must resolve the public host before HTTP probing.
	DNSServer string
}

// DefaultConfig polls the build for up to 60s and the public URL for 10s.
func DefaultConfig() Config {
	return Config{
		ProjectPrefix: vercel.DefaultProjectPrefix,
		PublicDomain:  vercel.DefaultDomain,
		ProjectSettings: vercel.ProjectSettings{
			Framework:       "vite",
			BuildCommand:    "npm run build",
			OutputDirectory: "dist",
		},
		Target:      "production",
		Build:       readiness.Poller{Name: "deployment-build", Attempts: 30, Interval: 2 * time.Second},
		Propagation: readiness.Poller{Name: "deployment-propagation", Attempts: 20, Interval: 500 * time.Millisecond},
	}
}

// Recorder observes finished publishes.
type Recorder interface {
	DeploymentFinished(result string, elapsed time.Duration)
}

// Pipeline implements sandbox.Publisher against the Vercel deployments API.
type Pipeline struct {
	client   vercel.Client
	cfg      Config
	newName  func() string
	probeFor func(publicURL string) readiness.Probe
	recorder Recorder
	now      func() time.Time
}

var _ sandbox.Publisher = (*Pipeline)(nil)

type Option func(*Pipeline)

// WithNameGenerator overrides random project names.
func WithNameGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newName = fn }
}

// WithPropagationProbe overrides how the public URL is checked.
func WithPropagationProbe(fn func(publicURL string) readiness.Probe) Option {
	return func(p *Pipeline) { p.probeFor = fn }
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func New(client vercel.Client, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
	p.newName = func() string { return vercel.GenerateProjectName(p.cfg.ProjectPrefix) }
	p.probeFor = p.defaultProbe
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) defaultProbe(publicURL string) readiness.Probe {
	probe := readiness.Probe(readiness.HTTP{
		URL:    publicURL,
		Client: &http.Client{Timeout: 5 * time.Second},
	})
	if p.cfg.DNSServer == "" {
		return probe
	}
	host := strings.TrimPrefix(publicURL, "https://")
	return readiness.All(readiness.DNS{Name: host, Server: p.cfg.DNSServer}, probe)
}

// Publish uploads every readable project file and waits for the build.
func (p *Pipeline) Publish(ctx context.Context, src sandbox.PublishSource) (*sandbox.PublishResult, error) {
	started := p.now()
	result, outcome, err := p.publish(ctx, src)
	if p.recorder != nil {
		p.recorder.DeploymentFinished(outcome, p.now().Sub(started))
	}
	return result, err
}

func (p *Pipeline) publish(ctx context.Context, src sandbox.PublishSource) (*sandbox.PublishResult, string, error) {
	files, err := p.collect(ctx, src)
	if err != nil {
		return nil, ResultFailed, err
	}
	if len(files) == 0 {
		return nil, ResultEmpty, sandbox.ErrNoFilesToPublish
	}

	name := src.DeployedProjectName()
	if name == "" {
		name = p.newName()
		src.SetDeployedProjectName(name)
	}

	slog.Info("submitting deployment", "project", name, "files", len(files))
	d, err := p.client.CreateDeployment(ctx, vercel.CreateDeploymentRequest{
		Name:            name,
		Files:           files,
		ProjectSettings: p.cfg.ProjectSettings,
		Target:          p.cfg.Target,
	})
	if err != nil {
		var apiErr *vercel.APIError
		if errors.As(err, &apiErr) {
			return nil, ResultRejected, &sandbox.DeploymentRejectedError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return nil, ResultFailed, fmt.Errorf("submit deployment: %w", err)
	}

	outcome := ResultReady
	if err := p.waitForBuild(ctx, d.ID); err != nil {
		var buildErr *sandbox.DeploymentBuildError
		switch {
		case errors.As(err, &buildErr):
			return nil, ResultFailed, err
		case errors.Is(err, readiness.ErrExhausted):
			slog.Warn("deployment still building, continuing", "deployment_id", d.ID, "error", err)
			outcome = ResultPending
		default:
			return nil, ResultFailed, err
		}
	}

	publicURL := vercel.PublicURL(name, p.cfg.PublicDomain)
	if _, err := p.cfg.Propagation.Poll(ctx, p.probeFor(publicURL)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ResultFailed, ctxErr
		}
		slog.Warn("public url not reachable yet", "url", publicURL, "error", err)
	}

	return &sandbox.PublishResult{
		URL:          publicURL,
		InspectURL:   vercel.InspectURL(p.client.TeamID(), d.ID),
		DeploymentID: d.ID,
		ProjectName:  name,
	}, outcome, nil
}

func (p *Pipeline) collect(ctx context.Context, src sandbox.PublishSource) ([]vercel.File, error) {
	paths, err := src.ListFiles(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list project files: %w", err)
	}

	files := make([]vercel.File, 0, len(paths))
	for _, path := range paths {
		data, err := src.ReadFile(ctx, path)
		if err != nil {
			slog.Warn("failed to read file for deployment, skipping", "path", path, "error", err)
			continue
		}
		files = append(files, vercel.NewFile(path, data))
	}
	return files, nil
}

func (p *Pipeline) waitForBuild(ctx context.Context, id string) error {
	probe := readiness.ProbeFunc(func(ctx context.Context) error {
		d, err := p.client.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		switch d.ReadyState {
		case vercel.StateReady:
			return nil
		case vercel.StateError:
			return readiness.Stop(&sandbox.DeploymentBuildError{DeploymentID: id, Message: d.FailureMessage()})
		case vercel.StateCanceled:
			return readiness.Stop(&sandbox.DeploymentBuildError{DeploymentID: id, Message: "deployment was canceled"})
		default:
			return fmt.Errorf("deployment %s is %s", id, d.ReadyState)
		}
	})

	attempts, err := p.cfg.Build.Poll(ctx, probe)
	if err == nil {
		slog.Info("deployment ready", "deployment_id", id, "attempts", attempts)
	}
	return err
}
