// Package e2e runs sandboxd's HTTP API against sandboxes on a local Docker
// daemon.
package e2e

import (
	"context"
	"fmt"
	"net/http/httptest"

	"github.com/vercel-eddie/sandboxd/pkg/api"
	"github.com/vercel-eddie/sandboxd/pkg/backend/docker"
	"github.com/vercel-eddie/sandboxd/pkg/metrics"
	"github.com/vercel-eddie/sandboxd/pkg/reaper"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

// Environment is an in-process API server over a real Docker backend.
type Environment struct {
	Backend *docker.Backend
	Manager *sandbox.Manager
	Metrics *metrics.Metrics
	Reaper  *reaper.Reaper
	Server  *httptest.Server

	remote sandbox.RemoteConfig
}

// EnvironmentConfig configures the E2E environment.
type EnvironmentConfig struct {
	// Image is the sandbox image (default: "alpine:3.20")
	Image string
	// DevPort is the port published for each sandbox (default: 8000)
	DevPort int
}

func (cfg *EnvironmentConfig) setDefaults() {
	if cfg.Image == "" {
		cfg.Image = "alpine:3.20"
	}
	if cfg.DevPort == 0 {
		cfg.DevPort = 8000
	}
}

// SetupEnvironment wires a manager, metrics, an idle reaper and the API
// server around a Docker backend. The caller must call TearDown when done.
func SetupEnvironment(ctx context.Context, cfg EnvironmentConfig) (*Environment, error) {
	cfg.setDefaults()

	backend, err := docker.New(docker.Config{Image: cfg.Image, InstanceID: "e2e"})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker backend: %w", err)
	}

	remote := sandbox.DefaultRemoteConfig()
	remote.DevPort = cfg.DevPort
	remote.Timeout = 0

	env := &Environment{
		Backend: backend,
		Metrics: metrics.New(),
		remote:  remote,
	}
	env.Manager = sandbox.NewManager(func() sandbox.Provider {
		return sandbox.NewRemote(backend, remote, nil)
	})
	env.Metrics.TrackSandboxes(env.Manager.Len)

	env.Reaper, err = reaper.New(env.Manager, "@every 1h", 0, reaper.WithRecorder(env.Metrics))
	if err != nil {
		backend.Close()
		return nil, err
	}

	srv := api.New(api.Config{Manager: env.Manager, Metrics: env.Metrics})
	env.Server = httptest.NewServer(srv.Handler())
	return env, nil
}

// NewSandbox creates a sandbox that is not registered with the manager, as
// if another process had created it.
func (e *Environment) NewSandbox(ctx context.Context) (*sandbox.Remote, error) {
	p := sandbox.NewRemote(e.Backend, e.remote, nil)
	if _, err := p.Create(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// TearDown terminates every registered sandbox and closes the server.
func (e *Environment) TearDown(ctx context.Context) {
	if e.Server != nil {
		e.Server.Close()
	}
	if e.Manager != nil {
		e.Manager.TerminateAll(ctx)
	}
	if e.Backend != nil {
		e.Backend.Close()
	}
}
