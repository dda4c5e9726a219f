package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/vercel-eddie/sandboxd/pkg/backend/docker"
	"github.com/vercel-eddie/sandboxd/pkg/backend/e2b"
	"github.com/vercel-eddie/sandboxd/pkg/backend/kube"
	"github.com/vercel-eddie/sandboxd/pkg/backend/vercelsandbox"
	"github.com/vercel-eddie/sandboxd/pkg/config"
	"github.com/vercel-eddie/sandboxd/pkg/deploy"
	"github.com/vercel-eddie/sandboxd/pkg/identity"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/vercel"
)

// Version is set by main.
var Version = "dev"

// Swapped out in tests.
var (
	newBackend   = backendFromConfig
	newPublisher = publisherFromConfig
)

// loadConfig reads the root --config file and applies the --backend override.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.Root().String("config"))
	if err != nil {
		return nil, err
	}
	if b := c.Root().String("backend"); b != "" {
		cfg.Backend = b
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// backendFromConfig builds the configured backend. The returned close
// function releases client resources and is never nil.
func backendFromConfig(ctx context.Context, cfg *config.Config) (sandbox.Backend, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case "e2b":
		b, err := e2b.New(e2b.Config{
			APIKey:   cfg.E2B.APIKey,
			Domain:   cfg.E2B.Domain,
			Template: cfg.E2B.Template,
			APIURL:   cfg.E2B.APIURL,
		})
		return b, noop, err

	case "vercel":
		b, err := vercelsandbox.New(vercelsandbox.Config{
			Token:     cfg.Vercel.Token,
			TeamID:    cfg.Vercel.TeamID,
			ProjectID: cfg.Vercel.ProjectID,
			Runtime:   cfg.Vercel.Runtime,
		})
		return b, noop, err

	case "docker":
		instanceID, err := identity.EnsureInstanceID()
		if err != nil {
			return nil, noop, err
		}
		b, err := docker.New(docker.Config{
			Image:      cfg.Docker.Image,
			HostIP:     cfg.Docker.HostIP,
			InstanceID: instanceID,
		})
		if err != nil {
			return nil, noop, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Debug("failed to close docker client", "error", err)
			}
		}, nil

	case "kube":
		instanceID, err := identity.EnsureInstanceID()
		if err != nil {
			return nil, noop, err
		}
		b, err := kube.New(kube.Config{
			Kubeconfig:    cfg.Kube.Kubeconfig,
			Context:       cfg.Kube.Context,
			Namespace:     cfg.Kube.Namespace,
			Image:         cfg.Kube.Image,
			IngressDomain: cfg.Kube.IngressDomain,
			InstanceID:    instanceID,
		})
		return b, noop, err
	}
	return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// publisherFromConfig returns nil when no Vercel token can be found, which
// leaves publishing unsupported rather than failing every other command.
func publisherFromConfig(cfg *config.Config, rec deploy.Recorder) sandbox.Publisher {
	token := cfg.Vercel.Token
	if token == "" {
		var err error
		token, err = vercel.LoadToken()
		if err != nil {
			if !errors.Is(err, vercel.ErrNoToken) {
				slog.Warn("failed to load vercel token", "error", err)
			}
			slog.Debug("publishing disabled: no vercel token")
			return nil
		}
	}

	teamID := cfg.Vercel.TeamID
	if teamID == "" {
		teamID = vercel.LoadTeamID(".")
	}

	var opts []deploy.Option
	if rec != nil {
		opts = append(opts, deploy.WithRecorder(rec))
	}
	return deploy.New(vercel.NewClient(token, teamID), cfg.Pipeline(), opts...)
}

// newRemote builds an uninitialized provider for the configured backend.
func newRemote(ctx context.Context, cfg *config.Config) (*sandbox.Remote, func(), error) {
	b, closeFn, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, closeFn, fmt.Errorf("failed to create %s backend: %w", cfg.Backend, err)
	}
	return sandbox.NewRemote(b, cfg.Remote(), newPublisher(cfg, nil)), closeFn, nil
}
