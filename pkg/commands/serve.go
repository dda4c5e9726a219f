package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/vercel-eddie/sandboxd/pkg/api"
	"github.com/vercel-eddie/sandboxd/pkg/metrics"
	"github.com/vercel-eddie/sandboxd/pkg/reaper"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

func Serve() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the sandbox HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Address to bind the server to (overrides the config file)",
			},
			&cli.BoolFlag{
				Name:  "keep-sandboxes",
				Usage: "Leave registered sandboxes running on shutdown",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}

	backend, closeFn, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	m := metrics.New()
	publisher := newPublisher(cfg, m)
	remoteCfg := cfg.Remote()
	manager := sandbox.NewManager(func() sandbox.Provider {
		return sandbox.NewRemote(backend, remoteCfg, publisher)
	})
	m.TrackSandboxes(manager.Len)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cleanup.Schedule != "" {
		r, err := reaper.New(manager, cfg.Cleanup.Schedule, cfg.Cleanup.MaxIdle, reaper.WithRecorder(m))
		if err != nil {
			return err
		}
		r.Start(ctx)
		defer r.Stop()
	}

	srv := api.New(api.Config{Addr: cfg.Addr, Manager: manager, Metrics: m})
	slog.Info("serving sandboxes", "backend", backend.Name(), "version", Version, "publishing", publisher != nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		drain(srv, manager, c.Bool("keep-sandboxes"))
		return nil
	}
}

var (
	serverShutdownTimeout = 10 * time.Second
	teardownTimeout       = 30 * time.Second
)

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type terminator interface {
	TerminateAll(ctx context.Context)
}

// drain stops the API server, then kills every registered sandbox unless
// keep is set. Each step gets its own deadline.
func drain(srv shutdowner, sandboxes terminator, keep bool) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api server shutdown", "error", err)
	}
	cancel()

	if keep {
		return
	}
	teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	sandboxes.TerminateAll(teardownCtx)
}
