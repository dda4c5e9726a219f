package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/sessions"
)

// Create returns the CLI command for creating a sandbox.
func Create() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a sandbox and remember it under a session name",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "setup",
				Usage: "Scaffold the Vite + React project and start the dev server",
				Value: true,
			},
			&cli.StringSliceFlag{
				Name:    "package",
				Aliases: []string{"p"},
				Usage:   "npm package to install after setup (repeatable)",
			},
		},
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "name",
				UsageText: "Session name (optional, generated when omitted)",
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
		},
		Action: runCreate,
	}
}

func runCreate(ctx context.Context, c *cli.Command) error {
	name := c.StringArg("name")
	setup := c.Bool("setup")
	packages := c.StringSlice("package")
	w := c.Root().Writer

	store, err := sessions.NewStore()
	if err != nil {
		return err
	}
	if name == "" {
		name = store.GenerateName()
	} else if err := sessions.ValidateName(name); err != nil {
		return fmt.Errorf("invalid session name %q: %w", name, err)
	}
	if store.Exists(name) {
		return fmt.Errorf("session %q already exists", name)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	p, closeFn, err := newRemote(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	slog.Info("creating sandbox", "backend", cfg.Backend, "session", name)
	info, err := p.Create(ctx)
	if err != nil {
		return err
	}

	if err := prepare(ctx, c, p, setup, packages); err != nil {
		p.Terminate(context.WithoutCancel(ctx))
		return err
	}

	if err := store.Add(name, sessions.Session{
		SandboxID: info.SandboxID,
		Backend:   info.Provider,
		URL:       info.URL,
		CreatedAt: info.CreatedAt,
	}); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nSandbox %q created\n", name)
	keyValue(w, "Sandbox", info.SandboxID)
	keyValue(w, "Backend", info.Provider)
	keyValue(w, "URL", info.URL)
	return nil
}

func prepare(ctx context.Context, c *cli.Command, p sandbox.Provider, setup bool, packages []string) error {
	if setup {
		slog.Info("setting up project")
		if err := p.SetupProject(ctx); err != nil {
			return fmt.Errorf("failed to set up project: %w", err)
		}
	}
	if len(packages) == 0 {
		return nil
	}

	slog.Info("installing packages", "packages", packages)
	res, err := p.InstallPackages(ctx, packages)
	if err != nil {
		return err
	}
	if !res.Success {
		fmt.Fprint(c.Root().ErrWriter, res.Stderr)
		return fmt.Errorf("npm install exited with code %d", res.ExitCode)
	}
	return nil
}
