package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/sessions"
)

// Publish returns the CLI command for deploying a session's project.
func Publish() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Deploy a session's project to Vercel",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "name",
				UsageText: "Name of the session to publish",
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
		},
		Action: runPublish,
	}
}

func runPublish(ctx context.Context, c *cli.Command) error {
	a, err := attach(ctx, c, c.StringArg("name"))
	if err != nil {
		if a != nil {
			a.close()
		}
		return err
	}
	defer a.close()

	slog.Info("publishing project", "session", a.name, "sandbox_id", a.session.SandboxID)
	res, err := a.provider.Publish(ctx)
	if err != nil {
		return err
	}

	if res.ProjectName != "" && res.ProjectName != a.session.ProjectName {
		if err := a.store.Update(a.name, func(s *sessions.Session) { s.ProjectName = res.ProjectName }); err != nil {
			slog.Warn("failed to remember project name", "session", a.name, "error", err)
		}
	}

	w := c.Root().Writer
	fmt.Fprintln(w, "\nProject published")
	keyValue(w, "URL", res.URL)
	keyValue(w, "Inspect", res.InspectURL)
	return nil
}

// Zip returns the CLI command for exporting a session's project as a zip.
func Zip() *cli.Command {
	return &cli.Command{
		Name:  "zip",
		Usage: "Archive a session's project and print a signed download URL",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "name",
				UsageText: "Name of the session to archive",
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
		},
		Action: runZip,
	}
}

func runZip(ctx context.Context, c *cli.Command) error {
	a, err := attach(ctx, c, c.StringArg("name"))
	if err != nil {
		if a != nil {
			a.close()
		}
		return err
	}
	defer a.close()

	url, err := sandbox.ExportArchive(ctx, a.provider)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Root().Writer, url)
	return nil
}
