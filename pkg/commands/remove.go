package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

// Remove returns the CLI command for terminating a sandbox.
func Remove() *cli.Command {
	return &cli.Command{
		Name:    "remove",
		Aliases: []string{"rm"},
		Usage:   "Terminate a session's sandbox and forget the session",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "name",
				UsageText: "Name of the session to remove",
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
		},
		Action: runRemove,
	}
}

func runRemove(ctx context.Context, c *cli.Command) error {
	name := c.StringArg("name")

	a, err := attach(ctx, c, name)
	switch {
	case errors.Is(err, errSandboxGone):
		slog.Warn("sandbox already gone, forgetting session", "session", name)
	case err != nil:
		return err
	default:
		a.provider.Terminate(ctx)
	}
	defer a.close()

	if err := a.store.Remove(name); err != nil {
		return err
	}
	fmt.Fprintf(c.Root().Writer, "Session %q removed\n", name)
	return nil
}
