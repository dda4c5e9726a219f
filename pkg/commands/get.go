package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/vercel-eddie/sandboxd/pkg/sessions"
)

// Get returns the CLI command for listing or inspecting sessions.
func Get() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "List sessions or show details of a specific session",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name:      "name",
				UsageText: "Name of the session to inspect (optional, omit to list all)",
				Config: cli.StringConfig{
					TrimSpace: true,
				},
			},
		},
		Action: runGet,
	}
}

func runGet(ctx context.Context, c *cli.Command) error {
	name := c.StringArg("name")
	w := c.Root().Writer

	if name == "" {
		store, err := sessions.NewStore()
		if err != nil {
			return err
		}
		return listSessions(w, store)
	}

	a, err := attach(ctx, c, name)
	status := "running"
	switch {
	case errors.Is(err, errSandboxGone):
		status = "gone"
	case err != nil:
		return err
	}
	defer a.close()

	s := a.session
	fmt.Fprintln(w)
	keyValue(w, "Name", name)
	keyValue(w, "Status", status)
	keyValue(w, "Sandbox", s.SandboxID)
	keyValue(w, "Backend", s.Backend)
	keyValue(w, "URL", s.URL)
	keyValue(w, "Age", humanAge(s.CreatedAt))
	if s.ProjectName != "" {
		keyValue(w, "Project", s.ProjectName)
	}
	if info := a.provider.Info(); info != nil && info.CreatedAtApproximate {
		keyValue(w, "Note", "creation time not reported by backend")
	}
	fmt.Fprintln(w)
	return nil
}

func listSessions(w io.Writer, store *sessions.Store) error {
	names := store.Names()
	if len(names) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}

	fmt.Fprintf(w, "%-24s %-8s %-32s %s\n", "NAME", "BACKEND", "SANDBOX", "AGE")
	for _, name := range names {
		s, _ := store.Get(name)
		fmt.Fprintf(w, "%-24s %-8s %-32s %s\n", name, s.Backend, s.SandboxID, humanAge(s.CreatedAt))
	}
	return nil
}
