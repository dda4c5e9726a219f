package commands

import (
	"context"
	"fmt"

	"github.com/kballard/go-shellquote"
	"github.com/urfave/cli/v3"
)

// Exec returns the CLI command for running a command in a sandbox.
func Exec() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run a command in a session's sandbox from the project root",
		ArgsUsage: "NAME -- COMMAND [ARGS...]",
		Action:    runExec,
	}
}

func runExec(ctx context.Context, c *cli.Command) error {
	args := c.Args()
	command := args.Tail()
	if len(command) > 0 && command[0] == "--" {
		command = command[1:]
	}
	if len(command) == 0 {
		return fmt.Errorf("usage: %s exec NAME -- COMMAND [ARGS...]", c.Root().Name)
	}

	a, err := attach(ctx, c, args.First())
	if err != nil {
		if a != nil {
			a.close()
		}
		return err
	}
	defer a.close()

	res, err := a.provider.RunCommand(ctx, commandLine(command))
	if err != nil {
		return err
	}
	fmt.Fprint(c.Root().Writer, res.Stdout)
	fmt.Fprint(c.Root().ErrWriter, res.Stderr)
	if !res.Success {
		return fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	return nil
}

// commandLine passes a single argument through as a shell string and quotes
// several so each stays one word.
func commandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return shellquote.Join(args...)
}
