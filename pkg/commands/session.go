package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/sessions"
)

var errSandboxGone = errors.New("sandbox is no longer running")

// attached is a named session reconnected through its own backend.
type attached struct {
	name     string
	session  sessions.Session
	store    *sessions.Store
	provider *sandbox.Remote
	close    func()
}

// attach looks up name in the session store and reconnects to its sandbox.
// When the sandbox is gone the returned error wraps errSandboxGone and the
// session is still returned so callers can forget it.
func attach(ctx context.Context, c *cli.Command, name string) (*attached, error) {
	if name == "" {
		return nil, errors.New("session name is required")
	}
	store, err := sessions.NewStore()
	if err != nil {
		return nil, err
	}
	session, ok := store.Get(name)
	if !ok {
		return nil, fmt.Errorf("no session named %q found", name)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if session.Backend != "" {
		cfg.Backend = session.Backend
	}
	p, closeFn, err := newRemote(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &attached{name: name, session: session, store: store, provider: p, close: closeFn}
	ok, err = p.Reconnect(ctx, session.SandboxID)
	if err != nil {
		closeFn()
		return nil, err
	}
	if !ok {
		return a, fmt.Errorf("session %q (%s): %w", name, session.SandboxID, errSandboxGone)
	}
	if session.ProjectName != "" {
		p.RestoreProjectName(session.ProjectName)
	}
	return a, nil
}

func keyValue(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %-12s %s\n", key+":", value)
}

// humanAge returns the shortest unit: "30s", "5m", "2h", "3d".
func humanAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
