package sandbox

import (
	"context"
	"time"
)

// Backend provisions and attaches to remote sandboxes.
type Backend interface {
	// Name identifies the backend in Info.Provider and logs.
	Name() string
	Create(ctx context.Context, opts CreateOptions) (Handle, error)
	// Connect attaches to an existing sandbox. Implementations wrap
	// ErrSandboxNotFound or ErrUnreachable where they can tell.
	Connect(ctx context.Context, sandboxID string) (Handle, error)
}

type CreateOptions struct {
	Timeout time.Duration
	Ports   []int
}

// Handle is a connection to one live sandbox.
type Handle interface {
	ID() string
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
	// WriteFile creates missing parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error
	// ReadFile wraps ErrFileNotFound when path does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Host returns the public hostname (optionally with scheme) routed to port.
	Host(port int) (string, error)
	SetTimeout(ctx context.Context, d time.Duration) error
	Kill(ctx context.Context) error
}

// Downloader is implemented by handles that can sign download URLs.
type Downloader interface {
	DownloadURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// CreatedAter is implemented by handles that know when the sandbox started.
type CreatedAter interface {
	CreatedAt() time.Time
}

type ExecRequest struct {
	Argv []string
	Cwd  string
	Env  map[string]string
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
