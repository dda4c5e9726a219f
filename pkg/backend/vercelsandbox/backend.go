// Package vercelsandbox runs sandboxes on Vercel Sandbox microVMs.
package vercelsandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const (
	DefaultRuntime        = "node22"
	DefaultRequestTimeout = 30 * time.Second
	// missingFileExit is the exit code ReadFile's script uses for a missing file.
	missingFileExit = 44
	// writeChunk raw bytes encode to 64KiB, half of MAX_ARG_STRLEN.
	writeChunk = 48 << 10
)

type Config struct {
	Token     string
	TeamID    string
	ProjectID string
	Runtime   string
	BaseURL   string
	// PollInterval paces the wait for a new sandbox to reach running.
	PollInterval time.Duration
	// RequestTimeout bounds control calls. Waiting on a command is bound only
	// by the caller's context.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Backend implements sandbox.Backend on Vercel Sandbox.
type Backend struct {
	cfg Config
	c   *client
}

var _ sandbox.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.Token == "" {
		return nil, errors.New("a Vercel token is required for the vercel backend")
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("VERCEL_PROJECT_ID is required for the vercel backend")
	}
	if cfg.Runtime == "" {
		cfg.Runtime = DefaultRuntime
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{}
	}
	return &Backend{
		cfg: cfg,
		c: &client{
			baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
			token:          cfg.Token,
			teamID:         cfg.TeamID,
			projectID:      cfg.ProjectID,
			http:           h,
			requestTimeout: cfg.RequestTimeout,
		},
	}, nil
}

func (b *Backend) Name() string { return "vercel" }

func (b *Backend) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	created, err := b.c.create(ctx, b.cfg.Runtime, opts.Timeout, opts.Ports)
	if err != nil {
		return nil, err
	}
	slog.Info("vercel sandbox created", "sandbox_id", created.Sandbox.ID, "status", created.Sandbox.Status)

	sb, err := b.c.waitForRunning(ctx, created.Sandbox.ID, b.cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("wait for sandbox %s: %w", created.Sandbox.ID, err)
	}
	if len(sb.Routes) == 0 {
		sb.Routes = created.Routes
	}

	h := newHandle(b.c, sb)
	// The project root lives outside the sandbox user's home directory.
	prep := commandRequest{
		Command: "sh",
		Args:    []string{"-c", fmt.Sprintf("mkdir -p %[1]s && chown -R vercel-sandbox %[1]s", sandbox.ProjectRoot)},
		Sudo:    true,
	}
	if _, err := b.c.run(ctx, h.id, prep); err != nil {
		slog.Warn("failed to prepare project root", "sandbox_id", h.id, "error", err)
	}
	return h, nil
}

// Connect only attaches to running sandboxes.
func (b *Backend) Connect(ctx context.Context, id string) (sandbox.Handle, error) {
	sb, err := b.c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Sandbox.Status != StatusRunning {
		return nil, fmt.Errorf("sandbox %s is %s: %w", id, sb.Sandbox.Status, sandbox.ErrSandboxNotFound)
	}
	return newHandle(b.c, sb), nil
}

type Handle struct {
	c         *client
	id        string
	routes    []Route
	createdAt time.Time
}

var (
	_ sandbox.Handle      = (*Handle)(nil)
	_ sandbox.CreatedAter = (*Handle)(nil)
)

func newHandle(c *client, sb *sandboxResponse) *Handle {
	h := &Handle{c: c, id: sb.Sandbox.ID, routes: sb.Routes}
	if sb.Sandbox.CreatedAt > 0 {
		h.createdAt = time.UnixMilli(sb.Sandbox.CreatedAt)
	}
	return h
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Host returns the public route for port. Only ports requested at creation
// are routed.
func (h *Handle) Host(port int) (string, error) {
	for _, r := range h.routes {
		if r.Port != port {
			continue
		}
		if r.URL != "" {
			return r.URL, nil
		}
		return r.Subdomain, nil
	}
	return "", fmt.Errorf("port %d is not exposed by sandbox %s", port, h.id)
}

func (h *Handle) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd, err := h.c.run(ctx, h.id, commandRequest{
		Command: req.Argv[0],
		Args:    req.Argv[1:],
		Cwd:     req.Cwd,
		Env:     req.Env,
	})
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := h.c.logs(ctx, h.id, cmd.ID)
	if err != nil {
		return nil, fmt.Errorf("read command output: %w", err)
	}
	exit := -1
	if cmd.ExitCode != nil {
		exit = *cmd.ExitCode
	}
	return &sandbox.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exit}, nil
}

// WriteFile ships content base64-encoded through a shell since the API's
// native file upload takes gzip tar streams. Content goes out in chunks so no
// single argument reaches the kernel's per-argument limit.
func (h *Handle) WriteFile(ctx context.Context, p string, data []byte) error {
	target := shellquote.Join(p)
	for i, off := 0, 0; off < len(data) || i == 0; i, off = i+1, off+writeChunk {
		chunk := data[off:min(off+writeChunk, len(data))]
		script := fmt.Sprintf("printf %%s '%s' | base64 -d >> %s", base64.StdEncoding.EncodeToString(chunk), target)
		if i == 0 {
			script = fmt.Sprintf("mkdir -p %s && printf %%s '%s' | base64 -d > %s",
				shellquote.Join(path.Dir(p)), base64.StdEncoding.EncodeToString(chunk), target)
		}

		res, err := h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"sh", "-c", script}})
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", p, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("failed to write file %s: %s", p, strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

func (h *Handle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	q := shellquote.Join(p)
	script := fmt.Sprintf("test -f %s || exit %d; base64 %s", q, missingFileExit, q)
	res, err := h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"sh", "-c", script}})
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", p, err)
	}
	switch res.ExitCode {
	case 0:
	case missingFileExit:
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrFileNotFound)
	default:
		return nil, fmt.Errorf("failed to read file %s: %s", p, strings.TrimSpace(res.Stderr))
	}

	encoded := strings.Join(strings.Fields(res.Stdout), "")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return data, nil
}

func (h *Handle) SetTimeout(ctx context.Context, d time.Duration) error {
	return h.c.extendTimeout(ctx, h.id, d)
}

func (h *Handle) Kill(ctx context.Context) error {
	err := h.c.stop(ctx, h.id)
	if errors.Is(err, sandbox.ErrSandboxNotFound) {
		return nil
	}
	return err
}
