package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/vercel-eddie/sandboxd/pkg/readiness"
)

const (
	// ProjectRoot is the directory every relative path resolves against.
	ProjectRoot = "/home/user/app"

	// DefaultDevPort is the port the scaffolded dev server listens on.
	DefaultDevPort = 5173

	// faultExitCode is reported when a command could not be executed at all.
	faultExitCode = 1
)

// IgnoredDirs are never descended into when listing project files.
var IgnoredDirs = []string{"node_modules", ".git", ".next", "dist", "build"}

// RemoteConfig tunes a Remote provider.
type RemoteConfig struct {
	// Timeout is the idle timeout requested from the backend.
	Timeout time.Duration
	DevPort int
	// LegacyPeerDeps adds --legacy-peer-deps to npm install.
	LegacyPeerDeps bool
	// AutoRestart restarts the dev server after a successful package install.
	AutoRestart bool
	// DevServer bounds the wait for the dev server port.
	DevServer   readiness.Poller
	DownloadTTL time.Duration
}

// DefaultRemoteConfig waits up to 60s for the dev server.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Timeout:        15 * time.Minute,
		DevPort:        DefaultDevPort,
		LegacyPeerDeps: true,
		AutoRestart:    true,
		DevServer: readiness.Poller{
			Name:     "dev-server",
			Attempts: 120,
			Interval: 500 * time.Millisecond,
		},
		DownloadTTL: 5 * time.Minute,
	}
}

// Remote is a Provider driving a sandbox through a Backend.
type Remote struct {
	backend   Backend
	publisher Publisher
	cfg       RemoteConfig
	now       func() time.Time

	mu      sync.Mutex
	handle  Handle
	info    *Info
	tracked map[string]struct{}
}

var (
	_ Provider    = (*Remote)(nil)
	_ Reconnector = (*Remote)(nil)
)

// NewRemote returns an uninitialized provider. publisher may be nil, in which
// case Publish reports ErrUnsupported.
func NewRemote(backend Backend, cfg RemoteConfig, publisher Publisher) *Remote {
	if cfg.DevPort == 0 {
		cfg.DevPort = DefaultDevPort
	}
	return &Remote{
		backend:   backend,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		tracked:   make(map[string]struct{}),
	}
}

// Create tears down any sandbox this provider holds and provisions a new one.
func (p *Remote) Create(ctx context.Context) (*Info, error) {
	p.mu.Lock()
	prev := p.handle
	p.handle = nil
	p.info = nil
	p.tracked = make(map[string]struct{})
	p.mu.Unlock()

	if prev != nil {
		if err := prev.Kill(ctx); err != nil {
			slog.Error("failed to close existing sandbox", "sandbox_id", prev.ID(), "error", err)
		}
	}

	h, err := p.backend.Create(ctx, CreateOptions{Timeout: p.cfg.Timeout, Ports: []int{p.cfg.DevPort}})
	if err != nil {
		return nil, &ProvisionError{Backend: p.backend.Name(), Err: err}
	}

	url, err := p.publicURL(h)
	if err != nil {
		if kerr := h.Kill(ctx); kerr != nil {
			slog.Warn("failed to kill sandbox after host lookup failure", "sandbox_id", h.ID(), "error", kerr)
		}
		return nil, &ProvisionError{Backend: p.backend.Name(), Err: err}
	}
	p.extendTimeout(ctx, h)

	info := &Info{
		SandboxID: h.ID(),
		URL:       url,
		Provider:  p.backend.Name(),
		CreatedAt: p.now(),
	}

	p.mu.Lock()
	p.handle = h
	p.info = info
	p.mu.Unlock()

	slog.Info("sandbox created", "sandbox_id", info.SandboxID, "backend", info.Provider, "url", info.URL)
	return p.Info(), nil
}

// Reconnect attaches to a running sandbox. Unknown or unreachable ids yield
// false with a nil error; other backend faults are returned.
func (p *Remote) Reconnect(ctx context.Context, sandboxID string) (bool, error) {
	h, err := p.backend.Connect(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, ErrSandboxNotFound) || errors.Is(err, ErrUnreachable) {
			slog.Warn("failed to reconnect to sandbox", "sandbox_id", sandboxID, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("reconnect to sandbox %s: %w", sandboxID, err)
	}

	url, err := p.publicURL(h)
	if err != nil {
		slog.Warn("failed to resolve host for reconnected sandbox", "sandbox_id", sandboxID, "error", err)
		return false, nil
	}
	p.extendTimeout(ctx, h)

	info := &Info{
		SandboxID:            sandboxID,
		URL:                  url,
		Provider:             p.backend.Name(),
		CreatedAt:            p.now(),
		CreatedAtApproximate: true,
	}
	if ca, ok := h.(CreatedAter); ok && !ca.CreatedAt().IsZero() {
		info.CreatedAt = ca.CreatedAt()
		info.CreatedAtApproximate = false
	}

	p.mu.Lock()
	p.handle = h
	p.info = info
	p.tracked = make(map[string]struct{})
	p.mu.Unlock()

	slog.Info("sandbox reconnected", "sandbox_id", sandboxID, "backend", info.Provider)
	return true, nil
}

// RunCommand executes cmd from the project root. Only ErrNotInitialized is
// returned as an error; execution faults are reported through the result.
func (p *Remote) RunCommand(ctx context.Context, cmd string) (*CommandResult, error) {
	h, err := p.active()
	if err != nil {
		return nil, err
	}
	argv, err := shellquote.Split(cmd)
	if err != nil {
		return newCommandResult("", fmt.Sprintf("invalid command: %v", err), faultExitCode), nil
	}
	if len(argv) == 0 {
		return newCommandResult("", "empty command", faultExitCode), nil
	}
	return p.exec(ctx, h, argv), nil
}

func (p *Remote) exec(ctx context.Context, h Handle, argv []string) *CommandResult {
	res, err := h.Exec(ctx, ExecRequest{Argv: argv, Cwd: ProjectRoot})
	if err != nil {
		slog.Warn("command execution failed", "sandbox_id", h.ID(), "command", shellquote.Join(argv...), "error", err)
		return newCommandResult("", err.Error(), faultExitCode)
	}
	return newCommandResult(res.Stdout, res.Stderr, res.ExitCode)
}

func (p *Remote) WriteFile(ctx context.Context, filePath string, content []byte) error {
	h, err := p.active()
	if err != nil {
		return err
	}
	full, err := resolveProjectPath(filePath)
	if err != nil {
		return err
	}
	if err := h.WriteFile(ctx, full, content); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}

	p.mu.Lock()
	p.tracked[relativePath(full)] = struct{}{}
	p.mu.Unlock()
	return nil
}

func (p *Remote) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	h, err := p.active()
	if err != nil {
		return nil, err
	}
	full, err := resolveProjectPath(filePath)
	if err != nil {
		return nil, err
	}
	data, err := h.ReadFile(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", full, err)
	}
	return data, nil
}

// ListFiles returns files under dir (the project root when empty) relative to
// dir, skipping IgnoredDirs. A missing or empty directory yields no paths.
func (p *Remote) ListFiles(ctx context.Context, dir string) ([]string, error) {
	h, err := p.active()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = ProjectRoot
	}
	if dir, err = resolveProjectPath(dir); err != nil {
		return nil, err
	}

	res, err := h.Exec(ctx, ExecRequest{Argv: findArgv(dir), Cwd: ProjectRoot})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if res.ExitCode != 0 {
		slog.Debug("find exited non-zero", "dir", dir, "exit_code", res.ExitCode, "stderr", res.Stderr)
	}

	files := []string{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == dir {
			continue
		}
		rel := strings.TrimPrefix(line, strings.TrimSuffix(dir, "/")+"/")
		if ignored(rel) {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)
	return files, nil
}

func findArgv(dir string) []string {
	argv := []string{"find", dir, "-type", "d", "("}
	for i, name := range IgnoredDirs {
		if i > 0 {
			argv = append(argv, "-o")
		}
		argv = append(argv, "-name", name)
	}
	return append(argv, ")", "-prune", "-o", "-type", "f", "-print")
}

func ignored(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		for _, name := range IgnoredDirs {
			if seg == name {
				return true
			}
		}
	}
	return false
}

// GetDownloadURL returns a signed, time-limited URL for a file in the sandbox.
func (p *Remote) GetDownloadURL(ctx context.Context, filePath string) (string, error) {
	h, err := p.active()
	if err != nil {
		return "", err
	}
	d, ok := h.(Downloader)
	if !ok {
		return "", fmt.Errorf("download url: %w", ErrUnsupported)
	}
	full, err := resolveProjectPath(filePath)
	if err != nil {
		return "", err
	}
	return d.DownloadURL(ctx, full, p.cfg.DownloadTTL)
}

// Publish runs the configured Publisher against this sandbox's files.
func (p *Remote) Publish(ctx context.Context) (*PublishResult, error) {
	if _, err := p.active(); err != nil {
		return nil, err
	}
	if p.publisher == nil {
		return nil, fmt.Errorf("publish: %w", ErrUnsupported)
	}
	return p.publisher.Publish(ctx, publishSource{p})
}

// Terminate kills the remote sandbox and always resets local state.
func (p *Remote) Terminate(ctx context.Context) {
	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.info = nil
	p.tracked = make(map[string]struct{})
	p.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.Kill(ctx); err != nil {
		slog.Error("failed to terminate sandbox", "sandbox_id", h.ID(), "error", err)
		return
	}
	slog.Info("sandbox terminated", "sandbox_id", h.ID())
}

func (p *Remote) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil
}

// Info returns a copy of the sandbox description, or nil when uninitialized.
func (p *Remote) Info() *Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info == nil {
		return nil
	}
	info := *p.info
	return &info
}

// RestoreProjectName carries a project name from an earlier process so the
// next Publish updates that project. It has no effect before Create or
// Reconnect.
func (p *Remote) RestoreProjectName(name string) {
	publishSource{p}.SetDeployedProjectName(name)
}

func (p *Remote) TrackedFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	files := make([]string, 0, len(p.tracked))
	for f := range p.tracked {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

func (p *Remote) active() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == nil {
		return nil, ErrNotInitialized
	}
	return p.handle, nil
}

func (p *Remote) publicURL(h Handle) (string, error) {
	host, err := h.Host(p.cfg.DevPort)
	if err != nil {
		return "", fmt.Errorf("resolve host for port %d: %w", p.cfg.DevPort, err)
	}
	if strings.Contains(host, "://") {
		return host, nil
	}
	return "https://" + host, nil
}

func (p *Remote) extendTimeout(ctx context.Context, h Handle) {
	if p.cfg.Timeout <= 0 {
		return
	}
	if err := h.SetTimeout(ctx, p.cfg.Timeout); err != nil && !errors.Is(err, ErrUnsupported) {
		slog.Warn("failed to extend sandbox timeout", "sandbox_id", h.ID(), "error", err)
	}
}

// ResolvePath maps a relative path under ProjectRoot. Absolute paths are
// only cleaned.
func ResolvePath(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(ProjectRoot, p)
}

// resolveProjectPath is ResolvePath for caller-supplied paths. Absolute paths
// pass through; relative ones must stay under ProjectRoot.
func resolveProjectPath(p string) (string, error) {
	full := ResolvePath(p)
	if strings.HasPrefix(p, "/") || full == ProjectRoot || strings.HasPrefix(full, ProjectRoot+"/") {
		return full, nil
	}
	return "", fmt.Errorf("%s: %w", p, ErrPathOutsideProject)
}

func relativePath(full string) string {
	if rel, ok := strings.CutPrefix(full, ProjectRoot+"/"); ok {
		return rel
	}
	return full
}

type publishSource struct{ p *Remote }

func (s publishSource) ListFiles(ctx context.Context, dir string) ([]string, error) {
	return s.p.ListFiles(ctx, dir)
}

func (s publishSource) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	return s.p.ReadFile(ctx, filePath)
}

func (s publishSource) DeployedProjectName() string {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.info == nil {
		return ""
	}
	return s.p.info.DeployedProjectName
}

func (s publishSource) SetDeployedProjectName(name string) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.info != nil {
		s.p.info.DeployedProjectName = name
	}
}
