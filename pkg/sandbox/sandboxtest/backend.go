// Package sandboxtest provides an in-memory sandbox backend for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

// ExecFunc overrides command handling. Returning handled=false falls back to
// the built-in interpreter.
type ExecFunc func(sb *Sandbox, req sandbox.ExecRequest) (res *sandbox.ExecResult, err error, handled bool)

// Backend keeps sandboxes and their file trees in memory.
type Backend struct {
	Domain     string
	CreateErr  error
	ConnectErr error
	KillErr    error
	Exec       ExecFunc

	mu        sync.Mutex
	seq       int
	sandboxes map[string]*Sandbox
}

var _ sandbox.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{Domain: "sandbox.test", sandboxes: make(map[string]*Sandbox)}
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) Create(_ context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateErr != nil {
		return nil, b.CreateErr
	}
	b.seq++
	sb := &Sandbox{
		id:      fmt.Sprintf("sbx-%d", b.seq),
		backend: b,
		files:   make(map[string][]byte),
		timeout: opts.Timeout,
	}
	b.sandboxes[sb.id] = sb
	return sb, nil
}

func (b *Backend) Connect(_ context.Context, id string) (sandbox.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}
	sb, ok := b.sandboxes[id]
	if !ok || sb.killed {
		return nil, fmt.Errorf("sandbox %s: %w", id, sandbox.ErrSandboxNotFound)
	}
	return sb, nil
}

// Seed registers a running sandbox with the given id, as if created by a
// previous process.
func (b *Backend) Seed(id string, files map[string]string) *Sandbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb := &Sandbox{id: id, backend: b, files: make(map[string][]byte)}
	for p, c := range files {
		sb.files[sandbox.ResolvePath(p)] = []byte(c)
	}
	b.sandboxes[id] = sb
	return sb
}

// Get returns the sandbox with id, including killed ones.
func (b *Backend) Get(id string) (*Sandbox, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sb, ok := b.sandboxes[id]
	return sb, ok
}

// Sandbox is one in-memory sandbox.
type Sandbox struct {
	id      string
	backend *Backend

	mu      sync.Mutex
	files   map[string][]byte
	killed  bool
	timeout time.Duration
	execs   [][]string
}

var (
	_ sandbox.Handle     = (*Sandbox)(nil)
	_ sandbox.Downloader = (*Sandbox)(nil)
)

func (s *Sandbox) ID() string { return s.id }

func (s *Sandbox) Exec(_ context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	s.mu.Lock()
	s.execs = append(s.execs, req.Argv)
	s.mu.Unlock()

	if fn := s.backend.Exec; fn != nil {
		if res, err, handled := fn(s, req); handled {
			return res, err
		}
	}
	return s.interpret(req), nil
}

func (s *Sandbox) interpret(req sandbox.ExecRequest) *sandbox.ExecResult {
	argv := req.Argv
	switch argv[0] {
	case "find":
		return &sandbox.ExecResult{Stdout: s.find(argv)}
	case "test":
		if len(argv) == 3 && argv[1] == "-f" {
			if _, ok := s.File(argv[2]); ok {
				return &sandbox.ExecResult{}
			}
		}
		return &sandbox.ExecResult{ExitCode: 1}
	case "false":
		return &sandbox.ExecResult{ExitCode: 1}
	case "echo":
		return &sandbox.ExecResult{Stdout: strings.Join(argv[1:], " ") + "\n"}
	case "zip":
		s.Put("/tmp/project.zip", "PK")
		return &sandbox.ExecResult{Stdout: "adding: files\n"}
	}
	return &sandbox.ExecResult{}
}

// find emulates `find DIR -type d ( -name A -o -name B ) -prune -o -type f -print`.
func (s *Sandbox) find(argv []string) string {
	dir := strings.TrimSuffix(argv[1], "/")
	pruned := map[string]bool{}
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == "-name" {
			pruned[argv[i+1]] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p := range s.files {
		rel, ok := strings.CutPrefix(p, dir+"/")
		if !ok {
			continue
		}
		skip := false
		for _, seg := range strings.Split(path.Dir(rel), "/") {
			if pruned[seg] {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\n") + "\n"
}

func (s *Sandbox) WriteFile(_ context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = append([]byte(nil), data...)
	return nil
}

func (s *Sandbox) ReadFile(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrFileNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *Sandbox) Host(port int) (string, error) {
	return fmt.Sprintf("%d-%s.%s", port, s.id, s.backend.Domain), nil
}

func (s *Sandbox) SetTimeout(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
	return nil
}

func (s *Sandbox) Kill(context.Context) error {
	if s.backend.KillErr != nil {
		return s.backend.KillErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
	return nil
}

func (s *Sandbox) DownloadURL(_ context.Context, p string, ttl time.Duration) (string, error) {
	q := url.Values{"path": {p}, "expires": {fmt.Sprint(int(ttl.Seconds()))}}
	return fmt.Sprintf("https://49983-%s.%s/files?%s", s.id, s.backend.Domain, q.Encode()), nil
}

// Put stores content at an absolute path.
func (s *Sandbox) Put(p, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = []byte(content)
}

// File returns the content at an absolute path.
func (s *Sandbox) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[p]
	return data, ok
}

func (s *Sandbox) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *Sandbox) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Execs returns every argv executed so far.
func (s *Sandbox) Execs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.execs...)
}
