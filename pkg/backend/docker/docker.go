// Package docker runs sandboxes as local Docker containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/vercel-eddie/sandboxd/pkg/identity"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const DefaultImage = "node:22-bookworm"

type Config struct {
	Image string
	// HostIP is where published ports bind and what Host reports.
	HostIP     string
	InstanceID string
}

// Backend implements sandbox.Backend on a Docker daemon.
type Backend struct {
	cfg Config
	cli *client.Client
}

var _ sandbox.Backend = (*Backend)(nil)

// New connects using the standard DOCKER_HOST environment.
func New(cfg Config) (*Backend, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Backend{cfg: cfg, cli: cli}, nil
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) Close() error { return b.cli.Close() }

func (b *Backend) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	if err := b.ensureImage(ctx); err != nil {
		return nil, err
	}

	exposed, bindings, err := portSpecs(b.cfg.HostIP, opts.Ports)
	if err != nil {
		return nil, err
	}

	name := identity.ResourceName("sandbox")
	created, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        b.cfg.Image,
			Cmd:          []string{"sleep", "infinity"},
			WorkingDir:   sandbox.ProjectRoot,
			ExposedPorts: exposed,
			Labels:       identity.Labels(b.cfg.InstanceID),
		},
		&container.HostConfig{
			PortBindings: bindings,
			Init:         boolPtr(true),
		},
		nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = b.cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	slog.Info("docker sandbox started", "sandbox_id", name, "image", b.cfg.Image)

	return b.Connect(ctx, name)
}

func (b *Backend) Connect(ctx context.Context, id string) (sandbox.Handle, error) {
	info, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", id, sandbox.ErrSandboxNotFound)
		}
		return nil, fmt.Errorf("%w: %w", sandbox.ErrUnreachable, err)
	}
	if info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("container %s is not running: %w", id, sandbox.ErrSandboxNotFound)
	}

	h := &Handle{cli: b.cli, id: id, hostIP: b.cfg.HostIP}
	if info.NetworkSettings != nil {
		h.ports = info.NetworkSettings.Ports
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		h.createdAt = t
	}
	return h, nil
}

func (b *Backend) ensureImage(ctx context.Context) error {
	if _, err := b.cli.ImageInspect(ctx, b.cfg.Image); err == nil {
		return nil
	}
	slog.Info("pulling sandbox image", "image", b.cfg.Image)
	rc, err := b.cli.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", b.cfg.Image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func portSpecs(hostIP string, ports []int) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		// An empty HostPort lets the daemon pick a free one.
		bindings[port] = []nat.PortBinding{{HostIP: hostIP}}
	}
	return exposed, bindings, nil
}

// Handle is one running container.
type Handle struct {
	cli       *client.Client
	id        string
	hostIP    string
	ports     nat.PortMap
	createdAt time.Time
}

var (
	_ sandbox.Handle      = (*Handle)(nil)
	_ sandbox.CreatedAter = (*Handle)(nil)
)

func (h *Handle) ID() string { return h.id }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Host reports the published host address for a container port.
func (h *Handle) Host(port int) (string, error) {
	return publishedHost(h.ports, h.hostIP, port)
}

func publishedHost(ports nat.PortMap, hostIP string, port int) (string, error) {
	key, err := nat.NewPort("tcp", strconv.Itoa(port))
	if err != nil {
		return "", err
	}
	for _, b := range ports[key] {
		if b.HostPort == "" {
			continue
		}
		ip := b.HostIP
		if ip == "" || ip == "0.0.0.0" {
			ip = hostIP
		}
		return fmt.Sprintf("http://%s:%s", ip, b.HostPort), nil
	}
	return "", fmt.Errorf("port %d is not published", port)
}

func (h *Handle) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	created, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          req.Argv,
		Env:          env,
		WorkingDir:   req.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, h.classify(err)
	}

	attach, err := h.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, h.classify(err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := h.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, h.classify(err)
	}
	return &sandbox.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (h *Handle) WriteFile(ctx context.Context, p string, data []byte) error {
	dir := path.Dir(p)
	res, err := h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"mkdir", "-p", dir}})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to create directory %s: %s", dir, res.Stderr)
	}

	archive, err := tarFile(path.Base(p), data)
	if err != nil {
		return err
	}
	if err := h.cli.CopyToContainer(ctx, h.id, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", p, h.classify(err))
	}
	return nil
}

func (h *Handle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rc, stat, err := h.cli.CopyFromContainer(ctx, h.id, p)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%s: %w", p, sandbox.ErrFileNotFound)
		}
		return nil, h.classify(err)
	}
	defer rc.Close()
	if stat.Mode.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", p, sandbox.ErrFileNotFound)
	}
	return untarFile(rc)
}

// SetTimeout is unsupported; local containers live until removed.
func (h *Handle) SetTimeout(context.Context, time.Duration) error {
	return sandbox.ErrUnsupported
}

func (h *Handle) Kill(ctx context.Context) error {
	err := h.cli.ContainerRemove(ctx, h.id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (h *Handle) classify(err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("container %s: %w", h.id, sandbox.ErrSandboxNotFound)
	}
	return err
}

func boolPtr(b bool) *bool { return &b }
