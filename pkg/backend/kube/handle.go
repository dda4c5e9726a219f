package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const (
	writeScript = `mkdir -p "$(dirname "$0")" && cat > "$0"`
	readScript  = `test -f "$0" || exit 44; cat "$0"`
	// missingFileExit is readScript's exit code for a missing file.
	missingFileExit = 44
)

// executor runs argv in a sandbox pod's container.
type executor func(ctx context.Context, pod string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error

func spdyExecutor(cs kubernetes.Interface, restCfg *rest.Config, ns string) executor {
	return func(ctx context.Context, pod string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
		req := cs.CoreV1().RESTClient().Post().
			Resource("pods").
			Namespace(ns).
			Name(pod).
			SubResource("exec").
			VersionedParams(&corev1.PodExecOptions{
				Container: containerName,
				Command:   argv,
				Stdin:     stdin != nil,
				Stdout:    true,
				Stderr:    true,
			}, scheme.ParameterCodec)

		exec, err := remotecommand.NewSPDYExecutor(restCfg, http.MethodPost, req.URL())
		if err != nil {
			return fmt.Errorf("create executor: %w", err)
		}
		return exec.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
		})
	}
}

// Handle is one sandbox pod.
type Handle struct {
	backend   *Backend
	name      string
	createdAt time.Time
}

var (
	_ sandbox.Handle      = (*Handle)(nil)
	_ sandbox.CreatedAter = (*Handle)(nil)
)

func (h *Handle) ID() string { return h.name }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) Host(port int) (string, error) {
	cfg := h.backend.cfg
	if cfg.IngressDomain != "" {
		return fmt.Sprintf("https://%d-%s.%s", port, h.name, cfg.IngressDomain), nil
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", h.name, cfg.Namespace, port), nil
}

func (h *Handle) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	return h.run(ctx, wrapArgv(req), nil)
}

func (h *Handle) run(ctx context.Context, argv []string, stdin io.Reader) (*sandbox.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	err := h.backend.exec(ctx, h.name, argv, stdin, &stdout, &stderr)

	res := &sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr utilexec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case apierrors.IsNotFound(err):
		return nil, fmt.Errorf("pod %s: %w", h.name, sandbox.ErrSandboxNotFound)
	default:
		return nil, fmt.Errorf("exec in pod %s: %w", h.name, err)
	}
	return res, nil
}

// wrapArgv applies cwd and env through sh so argv needs no quoting.
func wrapArgv(req sandbox.ExecRequest) []string {
	if req.Cwd == "" && len(req.Env) == 0 {
		return req.Argv
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = "."
	}
	argv := []string{"sh", "-c", `cd "$0" && exec "$@"`, cwd}
	if len(req.Env) > 0 {
		keys := make([]string, 0, len(req.Env))
		for k := range req.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		argv = append(argv, "env")
		for _, k := range keys {
			argv = append(argv, k+"="+req.Env[k])
		}
	}
	return append(argv, req.Argv...)
}

func (h *Handle) WriteFile(ctx context.Context, p string, data []byte) error {
	res, err := h.run(ctx, []string{"sh", "-c", writeScript, p}, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to write file %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (h *Handle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	res, err := h.run(ctx, []string{"sh", "-c", readScript, p}, nil)
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
		return []byte(res.Stdout), nil
	case missingFileExit:
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrFileNotFound)
	default:
		return nil, fmt.Errorf("failed to read file %s: %s", p, strings.TrimSpace(res.Stderr))
	}
}

// SetTimeout records the new expiry on the pod.
func (h *Handle) SetTimeout(ctx context.Context, d time.Duration) error {
	patch := fmt.Sprintf(`{"metadata":{"annotations":{%q:%q}}}`, annotationExpiresAt, expiresAt(time.Now(), d))
	_, err := h.backend.cs.CoreV1().Pods(h.backend.cfg.Namespace).Patch(ctx, h.name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("pod %s: %w", h.name, sandbox.ErrSandboxNotFound)
	}
	return err
}

func (h *Handle) Kill(ctx context.Context) error {
	return h.backend.cleanup(ctx, h.name)
}
