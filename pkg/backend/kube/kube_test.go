package kube

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	utilexec "k8s.io/client-go/util/exec"

	"github.com/vercel-eddie/sandboxd/pkg/identity"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

func runningPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         DefaultNamespace,
			CreationTimestamp: metav1.NewTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		},
		Spec: corev1.PodSpec{NodeName: "node-1"},
		Status: corev1.PodStatus{
			Phase:             corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{Name: containerName, Ready: true}},
		},
	}
}

// fakeFS emulates the shell scripts the handle uses for file access.
type fakeFS struct {
	mu    sync.Mutex
	files map[string][]byte
	argvs [][]string
}

func (f *fakeFS) exec(_ context.Context, _ string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.argvs = append(f.argvs, argv)

	if len(argv) == 4 && argv[0] == "sh" {
		switch argv[2] {
		case writeScript:
			data, err := io.ReadAll(stdin)
			if err != nil {
				return err
			}
			f.files[argv[3]] = data
			return nil
		case readScript:
			data, ok := f.files[argv[3]]
			if !ok {
				return utilexec.CodeExitError{Err: errors.New("command terminated with exit code 44"), Code: missingFileExit}
			}
			_, _ = stdout.Write(data)
			return nil
		}
	}
	if argv[len(argv)-1] == "fail" {
		_, _ = io.WriteString(stderr, "failed\n")
		return utilexec.CodeExitError{Err: errors.New("command terminated with exit code 2"), Code: 2}
	}
	_, _ = io.WriteString(stdout, strings.Join(argv, " "))
	return nil
}

func newTestBackend(t *testing.T, objects ...runtime.Object) (*Backend, *fake.Clientset, *fakeFS) {
	t.Helper()
	cs := fake.NewSimpleClientset(objects...)
	b := NewFromClient(cs, nil, Config{InstanceID: "inst1", PollInterval: time.Millisecond, StartTimeout: time.Second})
	fs := &fakeFS{files: map[string][]byte{}}
	b.exec = fs.exec
	return b, cs, fs
}

func TestCreate(t *testing.T) {
	b, cs, _ := newTestBackend(t)
	// The fake API server never schedules pods; mark them ready on create.
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status = runningPod(pod.Name).Status
		return false, nil, nil
	})

	h, err := b.Create(context.Background(), sandbox.CreateOptions{Timeout: 15 * time.Minute, Ports: []int{5173}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.ID(), "sandbox-"))

	pod, err := cs.CoreV1().Pods(DefaultNamespace).Get(context.Background(), h.ID(), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "true", pod.Labels[identity.LabelManaged])
	assert.Equal(t, "inst1", pod.Labels[identity.LabelInstance])
	assert.NotEmpty(t, pod.Annotations[annotationExpiresAt])
	assert.Equal(t, int32(5173), pod.Spec.Containers[0].Ports[0].ContainerPort)

	svc, err := cs.CoreV1().Services(DefaultNamespace).Get(context.Background(), h.ID(), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, h.ID(), svc.Spec.Selector[labelSandbox])

	host, err := h.Host(5173)
	require.NoError(t, err)
	assert.Equal(t, "http://"+h.ID()+".sandboxd.svc.cluster.local:5173", host)
}

func TestCreateTerminalFailureCleansUp(t *testing.T) {
	b, cs, _ := newTestBackend(t)
	cs.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status = corev1.PodStatus{
			Phase: corev1.PodPending,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  containerName,
				State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: ReasonImagePullBackOff, Message: "pull access denied"}},
			}},
		}
		return false, nil, nil
	})

	_, err := b.Create(context.Background(), sandbox.CreateOptions{Ports: []int{5173}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ReasonImagePullBackOff)
	assert.Contains(t, err.Error(), "pull access denied")

	pods, err := cs.CoreV1().Pods(DefaultNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
	svcs, err := cs.CoreV1().Services(DefaultNamespace).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, svcs.Items)
}

func TestConnect(t *testing.T) {
	pending := runningPod("sandbox-pending")
	pending.Status = corev1.PodStatus{Phase: corev1.PodPending}
	b, _, _ := newTestBackend(t, runningPod("sandbox-live"), pending)
	ctx := context.Background()

	h, err := b.Connect(ctx, "sandbox-live")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), h.(sandbox.CreatedAter).CreatedAt().UTC())

	_, err = b.Connect(ctx, "sandbox-pending")
	require.ErrorIs(t, err, sandbox.ErrSandboxNotFound)

	_, err = b.Connect(ctx, "sandbox-missing")
	require.ErrorIs(t, err, sandbox.ErrSandboxNotFound)
}

func TestExec(t *testing.T) {
	b, _, fs := newTestBackend(t, runningPod("sandbox-live"))
	ctx := context.Background()
	h, err := b.Connect(ctx, "sandbox-live")
	require.NoError(t, err)

	res, err := h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"npm", "install"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"npm", "install"}, fs.argvs[0])

	res, err = h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"npm", "fail"}, Cwd: "/home/user/app", Env: map[string]string{"B": "2", "A": "1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "failed\n", res.Stderr)
	assert.Equal(t, []string{"sh", "-c", `cd "$0" && exec "$@"`, "/home/user/app", "env", "A=1", "B=2", "npm", "fail"}, fs.argvs[1])
}

func TestFiles(t *testing.T) {
	b, _, _ := newTestBackend(t, runningPod("sandbox-live"))
	ctx := context.Background()
	h, err := b.Connect(ctx, "sandbox-live")
	require.NoError(t, err)

	require.NoError(t, h.WriteFile(ctx, "/home/user/app/src/App.jsx", []byte("export default 1")))
	data, err := h.ReadFile(ctx, "/home/user/app/src/App.jsx")
	require.NoError(t, err)
	assert.Equal(t, "export default 1", string(data))

	_, err = h.ReadFile(ctx, "/home/user/app/nope")
	require.ErrorIs(t, err, sandbox.ErrFileNotFound)
}

func TestSetTimeoutAndKill(t *testing.T) {
	b, cs, _ := newTestBackend(t, runningPod("sandbox-live"))
	ctx := context.Background()
	h, err := b.Connect(ctx, "sandbox-live")
	require.NoError(t, err)

	require.NoError(t, h.SetTimeout(ctx, time.Hour))
	pod, err := cs.CoreV1().Pods(DefaultNamespace).Get(ctx, "sandbox-live", metav1.GetOptions{})
	require.NoError(t, err)
	expires, err := time.Parse(time.RFC3339, pod.Annotations[annotationExpiresAt])
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	require.NoError(t, h.Kill(ctx))
	_, err = b.Connect(ctx, "sandbox-live")
	require.ErrorIs(t, err, sandbox.ErrSandboxNotFound)
	require.NoError(t, h.Kill(ctx), "killing twice is not an error")

	require.ErrorIs(t, h.SetTimeout(ctx, time.Hour), sandbox.ErrSandboxNotFound)
}

func TestIngressHost(t *testing.T) {
	b := NewFromClient(fake.NewSimpleClientset(), nil, Config{IngressDomain: "sbx.example.dev"})
	h := b.handle(runningPod("sandbox-a"))
	host, err := h.Host(5173)
	require.NoError(t, err)
	assert.Equal(t, "https://5173-sandbox-a.sbx.example.dev", host)
}
