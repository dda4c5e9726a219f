// Package kube runs sandboxes as pods in a Kubernetes cluster.
package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/vercel-eddie/sandboxd/pkg/identity"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const (
	DefaultNamespace = "sandboxd"
	DefaultImage     = "node:22-bookworm"
	containerName    = "sandbox"
	// labelSandbox selects a sandbox's pod from its service.
	labelSandbox = "sandboxd.dev/sandbox"
	// annotationExpiresAt records when an idle sandbox may be reaped.
	annotationExpiresAt = "sandboxd.dev/expires-at"
)

type Config struct {
	Kubeconfig string
	Context    string
	Namespace  string
	Image      string
	// IngressDomain, when set, makes Host return https://{port}-{name}.{domain}
	// for a wildcard ingress. Otherwise Host returns in-cluster service DNS.
	IngressDomain string
	InstanceID    string
	StartTimeout  time.Duration
	PollInterval  time.Duration
}

// Backend implements sandbox.Backend on Kubernetes.
type Backend struct {
	cfg  Config
	cs   kubernetes.Interface
	exec executor
}

var _ sandbox.Backend = (*Backend)(nil)

// RestConfig loads the kubeconfig the same way kubectl does. The returned
// namespace is the context's, or empty.
func RestConfig(kubeconfig, kubeContext string) (*rest.Config, string, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	cc := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{CurrentContext: kubeContext})

	restCfg, err := cc.ClientConfig()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	ns, _, err := cc.Namespace()
	if err != nil {
		ns = ""
	}
	return restCfg, ns, nil
}

func New(cfg Config) (*Backend, error) {
	restCfg, ns, err := RestConfig(cfg.Kubeconfig, cfg.Context)
	if err != nil {
		return nil, err
	}
	if cfg.Namespace == "" && ns != "" && ns != "default" {
		cfg.Namespace = ns
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return NewFromClient(cs, restCfg, cfg), nil
}

// NewFromClient builds a backend around an existing clientset.
func NewFromClient(cs kubernetes.Interface, restCfg *rest.Config, cfg Config) *Backend {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Backend{
		cfg:  cfg,
		cs:   cs,
		exec: spdyExecutor(cs, restCfg, cfg.Namespace),
	}
}

func (b *Backend) Name() string { return "kube" }

func (b *Backend) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	name := identity.ResourceName("sandbox")
	labels := identity.Labels(b.cfg.InstanceID)
	labels[labelSandbox] = name
	logger := slog.With("namespace", b.cfg.Namespace, "sandbox_id", name)

	pod := b.podSpec(name, labels, opts)
	if _, err := b.cs.CoreV1().Pods(b.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("create sandbox pod: %w", err)
	}
	logger.Info("sandbox pod created", "image", b.cfg.Image)

	if len(opts.Ports) > 0 {
		if _, err := b.cs.CoreV1().Services(b.cfg.Namespace).Create(ctx, serviceSpec(name, labels, opts.Ports), metav1.CreateOptions{}); err != nil {
			b.discard(ctx, name)
			return nil, fmt.Errorf("create sandbox service: %w", err)
		}
	}

	ready, err := waitForPod(ctx, b.cs, b.cfg.Namespace, name, b.cfg.StartTimeout, b.cfg.PollInterval)
	if err != nil {
		b.discard(ctx, name)
		return nil, err
	}
	logger.Info("sandbox pod ready", "node", ready.Spec.NodeName)
	return b.handle(ready), nil
}

func (b *Backend) Connect(ctx context.Context, id string) (sandbox.Handle, error) {
	pod, err := b.cs.CoreV1().Pods(b.cfg.Namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("pod %s: %w", id, sandbox.ErrSandboxNotFound)
		}
		if apierrors.ReasonForError(err) == metav1.StatusReasonUnknown {
			return nil, fmt.Errorf("%w: %w", sandbox.ErrUnreachable, err)
		}
		return nil, err
	}
	if !podReady(pod) {
		return nil, fmt.Errorf("pod %s is not ready (%s): %w", id, podError(pod), sandbox.ErrSandboxNotFound)
	}
	return b.handle(pod), nil
}

func (b *Backend) handle(pod *corev1.Pod) *Handle {
	return &Handle{backend: b, name: pod.Name, createdAt: pod.CreationTimestamp.Time}
}

func (b *Backend) podSpec(name string, labels map[string]string, opts sandbox.CreateOptions) *corev1.Pod {
	ports := make([]corev1.ContainerPort, 0, len(opts.Ports))
	for _, p := range opts.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p), Protocol: corev1.ProtocolTCP})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:       containerName,
				Image:      b.cfg.Image,
				Command:    []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && exec sleep infinity", sandbox.ProjectRoot)},
				WorkingDir: "/",
				Ports:      ports,
			}},
		},
	}
	if opts.Timeout > 0 {
		pod.Annotations = map[string]string{annotationExpiresAt: expiresAt(time.Now(), opts.Timeout)}
	}
	return pod
}

func serviceSpec(name string, labels map[string]string, ports []int) *corev1.Service {
	svcPorts := make([]corev1.ServicePort, 0, len(ports))
	for _, p := range ports {
		svcPorts = append(svcPorts, corev1.ServicePort{
			Name:       fmt.Sprintf("tcp-%d", p),
			Port:       int32(p),
			TargetPort: intstr.FromInt32(int32(p)),
			Protocol:   corev1.ProtocolTCP,
		})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{labelSandbox: name},
			Ports:    svcPorts,
		},
	}
}

func (b *Backend) discard(ctx context.Context, name string) {
	if err := b.cleanup(ctx, name); err != nil {
		slog.Warn("failed to clean up sandbox", "sandbox_id", name, "error", err)
	}
}

func expiresAt(now time.Time, d time.Duration) string {
	return now.Add(d).UTC().Format(time.RFC3339)
}

// cleanup removes a sandbox's pod and service, ignoring ones already gone.
func (b *Backend) cleanup(ctx context.Context, name string) error {
	ctx = context.WithoutCancel(ctx)
	zero := int64(0)
	err := b.cs.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &zero})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	err = b.cs.CoreV1().Services(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service %s: %w", name, err)
	}
	return nil
}
