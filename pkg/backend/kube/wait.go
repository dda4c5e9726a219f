package kube

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Container waiting and terminated reasons, set by the kubelet as string
// literals.
const (
	ReasonContainerCreating          = "ContainerCreating"
	ReasonPodInitializing            = "PodInitializing"
	ReasonCrashLoopBackOff           = "CrashLoopBackOff"
	ReasonImagePullBackOff           = "ImagePullBackOff"
	ReasonErrImagePull               = "ErrImagePull"
	ReasonCreateContainerConfigError = "CreateContainerConfigError"
	ReasonInvalidImageName           = "InvalidImageName"
	ReasonRunContainerError          = "RunContainerError"
	ReasonOOMKilled                  = "OOMKilled"
)

var reasonHints = map[string]string{
	ReasonCrashLoopBackOff:           "the sandbox container keeps exiting, check that the image can idle",
	ReasonImagePullBackOff:           "unable to pull the sandbox image, verify the image name and pull secrets",
	ReasonErrImagePull:               "failed to pull the sandbox image",
	ReasonCreateContainerConfigError: "invalid container configuration",
	ReasonInvalidImageName:           "the sandbox image name is malformed",
	ReasonRunContainerError:          "the container failed to start",
	ReasonOOMKilled:                  "the sandbox exceeded its memory limit",
}

// terminalReasons mean the pod will never become ready on its own.
var terminalReasons = map[string]bool{
	ReasonCrashLoopBackOff:           true,
	ReasonImagePullBackOff:           true,
	ReasonErrImagePull:               true,
	ReasonCreateContainerConfigError: true,
	ReasonInvalidImageName:           true,
	ReasonRunContainerError:          true,
}

// waitForPod polls a pod by name until it is running with every container
// ready, failing fast on terminal container states.
func waitForPod(ctx context.Context, cs kubernetes.Interface, ns, name string, timeout, interval time.Duration) (*corev1.Pod, error) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStatus string
	for {
		pod, err := cs.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			if podReady(pod) {
				return pod, nil
			}
			if pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodSucceeded {
				return nil, fmt.Errorf("pod %s/%s exited: %s", ns, name, podError(pod))
			}
			if podTerminalReason(pod) != "" {
				return nil, fmt.Errorf("pod %s/%s has terminal failure: %s", ns, name, podError(pod))
			}
			if msg := podError(pod); msg != "" {
				lastStatus = msg
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			msg := fmt.Sprintf("timed out waiting for pod %s/%s", ns, name)
			if lastStatus != "" {
				msg += ": " + lastStatus
			}
			return nil, fmt.Errorf("%s", msg)
		case <-ticker.C:
		}
	}
}

func podTerminalReason(pod *corev1.Pod) string {
	for _, cs := range append(pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses...) {
		if cs.State.Waiting != nil && terminalReasons[cs.State.Waiting.Reason] {
			return cs.State.Waiting.Reason
		}
		if cs.State.Terminated != nil && terminalReasons[cs.State.Terminated.Reason] {
			return cs.State.Terminated.Reason
		}
	}
	return ""
}

// podReady excludes terminating pods, which may briefly report Running.
func podReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if !cs.Ready {
			return false
		}
	}
	return len(pod.Status.ContainerStatuses) > 0
}

// podError summarizes why a pod is not ready.
func podError(pod *corev1.Pod) string {
	var parts []string

	if phase := pod.Status.Phase; phase != "" && phase != corev1.PodRunning {
		detail := "phase " + string(phase)
		if pod.Status.Reason != "" {
			detail += ": " + pod.Status.Reason
		}
		if pod.Status.Message != "" {
			detail += " (" + pod.Status.Message + ")"
		}
		parts = append(parts, detail)
	}

	for _, cs := range append(pod.Status.InitContainerStatuses, pod.Status.ContainerStatuses...) {
		if w := cs.State.Waiting; w != nil && w.Reason != "" && w.Reason != ReasonContainerCreating && w.Reason != ReasonPodInitializing {
			parts = append(parts, describe(cs.Name, w.Reason, w.Message, -1))
		}
		if t := cs.State.Terminated; t != nil {
			parts = append(parts, describe(cs.Name, t.Reason, t.Message, int(t.ExitCode)))
		}
	}
	return strings.Join(parts, "; ")
}

func describe(container, reason, message string, exitCode int) string {
	detail := fmt.Sprintf("container %q: %s", container, reason)
	if exitCode >= 0 {
		detail += fmt.Sprintf(" (exit code %d)", exitCode)
	}
	if message != "" {
		detail += ": " + message
	}
	if hint, ok := reasonHints[reason]; ok {
		detail += " (" + hint + ")"
	}
	return detail
}
