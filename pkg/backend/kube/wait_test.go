package kube

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestPodReady(t *testing.T) {
	now := metav1.Now()
	tests := []struct {
		name string
		pod  func(*corev1.Pod)
		want bool
	}{
		{name: "running and ready", pod: func(*corev1.Pod) {}, want: true},
		{name: "pending", pod: func(p *corev1.Pod) { p.Status.Phase = corev1.PodPending }},
		{name: "container not ready", pod: func(p *corev1.Pod) { p.Status.ContainerStatuses[0].Ready = false }},
		{name: "no statuses yet", pod: func(p *corev1.Pod) { p.Status.ContainerStatuses = nil }},
		{name: "terminating", pod: func(p *corev1.Pod) { p.DeletionTimestamp = &now }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := runningPod("p")
			tt.pod(p)
			assert.Equal(t, tt.want, podReady(p))
		})
	}
}

func TestPodError(t *testing.T) {
	p := runningPod("p")
	p.Status.Phase = corev1.PodFailed
	p.Status.Reason = "Evicted"
	p.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name: containerName,
		State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			Reason:   ReasonOOMKilled,
			ExitCode: 137,
		}},
	}}

	msg := podError(p)
	assert.Contains(t, msg, "phase Failed: Evicted")
	assert.Contains(t, msg, `container "sandbox": OOMKilled (exit code 137)`)
	assert.Contains(t, msg, reasonHints[ReasonOOMKilled])

	creating := runningPod("q")
	creating.Status.Phase = ""
	creating.Status.ContainerStatuses[0].State.Waiting = &corev1.ContainerStateWaiting{Reason: ReasonContainerCreating}
	assert.Empty(t, podError(creating))
}

func TestWaitForPodTimesOut(t *testing.T) {
	p := runningPod("slow")
	p.Status = corev1.PodStatus{Phase: corev1.PodPending, Reason: "Unschedulable"}
	cs := fake.NewSimpleClientset(p)

	_, err := waitForPod(context.Background(), cs, DefaultNamespace, "slow", 20*time.Millisecond, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out waiting for pod sandboxd/slow")
	assert.Contains(t, err.Error(), "Unschedulable")
}

func TestWaitForPodExited(t *testing.T) {
	p := runningPod("done")
	p.Status.Phase = corev1.PodSucceeded
	cs := fake.NewSimpleClientset(p)

	_, err := waitForPod(context.Background(), cs, DefaultNamespace, "done", time.Second, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
}
