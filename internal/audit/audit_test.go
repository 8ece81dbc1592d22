package audit_test

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/units"
)

type stubUsage struct {
	usage map[types.NamespacedName]audit.PodUsage
	err   error
	calls []string
}

func (s *stubUsage) NamespaceUsage(_ context.Context, namespace string) (map[types.NamespacedName]audit.PodUsage, error) {
	s.calls = append(s.calls, namespace)
	if s.err != nil {
		return nil, s.err
	}
	out := map[types.NamespacedName]audit.PodUsage{}
	for key, value := range s.usage {
		if namespace == metav1.NamespaceAll || key.Namespace == namespace {
			out[key] = value
		}
	}
	return out, nil
}

func usage(cpu units.CPU, memory units.Memory) audit.ContainerUsage {
	return audit.ContainerUsage{CPU: &cpu, Memory: &memory}
}

func resources(requestCPU, requestMemory, limitCPU, limitMemory string) corev1.ResourceRequirements {
	requirements := corev1.ResourceRequirements{}
	if requestCPU != "" || requestMemory != "" {
		requirements.Requests = corev1.ResourceList{}
	}
	if limitCPU != "" || limitMemory != "" {
		requirements.Limits = corev1.ResourceList{}
	}
	if requestCPU != "" {
		requirements.Requests[corev1.ResourceCPU] = resource.MustParse(requestCPU)
	}
	if requestMemory != "" {
		requirements.Requests[corev1.ResourceMemory] = resource.MustParse(requestMemory)
	}
	if limitCPU != "" {
		requirements.Limits[corev1.ResourceCPU] = resource.MustParse(limitCPU)
	}
	if limitMemory != "" {
		requirements.Limits[corev1.ResourceMemory] = resource.MustParse(limitMemory)
	}
	return requirements
}

func runningPod(namespace, name string, containers ...corev1.Container) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       corev1.PodSpec{Containers: containers},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func withPhase(pod *corev1.Pod, phase corev1.PodPhase) *corev1.Pod {
	pod.Status.Phase = phase
	return pod
}

func httpProbe(path string, port int) *corev1.Probe {
	return &corev1.Probe{ProbeHandler: corev1.ProbeHandler{
		HTTPGet: &corev1.HTTPGetAction{Path: path, Port: intstr.FromInt(port)},
	}}
}

func readOnly(container corev1.Container, value bool) corev1.Container {
	container.SecurityContext = &corev1.SecurityContext{ReadOnlyRootFilesystem: ptr.To(value)}
	return container
}

func newClientset(pods ...*corev1.Pod) *k8sfake.Clientset {
	clientset := k8sfake.NewClientset()
	for _, pod := range pods {
		if err := clientset.Tracker().Add(pod); err != nil {
			panic(fmt.Errorf("assertion failed: add pod to tracker: %w", err))
		}
	}
	return clientset
}
