// Package audit implements the workload configuration checks reported by
// kube-audit: resource requests against live usage, missing health probes,
// writable root filesystems, and drift from VerticalPodAutoscaler
// recommendations.
package audit

import (
	"fmt"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Check names a single audit rule.
type Check string

const (
	// CheckMissingHealthProbes flags pods where no container declares a
	// liveness or readiness probe.
	CheckMissingHealthProbes Check = "missing-health-probes"
	// CheckMissingLivenessProbe flags a container without a liveness probe
	// inside a pod that probes other containers (strict mode only).
	CheckMissingLivenessProbe Check = "missing-liveness-probe"
	// CheckMissingReadinessProbe is the readiness counterpart of
	// CheckMissingLivenessProbe.
	CheckMissingReadinessProbe Check = "missing-readiness-probe"
	// CheckWritableRootFilesystem flags containers whose root filesystem is
	// not mounted read-only.
	CheckWritableRootFilesystem Check = "readonly-root-filesystem"
	// CheckMissingResources flags containers without requests or limits.
	CheckMissingResources Check = "missing-resources"
)

var auditLog = ctrl.Log.WithName("audit")

// ContainerFinding is one rule violation for one container of a pod spec.
type ContainerFinding struct {
	Container string `json:"container"`
	Init      bool   `json:"init,omitempty"`
	Check     Check  `json:"check"`
	Message   string `json:"message"`
}

// IsRunning reports whether the pod is in the Running phase.
func IsRunning(pod *corev1.Pod) bool {
	return pod != nil && pod.Status.Phase == corev1.PodRunning
}

// HasAnyHealthProbe reports whether any regular container declares a liveness
// or readiness probe.
func HasAnyHealthProbe(spec *corev1.PodSpec) bool {
	if spec == nil {
		return false
	}
	for i := range spec.Containers {
		if spec.Containers[i].LivenessProbe != nil || spec.Containers[i].ReadinessProbe != nil {
			return true
		}
	}
	return false
}

// HasReadOnlyRootFilesystem reports whether the container explicitly mounts
// its root filesystem read-only. Unset means writable.
func HasReadOnlyRootFilesystem(container *corev1.Container) bool {
	if container == nil || container.SecurityContext == nil || container.SecurityContext.ReadOnlyRootFilesystem == nil {
		return false
	}
	return *container.SecurityContext.ReadOnlyRootFilesystem
}

// DeclaresResources reports whether the container sets any request or limit.
func DeclaresResources(container *corev1.Container) bool {
	if container == nil {
		return false
	}
	return len(container.Resources.Requests) > 0 || len(container.Resources.Limits) > 0
}

// DescribeProbe renders a probe handler as a short human-readable string.
func DescribeProbe(probe *corev1.Probe) string {
	if probe == nil {
		return ""
	}

	handler := probe.ProbeHandler
	switch {
	case handler.HTTPGet != nil:
		scheme := strings.ToLower(string(handler.HTTPGet.Scheme))
		if scheme == "" {
			scheme = "http"
		}
		return fmt.Sprintf("httpGet %s://%s:%s%s", scheme, handler.HTTPGet.Host, handler.HTTPGet.Port.String(), handler.HTTPGet.Path)
	case handler.TCPSocket != nil:
		return fmt.Sprintf("tcpSocket %s:%s", handler.TCPSocket.Host, handler.TCPSocket.Port.String())
	case handler.Exec != nil:
		return "exec " + strings.Join(handler.Exec.Command, " ")
	case handler.GRPC != nil:
		return fmt.Sprintf("grpc :%d", handler.GRPC.Port)
	default:
		return "unknown"
	}
}

// PodSpecFindings runs every spec-level check against spec. Strict mode adds
// per-container probe findings for pods that probe only some containers.
func PodSpecFindings(spec *corev1.PodSpec, strict bool) []ContainerFinding {
	if spec == nil {
		return nil
	}

	var findings []ContainerFinding
	anyProbe := HasAnyHealthProbe(spec)
	for i := range spec.Containers {
		container := &spec.Containers[i]
		if !anyProbe {
			findings = append(findings, ContainerFinding{
				Container: container.Name,
				Check:     CheckMissingHealthProbes,
				Message:   "no container in the pod declares a liveness or readiness probe",
			})
		} else if strict {
			if container.LivenessProbe == nil {
				findings = append(findings, ContainerFinding{
					Container: container.Name,
					Check:     CheckMissingLivenessProbe,
					Message:   "container has no liveness probe",
				})
			}
			if container.ReadinessProbe == nil {
				findings = append(findings, ContainerFinding{
					Container: container.Name,
					Check:     CheckMissingReadinessProbe,
					Message:   "container has no readiness probe",
				})
			}
		}
		if !HasReadOnlyRootFilesystem(container) {
			findings = append(findings, ContainerFinding{
				Container: container.Name,
				Check:     CheckWritableRootFilesystem,
				Message:   "securityContext.readOnlyRootFilesystem is not true",
			})
		}
		if !DeclaresResources(container) {
			findings = append(findings, ContainerFinding{
				Container: container.Name,
				Check:     CheckMissingResources,
				Message:   "container declares no resource requests or limits",
			})
		}
	}
	for i := range spec.InitContainers {
		container := &spec.InitContainers[i]
		if !HasReadOnlyRootFilesystem(container) {
			findings = append(findings, ContainerFinding{
				Container: container.Name,
				Init:      true,
				Check:     CheckWritableRootFilesystem,
				Message:   "securityContext.readOnlyRootFilesystem is not true",
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Container != findings[j].Container {
			return findings[i].Container < findings[j].Container
		}
		return findings[i].Check < findings[j].Check
	})
	return findings
}
