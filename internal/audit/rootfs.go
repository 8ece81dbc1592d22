package audit

import (
	"context"
	"sort"

	"github.com/coder/kube-audit/internal/kube"
)

// ReadOnlyRootFilesystemOptions configures ReadOnlyRootFilesystem.
type ReadOnlyRootFilesystemOptions struct {
	Scope kube.Scope
}

// WritableRootFilesystem is a container whose root filesystem is writable.
type WritableRootFilesystem struct {
	Namespace string      `json:"namespace"`
	Pod       string      `json:"pod"`
	Container string      `json:"container"`
	Init      bool        `json:"init,omitempty"`
	Owner     *kube.Owner `json:"owner,omitempty"`
}

// ReadOnlyRootFilesystemReport lists containers that do not run with a
// read-only root filesystem.
type ReadOnlyRootFilesystemReport []WritableRootFilesystem

// ReadOnlyRootFilesystem reports every container and init container whose
// securityContext.readOnlyRootFilesystem is unset or false. Pods in any phase
// are checked.
func ReadOnlyRootFilesystem(ctx context.Context, deps Deps, opts ReadOnlyRootFilesystemOptions) (ReadOnlyRootFilesystemReport, error) {
	namespaces, err := deps.namespaces(opts.Scope)
	if err != nil {
		return nil, err
	}

	pods, err := kube.ListPods(ctx, deps.Clientset, namespaces)
	if err != nil {
		return nil, err
	}

	owners := kube.NewOwnerResolver(deps.Clientset)
	type key struct{ namespace, pod, container string }
	seen := map[key]struct{}{}
	report := ReadOnlyRootFilesystemReport{}
	for i := range pods {
		pod := &pods[i]
		if len(pod.Spec.Containers) == 0 {
			auditLog.Info("skipping pod without containers", "namespace", pod.Namespace, "pod", pod.Name)
			continue
		}

		var owner *kube.Owner
		for _, finding := range PodSpecFindings(&pod.Spec, false) {
			if finding.Check != CheckWritableRootFilesystem {
				continue
			}
			k := key{namespace: pod.Namespace, pod: pod.Name, container: finding.Container}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			if owner == nil {
				owner = owners.Resolve(ctx, pod)
			}
			report = append(report, WritableRootFilesystem{
				Namespace: pod.Namespace,
				Pod:       pod.Name,
				Container: finding.Container,
				Init:      finding.Init,
				Owner:     owner,
			})
		}
	}

	sort.Slice(report, func(i, j int) bool {
		return lessContainer(report[i].Namespace, report[i].Pod, report[i].Container, report[j].Namespace, report[j].Pod, report[j].Container)
	})
	return report, nil
}
