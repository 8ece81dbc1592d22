package audit

import (
	"context"
	"sort"

	"github.com/coder/kube-audit/internal/kube"
)

// MissingHealthProbesOptions configures MissingHealthProbes.
type MissingHealthProbesOptions struct {
	Scope kube.Scope
	// Strict also reports individual containers lacking a probe in pods that
	// probe some other container.
	Strict bool
}

// ProbeFinding is one container reported by MissingHealthProbes.
type ProbeFinding struct {
	Namespace      string      `json:"namespace"`
	Pod            string      `json:"pod"`
	Container      string      `json:"container"`
	Owner          *kube.Owner `json:"owner,omitempty"`
	Check          Check       `json:"check"`
	LivenessProbe  string      `json:"livenessProbe,omitempty"`
	ReadinessProbe string      `json:"readinessProbe,omitempty"`
}

// MissingHealthProbesReport lists containers of running pods without health
// probes.
type MissingHealthProbesReport []ProbeFinding

// MissingHealthProbes reports running pods in which no container declares a
// liveness or readiness probe.
func MissingHealthProbes(ctx context.Context, deps Deps, opts MissingHealthProbesOptions) (MissingHealthProbesReport, error) {
	namespaces, err := deps.namespaces(opts.Scope)
	if err != nil {
		return nil, err
	}

	pods, err := kube.ListPods(ctx, deps.Clientset, namespaces)
	if err != nil {
		return nil, err
	}

	owners := kube.NewOwnerResolver(deps.Clientset)
	report := MissingHealthProbesReport{}
	for i := range pods {
		pod := &pods[i]
		if !IsRunning(pod) {
			continue
		}

		containers := map[string]int{}
		for index, container := range pod.Spec.Containers {
			containers[container.Name] = index
		}

		var owner *kube.Owner
		for _, finding := range PodSpecFindings(&pod.Spec, opts.Strict) {
			switch finding.Check {
			case CheckMissingHealthProbes, CheckMissingLivenessProbe, CheckMissingReadinessProbe:
			default:
				continue
			}
			if owner == nil {
				owner = owners.Resolve(ctx, pod)
			}

			container := &pod.Spec.Containers[containers[finding.Container]]
			report = append(report, ProbeFinding{
				Namespace:      pod.Namespace,
				Pod:            pod.Name,
				Container:      finding.Container,
				Owner:          owner,
				Check:          finding.Check,
				LivenessProbe:  DescribeProbe(container.LivenessProbe),
				ReadinessProbe: DescribeProbe(container.ReadinessProbe),
			})
		}
	}

	sort.SliceStable(report, func(i, j int) bool {
		if report[i].Namespace != report[j].Namespace || report[i].Pod != report[j].Pod || report[i].Container != report[j].Container {
			return lessContainer(report[i].Namespace, report[i].Pod, report[i].Container, report[j].Namespace, report[j].Pod, report[j].Container)
		}
		return report[i].Check < report[j].Check
	})
	return report, nil
}
