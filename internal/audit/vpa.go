package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	vpav1 "k8s.io/autoscaler/vertical-pod-autoscaler/pkg/apis/autoscaling.k8s.io/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/units"
)

// VPADriftStatus classifies one VPA drift row.
type VPADriftStatus string

const (
	// VPADriftOK means the request lies within the recommended bounds.
	VPADriftOK VPADriftStatus = "ok"
	// VPADriftOutOfBounds means the request lies outside the recommended
	// lower/upper bound for CPU or memory.
	VPADriftOutOfBounds VPADriftStatus = "out-of-bounds"
	// VPADriftNoRecommendation means the recommender has not produced a
	// recommendation yet.
	VPADriftNoRecommendation VPADriftStatus = "no-recommendation"
	// VPADriftTargetMissing means the targetRef does not resolve to a workload.
	VPADriftTargetMissing VPADriftStatus = "target-missing"
	// VPADriftUnsupportedTarget means the targetRef kind is not inspected.
	VPADriftUnsupportedTarget VPADriftStatus = "unsupported-target"
	// VPADriftContainerMissing means a recommendation names a container the
	// target does not run.
	VPADriftContainerMissing VPADriftStatus = "container-missing"
)

// VPADriftOptions configures VPADrift.
type VPADriftOptions struct {
	Scope kube.Scope
}

// TargetRef names the workload a VPA controls.
type TargetRef struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// VPADriftRow compares one container's requests with its VPA recommendation.
type VPADriftRow struct {
	Namespace  string         `json:"namespace"`
	VPA        string         `json:"vpa"`
	Target     *TargetRef     `json:"target,omitempty"`
	UpdateMode string         `json:"updateMode"`
	Container  string         `json:"container,omitempty"`
	Status     VPADriftStatus `json:"status"`

	RequestCPU         *units.CPU `json:"requestCpu,omitempty"`
	TargetCPU          *units.CPU `json:"targetCpu,omitempty"`
	LowerBoundCPU      *units.CPU `json:"lowerBoundCpu,omitempty"`
	UpperBoundCPU      *units.CPU `json:"upperBoundCpu,omitempty"`
	CPUDriftMillicores *int64     `json:"cpuDriftMillicores,omitempty"`

	RequestMemory    *units.Memory `json:"requestMemory,omitempty"`
	TargetMemory     *units.Memory `json:"targetMemory,omitempty"`
	LowerBoundMemory *units.Memory `json:"lowerBoundMemory,omitempty"`
	UpperBoundMemory *units.Memory `json:"upperBoundMemory,omitempty"`
	MemoryDriftBytes *int64        `json:"memoryDriftBytes,omitempty"`

	BelowLowerBound bool `json:"belowLowerBound,omitempty"`
	AboveUpperBound bool `json:"aboveUpperBound,omitempty"`
}

// VPADriftReport lists drift rows for every VPA in scope.
type VPADriftReport []VPADriftRow

// VPADrift compares the requests of VPA-managed workloads with the current
// recommendations. It never applies recommendations.
func VPADrift(ctx context.Context, deps Deps, opts VPADriftOptions) (VPADriftReport, error) {
	namespaces, err := deps.namespaces(opts.Scope)
	if err != nil {
		return nil, err
	}
	if deps.VPA == nil {
		return nil, fmt.Errorf("assertion failed: VPA clientset must not be nil")
	}

	report := VPADriftReport{}
	for _, namespace := range namespaces {
		vpaList, err := deps.VPA.AutoscalingV1().VerticalPodAutoscalers(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list VerticalPodAutoscalers in %s: %w", kube.DescribeNamespace(namespace), err)
		}
		for i := range vpaList.Items {
			rows, err := driftForVPA(ctx, deps.Clientset, &vpaList.Items[i])
			if err != nil {
				return nil, err
			}
			report = append(report, rows...)
		}
	}

	sort.SliceStable(report, func(i, j int) bool {
		return lessContainer(report[i].Namespace, report[i].VPA, report[i].Container, report[j].Namespace, report[j].VPA, report[j].Container)
	})
	return report, nil
}

// EffectiveUpdateMode returns the VPA update mode, defaulting to Auto as the
// VPA admission controller does.
func EffectiveUpdateMode(vpa *vpav1.VerticalPodAutoscaler) string {
	if vpa == nil || vpa.Spec.UpdatePolicy == nil || vpa.Spec.UpdatePolicy.UpdateMode == nil {
		return string(vpav1.UpdateModeAuto)
	}
	return string(*vpa.Spec.UpdatePolicy.UpdateMode)
}

func driftForVPA(ctx context.Context, clientset kubernetes.Interface, vpa *vpav1.VerticalPodAutoscaler) ([]VPADriftRow, error) {
	base := VPADriftRow{
		Namespace:  vpa.Namespace,
		VPA:        vpa.Name,
		UpdateMode: EffectiveUpdateMode(vpa),
	}
	if vpa.Spec.TargetRef == nil {
		base.Status = VPADriftTargetMissing
		return []VPADriftRow{base}, nil
	}
	base.Target = &TargetRef{Kind: vpa.Spec.TargetRef.Kind, Name: vpa.Spec.TargetRef.Name}

	template, err := fetchPodTemplate(ctx, clientset, vpa.Namespace, vpa.Spec.TargetRef.Kind, vpa.Spec.TargetRef.Name)
	switch {
	case errors.Is(err, errUnsupportedTarget):
		base.Status = VPADriftUnsupportedTarget
		return []VPADriftRow{base}, nil
	case apierrors.IsNotFound(err):
		base.Status = VPADriftTargetMissing
		return []VPADriftRow{base}, nil
	case err != nil:
		return nil, fmt.Errorf("VPA %s/%s: %w", vpa.Namespace, vpa.Name, err)
	}

	if vpa.Status.Recommendation == nil || len(vpa.Status.Recommendation.ContainerRecommendations) == 0 {
		base.Status = VPADriftNoRecommendation
		return []VPADriftRow{base}, nil
	}

	containers := make(map[string]*corev1.Container, len(template.Spec.Containers))
	for i := range template.Spec.Containers {
		containers[template.Spec.Containers[i].Name] = &template.Spec.Containers[i]
	}

	rows := make([]VPADriftRow, 0, len(vpa.Status.Recommendation.ContainerRecommendations))
	for _, recommendation := range vpa.Status.Recommendation.ContainerRecommendations {
		row := base
		row.Container = recommendation.ContainerName

		container, ok := containers[recommendation.ContainerName]
		if !ok {
			row.Status = VPADriftContainerMissing
			rows = append(rows, row)
			continue
		}

		if err := fillDrift(&row, container, recommendation); err != nil {
			return nil, fmt.Errorf("VPA %s/%s container %s: %w", vpa.Namespace, vpa.Name, recommendation.ContainerName, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func fillDrift(row *VPADriftRow, container *corev1.Container, recommendation vpav1.RecommendedContainerResources) error {
	var err error
	if row.RequestCPU, err = optionalCPU(container.Resources.Requests); err != nil {
		return err
	}
	if row.TargetCPU, err = optionalCPU(recommendation.Target); err != nil {
		return err
	}
	if row.LowerBoundCPU, err = optionalCPU(recommendation.LowerBound); err != nil {
		return err
	}
	if row.UpperBoundCPU, err = optionalCPU(recommendation.UpperBound); err != nil {
		return err
	}
	if row.RequestMemory, err = optionalMemory(container.Resources.Requests); err != nil {
		return err
	}
	if row.TargetMemory, err = optionalMemory(recommendation.Target); err != nil {
		return err
	}
	if row.LowerBoundMemory, err = optionalMemory(recommendation.LowerBound); err != nil {
		return err
	}
	if row.UpperBoundMemory, err = optionalMemory(recommendation.UpperBound); err != nil {
		return err
	}

	row.CPUDriftMillicores = signedDiff(row.RequestCPU, row.TargetCPU)
	row.MemoryDriftBytes = signedDiff(row.RequestMemory, row.TargetMemory)
	row.BelowLowerBound = below(row.RequestCPU, row.LowerBoundCPU) || below(row.RequestMemory, row.LowerBoundMemory)
	row.AboveUpperBound = below(row.UpperBoundCPU, row.RequestCPU) || below(row.UpperBoundMemory, row.RequestMemory)

	row.Status = VPADriftOK
	if row.BelowLowerBound || row.AboveUpperBound {
		row.Status = VPADriftOutOfBounds
	}
	return nil
}

var errUnsupportedTarget = errors.New("unsupported VPA target kind")

func fetchPodTemplate(ctx context.Context, clientset kubernetes.Interface, namespace, kind, name string) (*corev1.PodTemplateSpec, error) {
	switch kind {
	case "Deployment":
		deployment, err := clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &deployment.Spec.Template, nil
	case "StatefulSet":
		statefulSet, err := clientset.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &statefulSet.Spec.Template, nil
	case "DaemonSet":
		daemonSet, err := clientset.AppsV1().DaemonSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return nil, err
		}
		return &daemonSet.Spec.Template, nil
	default:
		return nil, errUnsupportedTarget
	}
}

// below reports a < b when both are known.
func below[T units.Number](a, b *T) bool {
	return a != nil && b != nil && *a < *b
}

func signedDiff[T units.Number](a, b *T) *int64 {
	if a == nil || b == nil {
		return nil
	}
	diff := int64(*a) - int64(*b)
	return &diff
}
