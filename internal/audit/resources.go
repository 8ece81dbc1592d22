package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/units"
)

// ResourceRequestsOptions configures ResourceRequests.
type ResourceRequestsOptions struct {
	Scope kube.Scope
	// Threshold enables filtering: a container is reported when its CPU
	// request exceeds usage by more than Threshold, or when usage exceeds
	// the request. Nil reports every container.
	Threshold *units.CPU
	// NoCheckHigher stops usage above the request from qualifying a
	// container on its own.
	NoCheckHigher bool
}

// Resources holds the declared and observed resources of a container, or the
// sum of them for a namespace. Nil fields are unknown or undeclared.
type Resources struct {
	CPUUsage       *units.CPU
	MemoryUsage    *units.Memory
	RequestsCPU    *units.CPU
	RequestsMemory *units.Memory
	LimitsCPU      *units.CPU
	LimitsMemory   *units.Memory
}

type resourcesJSON struct {
	CPUUsage                *units.CPU    `json:"cpuUsage,omitempty"`
	CPUUsageMilliseconds    *uint64       `json:"cpuUsageMilliseconds,omitempty"`
	MemoryUsage             *units.Memory `json:"memoryUsage,omitempty"`
	MemoryUsageBytes        *uint64       `json:"memoryUsageBytes,omitempty"`
	RequestsCPU             *units.CPU    `json:"requestsCpu,omitempty"`
	RequestsCPUMilliseconds *uint64       `json:"requestsCpuMilliseconds,omitempty"`
	RequestsMemory          *units.Memory `json:"requestsMemory,omitempty"`
	RequestsMemoryBytes     *uint64       `json:"requestsMemoryBytes,omitempty"`
	LimitsCPU               *units.CPU    `json:"limitsCpu,omitempty"`
	LimitsCPUMilliseconds   *uint64       `json:"limitsCpuMilliseconds,omitempty"`
	LimitsMemory            *units.Memory `json:"limitsMemory,omitempty"`
	LimitsMemoryBytes       *uint64       `json:"limitsMemoryBytes,omitempty"`
}

// MarshalJSON emits every value twice: as a readable quantity and as a raw
// integer.
func (r Resources) MarshalJSON() ([]byte, error) {
	return json.Marshal(resourcesJSON{
		CPUUsage:                r.CPUUsage,
		CPUUsageMilliseconds:    rawCPU(r.CPUUsage),
		MemoryUsage:             r.MemoryUsage,
		MemoryUsageBytes:        rawMemory(r.MemoryUsage),
		RequestsCPU:             r.RequestsCPU,
		RequestsCPUMilliseconds: rawCPU(r.RequestsCPU),
		RequestsMemory:          r.RequestsMemory,
		RequestsMemoryBytes:     rawMemory(r.RequestsMemory),
		LimitsCPU:               r.LimitsCPU,
		LimitsCPUMilliseconds:   rawCPU(r.LimitsCPU),
		LimitsMemory:            r.LimitsMemory,
		LimitsMemoryBytes:       rawMemory(r.LimitsMemory),
	})
}

// Add returns the field-wise sum of r and other.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPUUsage:       units.AddOptional(r.CPUUsage, other.CPUUsage),
		MemoryUsage:    units.AddOptional(r.MemoryUsage, other.MemoryUsage),
		RequestsCPU:    units.AddOptional(r.RequestsCPU, other.RequestsCPU),
		RequestsMemory: units.AddOptional(r.RequestsMemory, other.RequestsMemory),
		LimitsCPU:      units.AddOptional(r.LimitsCPU, other.LimitsCPU),
		LimitsMemory:   units.AddOptional(r.LimitsMemory, other.LimitsMemory),
	}
}

// ContainerResources is one row of the resource requests report.
type ContainerResources struct {
	Namespace string      `json:"namespace"`
	Pod       string      `json:"pod"`
	Container string      `json:"container"`
	Owner     *kube.Owner `json:"owner,omitempty"`
	Resources Resources   `json:"resources"`
}

// NamespaceTotal sums the reported containers of a namespace.
type NamespaceTotal struct {
	Namespace string    `json:"namespace"`
	Resources Resources `json:"resources"`
}

// ResourceTotals groups the per-namespace sums.
type ResourceTotals struct {
	Namespaces []NamespaceTotal `json:"namespaces"`
}

// ResourceRequestsReport is the output of ResourceRequests.
type ResourceRequestsReport struct {
	Total ResourceTotals       `json:"total"`
	Pods  []ContainerResources `json:"pods"`
	// MetricsUnavailable is set when usage could not be read at all.
	MetricsUnavailable bool `json:"metricsUnavailable,omitempty"`
}

// ResourceRequests compares container requests and limits of running pods with
// their live usage.
func ResourceRequests(ctx context.Context, deps Deps, opts ResourceRequestsOptions) (*ResourceRequestsReport, error) {
	namespaces, err := deps.namespaces(opts.Scope)
	if err != nil {
		return nil, err
	}

	pods, err := kube.ListPods(ctx, deps.Clientset, namespaces)
	if err != nil {
		return nil, err
	}

	owners := kube.NewOwnerResolver(deps.Clientset)
	var rows []ContainerResources
	for i := range pods {
		pod := &pods[i]
		if !IsRunning(pod) {
			continue
		}
		podRows, err := declaredResources(ctx, owners, pod)
		if err != nil {
			return nil, err
		}
		rows = append(rows, podRows...)
	}

	report := &ResourceRequestsReport{}
	usage, err := collectUsage(ctx, deps.Usage, namespaces)
	switch {
	case errors.Is(err, ErrMetricsUnavailable):
		auditLog.Info("metrics unavailable, reporting without usage", "reason", err.Error())
		report.MetricsUnavailable = true
	case err != nil:
		return nil, err
	}

	kept := make([]ContainerResources, 0, len(rows))
	for _, row := range rows {
		if !report.MetricsUnavailable {
			row.Resources = attachUsage(row, usage)
		}
		if keepResourceRow(row.Resources, opts.Threshold, opts.NoCheckHigher) {
			kept = append(kept, row)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		return lessContainer(kept[i].Namespace, kept[i].Pod, kept[i].Container, kept[j].Namespace, kept[j].Pod, kept[j].Container)
	})

	report.Pods = kept
	report.Total = totalsByNamespace(kept)
	return report, nil
}

func declaredResources(ctx context.Context, owners *kube.OwnerResolver, pod *corev1.Pod) ([]ContainerResources, error) {
	owner := owners.Resolve(ctx, pod)

	var rows []ContainerResources
	for i := range pod.Spec.Containers {
		container := &pod.Spec.Containers[i]
		if !DeclaresResources(container) {
			continue
		}

		resources, err := resourcesFromRequirements(container.Resources)
		if err != nil {
			return nil, fmt.Errorf("pod %s/%s container %s: %w", pod.Namespace, pod.Name, container.Name, err)
		}
		rows = append(rows, ContainerResources{
			Namespace: pod.Namespace,
			Pod:       pod.Name,
			Container: container.Name,
			Owner:     owner,
			Resources: resources,
		})
	}
	return rows, nil
}

func resourcesFromRequirements(requirements corev1.ResourceRequirements) (Resources, error) {
	var (
		resources Resources
		err       error
	)
	if resources.RequestsCPU, err = optionalCPU(requirements.Requests); err != nil {
		return Resources{}, fmt.Errorf("requests: %w", err)
	}
	if resources.RequestsMemory, err = optionalMemory(requirements.Requests); err != nil {
		return Resources{}, fmt.Errorf("requests: %w", err)
	}
	if resources.LimitsCPU, err = optionalCPU(requirements.Limits); err != nil {
		return Resources{}, fmt.Errorf("limits: %w", err)
	}
	if resources.LimitsMemory, err = optionalMemory(requirements.Limits); err != nil {
		return Resources{}, fmt.Errorf("limits: %w", err)
	}
	return resources, nil
}

func optionalCPU(list corev1.ResourceList) (*units.CPU, error) {
	quantity, ok := list[corev1.ResourceCPU]
	if !ok {
		return nil, nil
	}
	cpu, err := units.CPUFromQuantity(quantity)
	if err != nil {
		return nil, err
	}
	return &cpu, nil
}

func optionalMemory(list corev1.ResourceList) (*units.Memory, error) {
	quantity, ok := list[corev1.ResourceMemory]
	if !ok {
		return nil, nil
	}
	memory, err := units.MemoryFromQuantity(quantity)
	if err != nil {
		return nil, err
	}
	return &memory, nil
}

func attachUsage(row ContainerResources, usage map[types.NamespacedName]PodUsage) Resources {
	resources := row.Resources
	podUsage, ok := usage[types.NamespacedName{Namespace: row.Namespace, Name: row.Pod}]
	if !ok {
		auditLog.Info("no usage reported for pod", "namespace", row.Namespace, "pod", row.Pod)
		return resources
	}
	containerUsage, ok := podUsage[row.Container]
	if !ok {
		return resources
	}
	resources.CPUUsage = containerUsage.CPU
	resources.MemoryUsage = containerUsage.Memory
	return resources
}

func keepResourceRow(resources Resources, threshold *units.CPU, noCheckHigher bool) bool {
	if threshold == nil {
		return true
	}
	if resources.CPUUsage == nil || resources.RequestsCPU == nil {
		return true
	}

	usage, request := *resources.CPUUsage, *resources.RequestsCPU
	if !noCheckHigher && usage > request {
		return true
	}
	return request.SaturatingSub(usage) > *threshold
}

func totalsByNamespace(rows []ContainerResources) ResourceTotals {
	byNamespace := map[string]Resources{}
	for _, row := range rows {
		byNamespace[row.Namespace] = byNamespace[row.Namespace].Add(row.Resources)
	}

	totals := ResourceTotals{Namespaces: make([]NamespaceTotal, 0, len(byNamespace))}
	for namespace, resources := range byNamespace {
		totals.Namespaces = append(totals.Namespaces, NamespaceTotal{Namespace: namespace, Resources: resources})
	}
	sort.Slice(totals.Namespaces, func(i, j int) bool {
		return totals.Namespaces[i].Namespace < totals.Namespaces[j].Namespace
	})
	return totals
}

func lessContainer(namespaceA, podA, containerA, namespaceB, podB, containerB string) bool {
	if namespaceA != namespaceB {
		return namespaceA < namespaceB
	}
	if podA != podB {
		return podA < podB
	}
	return containerA < containerB
}

func rawCPU(value *units.CPU) *uint64 {
	if value == nil {
		return nil
	}
	raw := value.Millicores()
	return &raw
}

func rawMemory(value *units.Memory) *uint64 {
	if value == nil {
		return nil
	}
	raw := value.Bytes()
	return &raw
}
