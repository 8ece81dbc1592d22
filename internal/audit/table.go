package audit

import (
	"strconv"

	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/units"
)

// TableHeader implements report.Tabular.
func (r *ResourceRequestsReport) TableHeader() []string {
	return []string{"NAMESPACE", "POD", "CONTAINER", "OWNER", "CPU USAGE", "CPU REQ", "CPU LIMIT", "MEM USAGE", "MEM REQ", "MEM LIMIT"}
}

// TableRows implements report.Tabular. Namespace totals follow the pods.
func (r *ResourceRequestsReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r.Pods)+len(r.Total.Namespaces))
	for _, pod := range r.Pods {
		rows = append(rows, append([]string{pod.Namespace, pod.Pod, pod.Container, ownerCell(pod.Owner)}, resourceCells(pod.Resources)...))
	}
	for _, total := range r.Total.Namespaces {
		rows = append(rows, append([]string{total.Namespace, "(total)", "", ""}, resourceCells(total.Resources)...))
	}
	return rows
}

// TableHeader implements report.Tabular.
func (r MissingHealthProbesReport) TableHeader() []string {
	return []string{"NAMESPACE", "POD", "CONTAINER", "OWNER", "CHECK", "LIVENESS", "READINESS"}
}

// TableRows implements report.Tabular.
func (r MissingHealthProbesReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, finding := range r {
		rows = append(rows, []string{
			finding.Namespace,
			finding.Pod,
			finding.Container,
			ownerCell(finding.Owner),
			string(finding.Check),
			dash(finding.LivenessProbe),
			dash(finding.ReadinessProbe),
		})
	}
	return rows
}

// TableHeader implements report.Tabular.
func (r ReadOnlyRootFilesystemReport) TableHeader() []string {
	return []string{"NAMESPACE", "POD", "CONTAINER", "INIT", "OWNER"}
}

// TableRows implements report.Tabular.
func (r ReadOnlyRootFilesystemReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, finding := range r {
		rows = append(rows, []string{finding.Namespace, finding.Pod, finding.Container, strconv.FormatBool(finding.Init), ownerCell(finding.Owner)})
	}
	return rows
}

// TableHeader implements report.Tabular.
func (r VPADriftReport) TableHeader() []string {
	return []string{"NAMESPACE", "VPA", "TARGET", "MODE", "CONTAINER", "STATUS", "CPU REQ", "CPU TARGET", "MEM REQ", "MEM TARGET"}
}

// TableRows implements report.Tabular.
func (r VPADriftReport) TableRows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, drift := range r {
		target := "-"
		if drift.Target != nil {
			target = drift.Target.Kind + "/" + drift.Target.Name
		}
		rows = append(rows, []string{
			drift.Namespace,
			drift.VPA,
			target,
			drift.UpdateMode,
			dash(drift.Container),
			string(drift.Status),
			optionalCell(drift.RequestCPU),
			optionalCell(drift.TargetCPU),
			optionalCell(drift.RequestMemory),
			optionalCell(drift.TargetMemory),
		})
	}
	return rows
}

func resourceCells(resources Resources) []string {
	return []string{
		optionalCell(resources.CPUUsage),
		optionalCell(resources.RequestsCPU),
		optionalCell(resources.LimitsCPU),
		optionalCell(resources.MemoryUsage),
		optionalCell(resources.RequestsMemory),
		optionalCell(resources.LimitsMemory),
	}
}

func optionalCell[T units.CPU | units.Memory](value *T) string {
	if value == nil {
		return "-"
	}
	switch typed := any(*value).(type) {
	case units.CPU:
		return typed.String()
	case units.Memory:
		return typed.String()
	default:
		return "-"
	}
}

func ownerCell(owner *kube.Owner) string {
	if owner == nil {
		return "-"
	}
	return owner.Kind + "/" + owner.Name
}

func dash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
