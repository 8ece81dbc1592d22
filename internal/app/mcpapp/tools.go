package mcpapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/units"
)

const (
	defaultEventListLimit int64 = 200
	maxEventListLimit     int64 = 1000

	// auditFindingReason matches the Event reason recorded by controller mode.
	auditFindingReason = "AuditFinding"
)

var toolLog = ctrl.Log.WithName("mcp")

// NOTE: Tool outputs use plain strings for quantities. units.CPU and
// units.Memory marshal to strings, which the inferred integer schema of the
// underlying types would reject.

type resourceValues struct {
	CPUUsage       string `json:"cpuUsage,omitempty"`
	MemoryUsage    string `json:"memoryUsage,omitempty"`
	RequestsCPU    string `json:"requestsCpu,omitempty"`
	RequestsMemory string `json:"requestsMemory,omitempty"`
	LimitsCPU      string `json:"limitsCpu,omitempty"`
	LimitsMemory   string `json:"limitsMemory,omitempty"`
}

type auditResourceRequestsInput struct {
	Namespaces    []string `json:"namespaces,omitempty"`
	AllNamespaces bool     `json:"allNamespaces,omitempty"`
	Threshold     string   `json:"threshold,omitempty"`
	NoCheckHigher bool     `json:"noCheckHigher,omitempty"`
}

type resourceRowSummary struct {
	Namespace string         `json:"namespace"`
	Pod       string         `json:"pod"`
	Container string         `json:"container"`
	Owner     string         `json:"owner,omitempty"`
	Resources resourceValues `json:"resources"`
}

type namespaceTotalSummary struct {
	Namespace string         `json:"namespace"`
	Resources resourceValues `json:"resources"`
}

type auditResourceRequestsOutput struct {
	Items              []resourceRowSummary    `json:"items"`
	Totals             []namespaceTotalSummary `json:"totals"`
	MetricsUnavailable bool                    `json:"metricsUnavailable,omitempty"`
}

type auditMissingHealthProbesInput struct {
	Namespaces    []string `json:"namespaces,omitempty"`
	AllNamespaces bool     `json:"allNamespaces,omitempty"`
	Strict        bool     `json:"strict,omitempty"`
}

type probeFindingSummary struct {
	Namespace      string `json:"namespace"`
	Pod            string `json:"pod"`
	Container      string `json:"container"`
	Owner          string `json:"owner,omitempty"`
	Check          string `json:"check"`
	LivenessProbe  string `json:"livenessProbe,omitempty"`
	ReadinessProbe string `json:"readinessProbe,omitempty"`
}

type auditMissingHealthProbesOutput struct {
	Items []probeFindingSummary `json:"items"`
}

type auditReadOnlyRootFilesystemInput struct {
	Namespaces    []string `json:"namespaces,omitempty"`
	AllNamespaces bool     `json:"allNamespaces,omitempty"`
}

type writableRootFilesystemSummary struct {
	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	Container string `json:"container"`
	Init      bool   `json:"init,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

type auditReadOnlyRootFilesystemOutput struct {
	Items []writableRootFilesystemSummary `json:"items"`
}

type auditVPADriftInput struct {
	Namespaces    []string `json:"namespaces,omitempty"`
	AllNamespaces bool     `json:"allNamespaces,omitempty"`
}

type vpaDriftSummary struct {
	Namespace          string `json:"namespace"`
	VPA                string `json:"vpa"`
	Target             string `json:"target,omitempty"`
	UpdateMode         string `json:"updateMode"`
	Container          string `json:"container,omitempty"`
	Status             string `json:"status"`
	RequestCPU         string `json:"requestCpu,omitempty"`
	TargetCPU          string `json:"targetCpu,omitempty"`
	CPUDriftMillicores *int64 `json:"cpuDriftMillicores,omitempty"`
	RequestMemory      string `json:"requestMemory,omitempty"`
	TargetMemory       string `json:"targetMemory,omitempty"`
	MemoryDriftBytes   *int64 `json:"memoryDriftBytes,omitempty"`
	BelowLowerBound    bool   `json:"belowLowerBound,omitempty"`
	AboveUpperBound    bool   `json:"aboveUpperBound,omitempty"`
}

type auditVPADriftOutput struct {
	Items []vpaDriftSummary `json:"items"`
}

type listAuditEventsInput struct {
	Namespace string `json:"namespace,omitempty"`
	Pod       string `json:"pod,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
	Continue  string `json:"continue,omitempty"`
}

type auditEventSummary struct {
	Namespace     string `json:"namespace"`
	Pod           string `json:"pod"`
	Type          string `json:"type"`
	Message       string `json:"message"`
	Count         int32  `json:"count"`
	LastTimestamp string `json:"lastTimestamp,omitempty"`
}

type listAuditEventsOutput struct {
	Items    []auditEventSummary `json:"items"`
	Continue string              `json:"continue,omitempty"`
}

type checkHealthOutput struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	MetricsAvailable   bool   `json:"metricsAvailable"`
	VPAClientAvailable bool   `json:"vpaClientAvailable"`
}

func registerTools(server *mcp.Server, deps audit.Deps) {
	if server == nil {
		panic("assertion failed: MCP server must not be nil")
	}
	if deps.Clientset == nil {
		panic("assertion failed: Kubernetes clientset must not be nil")
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "audit_resource_requests",
		Description: "Compare container resource requests and limits of running pods with live usage from metrics.k8s.io.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input auditResourceRequestsInput) (*mcp.CallToolResult, auditResourceRequestsOutput, error) {
		output, err := auditResourceRequests(ctx, deps, input)
		if err != nil {
			return nil, auditResourceRequestsOutput{}, err
		}
		return nil, output, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "audit_missing_health_probes",
		Description: "List running pods whose containers declare no liveness or readiness probe.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input auditMissingHealthProbesInput) (*mcp.CallToolResult, auditMissingHealthProbesOutput, error) {
		output, err := auditMissingHealthProbes(ctx, deps, input)
		if err != nil {
			return nil, auditMissingHealthProbesOutput{}, err
		}
		return nil, output, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "audit_readonly_root_filesystem",
		Description: "List containers whose root filesystem is not mounted read-only.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input auditReadOnlyRootFilesystemInput) (*mcp.CallToolResult, auditReadOnlyRootFilesystemOutput, error) {
		output, err := auditReadOnlyRootFilesystem(ctx, deps, input)
		if err != nil {
			return nil, auditReadOnlyRootFilesystemOutput{}, err
		}
		return nil, output, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "audit_vpa_drift",
		Description: "Compare requests of VPA-managed workloads with the VerticalPodAutoscaler recommendation.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input auditVPADriftInput) (*mcp.CallToolResult, auditVPADriftOutput, error) {
		output, err := auditVPADrift(ctx, deps, input)
		if err != nil {
			return nil, auditVPADriftOutput{}, err
		}
		return nil, output, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_audit_events",
		Description: "List AuditFinding events recorded by the kube-audit controller.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input listAuditEventsInput) (*mcp.CallToolResult, listAuditEventsOutput, error) {
		output, err := listAuditEvents(ctx, deps, input)
		if err != nil {
			return nil, listAuditEventsOutput{}, err
		}
		return nil, output, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_health",
		Description: "Check MCP server health and Kubernetes API connectivity.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, checkHealthOutput, error) {
		output, err := checkHealth(ctx, deps)
		if err != nil {
			return nil, checkHealthOutput{}, err
		}
		return nil, output, nil
	})
}

func checkHealth(ctx context.Context, deps audit.Deps) (checkHealthOutput, error) {
	if deps.Clientset == nil {
		return checkHealthOutput{}, fmt.Errorf("assertion failed: Kubernetes clientset must not be nil")
	}
	if _, err := deps.Clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return checkHealthOutput{}, fmt.Errorf("list namespaces for connectivity check: %w", err)
	}
	return checkHealthOutput{
		Status:             "ok",
		Version:            Version,
		MetricsAvailable:   metricsAvailable(ctx, deps),
		VPAClientAvailable: deps.VPA != nil,
	}, nil
}

// metricsAvailable reads usage for the default namespace. Any failure other
// than a missing metrics API is logged and also reported as unavailable.
func metricsAvailable(ctx context.Context, deps audit.Deps) bool {
	if deps.Usage == nil {
		return false
	}
	_, err := deps.Usage.NamespaceUsage(ctx, deps.DefaultNamespace)
	if err == nil {
		return true
	}
	if !errors.Is(err, audit.ErrMetricsUnavailable) {
		toolLog.Info("metrics usage check failed", "namespace", deps.DefaultNamespace, "error", err.Error())
	}
	return false
}

func auditResourceRequests(ctx context.Context, deps audit.Deps, input auditResourceRequestsInput) (auditResourceRequestsOutput, error) {
	opts := audit.ResourceRequestsOptions{
		Scope:         kube.Scope{Namespaces: input.Namespaces, AllNamespaces: input.AllNamespaces},
		NoCheckHigher: input.NoCheckHigher,
	}
	if input.Threshold != "" {
		threshold, err := units.ParseCPU(input.Threshold)
		if err != nil {
			return auditResourceRequestsOutput{}, fmt.Errorf("parse threshold: %w", err)
		}
		opts.Threshold = &threshold
	}

	report, err := audit.ResourceRequests(ctx, deps, opts)
	if err != nil {
		return auditResourceRequestsOutput{}, err
	}
	if report == nil {
		return auditResourceRequestsOutput{}, fmt.Errorf("assertion failed: resource requests report is nil after successful audit")
	}

	output := auditResourceRequestsOutput{
		Items:              make([]resourceRowSummary, 0, len(report.Pods)),
		Totals:             make([]namespaceTotalSummary, 0, len(report.Total.Namespaces)),
		MetricsUnavailable: report.MetricsUnavailable,
	}
	for _, row := range report.Pods {
		output.Items = append(output.Items, resourceRowSummary{
			Namespace: row.Namespace,
			Pod:       row.Pod,
			Container: row.Container,
			Owner:     ownerString(row.Owner),
			Resources: summarizeResources(row.Resources),
		})
	}
	for _, total := range report.Total.Namespaces {
		output.Totals = append(output.Totals, namespaceTotalSummary{
			Namespace: total.Namespace,
			Resources: summarizeResources(total.Resources),
		})
	}
	return output, nil
}

func auditMissingHealthProbes(ctx context.Context, deps audit.Deps, input auditMissingHealthProbesInput) (auditMissingHealthProbesOutput, error) {
	report, err := audit.MissingHealthProbes(ctx, deps, audit.MissingHealthProbesOptions{
		Scope:  kube.Scope{Namespaces: input.Namespaces, AllNamespaces: input.AllNamespaces},
		Strict: input.Strict,
	})
	if err != nil {
		return auditMissingHealthProbesOutput{}, err
	}

	output := auditMissingHealthProbesOutput{Items: make([]probeFindingSummary, 0, len(report))}
	for _, finding := range report {
		output.Items = append(output.Items, probeFindingSummary{
			Namespace:      finding.Namespace,
			Pod:            finding.Pod,
			Container:      finding.Container,
			Owner:          ownerString(finding.Owner),
			Check:          string(finding.Check),
			LivenessProbe:  finding.LivenessProbe,
			ReadinessProbe: finding.ReadinessProbe,
		})
	}
	return output, nil
}

func auditReadOnlyRootFilesystem(ctx context.Context, deps audit.Deps, input auditReadOnlyRootFilesystemInput) (auditReadOnlyRootFilesystemOutput, error) {
	report, err := audit.ReadOnlyRootFilesystem(ctx, deps, audit.ReadOnlyRootFilesystemOptions{
		Scope: kube.Scope{Namespaces: input.Namespaces, AllNamespaces: input.AllNamespaces},
	})
	if err != nil {
		return auditReadOnlyRootFilesystemOutput{}, err
	}

	output := auditReadOnlyRootFilesystemOutput{Items: make([]writableRootFilesystemSummary, 0, len(report))}
	for _, finding := range report {
		output.Items = append(output.Items, writableRootFilesystemSummary{
			Namespace: finding.Namespace,
			Pod:       finding.Pod,
			Container: finding.Container,
			Init:      finding.Init,
			Owner:     ownerString(finding.Owner),
		})
	}
	return output, nil
}

func auditVPADrift(ctx context.Context, deps audit.Deps, input auditVPADriftInput) (auditVPADriftOutput, error) {
	report, err := audit.VPADrift(ctx, deps, audit.VPADriftOptions{
		Scope: kube.Scope{Namespaces: input.Namespaces, AllNamespaces: input.AllNamespaces},
	})
	if err != nil {
		return auditVPADriftOutput{}, err
	}

	output := auditVPADriftOutput{Items: make([]vpaDriftSummary, 0, len(report))}
	for _, row := range report {
		summary := vpaDriftSummary{
			Namespace:          row.Namespace,
			VPA:                row.VPA,
			UpdateMode:         row.UpdateMode,
			Container:          row.Container,
			Status:             string(row.Status),
			RequestCPU:         optionalString(row.RequestCPU),
			TargetCPU:          optionalString(row.TargetCPU),
			RequestMemory:      optionalString(row.RequestMemory),
			TargetMemory:       optionalString(row.TargetMemory),
			CPUDriftMillicores: row.CPUDriftMillicores,
			MemoryDriftBytes:   row.MemoryDriftBytes,
			BelowLowerBound:    row.BelowLowerBound,
			AboveUpperBound:    row.AboveUpperBound,
		}
		if row.Target != nil {
			summary.Target = row.Target.Kind + "/" + row.Target.Name
		}
		output.Items = append(output.Items, summary)
	}
	return output, nil
}

func listAuditEvents(ctx context.Context, deps audit.Deps, input listAuditEventsInput) (listAuditEventsOutput, error) {
	if deps.Clientset == nil {
		return listAuditEventsOutput{}, fmt.Errorf("assertion failed: Kubernetes clientset must not be nil")
	}

	selector := fields.Set{
		"reason":              auditFindingReason,
		"involvedObject.kind": "Pod",
	}
	if input.Pod != "" {
		if input.Namespace == "" {
			return listAuditEventsOutput{}, fmt.Errorf("namespace is required when pod is set")
		}
		selector["involvedObject.name"] = input.Pod
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultEventListLimit
	}
	if limit > maxEventListLimit {
		limit = maxEventListLimit
	}

	eventList, err := deps.Clientset.CoreV1().Events(input.Namespace).List(ctx, metav1.ListOptions{
		FieldSelector: selector.String(),
		Limit:         limit,
		Continue:      input.Continue,
	})
	if err != nil {
		return listAuditEventsOutput{}, fmt.Errorf("list audit events in namespace %q: %w", input.Namespace, err)
	}

	output := listAuditEventsOutput{
		Items:    make([]auditEventSummary, 0, len(eventList.Items)),
		Continue: eventList.Continue,
	}
	for _, event := range eventList.Items {
		output.Items = append(output.Items, auditEventSummary{
			Namespace:     event.InvolvedObject.Namespace,
			Pod:           event.InvolvedObject.Name,
			Type:          event.Type,
			Message:       event.Message,
			Count:         event.Count,
			LastTimestamp: eventTimestamp(event),
		})
	}
	sort.SliceStable(output.Items, func(i, j int) bool {
		if output.Items[i].Namespace != output.Items[j].Namespace {
			return output.Items[i].Namespace < output.Items[j].Namespace
		}
		return output.Items[i].Pod < output.Items[j].Pod
	})
	return output, nil
}

func summarizeResources(resources audit.Resources) resourceValues {
	return resourceValues{
		CPUUsage:       optionalString(resources.CPUUsage),
		MemoryUsage:    optionalString(resources.MemoryUsage),
		RequestsCPU:    optionalString(resources.RequestsCPU),
		RequestsMemory: optionalString(resources.RequestsMemory),
		LimitsCPU:      optionalString(resources.LimitsCPU),
		LimitsMemory:   optionalString(resources.LimitsMemory),
	}
}

func optionalString[T fmt.Stringer](value *T) string {
	if value == nil {
		return ""
	}
	return (*value).String()
}

func ownerString(owner *kube.Owner) string {
	if owner == nil {
		return ""
	}
	return owner.Kind + "/" + owner.Name
}

func eventTimestamp(event corev1.Event) string {
	if !event.LastTimestamp.IsZero() {
		return event.LastTimestamp.Time.UTC().Format(time.RFC3339)
	}
	if !event.EventTime.IsZero() {
		return event.EventTime.Time.UTC().Format(time.RFC3339)
	}
	if !event.FirstTimestamp.IsZero() {
		return event.FirstTimestamp.Time.UTC().Format(time.RFC3339)
	}
	return ""
}
