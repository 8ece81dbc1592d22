package audit_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/units"
)

const mebibyte = units.Memory(1024 * 1024)

func resourceFixture() (*stubUsage, audit.Deps) {
	clientset := newClientset(
		runningPod("default", "web-1",
			corev1.Container{Name: "app", Resources: resources("500m", "256Mi", "1", "512Mi")},
			corev1.Container{Name: "sidecar"},
		),
		runningPod("default", "idle", corev1.Container{Name: "app", Resources: resources("1", "", "", "")}),
		runningPod("default", "steady", corev1.Container{Name: "app", Resources: resources("300m", "", "", "")}),
		withPhase(runningPod("default", "pending", corev1.Container{Name: "app", Resources: resources("1", "", "", "")}), corev1.PodPending),
		runningPod("other", "batch", corev1.Container{Name: "app", Resources: resources("2", "", "", "")}),
	)
	source := &stubUsage{usage: map[types.NamespacedName]audit.PodUsage{
		{Namespace: "default", Name: "web-1"}:  {"app": usage(700, 300*mebibyte)},
		{Namespace: "default", Name: "idle"}:   {"app": usage(50, 10*mebibyte)},
		{Namespace: "default", Name: "steady"}: {"app": usage(250, 10*mebibyte)},
		{Namespace: "other", Name: "batch"}:    {"app": usage(1900, 10*mebibyte)},
	}}
	return source, audit.Deps{Clientset: clientset, Usage: source, DefaultNamespace: "default"}
}

func podNames(report *audit.ResourceRequestsReport) []string {
	names := make([]string, 0, len(report.Pods))
	for _, pod := range report.Pods {
		names = append(names, fmt.Sprintf("%s/%s/%s", pod.Namespace, pod.Pod, pod.Container))
	}
	return names
}

func TestResourceRequestsReportsAllRunningContainersWithoutThreshold(t *testing.T) {
	t.Parallel()

	source, deps := resourceFixture()
	report, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{})
	require.NoError(t, err)

	require.Equal(t, []string{"default/idle/app", "default/steady/app", "default/web-1/app"}, podNames(report))
	require.Equal(t, []string{"default"}, source.calls)
	require.False(t, report.MetricsUnavailable)

	web := report.Pods[2]
	require.Equal(t, units.CPU(700), *web.Resources.CPUUsage)
	require.Equal(t, 300*mebibyte, *web.Resources.MemoryUsage)
	require.Equal(t, units.CPU(500), *web.Resources.RequestsCPU)
	require.Equal(t, units.CPU(1000), *web.Resources.LimitsCPU)
	require.Equal(t, 512*mebibyte, *web.Resources.LimitsMemory)

	require.Len(t, report.Total.Namespaces, 1)
	total := report.Total.Namespaces[0]
	require.Equal(t, "default", total.Namespace)
	require.Equal(t, units.CPU(1000), *total.Resources.CPUUsage)
	require.Equal(t, units.CPU(1800), *total.Resources.RequestsCPU)
	require.Equal(t, 256*mebibyte, *total.Resources.RequestsMemory)
	require.Equal(t, units.CPU(1000), *total.Resources.LimitsCPU)
}

func TestResourceRequestsThresholdFiltering(t *testing.T) {
	t.Parallel()

	threshold := units.CPU(200)

	_, deps := resourceFixture()
	report, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{Threshold: &threshold})
	require.NoError(t, err)
	// web-1 uses more than it requests, idle requests 950m more than it
	// uses, steady is within the threshold.
	require.Equal(t, []string{"default/idle/app", "default/web-1/app"}, podNames(report))

	_, deps = resourceFixture()
	report, err = audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{Threshold: &threshold, NoCheckHigher: true})
	require.NoError(t, err)
	require.Equal(t, []string{"default/idle/app"}, podNames(report))
}

func TestResourceRequestsAllNamespaces(t *testing.T) {
	t.Parallel()

	source, deps := resourceFixture()
	report, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{
		Scope: kube.Scope{AllNamespaces: true},
	})
	require.NoError(t, err)
	require.Len(t, report.Pods, 4)
	require.Equal(t, []string{""}, source.calls)
	require.Len(t, report.Total.Namespaces, 2)
	require.Equal(t, "default", report.Total.Namespaces[0].Namespace)
	require.Equal(t, "other", report.Total.Namespaces[1].Namespace)
}

func TestResourceRequestsWithoutMetrics(t *testing.T) {
	t.Parallel()

	_, deps := resourceFixture()
	deps.Usage = &stubUsage{err: fmt.Errorf("%w: not found", audit.ErrMetricsUnavailable)}

	threshold := units.CPU(10_000)
	report, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{Threshold: &threshold})
	require.NoError(t, err)
	require.True(t, report.MetricsUnavailable)
	require.Len(t, report.Pods, 3, "rows without usage are kept")
	for _, pod := range report.Pods {
		require.Nil(t, pod.Resources.CPUUsage)
	}
}

func TestResourceRequestsPropagatesMetricsErrors(t *testing.T) {
	t.Parallel()

	_, deps := resourceFixture()
	deps.Usage = &stubUsage{err: fmt.Errorf("connection refused")}

	_, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{})
	require.ErrorContains(t, err, "connection refused")
}

func TestResourceRequestsRejectsConflictingScope(t *testing.T) {
	t.Parallel()

	_, deps := resourceFixture()
	_, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{
		Scope: kube.Scope{Namespaces: []string{"default"}, AllNamespaces: true},
	})
	require.ErrorIs(t, err, kube.ErrConflictingScope)
}

func TestResourcesJSONIncludesRawValues(t *testing.T) {
	t.Parallel()

	cpu := units.CPU(250)
	memory := 64 * mebibyte
	payload, err := json.Marshal(audit.Resources{RequestsCPU: &cpu, MemoryUsage: &memory})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"requestsCpu": "250m",
		"requestsCpuMilliseconds": 250,
		"memoryUsage": "64 MiB",
		"memoryUsageBytes": 67108864
	}`, string(payload))
}

func TestResourceRequestsTable(t *testing.T) {
	t.Parallel()

	_, deps := resourceFixture()
	report, err := audit.ResourceRequests(context.Background(), deps, audit.ResourceRequestsOptions{})
	require.NoError(t, err)

	rows := report.TableRows()
	require.Len(t, rows, 4)
	require.Len(t, rows[0], len(report.TableHeader()))
	require.Equal(t, "(total)", rows[3][1])
}
