package audit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	clienttesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"
	"k8s.io/utils/ptr"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/units"
)

var podMetricsResource = schema.GroupResource{Group: "metrics.k8s.io", Resource: "pods"}

func metricsClientReturning(list *metricsv1beta1.PodMetricsList, err error) *metricsfake.Clientset {
	client := metricsfake.NewSimpleClientset()
	client.PrependReactor("list", "*", func(clienttesting.Action) (bool, runtime.Object, error) {
		if err != nil {
			return true, nil, err
		}
		return true, list, nil
	})
	return client
}

func TestMetricsUsageSourceConvertsUsage(t *testing.T) {
	t.Parallel()

	client := metricsClientReturning(&metricsv1beta1.PodMetricsList{Items: []metricsv1beta1.PodMetrics{{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "stress"},
		Containers: []metricsv1beta1.ContainerMetrics{
			{Name: "stress", Usage: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("250000000n"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			}},
			{Name: "cpu-only", Usage: corev1.ResourceList{
				corev1.ResourceCPU: resource.MustParse("1"),
			}},
		},
	}}}, nil)

	got, err := audit.NewMetricsUsageSource(client).NamespaceUsage(context.Background(), "default")
	require.NoError(t, err)
	require.Equal(t, map[types.NamespacedName]audit.PodUsage{
		{Namespace: "default", Name: "stress"}: {
			"stress":   {CPU: ptr.To(units.CPU(250)), Memory: ptr.To(units.Memory(128 * 1024 * 1024))},
			"cpu-only": {CPU: ptr.To(units.CPU(1000))},
		},
	}, got)
}

func TestMetricsUsageSourceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{name: "not found", err: apierrors.NewNotFound(podMetricsResource, ""), wantUnavailable: true},
		{name: "service unavailable", err: apierrors.NewServiceUnavailable("metrics-server is down"), wantUnavailable: true},
		{name: "no resource match", err: &apimeta.NoResourceMatchError{PartialResource: schema.GroupVersionResource{Group: "metrics.k8s.io", Version: "v1beta1", Resource: "pods"}}, wantUnavailable: true},
		{name: "forbidden", err: apierrors.NewForbidden(podMetricsResource, "", fmt.Errorf("denied")), wantUnavailable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audit.NewMetricsUsageSource(metricsClientReturning(nil, tt.err)).NamespaceUsage(context.Background(), "default")
			require.Error(t, err)
			require.Equal(t, tt.wantUnavailable, errors.Is(err, audit.ErrMetricsUnavailable))
			if !tt.wantUnavailable {
				require.ErrorContains(t, err, "list pod metrics")
				require.True(t, apierrors.IsForbidden(err))
			}
		})
	}
}

func TestMetricsUsageSourceWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := audit.NewMetricsUsageSource(nil).NamespaceUsage(context.Background(), "default")
	require.ErrorIs(t, err, audit.ErrMetricsUnavailable)
}
