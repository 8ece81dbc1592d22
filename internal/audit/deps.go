package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	vpaclientset "k8s.io/autoscaler/vertical-pod-autoscaler/pkg/client/clientset/versioned"
	"k8s.io/client-go/kubernetes"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/units"
)

// maxConcurrentNamespaceFetches bounds parallel metrics.k8s.io list calls.
const maxConcurrentNamespaceFetches = 4

// ErrMetricsUnavailable is returned by a UsageSource when the cluster does not
// serve metrics.k8s.io.
var ErrMetricsUnavailable = errors.New("metrics.k8s.io API is not available")

// Deps carries the cluster access used by the checks.
type Deps struct {
	Clientset kubernetes.Interface
	Usage     UsageSource
	VPA       vpaclientset.Interface
	// DefaultNamespace is used when a Scope names no namespace.
	DefaultNamespace string
}

// NewDeps wires Deps from a set of cluster clients.
func NewDeps(clients *kube.Clients) (Deps, error) {
	if clients == nil {
		return Deps{}, fmt.Errorf("assertion failed: clients must not be nil")
	}
	return Deps{
		Clientset:        clients.Clientset,
		Usage:            NewMetricsUsageSource(clients.Metrics),
		VPA:              clients.VPA,
		DefaultNamespace: clients.Namespace,
	}, nil
}

func (d Deps) namespaces(scope kube.Scope) ([]string, error) {
	if d.Clientset == nil {
		return nil, fmt.Errorf("assertion failed: Kubernetes clientset must not be nil")
	}
	return scope.Resolve(d.DefaultNamespace)
}

// ContainerUsage is the live usage of one container.
type ContainerUsage struct {
	CPU    *units.CPU
	Memory *units.Memory
}

// PodUsage maps container names to their usage.
type PodUsage map[string]ContainerUsage

// UsageSource reports live container usage for a namespace. The namespace may
// be metav1.NamespaceAll.
type UsageSource interface {
	NamespaceUsage(ctx context.Context, namespace string) (map[types.NamespacedName]PodUsage, error)
}

// MetricsUsageSource reads usage from the metrics.k8s.io API.
type MetricsUsageSource struct {
	client metricsclientset.Interface
}

// NewMetricsUsageSource returns a UsageSource backed by client.
func NewMetricsUsageSource(client metricsclientset.Interface) *MetricsUsageSource {
	return &MetricsUsageSource{client: client}
}

// NamespaceUsage lists PodMetrics for namespace in a single call.
func (s *MetricsUsageSource) NamespaceUsage(ctx context.Context, namespace string) (map[types.NamespacedName]PodUsage, error) {
	if s == nil || s.client == nil {
		return nil, ErrMetricsUnavailable
	}

	podMetrics, err := s.client.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) || apierrors.IsServiceUnavailable(err) || apimeta.IsNoMatchError(err) {
			return nil, fmt.Errorf("%w: %w", ErrMetricsUnavailable, err)
		}
		return nil, fmt.Errorf("list pod metrics: %w", err)
	}

	out := make(map[types.NamespacedName]PodUsage, len(podMetrics.Items))
	for _, item := range podMetrics.Items {
		usage := make(PodUsage, len(item.Containers))
		for _, container := range item.Containers {
			var containerUsage ContainerUsage
			if quantity, ok := container.Usage[corev1.ResourceCPU]; ok {
				cpu, err := units.CPUFromQuantity(quantity)
				if err != nil {
					return nil, fmt.Errorf("pod %s/%s container %s: %w", item.Namespace, item.Name, container.Name, err)
				}
				containerUsage.CPU = &cpu
			}
			if quantity, ok := container.Usage[corev1.ResourceMemory]; ok {
				memory, err := units.MemoryFromQuantity(quantity)
				if err != nil {
					return nil, fmt.Errorf("pod %s/%s container %s: %w", item.Namespace, item.Name, container.Name, err)
				}
				containerUsage.Memory = &memory
			}
			usage[container.Name] = containerUsage
		}
		out[types.NamespacedName{Namespace: item.Namespace, Name: item.Name}] = usage
	}
	return out, nil
}

// collectUsage fetches usage for every namespace concurrently. A cluster
// without metrics yields a nil map and ErrMetricsUnavailable.
func collectUsage(ctx context.Context, source UsageSource, namespaces []string) (map[types.NamespacedName]PodUsage, error) {
	if source == nil {
		return nil, ErrMetricsUnavailable
	}

	var (
		mu  sync.Mutex
		out = map[types.NamespacedName]PodUsage{}
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentNamespaceFetches)
	for _, namespace := range namespaces {
		group.Go(func() error {
			usage, err := source.NamespaceUsage(groupCtx, namespace)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for key, podUsage := range usage {
				out[key] = podUsage
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
