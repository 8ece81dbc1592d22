package kube

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Owner identifies the workload that controls a pod.
type Owner struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

var ownerLog = ctrl.Log.WithName("owner")

type ownerKey struct {
	namespace string
	kind      string
	name      string
}

// OwnerResolver maps pods to the top-level workload that manages them. It
// follows ReplicaSet→Deployment and Job→CronJob and caches every lookup, so a
// resolver should live for a single audit run.
type OwnerResolver struct {
	clientset kubernetes.Interface

	mu    sync.Mutex
	cache map[ownerKey]Owner
}

// NewOwnerResolver returns a resolver backed by clientset. A nil clientset is
// allowed and disables the second-level lookups.
func NewOwnerResolver(clientset kubernetes.Interface) *OwnerResolver {
	return &OwnerResolver{
		clientset: clientset,
		cache:     map[ownerKey]Owner{},
	}
}

// Resolve returns the workload owning pod, or nil for unmanaged pods.
func (r *OwnerResolver) Resolve(ctx context.Context, pod *corev1.Pod) *Owner {
	if pod == nil {
		return nil
	}
	ref := metav1.GetControllerOf(pod)
	if ref == nil {
		return nil
	}

	key := ownerKey{namespace: pod.Namespace, kind: ref.Kind, name: ref.Name}
	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return &cached
	}

	owner := r.lookup(ctx, pod.Namespace, ref)

	r.mu.Lock()
	r.cache[key] = owner
	r.mu.Unlock()
	return &owner
}

func (r *OwnerResolver) lookup(ctx context.Context, namespace string, ref *metav1.OwnerReference) Owner {
	direct := Owner{Kind: ref.Kind, Name: ref.Name}
	if r.clientset == nil {
		return direct
	}

	var parent *metav1.OwnerReference
	switch ref.Kind {
	case "ReplicaSet":
		replicaSet, err := r.clientset.AppsV1().ReplicaSets(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			ownerLog.V(1).Info("falling back to direct owner", "namespace", namespace, "replicaSet", ref.Name, "error", err.Error())
			return direct
		}
		parent = metav1.GetControllerOf(replicaSet)
	case "Job":
		job, err := r.clientset.BatchV1().Jobs(namespace).Get(ctx, ref.Name, metav1.GetOptions{})
		if err != nil {
			ownerLog.V(1).Info("falling back to direct owner", "namespace", namespace, "job", ref.Name, "error", err.Error())
			return direct
		}
		parent = metav1.GetControllerOf(job)
	default:
		return direct
	}

	if parent == nil {
		return direct
	}
	return Owner{Kind: parent.Kind, Name: parent.Name}
}
