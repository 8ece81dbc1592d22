package kube_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/coder/kube-audit/internal/kube"
)

func controllerRef(apiVersion, kind, name string) metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion: apiVersion,
		Kind:       kind,
		Name:       name,
		UID:        types.UID(uuid.NewString()),
		Controller: ptr.To(true),
	}
}

func TestOwnerResolverFollowsReplicaSetToDeployment(t *testing.T) {
	t.Parallel()

	replicaSet := &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "web-5d8f",
			Namespace:       "default",
			OwnerReferences: []metav1.OwnerReference{controllerRef("apps/v1", "Deployment", "web")},
		},
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "web-5d8f-abcde",
			Namespace:       "default",
			OwnerReferences: []metav1.OwnerReference{controllerRef("apps/v1", "ReplicaSet", "web-5d8f")},
		},
	}

	resolver := kube.NewOwnerResolver(k8sfake.NewClientset(replicaSet))
	owner := resolver.Resolve(context.Background(), pod)
	require.NotNil(t, owner)
	require.Equal(t, kube.Owner{Kind: "Deployment", Name: "web"}, *owner)
}

func TestOwnerResolverFollowsJobToCronJob(t *testing.T) {
	t.Parallel()

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "nightly-28000000",
			Namespace:       "batch",
			OwnerReferences: []metav1.OwnerReference{controllerRef("batch/v1", "CronJob", "nightly")},
		},
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:            "nightly-28000000-xyz",
			Namespace:       "batch",
			OwnerReferences: []metav1.OwnerReference{controllerRef("batch/v1", "Job", "nightly-28000000")},
		},
	}

	owner := kube.NewOwnerResolver(k8sfake.NewClientset(job)).Resolve(context.Background(), pod)
	require.NotNil(t, owner)
	require.Equal(t, kube.Owner{Kind: "CronJob", Name: "nightly"}, *owner)
}

func TestOwnerResolverFallsBackToDirectController(t *testing.T) {
	t.Parallel()

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "db-0",
			Namespace: "default",
			OwnerReferences: []metav1.OwnerReference{
				{APIVersion: "v1", Kind: "Node", Name: "ignored", UID: types.UID(uuid.NewString())},
				controllerRef("apps/v1", "ReplicaSet", "missing"),
			},
		},
	}

	owner := kube.NewOwnerResolver(k8sfake.NewClientset()).Resolve(context.Background(), pod)
	require.NotNil(t, owner)
	require.Equal(t, kube.Owner{Kind: "ReplicaSet", Name: "missing"}, *owner)
}

func TestOwnerResolverUnmanagedPod(t *testing.T) {
	t.Parallel()

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "debug", Namespace: "default"}}
	require.Nil(t, kube.NewOwnerResolver(nil).Resolve(context.Background(), pod))
	require.Nil(t, kube.NewOwnerResolver(nil).Resolve(context.Background(), nil))
}
