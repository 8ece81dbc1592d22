// Package controller contains the controller that audits pods continuously.
package controller

import (
	"context"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/coder/kube-audit/internal/audit"
)

// AuditFindingReason is the Event reason recorded for new findings.
const AuditFindingReason = "AuditFinding"

type findingKey struct {
	container string
	check     audit.Check
}

// PodAuditReconciler runs the pod-level audit checks whenever a pod changes.
// Findings are published as gauges and announced once as Warning Events. It
// never modifies pods.
type PodAuditReconciler struct {
	client.Client
	Recorder record.EventRecorder
	Metrics  *FindingMetrics
	// Strict enables per-container probe findings.
	Strict bool

	mu   sync.Mutex
	seen map[types.NamespacedName]map[findingKey]struct{}
}

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile audits one pod and updates its finding series.
func (r *PodAuditReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	if r.Client == nil {
		return ctrl.Result{}, fmt.Errorf("assertion failed: reconciler client must not be nil")
	}
	if r.Metrics == nil {
		return ctrl.Result{}, fmt.Errorf("assertion failed: reconciler metrics must not be nil")
	}

	logger := log.FromContext(ctx)

	pod := &corev1.Pod{}
	if err := r.Get(ctx, req.NamespacedName, pod); err != nil {
		if apierrors.IsNotFound(err) {
			r.forget(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("get pod %s: %w", req.NamespacedName, err)
	}

	if !pod.DeletionTimestamp.IsZero() || isTerminated(pod) {
		r.forget(req.NamespacedName)
		return ctrl.Result{}, nil
	}

	findings := podFindings(pod, r.Strict)
	r.Metrics.SetPod(pod.Namespace, pod.Name, findings)

	for _, finding := range r.newFindings(req.NamespacedName, findings) {
		if r.Recorder != nil {
			r.Recorder.Eventf(pod, corev1.EventTypeWarning, AuditFindingReason, "container %s: %s (%s)", finding.Container, finding.Message, finding.Check)
		}
	}
	logger.V(1).Info("audited pod", "findings", len(findings))
	return ctrl.Result{}, nil
}

// podFindings runs the pod spec checks. Probe findings only apply to running pods.
func podFindings(pod *corev1.Pod, strict bool) []audit.ContainerFinding {
	all := audit.PodSpecFindings(&pod.Spec, strict)
	if audit.IsRunning(pod) {
		return all
	}

	findings := make([]audit.ContainerFinding, 0, len(all))
	for _, finding := range all {
		switch finding.Check {
		case audit.CheckMissingHealthProbes, audit.CheckMissingLivenessProbe, audit.CheckMissingReadinessProbe:
			continue
		}
		findings = append(findings, finding)
	}
	return findings
}

func isTerminated(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// newFindings records findings as the current set for key and returns the ones
// that were not open before.
func (r *PodAuditReconciler) newFindings(key types.NamespacedName, findings []audit.ContainerFinding) []audit.ContainerFinding {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen == nil {
		r.seen = map[types.NamespacedName]map[findingKey]struct{}{}
	}
	previous := r.seen[key]

	current := make(map[findingKey]struct{}, len(findings))
	var added []audit.ContainerFinding
	for _, finding := range findings {
		fk := findingKey{container: finding.Container, check: finding.Check}
		current[fk] = struct{}{}
		if _, ok := previous[fk]; !ok {
			added = append(added, finding)
		}
	}
	r.seen[key] = current
	return added
}

func (r *PodAuditReconciler) forget(key types.NamespacedName) {
	r.Metrics.DeletePod(key.Namespace, key.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, key)
}

// SetupWithManager wires the reconciler into controller-runtime.
func (r *PodAuditReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if mgr == nil {
		return fmt.Errorf("assertion failed: manager must not be nil")
	}
	if r.Client == nil {
		return fmt.Errorf("assertion failed: reconciler client must not be nil")
	}
	if r.Metrics == nil {
		return fmt.Errorf("assertion failed: reconciler metrics must not be nil")
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.Pod{}).
		Named("podaudit").
		Complete(r)
}
