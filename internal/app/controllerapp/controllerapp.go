// Package controllerapp provides the controller-runtime application mode for kube-audit.
package controllerapp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/coder/kube-audit/internal/app/sharedscheme"
	"github.com/coder/kube-audit/internal/controller"
	"github.com/coder/kube-audit/internal/kube"
)

const (
	// DefaultHealthProbeBindAddress exposes /healthz and /readyz checks for kube probes.
	DefaultHealthProbeBindAddress = ":8081"

	// DefaultMetricsBindAddress serves the controller-runtime metrics registry,
	// including kube_audit_findings.
	DefaultMetricsBindAddress = ":8080"

	// leaderElectionID is the stable identity used for leader-election lease objects.
	leaderElectionID = "kube-audit-controller.coder.com"

	// defaultLeaderElectionNamespace is used when the pod namespace cannot be
	// detected (e.g. out-of-cluster development runs).
	defaultLeaderElectionNamespace = "kube-system"

	// inClusterNamespacePath is the standard path where Kubernetes injects the
	// pod namespace when running inside a cluster.
	inClusterNamespacePath = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

	eventRecorderName = "kube-audit"
)

var setupLog = ctrl.Log.WithName("setup")

// Options configures the controller application mode.
type Options struct {
	Kube                   kube.ConfigOptions
	HealthProbeBindAddress string
	MetricsBindAddress     string
	LeaderElect            bool
	// Strict enables per-container probe findings.
	Strict bool
}

// DefaultOptions returns the options used when no flags are given.
func DefaultOptions() Options {
	return Options{
		HealthProbeBindAddress: DefaultHealthProbeBindAddress,
		MetricsBindAddress:     DefaultMetricsBindAddress,
		LeaderElect:            true,
	}
}

// NewScheme builds the runtime scheme used by the controller application.
func NewScheme() *runtime.Scheme {
	return sharedscheme.New()
}

// NewManager builds a controller-runtime manager for the controller application mode.
func NewManager(cfg *rest.Config, scheme *runtime.Scheme, opts Options) (manager.Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("assertion failed: config must not be nil")
	}
	if scheme == nil {
		return nil, fmt.Errorf("assertion failed: scheme must not be nil")
	}

	mgr, err := ctrl.NewManager(cfg, ctrl.Options{
		Scheme:                        scheme,
		HealthProbeBindAddress:        opts.HealthProbeBindAddress,
		Metrics:                       metricsserver.Options{BindAddress: opts.MetricsBindAddress},
		LeaderElection:                opts.LeaderElect,
		LeaderElectionID:              leaderElectionID,
		LeaderElectionNamespace:       detectLeaderElectionNamespace(),
		LeaderElectionReleaseOnCancel: true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to start manager: %w", err)
	}
	if mgr == nil {
		return nil, fmt.Errorf("assertion failed: manager is nil after successful construction")
	}

	return mgr, nil
}

// SetupControllers registers the pod audit reconciler on the manager.
func SetupControllers(mgr manager.Manager, opts Options) error {
	if mgr == nil {
		return fmt.Errorf("assertion failed: manager must not be nil")
	}

	client := mgr.GetClient()
	if client == nil {
		return fmt.Errorf("assertion failed: manager client is nil")
	}

	findingMetrics, err := controller.NewFindingMetrics(metrics.Registry)
	if err != nil {
		return fmt.Errorf("unable to register finding metrics: %w", err)
	}

	reconciler := &controller.PodAuditReconciler{
		Client:   client,
		Recorder: mgr.GetEventRecorderFor(eventRecorderName),
		Metrics:  findingMetrics,
		Strict:   opts.Strict,
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("unable to create pod audit controller: %w", err)
	}

	return nil
}

// SetupProbes configures health and readiness checks on the manager.
func SetupProbes(mgr manager.Manager) error {
	if mgr == nil {
		return fmt.Errorf("assertion failed: manager must not be nil")
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", func(req *http.Request) error {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if synced := mgr.GetCache().WaitForCacheSync(ctx); !synced {
			return fmt.Errorf("informer caches not synced")
		}
		return nil
	}); err != nil {
		return fmt.Errorf("unable to set up ready check: %w", err)
	}

	return nil
}

// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Run starts the controller-runtime manager for the controller application mode.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		return fmt.Errorf("assertion failed: context must not be nil")
	}

	clients, err := kube.NewClients(opts.Kube)
	if err != nil {
		return err
	}

	scheme := NewScheme()
	if scheme == nil {
		return fmt.Errorf("assertion failed: scheme is nil after successful construction")
	}

	mgr, err := NewManager(clients.Config, scheme, opts)
	if err != nil {
		return err
	}

	if err := SetupControllers(mgr, opts); err != nil {
		return err
	}
	if err := SetupProbes(mgr); err != nil {
		return err
	}

	setupLog.Info("starting manager", "leaderElection", opts.LeaderElect, "metricsBindAddress", opts.MetricsBindAddress)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}

// detectLeaderElectionNamespace returns the namespace to use for leader-election
// lease objects. Resolution order:
//  1. POD_NAMESPACE env var (allows explicit override for any environment).
//  2. In-cluster namespace file (standard Kubernetes downward API path).
//  3. defaultLeaderElectionNamespace as a last-resort fallback.
func detectLeaderElectionNamespace() string {
	return leaderElectionNamespace(os.Getenv, inClusterNamespacePath)
}

func leaderElectionNamespace(getenv func(string) string, namespacePath string) string {
	if ns := strings.TrimSpace(getenv("POD_NAMESPACE")); ns != "" {
		return ns
	}
	data, err := os.ReadFile(namespacePath)
	if err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return defaultLeaderElectionNamespace
}
