// Package kube builds Kubernetes API clients and resolves which namespaces and
// workloads an audit covers.
package kube

import (
	"golang.org/x/xerrors"
	vpaclientset "k8s.io/autoscaler/vertical-pod-autoscaler/pkg/client/clientset/versioned"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

// ConfigOptions selects the kubeconfig used to reach the cluster. Empty values
// fall back to the client-go defaults ($KUBECONFIG, ~/.kube/config, in-cluster).
type ConfigOptions struct {
	Kubeconfig string
	Context    string
}

// Clients bundles the API clients used by the audit checks.
type Clients struct {
	Config    *rest.Config
	Clientset kubernetes.Interface
	Metrics   metricsclientset.Interface
	VPA       vpaclientset.Interface
	// Namespace is the namespace of the selected kubeconfig context.
	Namespace string
}

// NewClients loads the kubeconfig described by opts and builds every client.
func NewClients(opts ConfigOptions) (*Clients, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if opts.Kubeconfig != "" {
		loadingRules.ExplicitPath = opts.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: opts.Context}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)

	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, xerrors.Errorf("load kubeconfig: %w", err)
	}
	if cfg == nil {
		return nil, xerrors.New("assertion failed: rest config is nil after successful construction")
	}

	namespace, _, err := clientConfig.Namespace()
	if err != nil {
		return nil, xerrors.Errorf("resolve current namespace: %w", err)
	}

	return NewClientsForConfig(cfg, namespace)
}

// NewClientsForConfig builds every client from an existing rest config.
func NewClientsForConfig(cfg *rest.Config, namespace string) (*Clients, error) {
	if cfg == nil {
		return nil, xerrors.New("assertion failed: rest config must not be nil")
	}
	if namespace == "" {
		namespace = "default"
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, xerrors.Errorf("build Kubernetes clientset: %w", err)
	}
	metrics, err := metricsclientset.NewForConfig(cfg)
	if err != nil {
		return nil, xerrors.Errorf("build metrics clientset: %w", err)
	}
	vpa, err := vpaclientset.NewForConfig(cfg)
	if err != nil {
		return nil, xerrors.Errorf("build VPA clientset: %w", err)
	}

	return &Clients{
		Config:    cfg,
		Clientset: clientset,
		Metrics:   metrics,
		VPA:       vpa,
		Namespace: namespace,
	}, nil
}
