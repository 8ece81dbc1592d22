// Package mcpapp provides MCP server application modes for kube-audit.
package mcpapp

import (
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/kube"
)

const serverImplementationName = "kube-audit"

// Version is reported by the MCP server implementation and check_health. It
// is set from the CLI build version.
var Version = "dev"

// +kubebuilder:rbac:groups="",resources=events,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=namespaces,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups=apps,resources=deployments;statefulsets;daemonsets;replicasets,verbs=get;list;watch
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch
// +kubebuilder:rbac:groups=metrics.k8s.io,resources=pods,verbs=get;list
// +kubebuilder:rbac:groups=autoscaling.k8s.io,resources=verticalpodautoscalers,verbs=get;list;watch

// NewServer creates an MCP server with all tools registered.
func NewServer(deps audit.Deps) *mcp.Server {
	if deps.Clientset == nil {
		panic("assertion failed: Kubernetes clientset must not be nil")
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverImplementationName,
		Version: Version,
	}, nil)
	registerTools(server, deps)
	return server
}

func newDeps(opts kube.ConfigOptions) (audit.Deps, error) {
	clients, err := kube.NewClients(opts)
	if err != nil {
		return audit.Deps{}, err
	}
	if clients == nil {
		return audit.Deps{}, fmt.Errorf("assertion failed: Kubernetes clients are nil after successful construction")
	}

	return audit.NewDeps(clients)
}
