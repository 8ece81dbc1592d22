package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/units"
)

func newResourceRequestsCmd(root *RootArgs) *cobra.Command {
	var (
		threshold     string
		noCheckHigher bool
	)

	cmd := &cobra.Command{
		Use:   "resource-requests",
		Short: "Compare container requests and limits with live usage",
		Long: `Lists containers of running pods that declare resources, with their requests,
limits, and current usage from metrics.k8s.io, plus per-namespace totals.

With --threshold only containers whose CPU request exceeds usage by more than
the threshold, or whose usage exceeds the request, are listed.`,
		Example: `  kube-audit resource-requests -n team-a --threshold 100m
  kube-audit resource-requests -A --threshold 250 --no-check-higher -o table`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := audit.ResourceRequestsOptions{
				Scope:         root.Scope(),
				NoCheckHigher: noCheckHigher,
			}
			if threshold != "" {
				parsed, err := units.ParseCPU(threshold)
				if err != nil {
					return err
				}
				opts.Threshold = &parsed
			}

			return runClusterAudit(cmd, root, func(ctx context.Context, deps audit.Deps) (any, error) {
				return audit.ResourceRequests(ctx, deps, opts)
			})
		},
	}
	cmd.Flags().StringVar(&threshold, "threshold", "", "Report containers whose CPU request exceeds usage by more than this (quantity like 100m, or bare millicores)")
	cmd.Flags().BoolVar(&noCheckHigher, "no-check-higher", false, "Do not report containers only because usage exceeds the request")
	return cmd
}

func newMissingHealthProbesCmd(root *RootArgs) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "missing-health-probes",
		Short: "List running pods without liveness or readiness probes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := audit.MissingHealthProbesOptions{Scope: root.Scope(), Strict: strict}
			return runClusterAudit(cmd, root, func(ctx context.Context, deps audit.Deps) (any, error) {
				return audit.MissingHealthProbes(ctx, deps, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Also report each container lacking a probe in pods that probe another container")
	return cmd
}

func newReadOnlyRootFilesystemCmd(root *RootArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "readonly-root-filesystem",
		Short: "List containers whose root filesystem is writable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := audit.ReadOnlyRootFilesystemOptions{Scope: root.Scope()}
			return runClusterAudit(cmd, root, func(ctx context.Context, deps audit.Deps) (any, error) {
				return audit.ReadOnlyRootFilesystem(ctx, deps, opts)
			})
		},
	}
}

func newVPADriftCmd(root *RootArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "vpa-drift",
		Short: "Compare workload requests with VerticalPodAutoscaler recommendations",
		Long: `Lists every VerticalPodAutoscaler in scope with, per recommended container,
the current request, the recommendation target and bounds, and the drift
between request and target. Recommendations are never applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := audit.VPADriftOptions{Scope: root.Scope()}
			return runClusterAudit(cmd, root, func(ctx context.Context, deps audit.Deps) (any, error) {
				return audit.VPADrift(ctx, deps, opts)
			})
		},
	}
}
