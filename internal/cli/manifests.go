package cli

import (
	"github.com/spf13/cobra"

	"github.com/coder/kube-audit/internal/manifest"
	"github.com/coder/kube-audit/internal/report"
)

func newManifestsCmd(root *RootArgs) *cobra.Command {
	var opts manifest.Options

	cmd := &cobra.Command{
		Use:   "manifests <path>...",
		Short: "Audit manifest files without a cluster",
		Long: `Reads Deployments, StatefulSets, DaemonSets, Pods, and VerticalPodAutoscalers
from YAML or JSON files, runs the pod checks on their templates, and validates
that every VerticalPodAutoscaler targets a workload in the same files.`,
		Example: `  kube-audit manifests deploy/
  kube-audit manifests --recursive -o table charts/rendered`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, paths []string) error {
			format, err := report.ParseFormat(root.Output)
			if err != nil {
				return err
			}

			result, err := manifest.Audit(paths, opts)
			if err != nil {
				return err
			}
			return report.Write(cmd.OutOrStdout(), format, result)
		},
	}
	cmd.Flags().BoolVarP(&opts.Recursive, "recursive", "R", false, "Descend into subdirectories")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "Also report each container lacking a probe in pods that probe another container")
	return cmd
}
