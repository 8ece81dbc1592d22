package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coder/kube-audit/internal/app/allapp"
	"github.com/coder/kube-audit/internal/app/controllerapp"
	"github.com/coder/kube-audit/internal/app/mcpapp"
)

var (
	runControllerApp = controllerapp.Run
	runAllApp        = allapp.Run
	runMCPStdioApp   = mcpapp.RunStdio
	runMCPHTTPApp    = mcpapp.RunHTTP
)

func newMCPStdioCmd(root *RootArgs) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-stdio",
		Short: "Serve the audit checks as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCPStdioApp(commandContext(cmd), root.KubeOptions())
		},
	}
}

func newMCPHTTPCmd(root *RootArgs) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "mcp-http",
		Short: "Serve the audit checks as MCP tools over streamable HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCPHTTPApp(commandContext(cmd), root.KubeOptions(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", mcpapp.DefaultHTTPAddr, "Listen address of the MCP HTTP server")
	return cmd
}

func addControllerFlags(cmd *cobra.Command, opts *controllerapp.Options) {
	defaults := controllerapp.DefaultOptions()
	cmd.Flags().StringVar(&opts.HealthProbeBindAddress, "health-probe-bind-address", defaults.HealthProbeBindAddress, "Address serving /healthz and /readyz")
	cmd.Flags().StringVar(&opts.MetricsBindAddress, "metrics-bind-address", defaults.MetricsBindAddress, "Address serving Prometheus metrics; 0 disables it")
	cmd.Flags().BoolVar(&opts.LeaderElect, "leader-elect", defaults.LeaderElect, "Enable leader election")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "Also report each container lacking a probe in pods that probe another container")
}

func newControllerCmd(root *RootArgs) *cobra.Command {
	var opts controllerapp.Options

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Audit pods continuously and publish findings as metrics and events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Kube = root.KubeOptions()
			return runControllerApp(commandContext(cmd), opts)
		},
	}
	addControllerFlags(cmd, &opts)
	return cmd
}

func newAllCmd(root *RootArgs) *cobra.Command {
	var opts allapp.Options

	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the controller and the MCP HTTP server in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Controller.Kube = root.KubeOptions()
			return runAllApp(commandContext(cmd), opts)
		},
	}
	addControllerFlags(cmd, &opts.Controller)
	cmd.Flags().StringVar(&opts.MCPAddr, "mcp-addr", mcpapp.DefaultHTTPAddr, "Listen address of the MCP HTTP server")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kube-audit version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cmdName, Version)
			return err
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
