// Package cli implements the kube-audit command line.
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/coder/kube-audit/internal/app/mcpapp"
	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/kube"
	"github.com/coder/kube-audit/internal/report"
)

const (
	cmdName   = "kube-audit"
	envPrefix = "KUBE_AUDIT_"

	defaultTimeout = 60 * time.Second
)

// Version is set at build time.
var Version = "dev"

var logLevels = []string{"debug", "info", "warn", "error"}

// newDeps builds cluster access for the audit commands. Tests replace it.
var newDeps = func(opts kube.ConfigOptions) (audit.Deps, error) {
	clients, err := kube.NewClients(opts)
	if err != nil {
		return audit.Deps{}, err
	}
	return audit.NewDeps(clients)
}

// RootArgs holds the persistent flags shared by every subcommand.
type RootArgs struct {
	LogLevel      string
	LogDev        bool
	Kubeconfig    string
	Context       string
	Namespaces    []string
	AllNamespaces bool
	Output        string
	Timeout       time.Duration
}

func (ra *RootArgs) AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&ra.LogLevel, "log-level", "info", "Log level, one of: "+strings.Join(logLevels, ", "))
	flags.BoolVar(&ra.LogDev, "log-dev", false, "Use development logging (console encoding, stack traces on warnings)")
	flags.StringVar(&ra.Kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	flags.StringVar(&ra.Context, "context", "", "Kubeconfig context to use")
	flags.StringSliceVarP(&ra.Namespaces, "namespaces", "n", nil, "Namespaces to audit (repeatable or comma separated); defaults to the context namespace")
	flags.BoolVarP(&ra.AllNamespaces, "all-namespaces", "A", false, "Audit every namespace")
	flags.StringVarP(&ra.Output, "output", "o", string(report.FormatJSON), "Output format, one of: json, yaml, table")
	flags.DurationVar(&ra.Timeout, "timeout", defaultTimeout, "Bound on the whole audit; 0 disables it")

	for name, values := range map[string][]string{
		"log-level": logLevels,
		"output":    {string(report.FormatJSON), string(report.FormatYAML), string(report.FormatTable)},
	} {
		if err := cmd.RegisterFlagCompletionFunc(name, cobra.FixedCompletions(values, cobra.ShellCompDirectiveNoFileComp)); err != nil {
			panic(fmt.Errorf("assertion failed: register %s completion: %w", name, err))
		}
	}
}

// Scope returns the namespace scope selected by the flags.
func (ra *RootArgs) Scope() kube.Scope {
	return kube.Scope{Namespaces: ra.Namespaces, AllNamespaces: ra.AllNamespaces}
}

// KubeOptions returns the kubeconfig selection.
func (ra *RootArgs) KubeOptions() kube.ConfigOptions {
	return kube.ConfigOptions{Kubeconfig: ra.Kubeconfig, Context: ra.Context}
}

// NewRootCmd builds the kube-audit command tree.
func NewRootCmd() *cobra.Command {
	args := &RootArgs{}
	mcpapp.Version = Version

	cmd := &cobra.Command{
		Use:   cmdName,
		Short: "Audit Kubernetes workloads for resource, probe, and security configuration",
		Long: `kube-audit reads workload state from a cluster or from manifest files and
reports configuration findings. Reports are written to stdout, logs to stderr.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging(args),
	}
	args.AddFlags(cmd)

	cmd.AddCommand(
		newResourceRequestsCmd(args),
		newMissingHealthProbesCmd(args),
		newReadOnlyRootFilesystemCmd(args),
		newVPADriftCmd(args),
		newManifestsCmd(args),
		newMCPStdioCmd(args),
		newMCPHTTPCmd(args),
		newControllerCmd(args),
		newAllCmd(args),
		newVersionCmd(),
	)

	bindEnvVars(cmd)
	for _, sub := range cmd.Commands() {
		bindEnvVars(sub)
	}
	return cmd
}

// ParseLogLevel maps a --log-level value onto a zap level.
func ParseLogLevel(value string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, known := range logLevels {
		if normalized == known {
			var level zapcore.Level
			if err := level.UnmarshalText([]byte(normalized)); err != nil {
				return zapcore.InfoLevel, fmt.Errorf("parse log level %q: %w", value, err)
			}
			return level, nil
		}
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected one of %s)", value, strings.Join(logLevels, ", "))
}

func setupLogging(args *RootArgs) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if err := applyEnvVars(cmd); err != nil {
			return err
		}
		level, err := ParseLogLevel(args.LogLevel)
		if err != nil {
			return err
		}
		ctrl.SetLogger(zap.New(
			zap.UseDevMode(args.LogDev),
			zap.Level(level),
			zap.WriteTo(cmd.ErrOrStderr()),
		))
		return nil
	}
}

// auditContext applies --timeout to the command context.
func auditContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := commandContext(cmd)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// runClusterAudit validates the shared flags, connects to the cluster, runs fn,
// and writes its result.
func runClusterAudit(cmd *cobra.Command, args *RootArgs, fn func(context.Context, audit.Deps) (any, error)) error {
	format, err := report.ParseFormat(args.Output)
	if err != nil {
		return err
	}
	if err := args.Scope().Validate(); err != nil {
		return err
	}

	ctx, cancel := auditContext(cmd, args.Timeout)
	defer cancel()

	deps, err := newDeps(args.KubeOptions())
	if err != nil {
		return err
	}

	result, err := fn(ctx, deps)
	if err != nil {
		return err
	}
	return report.Write(cmd.OutOrStdout(), format, result)
}
