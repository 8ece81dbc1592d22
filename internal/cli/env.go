package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// bindEnvVars adds the KUBE_AUDIT_<FLAG> variable name to the usage string of
// every flag of cmd. Values are applied by applyEnvVars once the command line
// has been parsed.
func bindEnvVars(cmd *cobra.Command) {
	cmd.Flags().VisitAll(annotateFlagUsage)
	cmd.PersistentFlags().VisitAll(annotateFlagUsage)
}

func annotateFlagUsage(flag *pflag.Flag) {
	envName := flagToEnvName(flag.Name)
	if !strings.Contains(flag.Usage, envName) {
		flag.Usage = fmt.Sprintf("%s ($%s)", flag.Usage, envName)
	}
}

// applyEnvVars sets every flag of the executing command that was not given on
// the command line from its environment variable. Arguments take precedence
// over environment variables, which take precedence over defaults.
func applyEnvVars(cmd *cobra.Command) error {
	var firstErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || firstErr != nil {
			return
		}
		envName := flagToEnvName(flag.Name)
		envValue, ok := os.LookupEnv(envName)
		if !ok {
			return
		}
		if err := flag.Value.Set(envValue); err != nil {
			firstErr = fmt.Errorf("invalid value %q for $%s: %w", envValue, envName, err)
		}
	})
	return firstErr
}

// flagToEnvName converts a flag name to its environment variable name, e.g.
// "log-level" becomes "KUBE_AUDIT_LOG_LEVEL".
func flagToEnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
