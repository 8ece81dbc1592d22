package main

import (
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/coder/kube-audit/internal/cli"
)

var (
	newRootCmd         = cli.NewRootCmd
	setupSignalHandler = ctrl.SetupSignalHandler
)

func run(args []string) error {
	cmd := newRootCmd()
	if cmd == nil {
		return fmt.Errorf("assertion failed: root command is nil after successful construction")
	}
	cmd.SetArgs(args)
	return cmd.ExecuteContext(setupSignalHandler())
}
