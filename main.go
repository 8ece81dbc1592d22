// Package main provides the entrypoint for the kube-audit binary.
package main

import "os"

func main() {
	// The root command prints its own error and configures logging from
	// --log-level before any subcommand runs.
	if err := run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
