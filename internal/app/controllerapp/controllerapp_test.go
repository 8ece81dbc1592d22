package controllerapp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"k8s.io/client-go/rest"
)

func TestDefaultOptionsEnableProbesAndLeaderElection(t *testing.T) {
	t.Helper()

	opts := DefaultOptions()
	if opts.HealthProbeBindAddress == "" || opts.HealthProbeBindAddress == "0" {
		t.Fatalf("expected non-empty HealthProbeBindAddress, got %q", opts.HealthProbeBindAddress)
	}
	if opts.MetricsBindAddress == "" {
		t.Fatal("expected metrics to be served by default")
	}
	if !opts.LeaderElect {
		t.Fatal("expected leader election to be enabled by default")
	}
}

func TestNewManagerValidatesArguments(t *testing.T) {
	t.Helper()

	if _, err := NewManager(nil, NewScheme(), DefaultOptions()); err == nil {
		t.Fatal("expected an error when config is nil")
	}
	if _, err := NewManager(&rest.Config{}, nil, DefaultOptions()); err == nil {
		t.Fatal("expected an error when scheme is nil")
	}
}

func TestSetupRequiresManager(t *testing.T) {
	t.Helper()

	if err := SetupControllers(nil, DefaultOptions()); err == nil {
		t.Fatal("expected SetupControllers to reject a nil manager")
	}
	if err := SetupProbes(nil); err == nil {
		t.Fatal("expected SetupProbes to reject a nil manager")
	}
}

func TestRunRejectsNilContext(t *testing.T) {
	t.Helper()

	var nilCtx context.Context
	if err := Run(nilCtx, DefaultOptions()); err == nil {
		t.Fatal("expected an error when context is nil")
	}
}

func TestLeaderElectionNamespace(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	namespaceFile := filepath.Join(dir, "namespace")
	if err := os.WriteFile(namespaceFile, []byte("audit-system\n"), 0o600); err != nil {
		t.Fatalf("write namespace file: %v", err)
	}

	env := func(value string) func(string) string {
		return func(string) string { return value }
	}

	if got := leaderElectionNamespace(env(" platform "), namespaceFile); got != "platform" {
		t.Fatalf("expected POD_NAMESPACE to win, got %q", got)
	}
	if got := leaderElectionNamespace(env(""), namespaceFile); got != "audit-system" {
		t.Fatalf("expected in-cluster namespace, got %q", got)
	}
	if got := leaderElectionNamespace(env(""), filepath.Join(dir, "missing")); got != defaultLeaderElectionNamespace {
		t.Fatalf("expected fallback namespace, got %q", got)
	}
}
