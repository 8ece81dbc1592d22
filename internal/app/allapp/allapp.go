// Package allapp runs the controller and MCP HTTP app modes in one process.
package allapp

import (
	"context"
	"fmt"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/coder/kube-audit/internal/app/controllerapp"
	"github.com/coder/kube-audit/internal/app/mcpapp"
	"github.com/coder/kube-audit/internal/app/sharedscheme"
	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/kube"
)

const cacheSyncTimeout = 30 * time.Second

var (
	newManager          = controllerapp.NewManager
	setupControllers    = controllerapp.SetupControllers
	setupProbes         = controllerapp.SetupProbes
	runMCPHTTPWithDeps  = mcpapp.RunHTTPWithDeps
	newClientsForConfig = kube.NewClientsForConfig
	newKubeClients      = kube.NewClients
)

// Options configures the combined app mode.
type Options struct {
	Controller controllerapp.Options
	// MCPAddr is the listen address of the MCP HTTP server.
	MCPAddr string
}

var _ manager.LeaderElectionRunnable = nonLeaderRunnable{}

type nonLeaderRunnable struct {
	run func(context.Context) error
}

func (r nonLeaderRunnable) Start(ctx context.Context) error {
	if r.run == nil {
		return fmt.Errorf("assertion failed: runnable function must not be nil")
	}
	return r.run(ctx)
}

func (nonLeaderRunnable) NeedLeaderElection() bool {
	return false
}

// Run starts the pod audit controller and the MCP HTTP server on a shared
// controller-runtime manager. The MCP server runs on every replica; the
// controller only on the leader.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		return fmt.Errorf("assertion failed: context must not be nil")
	}

	clients, err := newKubeClients(opts.Controller.Kube)
	if err != nil {
		return err
	}
	if clients == nil || clients.Config == nil {
		return fmt.Errorf("assertion failed: Kubernetes clients are nil after successful construction")
	}

	scheme := sharedscheme.New()
	if scheme == nil {
		return fmt.Errorf("assertion failed: scheme is nil after successful construction")
	}

	mgr, err := newManager(clients.Config, scheme, opts.Controller)
	if err != nil {
		return err
	}
	if mgr == nil {
		return fmt.Errorf("assertion failed: manager is nil after successful construction")
	}

	if err := setupControllers(mgr, opts.Controller); err != nil {
		return err
	}
	if err := setupProbes(mgr); err != nil {
		return err
	}

	if err := mgr.Add(nonLeaderRunnable{
		run: func(runnableCtx context.Context) error {
			if runnableCtx == nil {
				return fmt.Errorf("assertion failed: context must not be nil")
			}

			if err := waitForCacheSync(runnableCtx, mgr, "mcp-http"); err != nil {
				return err
			}

			managerConfig := mgr.GetConfig()
			if managerConfig == nil {
				return fmt.Errorf("assertion failed: manager config is nil")
			}

			runnableClients, err := newClientsForConfig(managerConfig, clients.Namespace)
			if err != nil {
				return fmt.Errorf("build Kubernetes clients: %w", err)
			}

			deps, err := audit.NewDeps(runnableClients)
			if err != nil {
				return err
			}

			return runMCPHTTPWithDeps(runnableCtx, deps, opts.MCPAddr)
		},
	}); err != nil {
		return fmt.Errorf("add mcp-http runnable: %w", err)
	}

	ctrl.Log.WithName("setup").Info("starting controller and MCP HTTP server", "mcpAddr", opts.MCPAddr)
	return mgr.Start(ctx)
}

func waitForCacheSync(ctx context.Context, mgr manager.Manager, runnableName string) error {
	if ctx == nil {
		return fmt.Errorf("assertion failed: context must not be nil")
	}
	if mgr == nil {
		return fmt.Errorf("assertion failed: manager must not be nil")
	}
	if runnableName == "" {
		return fmt.Errorf("assertion failed: runnable name must not be empty")
	}

	managerCache := mgr.GetCache()
	if managerCache == nil {
		return fmt.Errorf("assertion failed: manager cache is nil")
	}

	syncCtx, cancel := context.WithTimeout(ctx, cacheSyncTimeout)
	defer cancel()

	if synced := managerCache.WaitForCacheSync(syncCtx); !synced {
		return fmt.Errorf("cache did not sync within %s for %s", cacheSyncTimeout, runnableName)
	}

	return nil
}
