package mcpapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/coder/kube-audit/internal/audit"
	"github.com/coder/kube-audit/internal/kube"
)

const (
	// DefaultHTTPAddr is the default listen address used by MCP HTTP mode.
	DefaultHTTPAddr = ":8090"
	// streamableHTTPSessionTimeout ensures abandoned MCP streamable HTTP sessions are reclaimed.
	streamableHTTPSessionTimeout = 15 * time.Minute
	shutdownTimeout              = 5 * time.Second
)

var setupLog = ctrl.Log.WithName("setup")

// RunHTTP starts the MCP server using streamable HTTP transport.
func RunHTTP(ctx context.Context, opts kube.ConfigOptions, addr string) error {
	if ctx == nil {
		return fmt.Errorf("assertion failed: context must not be nil")
	}

	deps, err := newDeps(opts)
	if err != nil {
		return err
	}

	return RunHTTPWithDeps(ctx, deps, addr)
}

// NewHTTPHandler serves the MCP endpoint at /mcp plus /healthz and /readyz.
func NewHTTPHandler(server *mcp.Server) (http.Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("assertion failed: MCP server must not be nil")
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		SessionTimeout: streamableHTTPSessionTimeout,
	})
	if mcpHandler == nil {
		return nil, fmt.Errorf("assertion failed: MCP HTTP handler is nil after successful construction")
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux, nil
}

// RunHTTPWithDeps starts the MCP server using streamable HTTP transport and the
// provided cluster access. It returns once ctx is cancelled and the server has
// shut down.
func RunHTTPWithDeps(ctx context.Context, deps audit.Deps, addr string) error {
	if ctx == nil {
		return fmt.Errorf("assertion failed: context must not be nil")
	}
	if deps.Clientset == nil {
		return fmt.Errorf("assertion failed: Kubernetes clientset must not be nil")
	}
	if addr == "" {
		addr = DefaultHTTPAddr
	}

	server := NewServer(deps)
	if server == nil {
		return fmt.Errorf("assertion failed: MCP server is nil after successful construction")
	}

	handler, err := NewHTTPHandler(server)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- httpServer.ListenAndServe()
	}()

	setupLog.Info("MCP HTTP server listening", "addr", addr)

	select {
	case err := <-listenErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run MCP HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown MCP HTTP server: %w", err)
		}
		err := <-listenErr
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run MCP HTTP server: %w", err)
		}
		return nil
	}
}
