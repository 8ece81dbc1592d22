package mcpapp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/coder/kube-audit/internal/kube"
)

// RunStdio starts the MCP server using stdio transport.
func RunStdio(ctx context.Context, opts kube.ConfigOptions) error {
	if ctx == nil {
		return fmt.Errorf("assertion failed: context must not be nil")
	}

	deps, err := newDeps(opts)
	if err != nil {
		return err
	}

	server := NewServer(deps)
	if server == nil {
		return fmt.Errorf("assertion failed: MCP server is nil after successful construction")
	}

	return server.Run(ctx, &mcp.StdioTransport{})
}
