// Package mcpcheck verifies that an MCP-backed integration endpoint
// accepts a freshly issued token. It performs the MCP initialize
// handshake and lists the tools the endpoint exposes.
package mcpcheck

import (
	"context"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"
)

// Result is the outcome of probing an integration endpoint.
type Result struct {
	Success       bool     `json:"success"`
	ServerName    string   `json:"server_name,omitempty"`
	ServerVersion string   `json:"server_version,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Probe checks integration endpoints over MCP's streamable HTTP
// transport.
type Probe struct {
	timeout time.Duration
}

// New creates a probe whose checks are bounded by timeout.
func New(timeout time.Duration) *Probe {
	return &Probe{timeout: timeout}
}

// Check connects to the endpoint with the given bearer token, runs the
// initialize handshake and lists tools. Handshake failures are reported
// in the Result, not as an error; only client construction fails hard.
func (p *Probe) Check(ctx context.Context, endpoint, token string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := mcpclient.NewStreamableHttpClient(endpoint,
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}))
	if err != nil {
		return nil, fmt.Errorf("mcp client: %w", err)
	}
	defer client.Close() //nolint:errcheck // best-effort cleanup

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "parley",
		Version: "1.0.0",
	}
	initResult, err := client.Initialize(ctx, initReq)
	if err != nil {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("initialize failed: %v", err),
		}, nil
	}

	result := &Result{
		Success:       true,
		ServerName:    initResult.ServerInfo.Name,
		ServerVersion: initResult.ServerInfo.Version,
	}

	toolsResult, err := client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		// Handshake succeeded but tools/list failed; still report what we know.
		result.Error = fmt.Sprintf("tools/list failed: %v", err)
		return result, nil
	}
	for i := range toolsResult.Tools {
		result.Tools = append(result.Tools, toolsResult.Tools[i].Name)
	}
	return result, nil
}
