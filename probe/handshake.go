package probe

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abubrak/mcpdoctor/registry"
)

// HandshakeReport is the outcome of a full MCP initialize against a server.
type HandshakeReport struct {
	Server        string   `json:"server"`
	ServerName    string   `json:"server_name"`
	ServerVersion string   `json:"server_version"`
	Tools         []string `json:"tools,omitempty"`
	ToolsError    string   `json:"tools_error,omitempty"`
	RuntimeMs     int      `json:"runtime_ms"`
}

// Handshake connects a real MCP client over the server's stdio transport,
// completes initialize, and lists the advertised tools. A startup probe can
// pass while this fails; this is the check that proves the wire actually
// speaks MCP.
func Handshake(ctx context.Context, name string, spec *registry.Server, opts Options) (HandshakeReport, error) {
	opts = opts.withDefaults()

	if !spec.Stdio() {
		return HandshakeReport{}, fmt.Errorf("server %q uses HTTP transport; handshake probe only covers stdio servers", name)
	}
	argv, err := spec.Argv()
	if err != nil {
		return HandshakeReport{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	cmd := buildCommand(probeCtx, argv, spec, opts)
	client := mcp.NewClient(&mcp.Implementation{Name: "mcpdoctor", Version: "probe"}, nil)

	started := time.Now()
	session, err := client.Connect(probeCtx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return HandshakeReport{}, fmt.Errorf("initialize %s: %w", name, err)
	}
	defer func() { _ = session.Close() }()

	report := HandshakeReport{Server: name}
	if init := session.InitializeResult(); init != nil && init.ServerInfo != nil {
		report.ServerName = init.ServerInfo.Name
		report.ServerVersion = init.ServerInfo.Version
	}

	tools, err := session.ListTools(probeCtx, &mcp.ListToolsParams{})
	if err != nil {
		// Not every server implements tools; the handshake itself succeeded.
		report.ToolsError = err.Error()
	} else {
		for _, tool := range tools.Tools {
			report.Tools = append(report.Tools, tool.Name)
		}
		sort.Strings(report.Tools)
	}

	report.RuntimeMs = int(time.Since(started).Milliseconds())
	return report, nil
}
