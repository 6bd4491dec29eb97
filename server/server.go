// Package server exposes the doctor's checks as MCP tools.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abubrak/mcpdoctor/check"
	"github.com/abubrak/mcpdoctor/diagnose"
	"github.com/abubrak/mcpdoctor/probe"
	"github.com/abubrak/mcpdoctor/registry"
	"github.com/abubrak/mcpdoctor/runner"
	"github.com/abubrak/mcpdoctor/ssh"
)

const defaultMaxLogBytes = diagnose.DefaultMaxLogBytes

// Remotes manages SSH connections for checks that target another machine.
type Remotes interface {
	Connect(ctx context.Context, params ssh.ConnectionParams) error
	Runner(host string) (runner.Runner, error)
	Disconnect(host string) error
	Hosts() []string
}

type Core struct {
	Registry map[string]*registry.Server
	Local    runner.Runner
	Remotes  Remotes

	CheckOpts   check.Options
	ProbeOpts   probe.Options
	MaxLogBytes int64

	logger     *slog.Logger
	mu         sync.RWMutex
	probeCache map[string]*probe.StartupReport
}

type CoreOption func(*Core)

func WithCheckOptions(opts check.Options) CoreOption {
	return func(c *Core) { c.CheckOpts = opts }
}

func WithProbeOptions(opts probe.Options) CoreOption {
	return func(c *Core) { c.ProbeOpts = opts }
}

func WithMaxLogBytes(n int64) CoreOption {
	return func(c *Core) { c.MaxLogBytes = n }
}

func NewCore(reg map[string]*registry.Server, local runner.Runner, remotes Remotes, logger *slog.Logger, opts ...CoreOption) *Core {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if local == nil {
		local = runner.NewLocal()
	}
	if remotes == nil {
		remotes = ssh.NewManager(nil)
	}
	c := &Core{
		Registry:    reg,
		Local:       local,
		Remotes:     remotes,
		MaxLogBytes: defaultMaxLogBytes,
		logger:      logger,
		probeCache:  make(map[string]*probe.StartupReport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ServerInfo struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Launch    string `json:"launch"`
	LogFile   string `json:"log_file,omitempty"`
	LastProbe string `json:"last_probe,omitempty"`
}

type ListServersOutput struct {
	Servers []ServerInfo `json:"servers"`
}

func (c *Core) ListServers() (ListServersOutput, error) {
	out := ListServersOutput{Servers: make([]ServerInfo, 0, len(c.Registry))}
	for _, name := range registry.Names(c.Registry) {
		spec := c.Registry[name]
		info := ServerInfo{Name: name, LogFile: spec.LogFile}
		if spec.Stdio() {
			info.Transport = "stdio"
			argv, err := spec.Argv()
			if err != nil {
				info.Launch = fmt.Sprintf("invalid command: %v", err)
			} else {
				info.Launch = strings.Join(argv, " ")
			}
		} else {
			info.Transport = "http"
			info.Launch = spec.URL
		}
		if cached := c.getProbeCache(name); cached != nil {
			info.LastProbe = string(cached.State)
		}
		out.Servers = append(out.Servers, info)
	}
	return out, nil
}

type CheckEnvironmentInput struct {
	Host        string   `json:"host,omitempty" jsonschema:"Connected SSH host to check; empty checks the local machine"`
	Interpreter string   `json:"interpreter,omitempty" jsonschema:"Interpreter command to check (default python3)"`
	Packages    []string `json:"packages,omitempty" jsonschema:"Package import list override"`
}

type CheckEnvironmentOutput struct {
	Results []check.Result `json:"results"`
	Passed  int            `json:"passed"`
	Total   int            `json:"total"`
}

func (c *Core) CheckEnvironment(ctx context.Context, in CheckEnvironmentInput) (CheckEnvironmentOutput, error) {
	r, err := c.runnerFor(in.Host)
	if err != nil {
		return CheckEnvironmentOutput{}, err
	}

	start := time.Now()
	opts := c.CheckOpts
	if in.Interpreter != "" {
		opts.Interpreter = in.Interpreter
	}
	if in.Packages != nil {
		opts.Packages = in.Packages
	}

	results := check.Environment(ctx, r, opts)
	passed, total := check.Summary(results)

	c.logger.InfoContext(ctx, "check_environment",
		"host", in.Host,
		"passed", passed,
		"total", total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return CheckEnvironmentOutput{Results: results, Passed: passed, Total: total}, nil
}

type ProbeServerInput struct {
	Name      string `json:"name" jsonschema:"Configured server name to probe"`
	Handshake bool   `json:"handshake,omitempty" jsonschema:"Also perform a full MCP initialize and tools/list"`
}

type ProbeServerOutput struct {
	Startup   probe.StartupReport    `json:"startup"`
	Handshake *probe.HandshakeReport `json:"handshake,omitempty"`
}

func (c *Core) ProbeServer(ctx context.Context, in ProbeServerInput) (ProbeServerOutput, error) {
	if strings.TrimSpace(in.Name) == "" {
		return ProbeServerOutput{}, errors.New("name is required")
	}
	spec, ok := c.Registry[in.Name]
	if !ok {
		return ProbeServerOutput{}, fmt.Errorf("server %q is not configured", in.Name)
	}

	start := time.Now()
	startup := probe.Startup(ctx, in.Name, spec, c.ProbeOpts)
	c.setProbeCache(in.Name, &startup)

	out := ProbeServerOutput{Startup: startup}
	if in.Handshake && startup.Healthy() && spec.Stdio() {
		hs, err := probe.Handshake(ctx, in.Name, spec, c.ProbeOpts)
		if err != nil {
			c.logger.InfoContext(ctx, "probe",
				"server", in.Name,
				"outcome", "handshake_failed",
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return ProbeServerOutput{}, err
		}
		out.Handshake = &hs
	}

	c.logger.InfoContext(ctx, "probe",
		"server", in.Name,
		"outcome", string(startup.State),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

type DiagnoseLogsInput struct {
	Path     string `json:"path,omitempty" jsonschema:"Log file path; defaults to the named server's log_file"`
	Server   string `json:"server,omitempty" jsonschema:"Configured server whose log_file to scan"`
	Host     string `json:"host,omitempty" jsonschema:"Connected SSH host holding the log; empty reads locally"`
	MaxBytes int64  `json:"max_bytes,omitempty" jsonschema:"Tail size to scan (default 256 KiB)"`
}

type DiagnoseLogsOutput struct {
	Path     string             `json:"path"`
	Findings []diagnose.Finding `json:"findings"`
}

func (c *Core) DiagnoseLogs(ctx context.Context, in DiagnoseLogsInput) (DiagnoseLogsOutput, error) {
	path := strings.TrimSpace(in.Path)
	if path == "" && in.Server != "" {
		spec, ok := c.Registry[in.Server]
		if !ok {
			return DiagnoseLogsOutput{}, fmt.Errorf("server %q is not configured", in.Server)
		}
		path = spec.LogFile
	}
	if path == "" {
		return DiagnoseLogsOutput{}, errors.New("path is required (or a server with log_file)")
	}

	r, err := c.runnerFor(in.Host)
	if err != nil {
		return DiagnoseLogsOutput{}, err
	}

	maxBytes := in.MaxBytes
	if maxBytes <= 0 {
		maxBytes = c.MaxLogBytes
	}

	start := time.Now()
	findings, err := diagnose.ScanLog(r, path, maxBytes)
	if err != nil {
		c.logger.InfoContext(ctx, "diagnose_logs",
			"path", path,
			"host", in.Host,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return DiagnoseLogsOutput{}, err
	}

	c.logger.InfoContext(ctx, "diagnose_logs",
		"path", path,
		"host", in.Host,
		"outcome", "success",
		"findings", len(findings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return DiagnoseLogsOutput{Path: path, Findings: findings}, nil
}

type CheckupInput struct {
	Handshake bool `json:"handshake,omitempty" jsonschema:"Also handshake every stdio server that survives its startup probe"`
}

type CheckupOutput struct {
	Results    []check.Result          `json:"results"`
	Probes     []probe.StartupReport   `json:"probes"`
	Handshakes []probe.HandshakeReport `json:"handshakes,omitempty"`
	Passed     int                     `json:"passed"`
	Total      int                     `json:"total"`
}

// Checkup is the full doctor run: environment checks plus a startup probe for
// every configured server, folded into one pass/fail summary.
func (c *Core) Checkup(ctx context.Context, in CheckupInput) (CheckupOutput, error) {
	start := time.Now()

	out := CheckupOutput{
		Results: check.Environment(ctx, c.Local, c.CheckOpts),
	}

	for _, name := range registry.Names(c.Registry) {
		spec := c.Registry[name]
		startup := probe.Startup(ctx, name, spec, c.ProbeOpts)
		c.setProbeCache(name, &startup)
		out.Probes = append(out.Probes, startup)
		out.Results = append(out.Results, startupResult(startup))

		if in.Handshake && startup.Healthy() && spec.Stdio() {
			hs, err := probe.Handshake(ctx, name, spec, c.ProbeOpts)
			if err != nil {
				out.Results = append(out.Results, check.Result{
					Name:   fmt.Sprintf("Handshake %q", name),
					Status: check.Fail,
					Detail: err.Error(),
					Remedy: "inspect the server log; the process starts but does not speak MCP",
				})
				continue
			}
			out.Handshakes = append(out.Handshakes, hs)
			out.Results = append(out.Results, check.Result{
				Name:   fmt.Sprintf("Handshake %q", name),
				Status: check.Pass,
				Detail: fmt.Sprintf("%s %s advertises %d tool(s)", hs.ServerName, hs.ServerVersion, len(hs.Tools)),
			})
		}
	}

	out.Passed, out.Total = check.Summary(out.Results)

	c.logger.InfoContext(ctx, "checkup",
		"passed", out.Passed,
		"total", out.Total,
		"servers", len(out.Probes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

type ConnectInput struct {
	Host         string `json:"host" jsonschema:"Hostname or IP address"`
	User         string `json:"user,omitempty" jsonschema:"SSH username (default root)"`
	Port         int    `json:"port,omitempty" jsonschema:"SSH port (default 22)"`
	IdentityFile string `json:"identity_file,omitempty" jsonschema:"Path to SSH identity file"`
}

func (c *Core) Connect(ctx context.Context, in ConnectInput) (map[string]any, error) {
	if strings.TrimSpace(in.Host) == "" {
		return nil, errors.New("host is required")
	}

	start := time.Now()
	err := c.Remotes.Connect(ctx, ssh.ConnectionParams{
		Host:         in.Host,
		User:         in.User,
		Port:         in.Port,
		IdentityFile: in.IdentityFile,
	})
	if err != nil {
		c.logger.InfoContext(ctx, "connect",
			"host", in.Host,
			"outcome", "error",
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	c.logger.InfoContext(ctx, "connect",
		"host", in.Host,
		"outcome", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return map[string]any{"ok": true, "host": in.Host}, nil
}

type DisconnectInput struct {
	Host string `json:"host,omitempty" jsonschema:"Hostname to disconnect; empty disconnects all"`
}

func (c *Core) Disconnect(in DisconnectInput) (map[string]any, error) {
	if err := c.Remotes.Disconnect(in.Host); err != nil {
		c.logger.Info("disconnect", "host", in.Host, "outcome", "error", "error", err.Error())
		return nil, err
	}
	c.logger.Info("disconnect", "host", in.Host, "outcome", "success")
	return map[string]any{"ok": true}, nil
}

func (c *Core) runnerFor(host string) (runner.Runner, error) {
	if host == "" {
		return c.Local, nil
	}
	return c.Remotes.Runner(host)
}

func (c *Core) setProbeCache(name string, report *probe.StartupReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeCache[name] = report
}

func (c *Core) getProbeCache(name string) *probe.StartupReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.probeCache[name]
}

func startupResult(rep probe.StartupReport) check.Result {
	name := fmt.Sprintf("Server %q", rep.Server)
	switch rep.State {
	case probe.Running:
		return check.Result{Name: name, Status: check.Pass, Detail: rep.Detail}
	case probe.ExitedClean:
		return check.Result{Name: name, Status: check.Warn, Detail: rep.Detail}
	case probe.Skipped:
		return check.Result{Name: name, Status: check.Skip, Detail: rep.Detail}
	default:
		res := check.Result{
			Name:   name,
			Status: check.Fail,
			Detail: fmt.Sprintf("failed to start (exit code %d): %s", rep.ExitCode, rep.StderrExcerpt),
		}
		if rep.State == probe.StartFailed {
			res.Detail = rep.Detail
		}
		if len(rep.Findings) > 0 {
			res.Remedy = rep.Findings[0].Remedy
		}
		return res
	}
}

type ServerOptions struct {
	// Name is the MCP server implementation name. Default: "mcpdoctor".
	Name string
	// Version is the MCP server implementation version. Default: "0.1.0".
	Version string
}

func NewMCPServer(core *Core, logger *slog.Logger, opts ...ServerOptions) *mcp.Server {
	name := "mcpdoctor"
	version := "0.1.0"
	if len(opts) > 0 {
		if opts[0].Name != "" {
			name = opts[0].Name
		}
		if opts[0].Version != "" {
			version = opts[0].Version
		}
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, &mcp.ServerOptions{Logger: logger})

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_servers",
		Description: "List the MCP servers found in the agent configuration and how each one is launched.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ListServersOutput, error) {
		out, err := core.ListServers()
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "check_environment",
		Description: "Run the environment diagnostics: interpreter version and PATH, required package imports, " +
			"UTF-8 stdio encoding, and module search path. Targets the local machine, or a connected SSH host.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in CheckEnvironmentInput) (*mcp.CallToolResult, CheckEnvironmentOutput, error) {
		out, err := core.CheckEnvironment(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "probe_server",
		Description: "Start one configured MCP server and watch it through a grace period: still running is healthy, " +
			"a clean exit usually means it wants stdio input, a non-zero exit is reported with a stderr excerpt and " +
			"likely causes. Set handshake=true to also complete an MCP initialize and list its tools.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ProbeServerInput) (*mcp.CallToolResult, ProbeServerOutput, error) {
		out, err := core.ProbeServer(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "diagnose_logs",
		Description: "Scan the tail of a server log for known failure symptoms (missing modules, encoding " +
			"mismatches, dead interpreters) and map each to a cause and remedy. Reads local files, or remote " +
			"files over SFTP when host is given.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in DiagnoseLogsInput) (*mcp.CallToolResult, DiagnoseLogsOutput, error) {
		out, err := core.DiagnoseLogs(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{
		Name: "checkup",
		Description: "Run the full health check: every environment diagnostic plus a startup probe of every " +
			"configured server, summarized as passed/total.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in CheckupInput) (*mcp.CallToolResult, CheckupOutput, error) {
		out, err := core.Checkup(ctx, in)
		return nil, out, err
	})

	mcp.AddTool(srv, &mcp.Tool{Name: "connect", Description: "Connect to a remote machine via SSH so environment and log checks can target it"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in ConnectInput) (*mcp.CallToolResult, map[string]any, error) {
			out, err := core.Connect(ctx, in)
			return nil, out, err
		})

	mcp.AddTool(srv, &mcp.Tool{Name: "disconnect", Description: "Disconnect from remote machine(s)"},
		func(_ context.Context, _ *mcp.CallToolRequest, in DisconnectInput) (*mcp.CallToolResult, map[string]any, error) {
			out, err := core.Disconnect(in)
			return nil, out, err
		})

	return srv
}

func RunStdio(ctx context.Context, core *Core, logger *slog.Logger, opts ...ServerOptions) error {
	srv := NewMCPServer(core, logger, opts...)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("run mcp stdio server: %w", err)
	}
	return nil
}

// NewHTTPHandler returns an http.Handler serving MCP over SSE.
func NewHTTPHandler(core *Core, logger *slog.Logger, opts ...ServerOptions) http.Handler {
	srv := NewMCPServer(core, logger, opts...)
	return mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return srv
	}, nil)
}
