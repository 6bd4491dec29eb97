// Package mcpdoctor verifies an agent's MCP tool-server setup and explains
// failures: environment checks, server startup probes, protocol handshakes,
// and log diagnosis.
package mcpdoctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/abubrak/mcpdoctor/check"
	"github.com/abubrak/mcpdoctor/config"
	"github.com/abubrak/mcpdoctor/probe"
	"github.com/abubrak/mcpdoctor/registry"
	"github.com/abubrak/mcpdoctor/report"
	"github.com/abubrak/mcpdoctor/runner"
	"github.com/abubrak/mcpdoctor/server"
	"github.com/abubrak/mcpdoctor/ssh"
)

type Config struct {
	// ConfigDir is where the agent's mcp_agent.*.yaml files are searched.
	// Empty falls back to the user config, then the working directory.
	ConfigDir string

	// ConfigPaths names explicit agent config files, skipping discovery.
	ConfigPaths []string

	// Registry overrides config loading entirely. Mostly for tests.
	Registry map[string]*registry.Server

	// Logger is the structured logger passed to Core. If nil, a discard
	// logger is used.
	Logger *slog.Logger

	// Name overrides the MCP server implementation name (default: "mcpdoctor").
	Name string

	// Version overrides the MCP server implementation version.
	Version string
}

// New builds a Core, loading doctor settings and the agent registry from cfg.
func New(cfg Config) (*server.Core, error) {
	userCfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load user config: %w", err)
	}

	dir := cfg.ConfigDir
	if dir == "" && userCfg.AgentConfigDir != nil {
		dir = *userCfg.AgentConfigDir
	}
	if dir == "" {
		dir = "."
	}

	reg := cfg.Registry
	if reg == nil {
		paths := cfg.ConfigPaths
		if len(paths) == 0 {
			paths, err = registry.Discover(dir)
			if err != nil {
				return nil, fmt.Errorf("discover agent config: %w", err)
			}
		}
		reg, err = registry.LoadAll(paths...)
		if err != nil {
			return nil, fmt.Errorf("load agent config: %w", err)
		}
		if len(reg) == 0 && cfg.Logger != nil {
			cfg.Logger.Warn("no MCP servers configured", "dir", dir)
		}
	}

	checkOpts := check.Options{ProjectDir: dir}
	if userCfg.Interpreter != nil {
		checkOpts.Interpreter = *userCfg.Interpreter
	}
	if userCfg.MinInterpreterVersion != nil {
		checkOpts.MinVersion = *userCfg.MinInterpreterVersion
	}
	if userCfg.RequiredPackages != nil {
		checkOpts.Packages = userCfg.RequiredPackages
	}
	if userCfg.CheckTimeout != nil {
		checkOpts.Timeout = userCfg.CheckTimeout.Duration()
	}

	probeOpts := probe.Options{Dir: dir}
	if userCfg.GracePeriod != nil {
		probeOpts.GracePeriod = userCfg.GracePeriod.Duration()
	}
	if userCfg.HandshakeTimeout != nil {
		probeOpts.HandshakeTimeout = userCfg.HandshakeTimeout.Duration()
	}

	var sshOpts []ssh.Option
	if userCfg.SSH != nil {
		if userCfg.SSH.Retries != nil {
			sshOpts = append(sshOpts, ssh.WithRetries(*userCfg.SSH.Retries))
		}
		if userCfg.SSH.RetryBackoff != nil {
			sshOpts = append(sshOpts, ssh.WithRetryBackoff(userCfg.SSH.RetryBackoff.Duration()))
		}
		if userCfg.SSH.ConnectTimeout != nil {
			sshOpts = append(sshOpts, ssh.WithConnectTimeout(userCfg.SSH.ConnectTimeout.Duration()))
		}
		if userCfg.SSH.HostKeyChecking != nil {
			sshOpts = append(sshOpts, ssh.WithHostKeyChecking(ssh.HostKeyMode(*userCfg.SSH.HostKeyChecking)))
		}
		if userCfg.SSH.KnownHostsFile != nil {
			sshOpts = append(sshOpts, ssh.WithKnownHostsFile(*userCfg.SSH.KnownHostsFile))
		}
	}

	coreOpts := []server.CoreOption{
		server.WithCheckOptions(checkOpts),
		server.WithProbeOptions(probeOpts),
	}
	if userCfg.MaxLogBytes != nil {
		coreOpts = append(coreOpts, server.WithMaxLogBytes(int64(*userCfg.MaxLogBytes)))
	}

	core := server.NewCore(reg, runner.NewLocal(), ssh.NewManager(nil, sshOpts...), cfg.Logger, coreOpts...)
	return core, nil
}

// RunCheckup runs the full health check and renders the report to w.
// The returned code is the process exit code (0 all passed, 1 otherwise).
func RunCheckup(ctx context.Context, cfg Config, w io.Writer, handshake bool) (int, error) {
	core, err := New(cfg)
	if err != nil {
		return 1, err
	}

	out, err := core.Checkup(ctx, server.CheckupInput{Handshake: handshake})
	if err != nil {
		return 1, err
	}
	// Individual checks report an interrupted run as fail results; surface the
	// cancellation itself so the caller can exit 130 instead of 1.
	if err := ctx.Err(); err != nil {
		return 1, err
	}

	r := report.New(w, false)
	r.Title("MCP Server Health Check")

	r.Section("1. Checking Environment")
	for _, res := range out.Results {
		if probeResult(res) {
			continue
		}
		r.Result(res)
	}

	r.Section("2. Testing Configured Servers")
	if len(out.Probes) == 0 {
		r.Warningf("no MCP servers configured; nothing to test")
	}
	for _, rep := range out.Probes {
		r.Startup(rep)
	}
	for _, hs := range out.Handshakes {
		r.Handshake(hs)
	}

	return r.Summary(out.Results), nil
}

// RunStdio creates a doctor from cfg and serves MCP over stdin/stdout.
func RunStdio(ctx context.Context, cfg Config) error {
	core, err := New(cfg)
	if err != nil {
		return err
	}
	return server.RunStdio(ctx, core, cfg.Logger, server.ServerOptions{
		Name:    cfg.Name,
		Version: cfg.Version,
	})
}

func probeResult(res check.Result) bool {
	return strings.HasPrefix(res.Name, "Server ") || strings.HasPrefix(res.Name, "Handshake ")
}
