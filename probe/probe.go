// Package probe starts configured MCP servers to see whether they survive.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/abubrak/mcpdoctor/diagnose"
	"github.com/abubrak/mcpdoctor/registry"
	"github.com/abubrak/mcpdoctor/runner"
)

type State string

const (
	// Running means the server was still alive when the grace period ended.
	// That is the healthy outcome for a stdio server waiting on its client.
	Running State = "running"
	// ExitedClean means the server exited 0 before the grace period ended,
	// usually because it wants protocol input on stdin before doing anything.
	ExitedClean State = "exited_clean"
	// ExitedError means the server died with a non-zero exit code.
	ExitedError State = "exited_error"
	// StartFailed means the process could not be spawned at all.
	StartFailed State = "start_failed"
	// Skipped means the server is not launched locally (HTTP transport).
	Skipped State = "skipped"
)

const (
	DefaultGracePeriod      = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxStderrBytes   = 500

	terminateWait = 2 * time.Second
)

// Options configure probes. Zero values get defaults.
type Options struct {
	GracePeriod      time.Duration
	HandshakeTimeout time.Duration
	MaxStderrBytes   int
	// Dir is the working directory when the server config has no cwd.
	Dir string
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxStderrBytes <= 0 {
		o.MaxStderrBytes = DefaultMaxStderrBytes
	}
	return o
}

// StartupReport is the outcome of spawning one server and watching it.
type StartupReport struct {
	Server        string             `json:"server"`
	State         State              `json:"state"`
	ExitCode      int                `json:"exit_code,omitempty"`
	StderrExcerpt string             `json:"stderr_excerpt,omitempty"`
	Findings      []diagnose.Finding `json:"findings,omitempty"`
	Detail        string             `json:"detail,omitempty"`
	RuntimeMs     int                `json:"runtime_ms"`
}

// Healthy reports whether the startup outcome counts as a pass.
func (r StartupReport) Healthy() bool {
	return r.State == Running || r.State == ExitedClean || r.State == Skipped
}

// Startup spawns the server with its configured env (UTF-8 stdio forced) and
// classifies what happens within the grace period.
func Startup(ctx context.Context, name string, spec *registry.Server, opts Options) StartupReport {
	opts = opts.withDefaults()

	if !spec.Stdio() {
		return StartupReport{
			Server: name,
			State:  Skipped,
			Detail: fmt.Sprintf("HTTP server at %s; startup probe only covers stdio servers", spec.URL),
		}
	}

	argv, err := spec.Argv()
	if err != nil {
		return StartupReport{Server: name, State: StartFailed, Detail: err.Error()}
	}

	cmd := buildCommand(ctx, argv, spec, opts)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &bytes.Buffer{}

	// Keep stdin open so a well-behaved stdio server blocks on its read loop
	// instead of seeing EOF and exiting immediately.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return StartupReport{Server: name, State: StartFailed, Detail: err.Error()}
	}
	defer func() { _ = stdin.Close() }()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return StartupReport{
			Server:   name,
			State:    StartFailed,
			Detail:   err.Error(),
			Findings: diagnose.Scan(err.Error()),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-timer.C:
		terminate(cmd, done)
		return StartupReport{
			Server:    name,
			State:     Running,
			Detail:    fmt.Sprintf("still running after %v", opts.GracePeriod),
			RuntimeMs: int(time.Since(started).Milliseconds()),
		}
	case <-ctx.Done():
		terminate(cmd, done)
		return StartupReport{
			Server:    name,
			State:     StartFailed,
			Detail:    ctx.Err().Error(),
			RuntimeMs: int(time.Since(started).Milliseconds()),
		}
	case waitErr := <-done:
		runtime := int(time.Since(started).Milliseconds())
		text := stderr.String()
		if waitErr == nil {
			return StartupReport{
				Server:    name,
				State:     ExitedClean,
				Detail:    "exited 0 before the grace period; likely expects protocol input on stdin",
				RuntimeMs: runtime,
			}
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return StartupReport{
				Server:        name,
				State:         ExitedError,
				ExitCode:      exitErr.ExitCode(),
				StderrExcerpt: diagnose.Excerpt(text, opts.MaxStderrBytes),
				Findings:      diagnose.Scan(text),
				RuntimeMs:     runtime,
			}
		}
		return StartupReport{
			Server:    name,
			State:     StartFailed,
			Detail:    waitErr.Error(),
			RuntimeMs: runtime,
		}
	}
}

func buildCommand(ctx context.Context, argv []string, spec *registry.Server, opts Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Cwd
	if cmd.Dir == "" {
		cmd.Dir = opts.Dir
	}
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	if _, ok := env["PYTHONIOENCODING"]; !ok {
		env["PYTHONIOENCODING"] = "utf-8"
	}
	cmd.Env = runner.MergeEnviron(os.Environ(), env)
	return cmd
}

func terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
		return
	case <-time.After(terminateWait):
	}
	_ = cmd.Process.Kill()
	<-done
}
