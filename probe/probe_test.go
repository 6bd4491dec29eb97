package probe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/abubrak/mcpdoctor/registry"
)

func requirePosix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
}

func TestStartup_Running(t *testing.T) {
	requirePosix(t)
	spec := &registry.Server{Command: "sh", Args: []string{"-c", "sleep 30"}}
	rep := Startup(context.Background(), "slow", spec, Options{GracePeriod: 200 * time.Millisecond})
	if rep.State != Running {
		t.Fatalf("State = %q (%s), want running", rep.State, rep.Detail)
	}
	if !rep.Healthy() {
		t.Error("running server should be healthy")
	}
}

func TestStartup_BlocksOnStdin(t *testing.T) {
	requirePosix(t)
	// A stdio server reads its transport; with the probe holding the write end
	// open, `cat` must still be alive when the grace period ends.
	spec := &registry.Server{Command: "cat"}
	rep := Startup(context.Background(), "echoer", spec, Options{GracePeriod: 200 * time.Millisecond})
	if rep.State != Running {
		t.Fatalf("State = %q (%s), want running: stdin must stay open during the probe", rep.State, rep.Detail)
	}
}

func TestStartup_ExitedClean(t *testing.T) {
	requirePosix(t)
	spec := &registry.Server{Command: "sh", Args: []string{"-c", "exit 0"}}
	rep := Startup(context.Background(), "quick", spec, Options{GracePeriod: 2 * time.Second})
	if rep.State != ExitedClean {
		t.Fatalf("State = %q (%s), want exited_clean", rep.State, rep.Detail)
	}
	if !rep.Healthy() {
		t.Error("clean exit should still be healthy")
	}
}

func TestStartup_ExitedError(t *testing.T) {
	requirePosix(t)
	spec := &registry.Server{
		Command: "sh",
		Args:    []string{"-c", "echo \"ModuleNotFoundError: No module named 'mcp'\" >&2; exit 3"},
	}
	rep := Startup(context.Background(), "broken", spec, Options{GracePeriod: 2 * time.Second})
	if rep.State != ExitedError {
		t.Fatalf("State = %q (%s), want exited_error", rep.State, rep.Detail)
	}
	if rep.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", rep.ExitCode)
	}
	if !strings.Contains(rep.StderrExcerpt, "ModuleNotFoundError") {
		t.Errorf("StderrExcerpt = %q, want the captured stderr", rep.StderrExcerpt)
	}
	if len(rep.Findings) == 0 || rep.Findings[0].Symptom != "missing module" {
		t.Errorf("Findings = %v, want a missing-module finding", rep.Findings)
	}
	if rep.Healthy() {
		t.Error("error exit must not be healthy")
	}
}

func TestStartup_StderrExcerptBounded(t *testing.T) {
	requirePosix(t)
	spec := &registry.Server{
		Command: "sh",
		Args:    []string{"-c", "yes error | head -c 5000 >&2; exit 1"},
	}
	rep := Startup(context.Background(), "noisy", spec, Options{GracePeriod: 2 * time.Second, MaxStderrBytes: 500})
	if rep.State != ExitedError {
		t.Fatalf("State = %q (%s), want exited_error", rep.State, rep.Detail)
	}
	if len(rep.StderrExcerpt) > 500 {
		t.Fatalf("StderrExcerpt length = %d, want <= 500", len(rep.StderrExcerpt))
	}
}

func TestStartup_StartFailed(t *testing.T) {
	spec := &registry.Server{Command: "/nonexistent/mcp-server-binary"}
	rep := Startup(context.Background(), "ghost", spec, Options{GracePeriod: time.Second})
	if rep.State != StartFailed {
		t.Fatalf("State = %q (%s), want start_failed", rep.State, rep.Detail)
	}
	if rep.Detail == "" {
		t.Error("start failure should carry a detail")
	}
}

func TestStartup_SkipsHTTP(t *testing.T) {
	spec := &registry.Server{URL: "http://localhost:8931/sse"}
	rep := Startup(context.Background(), "remote", spec, Options{})
	if rep.State != Skipped {
		t.Fatalf("State = %q, want skipped", rep.State)
	}
	if !rep.Healthy() {
		t.Error("skipped probe should not count as a failure")
	}
}

func TestStartup_ForcesUTF8(t *testing.T) {
	requirePosix(t)
	spec := &registry.Server{Command: "sh", Args: []string{"-c", `[ "$PYTHONIOENCODING" = utf-8 ] || exit 9`}}
	rep := Startup(context.Background(), "env", spec, Options{GracePeriod: 2 * time.Second})
	if rep.State != ExitedClean {
		t.Fatalf("State = %q exit %d, want exited_clean: PYTHONIOENCODING must default to utf-8", rep.State, rep.ExitCode)
	}
}

func TestStartup_EnvOverrideWins(t *testing.T) {
	requirePosix(t)
	spec := &registry.Server{
		Command: "sh",
		Args:    []string{"-c", `[ "$PYTHONIOENCODING" = latin-1 ] || exit 9`},
		Env:     map[string]string{"PYTHONIOENCODING": "latin-1"},
	}
	rep := Startup(context.Background(), "env", spec, Options{GracePeriod: 2 * time.Second})
	if rep.State != ExitedClean {
		t.Fatalf("State = %q exit %d, want exited_clean: configured env must win", rep.State, rep.ExitCode)
	}
}

func TestStartup_Cwd(t *testing.T) {
	requirePosix(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	spec := &registry.Server{Command: "sh", Args: []string{"-c", "[ -e ./marker ] || exit 9"}, Cwd: dir}
	rep := Startup(context.Background(), "cwd", spec, Options{GracePeriod: 2 * time.Second})
	if rep.State != ExitedClean {
		t.Fatalf("State = %q exit %d, want exited_clean: server must run in its configured cwd", rep.State, rep.ExitCode)
	}
}

func TestHandshake_RejectsHTTP(t *testing.T) {
	spec := &registry.Server{URL: "http://localhost:8931/sse"}
	if _, err := Handshake(context.Background(), "remote", spec, Options{}); err == nil {
		t.Fatal("Handshake() expected error for HTTP server")
	}
}

func TestHandshake_BadCommand(t *testing.T) {
	spec := &registry.Server{Command: "/nonexistent/mcp-server-binary"}
	_, err := Handshake(context.Background(), "ghost", spec, Options{HandshakeTimeout: 2 * time.Second})
	if err == nil {
		t.Fatal("Handshake() expected error for unstartable server")
	}
}

func TestHandshake_NotSpeakingMCP(t *testing.T) {
	requirePosix(t)
	// A process that exits immediately can never complete initialize.
	spec := &registry.Server{Command: "true"}
	_, err := Handshake(context.Background(), "mute", spec, Options{HandshakeTimeout: 2 * time.Second})
	if err == nil {
		t.Fatal("Handshake() expected error for a server that never answers")
	}
}
