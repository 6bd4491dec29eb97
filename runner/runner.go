// Package runner executes diagnostic commands on a local or remote machine.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExecResult holds the outcome of one command invocation.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	RuntimeMs int
}

// Runner is the execution backend the checks run through. A local
// implementation lives here; ssh.Manager provides the remote one.
type Runner interface {
	// Run executes argv with env merged over the backend's environment.
	Run(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) (ExecResult, error)
	// LookPath reports the resolved path of an executable, or an error.
	LookPath(name string) (string, error)
	// Environ returns the backend's environment as a map.
	Environ() map[string]string
	// ReadTail returns up to maxBytes from the end of the file at path.
	ReadTail(path string, maxBytes int64) ([]byte, error)
}

// Local runs commands on the machine mcpdoctor itself runs on.
type Local struct {
	// Dir is the working directory for commands. Empty means inherit.
	Dir string
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Run(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("empty argv")
	}

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = MergeEnviron(os.Environ(), env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	runtime := int(time.Since(started).Milliseconds())

	if runCtx.Err() != nil {
		return ExecResult{}, runCtx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return ExecResult{
				Stdout:    stdout.String(),
				Stderr:    stderr.String(),
				ExitCode:  exitErr.ExitCode(),
				RuntimeMs: runtime,
			}, nil
		}
		return ExecResult{}, fmt.Errorf("run %s: %w", argv[0], err)
	}

	return ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  0,
		RuntimeMs: runtime,
	}, nil
}

func (l *Local) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (l *Local) Environ() map[string]string {
	return EnvironToMap(os.Environ())
}

func (l *Local) ReadTail(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return ReadTailFrom(f, info.Size(), maxBytes)
}

// ReadTailFrom reads up to maxBytes from the end of r, given its total size.
// Shared with the SFTP-backed remote runner.
func ReadTailFrom(r io.ReaderAt, size, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 || size <= 0 {
		return nil, nil
	}
	offset := int64(0)
	length := size
	if size > maxBytes {
		offset = size - maxBytes
		length = maxBytes
	}
	buf := make([]byte, length)
	n, err := r.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// MergeEnviron overlays env onto base ("KEY=VALUE" form), replacing duplicates.
func MergeEnviron(base []string, env map[string]string) []string {
	if len(env) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, replaced := env[key]; replaced {
				continue
			}
		}
		merged = append(merged, kv)
	}
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// EnvironToMap converts "KEY=VALUE" pairs into a map. Later entries win.
func EnvironToMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[key] = value
	}
	return m
}
