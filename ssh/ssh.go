// Package ssh runs diagnostics on remote machines over SSH and SFTP.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"mvdan.cc/sh/v3/syntax"

	"github.com/abubrak/mcpdoctor/runner"
)

// HostKeyMode controls host key verification.
type HostKeyMode string

const (
	HostKeyStrict    HostKeyMode = "strict"
	HostKeyAcceptNew HostKeyMode = "accept-new"
	HostKeyOff       HostKeyMode = "off"
)

// HostKeyError marks a verification failure; never retried.
type HostKeyError struct {
	Host string
	Err  error
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key verification failed for %s: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

type ConnectionParams struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
}

// Client is one established SSH connection.
type Client interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (runner.ExecResult, error)
	SFTP() (*sftp.Client, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, params ConnectionParams) (Client, error)
}

// Manager tracks connections by host and hands out runners for them.
type Manager struct {
	mu          sync.Mutex
	dialer      Dialer
	connections map[string]Client
	retries     int
	backoff     time.Duration
}

type Option func(*Manager)

func WithRetries(retries int) Option {
	return func(m *Manager) {
		if retries >= 0 {
			m.retries = retries
		}
	}
}

func WithRetryBackoff(backoff time.Duration) Option {
	return func(m *Manager) {
		if backoff > 0 {
			m.backoff = backoff
		}
	}
}

func WithConnectTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*XCryptoDialer); ok {
			d.ConnectTimeout = timeout
		}
	}
}

func WithHostKeyChecking(mode HostKeyMode) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*XCryptoDialer); ok {
			d.HostKeyMode = mode
		}
	}
}

func WithKnownHostsFile(path string) Option {
	return func(m *Manager) {
		if d, ok := m.dialer.(*XCryptoDialer); ok {
			d.KnownHostsFile = path
		}
	}
}

func NewManager(dialer Dialer, opts ...Option) *Manager {
	if dialer == nil {
		dialer = &XCryptoDialer{}
	}
	m := &Manager{
		dialer:      dialer,
		connections: make(map[string]Client),
		retries:     2,
		backoff:     250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Connect(ctx context.Context, params ConnectionParams) error {
	if params.Host == "" {
		return errors.New("host is required")
	}
	host := params.Host
	params = withDefaults(params)

	var lastErr error
	for attempt := 0; attempt <= m.retries; attempt++ {
		client, err := m.dialer.Dial(ctx, params)
		if err == nil {
			m.mu.Lock()
			if old := m.connections[host]; old != nil {
				_ = old.Close()
			}
			m.connections[host] = client
			m.mu.Unlock()
			return nil
		}
		lastErr = err
		if !isRetriable(err) || attempt == m.retries {
			break
		}
		if sleepErr := sleepWithContext(ctx, m.backoff*time.Duration(1<<attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return fmt.Errorf("connect %s:%d failed: %w", params.Host, params.Port, lastErr)
}

// Runner returns a runner.Runner bound to the connection for host. An empty
// host resolves when exactly one connection is active.
func (m *Manager) Runner(host string) (runner.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if host != "" {
		client := m.connections[host]
		if client == nil {
			return nil, fmt.Errorf("not connected to host %q", host)
		}
		return &remoteRunner{client: client}, nil
	}
	switch len(m.connections) {
	case 0:
		return nil, errors.New("not connected")
	case 1:
		for _, client := range m.connections {
			return &remoteRunner{client: client}, nil
		}
	}
	return nil, errors.New("host is required when multiple connections are active")
}

func (m *Manager) Hosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	hosts := make([]string, 0, len(m.connections))
	for host := range m.connections {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Disconnect closes the connection for host; empty host closes all.
func (m *Manager) Disconnect(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if host == "" {
		for h, client := range m.connections {
			if client != nil {
				_ = client.Close()
			}
			delete(m.connections, h)
		}
		return nil
	}
	client := m.connections[host]
	if client == nil {
		return nil
	}
	_ = client.Close()
	delete(m.connections, host)
	return nil
}

// remoteRunner adapts a Client to the runner.Runner interface.
type remoteRunner struct {
	client Client

	envOnce sync.Once
	env     map[string]string
}

const remoteTimeout = 15 * time.Second

func (r *remoteRunner) Run(ctx context.Context, argv []string, env map[string]string, timeout time.Duration) (runner.ExecResult, error) {
	command, err := buildRemoteCommand(argv, env)
	if err != nil {
		return runner.ExecResult{}, err
	}
	if timeout <= 0 {
		timeout = remoteTimeout
	}
	return r.client.Execute(ctx, command, timeout)
}

func (r *remoteRunner) LookPath(name string) (string, error) {
	command, err := buildRemoteCommand([]string{"command", "-v", name}, nil)
	if err != nil {
		return "", err
	}
	res, err := r.client.Execute(context.Background(), command, remoteTimeout)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%q not found on remote PATH", name)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (r *remoteRunner) Environ() map[string]string {
	r.envOnce.Do(func() {
		r.env = map[string]string{}
		res, err := r.client.Execute(context.Background(), "env", remoteTimeout)
		if err != nil || res.ExitCode != 0 {
			return
		}
		r.env = runner.EnvironToMap(strings.Split(res.Stdout, "\n"))
	})
	return r.env
}

func (r *remoteRunner) ReadTail(path string, maxBytes int64) ([]byte, error) {
	client, err := r.client.SFTP()
	if err != nil {
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	defer func() { _ = client.Close() }()

	f, err := client.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return runner.ReadTailFrom(f, info.Size(), maxBytes)
}

// buildRemoteCommand quotes argv for a POSIX shell, with env assignments
// applied through env(1) so they never touch sshd's AcceptEnv policy.
func buildRemoteCommand(argv []string, env map[string]string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty argv")
	}
	words := make([]string, 0, len(argv)+len(env)+1)
	if len(env) > 0 {
		words = append(words, "env")
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			quoted, err := syntax.Quote(k+"="+env[k], syntax.LangPOSIX)
			if err != nil {
				return "", fmt.Errorf("quote env %s: %w", k, err)
			}
			words = append(words, quoted)
		}
	}
	for _, arg := range argv {
		quoted, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quote arg %q: %w", arg, err)
		}
		words = append(words, quoted)
	}
	return strings.Join(words, " "), nil
}

func withDefaults(params ConnectionParams) ConnectionParams {
	if params.User == "" {
		params.User = "root"
	}
	if params.Port == 0 {
		params.Port = 22
	}
	return params
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var hostKeyErr *HostKeyError
	if errors.As(err, &hostKeyErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range []string{"connection reset", "broken pipe", "timeout", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// XCryptoDialer dials with golang.org/x/crypto/ssh.
type XCryptoDialer struct {
	ConnectTimeout time.Duration
	HostKeyMode    HostKeyMode
	KnownHostsFile string
}

func (d *XCryptoDialer) connectTimeout() time.Duration {
	if d.ConnectTimeout > 0 {
		return d.ConnectTimeout
	}
	return 10 * time.Second
}

func (d *XCryptoDialer) hostKeyMode() HostKeyMode {
	if d.HostKeyMode != "" {
		return d.HostKeyMode
	}
	return HostKeyAcceptNew
}

func (d *XCryptoDialer) Dial(ctx context.Context, params ConnectionParams) (Client, error) {
	params = withDefaults(params)

	hostKeyCb, err := d.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("host key verification setup: %w", err)
	}

	authMethods, cleanup, err := buildAuthMethods(params)
	defer cleanup()
	if err != nil {
		return nil, err
	}

	cfg := &gossh.ClientConfig{
		User:            params.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCb,
		Timeout:         d.connectTimeout(),
	}

	addr := fmt.Sprintf("%s:%d", params.Host, params.Port)
	var netDialer net.Dialer
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := gossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "knownhosts:") || strings.Contains(err.Error(), "key mismatch") {
			return nil, &HostKeyError{Host: params.Host, Err: err}
		}
		return nil, err
	}
	return &xcryptoClient{client: gossh.NewClient(c, chans, reqs)}, nil
}

func (d *XCryptoDialer) hostKeyCallback() (gossh.HostKeyCallback, error) {
	mode := d.hostKeyMode()
	if mode == HostKeyOff {
		return gossh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in
	}

	path := d.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = home + "/.ssh/known_hosts"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if mkErr := os.WriteFile(path, nil, 0o600); mkErr != nil {
			return nil, mkErr
		}
	}

	strict, err := knownhosts.New(path)
	if err != nil {
		return nil, err
	}
	if mode == HostKeyStrict {
		return strict, nil
	}

	// accept-new: record unknown hosts, still reject changed keys.
	return func(hostname string, remote net.Addr, key gossh.PublicKey) error {
		err := strict(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
			f, openErr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
			if openErr != nil {
				return openErr
			}
			defer func() { _ = f.Close() }()
			if _, writeErr := f.WriteString(line + "\n"); writeErr != nil {
				return writeErr
			}
			return nil
		}
		return &HostKeyError{Host: hostname, Err: err}
	}, nil
}

func buildAuthMethods(params ConnectionParams) ([]gossh.AuthMethod, func(), error) {
	cleanup := func() {}
	var methods []gossh.AuthMethod

	if params.IdentityFile != "" {
		data, err := os.ReadFile(params.IdentityFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			return nil, cleanup, fmt.Errorf("parse identity file: %w", err)
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			agentClient := agent.NewClient(conn)
			methods = append(methods, gossh.PublicKeysCallback(agentClient.Signers))
			cleanup = func() { _ = conn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, cleanup, errors.New("no SSH auth available: provide identity_file or run an ssh-agent")
	}
	return methods, cleanup, nil
}

type xcryptoClient struct {
	client *gossh.Client
}

func (c *xcryptoClient) Execute(ctx context.Context, command string, timeout time.Duration) (runner.ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return runner.ExecResult{}, err
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	execCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-execCtx.Done():
		_ = session.Close()
		return runner.ExecResult{}, execCtx.Err()
	case err := <-done:
		runtime := int(time.Since(started).Milliseconds())
		if err == nil {
			return runner.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0, RuntimeMs: runtime}, nil
		}
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			return runner.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitStatus(), RuntimeMs: runtime}, nil
		}
		return runner.ExecResult{}, err
	}
}

func (c *xcryptoClient) SFTP() (*sftp.Client, error) {
	return sftp.NewClient(c.client)
}

func (c *xcryptoClient) Close() error {
	return c.client.Close()
}
