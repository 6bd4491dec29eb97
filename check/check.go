// Package check runs the environment diagnostics for MCP tool servers.
package check

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abubrak/mcpdoctor/runner"
)

type Status string

const (
	Pass Status = "pass"
	Warn Status = "warn"
	Fail Status = "fail"
	Skip Status = "skip"
)

// Result is one diagnostic outcome. Remedy is operator-facing advice and is
// only set for warn/fail results.
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
	Remedy string `json:"remedy,omitempty"`
}

func (r Result) Failed() bool {
	return r.Status == Fail
}

// DefaultPackages is the import surface the agent needs before any of its
// stdio tool servers can start.
var DefaultPackages = []string{
	"mcp",
	"mcp.server",
	"mcp.server.fastmcp",
	"anthropic",
	"openai",
	"google.genai",
	"aiofiles",
}

const (
	DefaultInterpreter = "python3"
	DefaultMinVersion  = "3.8"
	DefaultTimeout     = 5 * time.Second
)

// Options configure the environment checks. Zero values get defaults.
type Options struct {
	Interpreter string
	MinVersion  string
	Packages    []string
	Timeout     time.Duration
	// ProjectDir is the directory the tool-server scripts live in; the search
	// path check verifies it is importable.
	ProjectDir string
}

func (o Options) withDefaults() Options {
	if o.Interpreter == "" {
		o.Interpreter = DefaultInterpreter
	}
	if o.MinVersion == "" {
		o.MinVersion = DefaultMinVersion
	}
	if o.Packages == nil {
		o.Packages = DefaultPackages
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Environment runs every check in the order the troubleshooting flow uses.
func Environment(ctx context.Context, r runner.Runner, opts Options) []Result {
	opts = opts.withDefaults()

	results := []Result{
		Interpreter(ctx, r, opts),
		InterpreterPath(r, opts),
	}
	results = append(results, Packages(ctx, r, opts)...)
	results = append(results, Encoding(r), SearchPath(r, opts))
	return results
}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// Interpreter runs `<interpreter> --version` and compares against MinVersion.
func Interpreter(ctx context.Context, r runner.Runner, opts Options) Result {
	opts = opts.withDefaults()
	name := "Interpreter Version"

	res, err := r.Run(ctx, []string{opts.Interpreter, "--version"}, nil, opts.Timeout)
	if err != nil {
		return Result{
			Name:   name,
			Status: Fail,
			Detail: fmt.Sprintf("cannot run %s --version: %v", opts.Interpreter, err),
			Remedy: fmt.Sprintf("Install %s or point interpreter at the right executable", opts.Interpreter),
		}
	}
	if res.ExitCode != 0 {
		return Result{
			Name:   name,
			Status: Fail,
			Detail: fmt.Sprintf("%s --version exited %d: %s", opts.Interpreter, res.ExitCode, strings.TrimSpace(res.Stderr)),
			Remedy: fmt.Sprintf("Reinstall %s", opts.Interpreter),
		}
	}

	// Older interpreters print the version banner on stderr.
	banner := strings.TrimSpace(res.Stdout)
	if banner == "" {
		banner = strings.TrimSpace(res.Stderr)
	}
	major, minor, ok := parseVersion(banner)
	if !ok {
		return Result{
			Name:   name,
			Status: Warn,
			Detail: fmt.Sprintf("cannot parse version from %q", banner),
		}
	}

	minMajor, minMinor, _ := parseVersion(opts.MinVersion)
	if major > minMajor || (major == minMajor && minor >= minMinor) {
		return Result{
			Name:   name,
			Status: Pass,
			Detail: fmt.Sprintf("%s meets requirements (>= %s)", banner, opts.MinVersion),
		}
	}
	return Result{
		Name:   name,
		Status: Fail,
		Detail: fmt.Sprintf("%s is too old", banner),
		Remedy: fmt.Sprintf("Install %s %s or newer", opts.Interpreter, opts.MinVersion),
	}
}

// InterpreterPath verifies python/python3 resolve on PATH. A missing plain
// `python` is only a warning on systems that ship python3.
func InterpreterPath(r runner.Runner, opts Options) Result {
	opts = opts.withDefaults()
	name := "Interpreter Path"

	resolved, err := r.LookPath(opts.Interpreter)
	if err != nil {
		return Result{
			Name:   name,
			Status: Fail,
			Detail: fmt.Sprintf("%q not found on PATH", opts.Interpreter),
			Remedy: fmt.Sprintf("Install %s or fix PATH", opts.Interpreter),
		}
	}

	if opts.Interpreter != "python" {
		if _, plainErr := r.LookPath("python"); plainErr != nil {
			return Result{
				Name:   name,
				Status: Warn,
				Detail: fmt.Sprintf("%s at %s; plain 'python' not on PATH", opts.Interpreter, resolved),
				Remedy: "Use 'python3' in server commands, or add a python alias",
			}
		}
	}
	return Result{
		Name:   name,
		Status: Pass,
		Detail: fmt.Sprintf("%s at %s", opts.Interpreter, resolved),
	}
}

// Packages probes each required package with `<interpreter> -c "import X"`.
func Packages(ctx context.Context, r runner.Runner, opts Options) []Result {
	opts = opts.withDefaults()

	results := make([]Result, 0, len(opts.Packages))
	for _, pkg := range opts.Packages {
		res, err := r.Run(ctx, []string{opts.Interpreter, "-c", "import " + pkg}, nil, opts.Timeout)
		name := fmt.Sprintf("Package %q", pkg)
		switch {
		case err != nil:
			results = append(results, Result{
				Name:   name,
				Status: Fail,
				Detail: fmt.Sprintf("probe failed: %v", err),
			})
		case res.ExitCode != 0:
			results = append(results, Result{
				Name:   name,
				Status: Fail,
				Detail: fmt.Sprintf("package %q is NOT installed", pkg),
				Remedy: "pip install " + packageRoot(pkg),
			})
		default:
			results = append(results, Result{
				Name:   name,
				Status: Pass,
				Detail: fmt.Sprintf("package %q is installed", pkg),
			})
		}
	}
	return results
}

// Encoding verifies UTF-8 is configured: PYTHONIOENCODING=utf-8, or a UTF-8
// locale as fallback. Non-UTF-8 stdio is the classic "charmap" startup crash.
func Encoding(r runner.Runner) Result {
	name := "Encoding"
	env := r.Environ()

	if enc, ok := env["PYTHONIOENCODING"]; ok {
		if strings.EqualFold(enc, "utf-8") || strings.EqualFold(enc, "utf8") {
			return Result{Name: name, Status: Pass, Detail: "PYTHONIOENCODING=" + enc}
		}
		return Result{
			Name:   name,
			Status: Warn,
			Detail: fmt.Sprintf("PYTHONIOENCODING=%s is not UTF-8", enc),
			Remedy: "Set PYTHONIOENCODING=utf-8",
		}
	}

	for _, key := range []string{"LC_ALL", "LANG"} {
		if v := env[key]; utf8Locale(v) {
			return Result{Name: name, Status: Pass, Detail: fmt.Sprintf("%s=%s", key, v)}
		}
	}
	return Result{
		Name:   name,
		Status: Warn,
		Detail: "UTF-8 encoding not configured",
		Remedy: "Set PYTHONIOENCODING=utf-8",
	}
}

// SearchPath verifies the module search path covers the project directory so
// the tool-server scripts can import their own modules.
func SearchPath(r runner.Runner, opts Options) Result {
	opts = opts.withDefaults()
	name := "PYTHONPATH"

	env := r.Environ()
	pythonPath, ok := env["PYTHONPATH"]
	if !ok || pythonPath == "" {
		return Result{
			Name:   name,
			Status: Warn,
			Detail: "PYTHONPATH not set",
			Remedy: "Set PYTHONPATH=. so server scripts resolve local imports",
		}
	}

	for _, entry := range filepath.SplitList(pythonPath) {
		if entry == "." || (opts.ProjectDir != "" && entry == opts.ProjectDir) {
			return Result{Name: name, Status: Pass, Detail: "PYTHONPATH=" + pythonPath}
		}
	}
	if opts.ProjectDir == "" {
		return Result{Name: name, Status: Pass, Detail: "PYTHONPATH=" + pythonPath}
	}
	return Result{
		Name:   name,
		Status: Warn,
		Detail: fmt.Sprintf("PYTHONPATH=%s does not include %s", pythonPath, opts.ProjectDir),
		Remedy: fmt.Sprintf("Add %s (or .) to PYTHONPATH", opts.ProjectDir),
	}
}

// Summary counts results by pass/total, where warn and skip count as passed.
func Summary(results []Result) (passed, total int) {
	for _, r := range results {
		total++
		if !r.Failed() {
			passed++
		}
	}
	return passed, total
}

func parseVersion(s string) (major, minor int, ok bool) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	return major, minor, true
}

func packageRoot(pkg string) string {
	root, _, _ := strings.Cut(pkg, ".")
	// Import names that differ from their distribution names.
	switch root {
	case "google":
		return "google-genai"
	}
	return root
}

func utf8Locale(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "utf-8") || strings.Contains(lower, "utf8")
}
