package registry

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParse_MCPServers(t *testing.T) {
	doc := []byte(`
mcp:
  servers:
    filesystem:
      command: python
      args: ["-u", "fs_server.py"]
      env:
        LOG_LEVEL: debug
      cwd: /srv/fs
      log_file: /var/log/fs.log
    search:
      url: http://localhost:8931/sse
      headers:
        Authorization: Bearer token
`)
	reg, err := Parse(doc, "test.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(reg) != 2 {
		t.Fatalf("Parse() returned %d servers, want 2", len(reg))
	}

	fs := reg["filesystem"]
	if fs == nil {
		t.Fatal("filesystem server missing")
	}
	if !fs.Stdio() {
		t.Error("filesystem should be a stdio server")
	}
	if got, want := fs.Command, "python"; got != want {
		t.Errorf("Command = %q, want %q", got, want)
	}
	if got, want := fs.Env["LOG_LEVEL"], "debug"; got != want {
		t.Errorf("Env[LOG_LEVEL] = %q, want %q", got, want)
	}
	if got, want := fs.LogFile, "/var/log/fs.log"; got != want {
		t.Errorf("LogFile = %q, want %q", got, want)
	}

	search := reg["search"]
	if search == nil {
		t.Fatal("search server missing")
	}
	if search.Stdio() {
		t.Error("search should be an HTTP server")
	}
}

func TestParse_BareServers(t *testing.T) {
	doc := []byte(`
servers:
  echo:
    command: node echo.js
`)
	reg, err := Parse(doc, "test.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, ok := reg["echo"]; !ok {
		t.Fatal("echo server missing from bare servers mapping")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"bad yaml",
			"mcp:\n  servers: [unclosed",
			"invalid YAML",
		},
		{
			"empty name",
			"mcp:\n  servers:\n    \" \":\n      command: python",
			"empty name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "test.yaml")
			if err == nil {
				t.Fatal("Parse() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestParse_EnvOnlyEntry(t *testing.T) {
	// A secrets overlay carries entries with only env; Parse must accept them
	// so LoadAll can fold them into the base configuration.
	doc := []byte(`
mcp:
  servers:
    fs:
      env:
        API_KEY: hunter2
`)
	reg, err := Parse(doc, "mcp_agent.secrets.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got, want := reg["fs"].Env["API_KEY"], "hunter2"; got != want {
		t.Fatalf("Env[API_KEY] = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		reg  map[string]*Server
		want string
	}{
		{
			"valid",
			map[string]*Server{"fs": {Command: "python fs.py"}, "web": {URL: "http://x"}},
			"",
		},
		{
			"neither command nor url",
			map[string]*Server{"broken": {Env: map[string]string{"A": "b"}}},
			"neither command nor url",
		},
		{
			"both command and url",
			map[string]*Server{"twice": {Command: "python", URL: "http://x"}},
			"both command and url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.reg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	reg, err := Parse([]byte("{}"), "test.yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(reg) != 0 {
		t.Fatalf("Parse() returned %d servers, want 0", len(reg))
	}
}

func TestServerArgv(t *testing.T) {
	tests := []struct {
		name    string
		server  Server
		want    []string
		wantErr bool
	}{
		{
			"explicit args",
			Server{Command: "python", Args: []string{"-u", "server.py"}},
			[]string{"python", "-u", "server.py"},
			false,
		},
		{
			"single word",
			Server{Command: "my-server"},
			[]string{"my-server"},
			false,
		},
		{
			"shell words",
			Server{Command: "python -u server.py"},
			[]string{"python", "-u", "server.py"},
			false,
		},
		{
			"quoted path",
			Server{Command: `python "/opt/my tools/server.py"`},
			[]string{"python", "/opt/my tools/server.py"},
			false,
		},
		{
			"no command",
			Server{URL: "http://localhost:9000"},
			nil,
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.server.Argv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Argv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Argv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := map[string]*Server{
		"fs": {Command: "python fs.py", Env: map[string]string{"A": "1", "B": "2"}},
		"db": {Command: "python db.py"},
	}
	overlay := map[string]*Server{
		"fs":  {Env: map[string]string{"B": "secret", "C": "3"}},
		"db":  {Command: "python db2.py"},
		"new": {URL: "http://localhost:8000"},
	}

	merged := Merge(base, overlay)

	fs := merged["fs"]
	if got, want := fs.Command, "python fs.py"; got != want {
		t.Errorf("fs.Command = %q, want %q (env-only overlay must keep base command)", got, want)
	}
	wantEnv := map[string]string{"A": "1", "B": "secret", "C": "3"}
	if !reflect.DeepEqual(fs.Env, wantEnv) {
		t.Errorf("fs.Env = %v, want %v", fs.Env, wantEnv)
	}
	if got, want := merged["db"].Command, "python db2.py"; got != want {
		t.Errorf("db.Command = %q, want %q (overlay with command replaces base)", got, want)
	}
	if _, ok := merged["new"]; !ok {
		t.Error("overlay-only server missing from merge")
	}

	// inputs stay untouched
	if got, want := base["fs"].Env["B"], "2"; got != want {
		t.Errorf("base mutated: Env[B] = %q, want %q", got, want)
	}
}

func TestDiscoverAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	config := `
mcp:
  servers:
    fs:
      command: python fs.py
      env:
        MODE: ro
`
	secrets := `
mcp:
  servers:
    fs:
      env:
        API_KEY: hunter2
`
	if err := os.WriteFile(filepath.Join(dir, "mcp_agent.config.yaml"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mcp_agent.secrets.yaml"), []byte(secrets), 0o600); err != nil {
		t.Fatal(err)
	}

	paths, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Discover() found %d files, want 2", len(paths))
	}
	if filepath.Base(paths[0]) != "mcp_agent.config.yaml" {
		t.Fatalf("Discover() order = %v, config file must load first", paths)
	}

	reg, err := LoadAll(paths...)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	fs := reg["fs"]
	if fs == nil {
		t.Fatal("fs server missing after merge")
	}
	if got, want := fs.Command, "python fs.py"; got != want {
		t.Errorf("Command = %q, want %q", got, want)
	}
	if got, want := fs.Env["API_KEY"], "hunter2"; got != want {
		t.Errorf("Env[API_KEY] = %q, want %q", got, want)
	}
	if got, want := fs.Env["MODE"], "ro"; got != want {
		t.Errorf("Env[MODE] = %q, want %q", got, want)
	}
}

func TestLoadAll_OrphanSecretsEntry(t *testing.T) {
	dir := t.TempDir()
	secrets := `
mcp:
  servers:
    ghost:
      env:
        API_KEY: hunter2
`
	path := filepath.Join(dir, "mcp_agent.secrets.yaml")
	if err := os.WriteFile(path, []byte(secrets), 0o600); err != nil {
		t.Fatal(err)
	}

	// An env-only entry with no base server has nothing to launch.
	_, err := LoadAll(path)
	if err == nil {
		t.Fatal("LoadAll() expected error for env-only entry without a base server")
	}
	if !strings.Contains(err.Error(), "neither command nor url") {
		t.Fatalf("LoadAll() error = %q, want the merged-registry validation error", err)
	}
}

func TestDiscover_EmptyDir(t *testing.T) {
	paths, err := Discover(t.TempDir())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("Discover() = %v, want empty", paths)
	}
}

func TestNames(t *testing.T) {
	reg := map[string]*Server{
		"zeta":  {Command: "z"},
		"alpha": {Command: "a"},
		"mid":   {Command: "m"},
	}
	got := Names(reg)
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
}
