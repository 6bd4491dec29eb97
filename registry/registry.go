// Package registry loads and merges the agent's MCP server configuration.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"
)

// ConfigFileNames are the agent configuration files Discover looks for, in
// load order. Later files overlay earlier ones (the secrets file typically
// only fills in env values).
var ConfigFileNames = []string{
	"mcp_agent.config.yaml",
	"mcp_agent.secrets.yaml",
}

type RegistryError struct {
	Message string
}

func (e *RegistryError) Error() string {
	return e.Message
}

// Server describes one configured MCP server: how to launch it (stdio) or
// where to reach it (HTTP), plus diagnostics hints.
type Server struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	LogFile string            `yaml:"log_file"`
}

// Stdio reports whether the server is launched as a subprocess rather than
// reached over HTTP.
func (s *Server) Stdio() bool {
	return s.URL == ""
}

// Argv returns the launch argv. When Args is empty and Command contains
// spaces, Command is split with POSIX shell word rules so configurations like
// `command: "python -u server.py"` work as written in the guide.
func (s *Server) Argv() ([]string, error) {
	if s.Command == "" {
		return nil, &RegistryError{Message: "server has no command"}
	}
	if len(s.Args) > 0 {
		return append([]string{s.Command}, s.Args...), nil
	}
	if !strings.ContainsAny(s.Command, " \t") {
		return []string{s.Command}, nil
	}
	fields, err := shell.Fields(s.Command, func(string) string { return "" })
	if err != nil {
		return nil, fmt.Errorf("split command %q: %w", s.Command, err)
	}
	if len(fields) == 0 {
		return nil, &RegistryError{Message: fmt.Sprintf("command %q splits to nothing", s.Command)}
	}
	return fields, nil
}

// file mirrors the agent configuration document. The servers mapping lives
// under `mcp.servers`; a bare top-level `servers` mapping is accepted too.
type file struct {
	MCP struct {
		Servers map[string]*Server `yaml:"servers"`
	} `yaml:"mcp"`
	Servers map[string]*Server `yaml:"servers"`
}

// Load reads one configuration file into a registry keyed by server name.
func Load(path string) (map[string]*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes a configuration document. source is used in error messages.
// Entries are not required to carry a command or url here: a secrets overlay
// legitimately holds env-only entries that only make sense after merging.
// Validate covers the merged result.
func Parse(data []byte, source string) (map[string]*Server, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &RegistryError{Message: fmt.Sprintf("invalid YAML in %s: %v", source, err)}
	}
	servers := f.MCP.Servers
	if len(servers) == 0 {
		servers = f.Servers
	}
	registry := make(map[string]*Server, len(servers))
	for name, srv := range servers {
		if strings.TrimSpace(name) == "" {
			return nil, &RegistryError{Message: fmt.Sprintf("server entry with empty name in %s", source)}
		}
		if srv == nil {
			srv = &Server{}
		}
		registry[name] = srv
	}
	return registry, nil
}

// Discover returns the agent configuration files present in dir, in load
// order. An empty result is not an error; callers decide whether a missing
// configuration is fatal.
func Discover(dir string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	var found []string
	for _, name := range ConfigFileNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		found = append(found, path)
	}
	return found, nil
}

// LoadAll loads every path, merges the results in order, and validates the
// merged registry. Validation runs only after merging so a secrets file can
// contribute env-only entries.
func LoadAll(paths ...string) (map[string]*Server, error) {
	registry := make(map[string]*Server)
	for _, path := range paths {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		registry = Merge(registry, loaded)
	}
	if err := Validate(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// Merge combines base and overlay; overlay wins per server entry, except that
// an overlay entry's env is folded into the base entry's env so a secrets
// file can contribute only credentials. Does not mutate inputs.
func Merge(base, overlay map[string]*Server) map[string]*Server {
	merged := make(map[string]*Server, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for name, over := range overlay {
		under, ok := merged[name]
		if !ok || over.Command != "" || over.URL != "" {
			merged[name] = over
			continue
		}
		combined := *under
		if len(over.Env) > 0 {
			env := make(map[string]string, len(under.Env)+len(over.Env))
			for k, v := range under.Env {
				env[k] = v
			}
			for k, v := range over.Env {
				env[k] = v
			}
			combined.Env = env
		}
		if over.LogFile != "" {
			combined.LogFile = over.LogFile
		}
		merged[name] = &combined
	}
	return merged
}

// Names returns the registry's server names, sorted.
func Names(registry map[string]*Server) []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every entry of a merged registry can actually be
// launched or reached: exactly one of command and url.
func Validate(registry map[string]*Server) error {
	for _, name := range Names(registry) {
		s := registry[name]
		if s.Command == "" && s.URL == "" {
			return &RegistryError{Message: fmt.Sprintf("server %q has neither command nor url", name)}
		}
		if s.Command != "" && s.URL != "" {
			return &RegistryError{Message: fmt.Sprintf("server %q has both command and url", name)}
		}
	}
	return nil
}
