// Package config loads mcpdoctor settings from file and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configFileName = "config.yaml"
	configDirName  = "mcpdoctor"
)

// duration wraps time.Duration for YAML unmarshaling.
type duration struct {
	d time.Duration
}

func (d *duration) unmarshalText(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.d = parsed
	return nil
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.unmarshalText(value.Value)
}

func (d *duration) Duration() time.Duration {
	return d.d
}

// Config for mcpdoctor. Pointer fields; nil = unset.
type Config struct {
	// AgentConfigDir is where the agent's mcp_agent.*.yaml files are searched.
	AgentConfigDir *string `yaml:"agent_config_dir"`

	// Interpreter is the command used for interpreter and package checks.
	Interpreter *string `yaml:"interpreter"`

	// MinInterpreterVersion is the minimum accepted "X.Y" version.
	MinInterpreterVersion *string `yaml:"min_interpreter_version"`

	// RequiredPackages overrides the default import-check list.
	RequiredPackages []string `yaml:"required_packages"`

	GracePeriod      *duration `yaml:"grace_period"`
	HandshakeTimeout *duration `yaml:"handshake_timeout"`
	CheckTimeout     *duration `yaml:"check_timeout"`
	MaxLogBytes      *int      `yaml:"max_log_bytes"`

	SSH *SSHConfig `yaml:"ssh"`
}

// SSHConfig holds SSH-specific configuration for remote checks.
type SSHConfig struct {
	ConnectTimeout  *duration `yaml:"connect_timeout"`
	Retries         *int      `yaml:"retries"`
	RetryBackoff    *duration `yaml:"retry_backoff"`
	HostKeyChecking *string   `yaml:"host_key_checking"`
	KnownHostsFile  *string   `yaml:"known_hosts_file"`
}

// LoadFrom loads config from path. Missing files return zero Config, nil.
func LoadFrom(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Load() (Config, error) {
	return LoadFrom(defaultConfigPath())
}

func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("MCPDOCTOR_AGENT_CONFIG_DIR"); ok {
		c.AgentConfigDir = &v
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_INTERPRETER"); ok {
		c.Interpreter = &v
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_MIN_INTERPRETER_VERSION"); ok {
		c.MinInterpreterVersion = &v
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_GRACE_PERIOD"); ok {
		d := &duration{}
		if err := d.unmarshalText(v); err != nil {
			return fmt.Errorf("parse MCPDOCTOR_GRACE_PERIOD: %w", err)
		}
		c.GracePeriod = d
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_HANDSHAKE_TIMEOUT"); ok {
		d := &duration{}
		if err := d.unmarshalText(v); err != nil {
			return fmt.Errorf("parse MCPDOCTOR_HANDSHAKE_TIMEOUT: %w", err)
		}
		c.HandshakeTimeout = d
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_CHECK_TIMEOUT"); ok {
		d := &duration{}
		if err := d.unmarshalText(v); err != nil {
			return fmt.Errorf("parse MCPDOCTOR_CHECK_TIMEOUT: %w", err)
		}
		c.CheckTimeout = d
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_MAX_LOG_BYTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MCPDOCTOR_MAX_LOG_BYTES: %w", err)
		}
		c.MaxLogBytes = &n
	}

	if v, ok := os.LookupEnv("MCPDOCTOR_SSH_CONNECT_TIMEOUT"); ok {
		if c.SSH == nil {
			c.SSH = &SSHConfig{}
		}
		d := &duration{}
		if err := d.unmarshalText(v); err != nil {
			return fmt.Errorf("parse MCPDOCTOR_SSH_CONNECT_TIMEOUT: %w", err)
		}
		c.SSH.ConnectTimeout = d
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_SSH_RETRIES"); ok {
		if c.SSH == nil {
			c.SSH = &SSHConfig{}
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse MCPDOCTOR_SSH_RETRIES: %w", err)
		}
		c.SSH.Retries = &n
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_SSH_RETRY_BACKOFF"); ok {
		if c.SSH == nil {
			c.SSH = &SSHConfig{}
		}
		d := &duration{}
		if err := d.unmarshalText(v); err != nil {
			return fmt.Errorf("parse MCPDOCTOR_SSH_RETRY_BACKOFF: %w", err)
		}
		c.SSH.RetryBackoff = d
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_SSH_HOST_KEY_CHECKING"); ok {
		if c.SSH == nil {
			c.SSH = &SSHConfig{}
		}
		c.SSH.HostKeyChecking = &v
	}
	if v, ok := os.LookupEnv("MCPDOCTOR_SSH_KNOWN_HOSTS_FILE"); ok {
		if c.SSH == nil {
			c.SSH = &SSHConfig{}
		}
		c.SSH.KnownHostsFile = &v
	}

	return nil
}

func (c *Config) validate() error {
	if c.GracePeriod != nil {
		if d := c.GracePeriod.Duration(); d <= 0 || d > time.Minute {
			return fmt.Errorf("grace_period must be in (0s, 1m], got %v", d)
		}
	}
	if c.HandshakeTimeout != nil {
		if d := c.HandshakeTimeout.Duration(); d <= 0 || d > 5*time.Minute {
			return fmt.Errorf("handshake_timeout must be in (0s, 5m], got %v", d)
		}
	}
	if c.CheckTimeout != nil {
		if d := c.CheckTimeout.Duration(); d <= 0 || d > time.Minute {
			return fmt.Errorf("check_timeout must be in (0s, 1m], got %v", d)
		}
	}
	if c.MaxLogBytes != nil {
		if *c.MaxLogBytes < 0 {
			return fmt.Errorf("max_log_bytes must be non-negative, got %d", *c.MaxLogBytes)
		}
		if *c.MaxLogBytes > 64*1024*1024 {
			return fmt.Errorf("max_log_bytes must not exceed 64 MB, got %d", *c.MaxLogBytes)
		}
	}
	if c.MinInterpreterVersion != nil {
		if _, _, err := ParseVersion(*c.MinInterpreterVersion); err != nil {
			return fmt.Errorf("min_interpreter_version: %w", err)
		}
	}
	if c.SSH != nil {
		if c.SSH.Retries != nil && *c.SSH.Retries < 0 {
			return fmt.Errorf("ssh.retries must be non-negative, got %d", *c.SSH.Retries)
		}
		if c.SSH.ConnectTimeout != nil && c.SSH.ConnectTimeout.Duration() <= 0 {
			return fmt.Errorf("ssh.connect_timeout must be positive, got %v", c.SSH.ConnectTimeout.Duration())
		}
		if c.SSH.RetryBackoff != nil && c.SSH.RetryBackoff.Duration() <= 0 {
			return fmt.Errorf("ssh.retry_backoff must be positive, got %v", c.SSH.RetryBackoff.Duration())
		}
		if c.SSH.HostKeyChecking != nil {
			switch *c.SSH.HostKeyChecking {
			case "strict", "accept-new", "off":
			default:
				return fmt.Errorf("ssh.host_key_checking must be strict, accept-new, or off, got %q", *c.SSH.HostKeyChecking)
			}
		}
	}
	return nil
}

// ParseVersion parses "X.Y" or "X.Y.Z" into major and minor.
func ParseVersion(s string) (major, minor int, err error) {
	var patch int
	if n, scanErr := fmt.Sscanf(s, "%d.%d.%d", &major, &minor, &patch); scanErr == nil && n == 3 {
		return major, minor, nil
	}
	n, scanErr := fmt.Sscanf(s, "%d.%d", &major, &minor)
	if scanErr != nil || n != 2 {
		return 0, 0, fmt.Errorf("invalid version %q", s)
	}
	return major, minor, nil
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, configDirName, configFileName)
}
