// Package config assembles the CLI configuration from built-in defaults,
// a .bidicaprc.yaml file and BIDICAP_* environment variables. Command-line
// flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the config file looked up in the working
// directory and then the home directory.
const FileName = ".bidicaprc.yaml"

// Output formats.
const (
	OutputJSON   = "json"
	OutputNDJSON = "ndjson"
	OutputText   = "text"
)

// Config holds the CLI configuration.
type Config struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Timeout        time.Duration `json:"timeout"`
	CommandTimeout time.Duration `json:"commandTimeout"`
	Output         string        `json:"output"`
	Target         string        `json:"target,omitempty"`
	LogLevel       string        `json:"logLevel"`
	LogFilter      string        `json:"logFilter,omitempty"`
	MetricsAddr    string        `json:"metricsAddr,omitempty"`
	ChromePath     string        `json:"chromePath,omitempty"`
	Headless       bool          `json:"headless"`

	// Source is the config file that was applied, if any.
	Source string `json:"source,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Host:           "localhost",
		Port:           9222,
		Timeout:        30 * time.Second,
		CommandTimeout: 10 * time.Second,
		Output:         OutputJSON,
		LogLevel:       "warn",
		Headless:       true,
	}
}

// Load builds a config from the defaults, the first file found in paths
// (with the named profile applied, if any) and env.
func Load(paths []string, profile string, env map[string]string) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(paths, profile); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the config file candidates in lookup order.
func DefaultPaths() []string {
	paths := []string{filepath.Join(".", FileName)}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, FileName))
	}
	return paths
}

// fileConfig is one layer of the config file. Unset keys leave the
// current value alone.
type fileConfig struct {
	Host           *string `yaml:"host"`
	Port           *int    `yaml:"port"`
	Timeout        *string `yaml:"timeout"`
	CommandTimeout *string `yaml:"command_timeout"`
	Output         *string `yaml:"output"`
	Target         *string `yaml:"target"`
	LogLevel       *string `yaml:"log_level"`
	LogFilter      *string `yaml:"log_filter"`
	MetricsAddr    *string `yaml:"metrics_addr"`
	ChromePath     *string `yaml:"chrome_path"`
	Headless       *bool   `yaml:"headless"`
}

// file is the on-disk layout: top-level settings plus named profiles that
// are layered over them.
type file struct {
	fileConfig `yaml:",inline"`

	DefaultProfile string                `yaml:"default_profile"`
	Profiles       map[string]fileConfig `yaml:"profiles"`
}

// LoadFile applies the first readable file in paths. A missing file is not
// an error; a malformed one is.
func (c *Config) LoadFile(paths []string, profile string) error {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("reading %s: %w", p, err)
		}

		var f file
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing %s: %w", p, err)
		}
		if err := c.apply(&f.fileConfig); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}

		name := profile
		if name == "" {
			name = f.DefaultProfile
		}
		if name != "" {
			pc, ok := f.Profiles[name]
			if !ok {
				return fmt.Errorf("%s: profile %q not found", p, name)
			}
			if err := c.apply(&pc); err != nil {
				return fmt.Errorf("%s: profile %q: %w", p, name, err)
			}
		}

		c.Source = p
		return nil
	}

	if profile != "" {
		return fmt.Errorf("profile %q not found: no config file", profile)
	}
	return nil
}

func (c *Config) apply(fc *fileConfig) error {
	if fc.Host != nil {
		c.Host = *fc.Host
	}
	if fc.Port != nil {
		c.Port = *fc.Port
	}
	if fc.Timeout != nil {
		d, err := time.ParseDuration(*fc.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	if fc.CommandTimeout != nil {
		d, err := time.ParseDuration(*fc.CommandTimeout)
		if err != nil {
			return fmt.Errorf("command_timeout: %w", err)
		}
		c.CommandTimeout = d
	}
	if fc.Output != nil {
		c.Output = *fc.Output
	}
	if fc.Target != nil {
		c.Target = *fc.Target
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.LogFilter != nil {
		c.LogFilter = *fc.LogFilter
	}
	if fc.MetricsAddr != nil {
		c.MetricsAddr = *fc.MetricsAddr
	}
	if fc.ChromePath != nil {
		c.ChromePath = *fc.ChromePath
	}
	if fc.Headless != nil {
		c.Headless = *fc.Headless
	}
	return nil
}

// envConfig mirrors Config for the environment. Only variables that are
// present end up valid.
type envConfig struct {
	Host           null.String `envconfig:"BIDICAP_HOST"`
	Port           null.Int    `envconfig:"BIDICAP_PORT"`
	Timeout        null.String `envconfig:"BIDICAP_TIMEOUT"`
	CommandTimeout null.String `envconfig:"BIDICAP_COMMAND_TIMEOUT"`
	Output         null.String `envconfig:"BIDICAP_OUTPUT"`
	Target         null.String `envconfig:"BIDICAP_TARGET"`
	LogLevel       null.String `envconfig:"BIDICAP_LOG_LEVEL"`
	LogFilter      null.String `envconfig:"BIDICAP_LOG_FILTER"`
	MetricsAddr    null.String `envconfig:"BIDICAP_METRICS_ADDR"`
	ChromePath     null.String `envconfig:"BIDICAP_CHROME_PATH"`
	Headless       null.Bool   `envconfig:"BIDICAP_HEADLESS"`
}

// LoadEnv applies BIDICAP_* variables from env.
func (c *Config) LoadEnv(env map[string]string) error {
	var ec envConfig
	if err := envconfig.Process("", &ec, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	if ec.Host.Valid {
		c.Host = ec.Host.String
	}
	if ec.Port.Valid {
		c.Port = int(ec.Port.Int64)
	}
	if ec.Timeout.Valid {
		d, err := time.ParseDuration(ec.Timeout.String)
		if err != nil {
			return fmt.Errorf("BIDICAP_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	if ec.CommandTimeout.Valid {
		d, err := time.ParseDuration(ec.CommandTimeout.String)
		if err != nil {
			return fmt.Errorf("BIDICAP_COMMAND_TIMEOUT: %w", err)
		}
		c.CommandTimeout = d
	}
	if ec.Output.Valid {
		c.Output = ec.Output.String
	}
	if ec.Target.Valid {
		c.Target = ec.Target.String
	}
	if ec.LogLevel.Valid {
		c.LogLevel = ec.LogLevel.String
	}
	if ec.LogFilter.Valid {
		c.LogFilter = ec.LogFilter.String
	}
	if ec.MetricsAddr.Valid {
		c.MetricsAddr = ec.MetricsAddr.String
	}
	if ec.ChromePath.Valid {
		c.ChromePath = ec.ChromePath.String
	}
	if ec.Headless.Valid {
		c.Headless = ec.Headless.Bool
	}
	return nil
}

// Validate checks values that cannot be caught while parsing.
func (c *Config) Validate() error {
	switch c.Output {
	case OutputJSON, OutputNDJSON, OutputText:
	default:
		return fmt.Errorf("invalid output format %q (want json, ndjson or text)", c.Output)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// EnvMap turns an os.Environ style list into a map.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}
