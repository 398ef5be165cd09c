// Package config loads the storyflow configuration from an HCL file. A
// missing file yields the built-in defaults; a present file is decoded
// strictly, so typos in block or attribute names fail the load instead of
// being silently ignored. Environment variables are exposed to the file
// as the `env` object.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/storyflow/internal/task"
)

// Config is the fully resolved configuration.
type Config struct {
	Server     Server
	Supervisor Supervisor
	Defaults   task.Options
	Services   map[string]Service
}

// Server configures the HTTP gateway and logging.
type Server struct {
	Listen    string
	LogLevel  string
	LogFormat string
}

// Supervisor tunes task execution.
type Supervisor struct {
	TaskTimeout       time.Duration
	MaxCycles         int
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	Retention         time.Duration
}

// Service is the dialing configuration of one tool service.
type Service struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	APIKey      string
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Listen:    ":5000",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Supervisor: Supervisor{
			TaskTimeout:       5 * time.Minute,
			MaxCycles:         2,
			HeartbeatInterval: 2 * time.Second,
			CleanupInterval:   12 * time.Hour,
			Retention:         24 * time.Hour,
		},
		Defaults: task.Options{
			Style:  "general",
			Length: "medium",
			Tone:   "neutral",
		},
		Services: map[string]Service{},
	}
}

type hclFile struct {
	Server     *hclServer     `hcl:"server,block"`
	Supervisor *hclSupervisor `hcl:"supervisor,block"`
	Defaults   *hclDefaults   `hcl:"defaults,block"`
	Services   []*hclService  `hcl:"service,block"`
}

type hclServer struct {
	Listen    *string `hcl:"listen,optional"`
	LogLevel  *string `hcl:"log_level,optional"`
	LogFormat *string `hcl:"log_format,optional"`
}

type hclSupervisor struct {
	TaskTimeout       *string `hcl:"task_timeout,optional"`
	MaxCycles         *int    `hcl:"max_cycles,optional"`
	HeartbeatInterval *string `hcl:"heartbeat_interval,optional"`
	CleanupInterval   *string `hcl:"cleanup_interval,optional"`
	Retention         *string `hcl:"retention,optional"`
}

type hclDefaults struct {
	Style  *string `hcl:"style,optional"`
	Length *string `hcl:"length,optional"`
	Tone   *string `hcl:"tone,optional"`
}

type hclService struct {
	Name        string  `hcl:"name,label"`
	URL         string  `hcl:"url"`
	Timeout     *string `hcl:"timeout,optional"`
	MaxAttempts *int    `hcl:"max_attempts,optional"`
	Backoff     *string `hcl:"backoff,optional"`
	APIKey      *string `hcl:"api_key,optional"`
}

// Load reads the configuration file at path. An empty path or a missing
// file returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, envEvalContext(), &parsed)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("failed to decode config file %s: %w", path, diags)
	}

	if err := cfg.apply(&parsed); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// envEvalContext exposes the process environment as the `env` object, so
// attributes can say `log_level = env.LOG_LEVEL`.
func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func (c *Config) apply(parsed *hclFile) error {
	if s := parsed.Server; s != nil {
		setString(&c.Server.Listen, s.Listen)
		setString(&c.Server.LogLevel, s.LogLevel)
		setString(&c.Server.LogFormat, s.LogFormat)
	}

	if s := parsed.Supervisor; s != nil {
		if err := setDuration(&c.Supervisor.TaskTimeout, s.TaskTimeout, "task_timeout"); err != nil {
			return err
		}
		if err := setDuration(&c.Supervisor.HeartbeatInterval, s.HeartbeatInterval, "heartbeat_interval"); err != nil {
			return err
		}
		if err := setDuration(&c.Supervisor.CleanupInterval, s.CleanupInterval, "cleanup_interval"); err != nil {
			return err
		}
		if err := setDuration(&c.Supervisor.Retention, s.Retention, "retention"); err != nil {
			return err
		}
		if s.MaxCycles != nil {
			if *s.MaxCycles < 0 {
				return fmt.Errorf("max_cycles must not be negative, got %d", *s.MaxCycles)
			}
			c.Supervisor.MaxCycles = *s.MaxCycles
		}
	}

	if d := parsed.Defaults; d != nil {
		setString(&c.Defaults.Style, d.Style)
		setString(&c.Defaults.Length, d.Length)
		setString(&c.Defaults.Tone, d.Tone)
	}

	for _, svc := range parsed.Services {
		if svc.URL == "" {
			return fmt.Errorf("service %q has no url", svc.Name)
		}
		if _, dup := c.Services[svc.Name]; dup {
			return fmt.Errorf("service %q defined twice", svc.Name)
		}
		out := Service{
			URL:         svc.URL,
			Timeout:     30 * time.Second,
			MaxAttempts: 2,
			Backoff:     2 * time.Second,
		}
		if err := setDuration(&out.Timeout, svc.Timeout, "timeout"); err != nil {
			return fmt.Errorf("service %q: %w", svc.Name, err)
		}
		if err := setDuration(&out.Backoff, svc.Backoff, "backoff"); err != nil {
			return fmt.Errorf("service %q: %w", svc.Name, err)
		}
		if svc.MaxAttempts != nil {
			if *svc.MaxAttempts < 1 {
				return fmt.Errorf("service %q: max_attempts must be at least 1, got %d", svc.Name, *svc.MaxAttempts)
			}
			out.MaxAttempts = *svc.MaxAttempts
		}
		setString(&out.APIKey, svc.APIKey)
		c.Services[svc.Name] = out
	}

	return nil
}

func setString(dst *string, src *string) {
	if src != nil && *src != "" {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, name string) error {
	if src == nil || *src == "" {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	*dst = d
	return nil
}
