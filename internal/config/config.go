package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models taskforce.yml.
type Config struct {
	Server struct {
		Addr       string `yaml:"addr"`
		BasePath   string `yaml:"base_path"`
		AuthSecret string `yaml:"auth_secret"`
		APIKey     string `yaml:"api_key"`
	} `yaml:"server"`
	Intake struct {
		DefaultSource string `yaml:"default_source"`
	} `yaml:"intake"`
	LLM struct {
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"llm"`
	Queue struct {
		PollIntervalMS    int                   `yaml:"poll_interval_ms"`
		JobTimeoutSeconds int                   `yaml:"job_timeout_seconds"`
		Stages            map[string]StageTuning `yaml:"stages"`
	} `yaml:"queue"`
	Archive struct {
		KnowledgeBase struct {
			BaseURL string `yaml:"base_url"`
			Token   string `yaml:"token"`
		} `yaml:"knowledge_base"`
		Chat struct {
			BaseURL string `yaml:"base_url"`
			Token   string `yaml:"token"`
			Channel string `yaml:"channel"`
		} `yaml:"chat"`
		Email struct {
			BaseURL string `yaml:"base_url"`
			Token   string `yaml:"token"`
			From    string `yaml:"from"`
			To      string `yaml:"to"`
		} `yaml:"email"`
	} `yaml:"archive"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type StageTuning struct {
	Workers       int `yaml:"workers"`
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMS int `yaml:"backoff_base_ms"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Stage names used throughout the pipeline.
const (
	StageSplit   = "split"
	StageAgent   = "agent"
	StageCompile = "compile"
	StageArchive = "archive"
)

// Load reads and validates config from the workspace, falling back to
// defaults when taskforce.yml does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Intake.DefaultSource == "" {
		return fmt.Errorf("config.intake.default_source is required")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.llm.timeout_seconds must be positive")
	}
	if c.Queue.PollIntervalMS <= 0 {
		return fmt.Errorf("config.queue.poll_interval_ms must be positive")
	}
	if c.Queue.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("config.queue.job_timeout_seconds must be positive")
	}
	for _, stage := range []string{StageSplit, StageAgent, StageCompile, StageArchive} {
		tuning, ok := c.Queue.Stages[stage]
		if !ok {
			return fmt.Errorf("config.queue.stages.%s is required", stage)
		}
		if tuning.Workers <= 0 {
			return fmt.Errorf("stage %s needs at least one worker", stage)
		}
		if tuning.MaxAttempts <= 0 {
			return fmt.Errorf("stage %s needs a positive attempt limit", stage)
		}
		if tuning.BackoffBaseMS <= 0 {
			return fmt.Errorf("stage %s needs a positive backoff base", stage)
		}
	}
	for stage := range c.Queue.Stages {
		switch stage {
		case StageSplit, StageAgent, StageCompile, StageArchive:
		default:
			return fmt.Errorf("unknown stage %s in config.queue.stages", stage)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Stage returns the tuning for a stage, already validated to exist.
func (c *Config) Stage(name string) StageTuning {
	return c.Queue.Stages[name]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskforce.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, layered over
// the defaults so partial files stay valid.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: :8080
  base_path: /v1

intake:
  default_source: api

llm:
  base_url: http://localhost:1234/v1
  model: ""
  timeout_seconds: 120

queue:
  poll_interval_ms: 250
  job_timeout_seconds: 180
  stages:
    split:
      workers: 2
      max_attempts: 3
      backoff_base_ms: 5000
    agent:
      workers: 4
      max_attempts: 3
      backoff_base_ms: 5000
    compile:
      workers: 2
      max_attempts: 3
      backoff_base_ms: 5000
    archive:
      workers: 1
      max_attempts: 2
      backoff_base_ms: 2000

archive:
  knowledge_base:
    base_url: ""
  chat:
    base_url: ""
    channel: missions
  email:
    base_url: ""
    from: taskforce@localhost
    to: ops@localhost
`
