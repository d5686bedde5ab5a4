package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	ResultTimeout time.Duration `mapstructure:"result_timeout"`
}

// OrchestratorConfig is the hot-reloadable scheduler surface: worker capacity,
// queue-depth limit, default token budget, and the partial-result deadline.
type OrchestratorConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	QueueDepth      int           `mapstructure:"queue_depth"`
	DefaultBudget   int64         `mapstructure:"default_budget"`
	PartialDeadline time.Duration `mapstructure:"partial_deadline"`
	ResultRetention time.Duration `mapstructure:"result_retention"`
}

func (o OrchestratorConfig) Validate() error {
	if o.Capacity <= 0 {
		return fmt.Errorf("orchestrator.capacity must be > 0")
	}
	if o.QueueDepth < 0 {
		return fmt.Errorf("orchestrator.queue_depth cannot be negative")
	}
	if o.DefaultBudget < 0 {
		return fmt.Errorf("orchestrator.default_budget cannot be negative")
	}
	return nil
}

// AgentsConfig declares the reasoning agents available for dispatch.
type AgentsConfig struct {
	ExecTimeout time.Duration          `mapstructure:"exec_timeout"`
	Remotes     map[string]RemoteAgent `mapstructure:"remotes"`
}

// RemoteAgent points at an HTTP-hosted reasoning agent.
type RemoteAgent struct {
	Endpoint string `mapstructure:"endpoint"`
}

func (a AgentsConfig) Validate() error {
	for name, remote := range a.Remotes {
		if strings.TrimSpace(remote.Endpoint) == "" {
			return fmt.Errorf("agents.remotes.%s.endpoint required", name)
		}
	}
	return nil
}

// DeliveryConfig configures the completion-event gateway.
type DeliveryConfig struct {
	Redis          RedisConfig   `mapstructure:"redis"`
	Stream         string        `mapstructure:"stream"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ScheduleConfig declares recurring queries fired on a cron cadence.
type ScheduleConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Jobs    []ScheduledQuery `mapstructure:"jobs"`
}

// ScheduledQuery is one recurring submission.
type ScheduledQuery struct {
	Name    string   `mapstructure:"name"`
	Cron    string   `mapstructure:"cron"`
	Payload string   `mapstructure:"payload"`
	Agents  []string `mapstructure:"agents"`
	Budget  int64    `mapstructure:"budget"`
}

func (s ScheduleConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	for _, job := range s.Jobs {
		if strings.TrimSpace(job.Name) == "" {
			return fmt.Errorf("schedule job without a name")
		}
		if len(job.Agents) == 0 {
			return fmt.Errorf("schedule job %s has no agents", job.Name)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	LogFile     string `mapstructure:"log_file"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.Agents.Validate(); err != nil {
		return err
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.result_timeout", "30s")
	v.SetDefault("orchestrator.capacity", 32)
	v.SetDefault("orchestrator.queue_depth", 128)
	v.SetDefault("orchestrator.default_budget", 4096)
	v.SetDefault("orchestrator.partial_deadline", "60s")
	v.SetDefault("orchestrator.result_retention", "10m")
	v.SetDefault("agents.exec_timeout", "30s")
	v.SetDefault("delivery.stream", "query.completed")
	v.SetDefault("delivery.webhook_timeout", "10s")
	v.SetDefault("delivery.event_buffer", 256)
	v.SetDefault("telemetry.enabled", true)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("QUORUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads configuration from file and environment. A missing file is
// not an error when no explicit path was given; defaults and QUORUM_* env vars
// apply.
func LoadConfig(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
