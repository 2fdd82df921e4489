package cli

import (
	"github.com/m-mizutani/lifemon/pkg/cache"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/urfave/cli/v3"
)

// Config holds the settings taken from flags and environment variables.
type Config struct {
	ConfigPath    string
	CacheType     string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	Timeouts      cache.Timeouts
	DatabaseURL   string
	Broker        string
	MetricsAddr   string
	Workers       int

	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SlackWebhookURL string
}

func NewConfig() *Config {
	return &Config{
		CacheType:   "memory",
		RedisHost:   "localhost",
		RedisPort:   6379,
		Timeouts:    cache.DefaultTimeouts(),
		Broker:      "memory",
		MetricsAddr: ":9090",
		Workers:     1,
	}
}

func (c *Config) BackendConfig() cache.BackendConfig {
	return cache.BackendConfig{
		Type:          c.CacheType,
		RedisHost:     c.RedisHost,
		RedisPort:     c.RedisPort,
		RedisPassword: c.RedisPassword,
	}
}

// Delivery overlays the delivery settings of flags and environment on the
// ones of the configuration file.
func (c *Config) Delivery(file model.DeliveryConfig) model.DeliveryConfig {
	out := file

	if c.SMTPHost != "" {
		smtp := model.SMTPConfig{}
		if file.SMTP != nil {
			smtp = *file.SMTP
		}
		smtp.Host = c.SMTPHost
		if c.SMTPPort != 0 {
			smtp.Port = c.SMTPPort
		}
		if c.SMTPUsername != "" {
			smtp.Username = c.SMTPUsername
			smtp.Password = c.SMTPPassword
		}
		if c.SMTPFrom != "" {
			smtp.From = c.SMTPFrom
		}
		out.SMTP = &smtp
	}

	if c.SlackWebhookURL != "" {
		slack := model.SlackConfig{}
		if file.Slack != nil {
			slack = *file.Slack
		}
		slack.WebhookURL = c.SlackWebhookURL
		out.Slack = &slack
	}
	return out
}

func DefineFlags() []cli.Flag {
	defaults := NewConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path of the YAML configuration file",
			Sources: cli.EnvVars("LIFEMON_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "cache-type",
			Usage:   "Cache backend (memory, redis, null)",
			Value:   defaults.CacheType,
			Sources: cli.EnvVars("CACHE_TYPE"),
		},
		&cli.StringFlag{
			Name:    "redis-host",
			Usage:   "Redis host for the cache and the broker",
			Value:   defaults.RedisHost,
			Sources: cli.EnvVars("REDIS_HOST"),
		},
		&cli.IntFlag{
			Name:    "redis-port",
			Usage:   "Redis port",
			Value:   defaults.RedisPort,
			Sources: cli.EnvVars("REDIS_PORT"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password",
			Sources: cli.EnvVars("REDIS_PASSWORD"),
		},
		&cli.DurationFlag{
			Name:    "cache-request-timeout",
			Usage:   "Expiry of request scoped cache entries",
			Value:   defaults.Timeouts.Request,
			Sources: cli.EnvVars("CACHE_REQUEST_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "cache-build-timeout",
			Usage:   "Expiry of cached build histories",
			Value:   defaults.Timeouts.Build,
			Sources: cli.EnvVars("CACHE_BUILD_TIMEOUT"),
		},
		&cli.DurationFlag{
			Name:    "cache-workflow-timeout",
			Usage:   "Expiry of cached workflow data",
			Value:   defaults.Timeouts.Workflow,
			Sources: cli.EnvVars("CACHE_WORKFLOW_TIMEOUT"),
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "PostgreSQL DSN; state is kept in memory when empty",
			Sources: cli.EnvVars("LIFEMON_DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "broker",
			Usage:   "Job broker (memory, redis)",
			Value:   defaults.Broker,
			Sources: cli.EnvVars("LIFEMON_BROKER"),
		},
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP server for email notifications",
			Sources: cli.EnvVars("LIFEMON_SMTP_HOST"),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Usage:   "SMTP port",
			Sources: cli.EnvVars("LIFEMON_SMTP_PORT"),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP user",
			Sources: cli.EnvVars("LIFEMON_SMTP_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			Sources: cli.EnvVars("LIFEMON_SMTP_PASSWORD"),
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Usage:   "Sender address of email notifications",
			Sources: cli.EnvVars("LIFEMON_SMTP_FROM"),
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "Slack incoming webhook for notifications",
			Sources: cli.EnvVars("LIFEMON_SLACK_WEBHOOK_URL"),
		},
	}
}

// ConfigFromCommand reads the flags defined by DefineFlags.
func ConfigFromCommand(cmd *cli.Command) *Config {
	return &Config{
		ConfigPath:    cmd.String("config"),
		CacheType:     cmd.String("cache-type"),
		RedisHost:     cmd.String("redis-host"),
		RedisPort:     cmd.Int("redis-port"),
		RedisPassword: cmd.String("redis-password"),
		Timeouts: cache.Timeouts{
			Request:  cmd.Duration("cache-request-timeout"),
			Build:    cmd.Duration("cache-build-timeout"),
			Workflow: cmd.Duration("cache-workflow-timeout"),
		},
		DatabaseURL:     cmd.String("database-url"),
		Broker:          cmd.String("broker"),
		MetricsAddr:     cmd.String("metrics-addr"),
		Workers:         cmd.Int("workers"),
		SMTPHost:        cmd.String("smtp-host"),
		SMTPPort:        cmd.Int("smtp-port"),
		SMTPUsername:    cmd.String("smtp-username"),
		SMTPPassword:    cmd.String("smtp-password"),
		SMTPFrom:        cmd.String("smtp-from"),
		SlackWebhookURL: cmd.String("slack-webhook-url"),
	}
}
