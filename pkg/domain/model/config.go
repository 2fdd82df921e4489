package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Config represents the YAML configuration file
type Config struct {
	Services []ServiceConfig `yaml:"services,omitempty"`
	Schedule ScheduleConfig  `yaml:"schedule,omitempty"`
	Delivery DeliveryConfig  `yaml:"delivery,omitempty"`
}

// ServiceConfig binds a token to a testing service base URL
type ServiceConfig struct {
	Kind  ServiceKind `yaml:"kind" json:"kind"`
	URL   string      `yaml:"url" json:"url"`
	Token Token       `yaml:"token" json:"token"`
}

type ScheduleConfig struct {
	PeriodicBuildHour      *int          `yaml:"periodic_build_hour,omitempty"`
	PeriodicBuildThreshold time.Duration `yaml:"periodic_build_threshold,omitempty"`
	PeriodicBuildPause     time.Duration `yaml:"periodic_build_pause,omitempty"`
	NotificationRetention  time.Duration `yaml:"notification_retention,omitempty"`
}

type DeliveryConfig struct {
	SMTP    *SMTPConfig    `yaml:"smtp,omitempty"`
	Slack   *SlackConfig   `yaml:"slack,omitempty"`
	Command *CommandConfig `yaml:"command,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from"`
}

// SlackConfig configures delivery to a Slack incoming webhook
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Message    string `yaml:"message,omitempty"`
	Color      string `yaml:"color,omitempty"`      // good, warning, danger, or #hex
	IconEmoji  string `yaml:"icon_emoji,omitempty"` // only works if webhook allows customization
	UserName   string `yaml:"username,omitempty"`
}

// CommandConfig runs a local command per delivered notification
type CommandConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Env     []string      `yaml:"env,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Validate checks required fields of the configuration
func (c *Config) Validate() error {
	for i, s := range c.Services {
		if s.URL == "" {
			return goerr.New("service requires 'url' field", goerr.V("index", i))
		}
		switch s.Kind {
		case ServiceJenkins, ServiceTravis, ServiceGitHub:
		default:
			return goerr.New("unknown service kind", goerr.V("index", i), goerr.V("kind", s.Kind))
		}
	}

	if h := c.Schedule.PeriodicBuildHour; h != nil && (*h < 0 || *h > 23) {
		return goerr.New("periodic_build_hour must be within 0-23", goerr.V("hour", *h))
	}

	if d := c.Delivery.SMTP; d != nil && (d.Host == "" || d.From == "") {
		return goerr.New("smtp delivery requires 'host' and 'from' fields")
	}
	if d := c.Delivery.Slack; d != nil && d.WebhookURL == "" {
		return goerr.New("slack delivery requires 'webhook_url' field")
	}
	if d := c.Delivery.Command; d != nil && d.Command == "" {
		return goerr.New("command delivery requires 'command' field")
	}

	return nil
}
