package usecase

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"gopkg.in/yaml.v3"
)

var localConfigNames = []string{".lifemon.yml", ".lifemon.yaml"}

type configService struct {
	homeDir string
}

func NewConfigService() interfaces.ConfigService {
	homeDir, _ := os.UserHomeDir()
	return &configService{homeDir: homeDir}
}

func (c *configService) GetDefaultPath() string {
	return filepath.Join(c.homeDir, ".config", "lifemon", "config.yml")
}

// LoadDefault returns an empty config when the default file does not exist.
func (c *configService) LoadDefault() (*model.Config, error) {
	cfg, err := c.Load(c.GetDefaultPath())
	if errors.Is(err, os.ErrNotExist) {
		return &model.Config{}, nil
	}
	return cfg, err
}

func (c *configService) Load(path string) (*model.Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is given by the operator
	if err != nil {
		return nil, domain.ErrConfiguration.Wrap(err, goerr.V("path", path))
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, domain.ErrConfiguration.Wrap(err, goerr.V("path", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, domain.ErrConfiguration.Wrap(err, goerr.V("path", path))
	}
	return &cfg, nil
}

// LoadFromDirectory loads .lifemon.yml or .lifemon.yaml from dir. The
// returned path is empty when neither exists, and kept on a load error.
func (c *configService) LoadFromDirectory(dir string) (*model.Config, string, error) {
	path := c.findConfigInDirectory(dir)
	if path == "" {
		return &model.Config{}, "", nil
	}
	cfg, err := c.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func (c *configService) findConfigInDirectory(dir string) string {
	for _, name := range localConfigNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func (c *configService) GenerateTemplate() string {
	return configTemplate
}

func (c *configService) SaveTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return domain.ErrConfiguration.Wrap(goerr.New("config file already exists, use --force to overwrite"),
				goerr.V("path", path))
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return domain.ErrConfiguration.Wrap(err, goerr.V("path", path))
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return domain.ErrConfiguration.Wrap(err, goerr.V("path", path))
	}
	return nil
}

const configTemplate = `# lifemon configuration
#
# Tokens of testing services, matched by base URL. A token given by
# environment variable (JENKINS_TOKEN, TRAVIS_TESTING_SERVICE_TOKEN,
# GITHUB_TESTING_SERVICE_TOKEN) is used for every service of that kind
# without an entry here.
services:
  # - kind: jenkins
  #   url: https://jenkins.example.org
  #   token:
  #     type: Basic
  #     secret: user:api-token
  # - kind: github
  #   url: https://api.github.com
  #   token:
  #     type: Bearer
  #     secret: ${GITHUB_TOKEN}

schedule:
  # Hour of day (0-23) of the periodic build job.
  periodic_build_hour: 3
  # Builds are triggered for instances idle for longer than this.
  periodic_build_threshold: 24h
  periodic_build_pause: 10s
  notification_retention: 168h

delivery:
  # smtp:
  #   host: smtp.example.org
  #   port: 587
  #   username: lifemon
  #   password: secret
  #   from: lifemon@example.org
  # slack:
  #   webhook_url: ${SLACK_WEBHOOK_URL}
  #   message: "{{.Event}}: {{.Workflow}} build {{.BuildID}}"
  #   username: lifemon
  #   icon_emoji: ":microscope:"
  # command:
  #   command: ~/bin/on-build-event.sh
  #   args: []
  #   timeout: 30s
`
