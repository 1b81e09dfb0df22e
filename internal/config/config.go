// Package config loads and validates the bridge configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// Config is the root configuration for matrix-rocketchat. Keys are flat,
// matching the configuration file shipped to operators.
type Config struct {
	// Application service credentials and endpoints.
	ASToken         string `yaml:"as_token"`
	HSToken         string `yaml:"hs_token"`
	ASAddress       string `yaml:"as_address"`
	ASURL           string `yaml:"as_url"`
	HSURL           string `yaml:"hs_url"`
	HSDomain        string `yaml:"hs_domain"`
	SenderLocalpart string `yaml:"sender_localpart"`

	// Store.
	DatabaseURL  string `yaml:"database_url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`

	// Behavior.
	AcceptRemoteInvites bool `yaml:"accept_remote_invites"`
	APITimeoutSeconds   int  `yaml:"api_timeout_seconds"`
	RealtimeEnabled     bool `yaml:"realtime_enabled"`

	// Logging.
	LogLevel     string `yaml:"log_level"`
	LogToConsole bool   `yaml:"log_to_console"`
	LogToFile    bool   `yaml:"log_to_file"`
	LogFilePath  string `yaml:"log_file_path"`

	// TLS.
	UseHTTPS       bool   `yaml:"use_https"`
	PKCS12Path     string `yaml:"pkcs12_path"`
	PKCS12Password string `yaml:"pkcs12_password"`

	// Metrics.
	MetricsAddress string `yaml:"metrics_address"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ReadFileError, err, "read config file %s", path)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.InvalidYAML, err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is valid and sets defaults.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"as_token", c.ASToken},
		{"hs_token", c.HSToken},
		{"as_address", c.ASAddress},
		{"as_url", c.ASURL},
		{"hs_url", c.HSURL},
		{"hs_domain", c.HSDomain},
		{"sender_localpart", c.SenderLocalpart},
		{"database_url", c.DatabaseURL},
	}
	for _, r := range required {
		if r.value == "" {
			return errors.Newf(errors.ReadConfigError, "%s is required", r.name)
		}
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch c.LogLevel {
	case "debug", "info", "warning", "error":
	default:
		return errors.Newf(errors.ReadConfigError,
			"log_level must be one of debug, info, warning, error, got %q", c.LogLevel)
	}

	if _, err := url.Parse(c.HSURL); err != nil {
		return errors.Wrapf(errors.ReadConfigError, err, "hs_url is not a valid URL: %s", c.HSURL)
	}
	if c.LogToFile && c.LogFilePath == "" {
		return errors.New(errors.ReadConfigError, "log_file_path is required when log_to_file is enabled")
	}
	if c.UseHTTPS && c.PKCS12Path == "" {
		return errors.New(errors.ReadConfigError, "pkcs12_path is required when use_https is enabled")
	}

	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.APITimeoutSeconds == 0 {
		c.APITimeoutSeconds = 10
	}

	return nil
}

// GenerateRegistration creates a Matrix appservice registration YAML. The
// user namespace claims every id carrying the virtual-user prefix; the bot
// itself is covered by sender_localpart.
func (c *Config) GenerateRegistration() string {
	return fmt.Sprintf(`id: rocketchat
url: %s
as_token: %s
hs_token: %s
sender_localpart: %s
namespaces:
  users:
    - exclusive: true
      regex: '@%s_.+:%s'
  aliases: []
  rooms: []
rate_limited: false
`,
		c.ASURL,
		c.ASToken,
		c.HSToken,
		c.SenderLocalpart,
		c.SenderLocalpart,
		regexEscape(c.HSDomain),
	)
}

func regexEscape(s string) string {
	return regexp.QuoteMeta(s)
}
