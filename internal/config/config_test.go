package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// validMinimalConfig returns a minimal valid configuration for testing.
func validMinimalConfig() *Config {
	return &Config{
		ASToken:         "as_token_abc",
		HSToken:         "hs_token_xyz",
		ASAddress:       "0.0.0.0:8822",
		ASURL:           "http://localhost:8822",
		HSURL:           "http://localhost:8008",
		HSDomain:        "localhost",
		SenderLocalpart: "rocketchat",
		DatabaseURL:     "postgres://localhost/bridge",
	}
}

func TestValidate_MinimalValid(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate minimal config: %v", err)
	}
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validMinimalConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got %s", cfg.LogLevel)
	}
	if cfg.MaxOpenConns != 20 {
		t.Errorf("expected default max_open_conns 20, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 5 {
		t.Errorf("expected default max_idle_conns 5, got %d", cfg.MaxIdleConns)
	}
	if cfg.APITimeoutSeconds != 10 {
		t.Errorf("expected default api_timeout_seconds 10, got %d", cfg.APITimeoutSeconds)
	}
}

func TestValidate_CustomValuesNotOverwritten(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.LogLevel = "debug"
	cfg.MaxOpenConns = 50
	cfg.APITimeoutSeconds = 3

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("custom log_level overwritten: %s", cfg.LogLevel)
	}
	if cfg.MaxOpenConns != 50 {
		t.Errorf("custom max_open_conns overwritten: %d", cfg.MaxOpenConns)
	}
	if cfg.APITimeoutSeconds != 3 {
		t.Errorf("custom api_timeout_seconds overwritten: %d", cfg.APITimeoutSeconds)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		field string
		zero  func(*Config)
	}{
		{"as_token", func(c *Config) { c.ASToken = "" }},
		{"hs_token", func(c *Config) { c.HSToken = "" }},
		{"as_address", func(c *Config) { c.ASAddress = "" }},
		{"as_url", func(c *Config) { c.ASURL = "" }},
		{"hs_url", func(c *Config) { c.HSURL = "" }},
		{"hs_domain", func(c *Config) { c.HSDomain = "" }},
		{"sender_localpart", func(c *Config) { c.SenderLocalpart = "" }},
		{"database_url", func(c *Config) { c.DatabaseURL = "" }},
	}

	for _, tc := range tests {
		cfg := validMinimalConfig()
		tc.zero(cfg)

		err := cfg.Validate()
		if err == nil {
			t.Fatalf("expected error for missing %s", tc.field)
		}
		if !strings.Contains(err.Error(), tc.field) {
			t.Errorf("error should mention %s: %v", tc.field, err)
		}
		if errors.KindOf(err) != errors.ReadConfigError {
			t.Errorf("missing %s should classify as ReadConfigError, got %s", tc.field, errors.KindOf(err))
		}
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level: %v", err)
	}
}

func TestValidate_LogFileRequiresPath(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.LogToFile = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when log_to_file is set without log_file_path")
	}
	if !strings.Contains(err.Error(), "log_file_path") {
		t.Errorf("error should mention log_file_path: %v", err)
	}
}

func TestValidate_HTTPSRequiresPKCS12(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.UseHTTPS = true

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when use_https is set without pkcs12_path")
	}
	if !strings.Contains(err.Error(), "pkcs12_path") {
		t.Errorf("error should mention pkcs12_path: %v", err)
	}
}

func TestGenerateRegistration(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.HSDomain = "example.com"

	reg := cfg.GenerateRegistration()

	checks := []struct {
		name     string
		contains string
	}{
		{"id", "id: rocketchat"},
		{"url", "url: http://localhost:8822"},
		{"as_token", "as_token: as_token_abc"},
		{"hs_token", "hs_token: hs_token_xyz"},
		{"sender_localpart", "sender_localpart: rocketchat"},
		{"user regex", `@rocketchat_.+:example\.com`},
		{"exclusive", "exclusive: true"},
	}

	for _, c := range checks {
		if !strings.Contains(reg, c.contains) {
			t.Errorf("registration missing %s: expected to contain %q", c.name, c.contains)
		}
	}
}

func TestGenerateRegistration_DomainEscaped(t *testing.T) {
	cfg := validMinimalConfig()
	cfg.HSDomain = "matrix.example.org"

	reg := cfg.GenerateRegistration()

	if !strings.Contains(reg, `matrix\.example\.org`) {
		t.Error("domain dots should be escaped in regex")
	}
}

func TestRegexEscape(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com", `example\.com`},
		{"nodots", "nodots"},
		{"a.b.c", `a\.b\.c`},
		{"", ""},
	}

	for _, tc := range tests {
		result := regexEscape(tc.input)
		if result != tc.expected {
			t.Errorf("regexEscape(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if errors.KindOf(err) != errors.ReadFileError {
		t.Errorf("expected ReadFileError, got %s", errors.KindOf(err))
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("{{invalid yaml"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if errors.KindOf(err) != errors.InvalidYAML {
		t.Errorf("expected InvalidYAML, got %s", errors.KindOf(err))
	}
}

func TestLoad_ValidationError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	os.WriteFile(path, []byte("{}"), 0644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
	if errors.KindOf(err) != errors.ReadConfigError {
		t.Errorf("expected ReadConfigError, got %s", errors.KindOf(err))
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
as_token: "test_as_token"
hs_token: "test_hs_token"
as_address: "0.0.0.0:8822"
as_url: "http://localhost:8822"
hs_url: "http://localhost:8008"
hs_domain: "localhost"
sender_localpart: "rocketchat"
database_url: "bridge.db"
accept_remote_invites: true
log_level: "debug"
log_to_console: true
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load valid config: %v", err)
	}

	if cfg.ASToken != "test_as_token" {
		t.Errorf("as_token: %s", cfg.ASToken)
	}
	if !cfg.AcceptRemoteInvites {
		t.Error("accept_remote_invites should be true")
	}
	if cfg.DatabaseURL != "bridge.db" {
		t.Errorf("database_url: %s", cfg.DatabaseURL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TEST_AS_TOKEN", "env_as_token")
	t.Setenv("TEST_HS_TOKEN", "env_hs_token")
	t.Setenv("TEST_DB_URL", "postgres://localhost/envdb")

	content := `
as_token: $TEST_AS_TOKEN
hs_token: $TEST_HS_TOKEN
as_address: "0.0.0.0:8822"
as_url: "http://localhost:8822"
hs_url: "http://localhost:8008"
hs_domain: "localhost"
sender_localpart: "rocketchat"
database_url: $TEST_DB_URL
`
	os.WriteFile(path, []byte(content), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config with env vars: %v", err)
	}

	if cfg.ASToken != "env_as_token" {
		t.Errorf("env var not expanded for as_token: %s", cfg.ASToken)
	}
	if cfg.DatabaseURL != "postgres://localhost/envdb" {
		t.Errorf("env var not expanded for database_url: %s", cfg.DatabaseURL)
	}
}
