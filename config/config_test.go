package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sieve.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"

[sieve]
extensions = ["fileinto", " envelope "]
max_actions = 10

[sieve.settings]
sieve_subaddress_sep = "-"

[binary_store]
type = "sqlite"
path = "/tmp/binaries.db"
cache_ttl = "1m"

[submission]
type = "smtp"
host = "smtp.example.org:587"
use_starttls = true

[submission.circuit_breaker]
threshold = 2
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"fileinto", "envelope"}, cfg.Sieve.Extensions)
	assert.Equal(t, 10, cfg.Sieve.GetMaxActions())
	assert.Equal(t, 4, cfg.Sieve.GetMaxRedirects())
	assert.Equal(t, "-", cfg.Sieve.Settings["sieve_subaddress_sep"])

	ttl, err := cfg.BinaryStore.GetCacheTTL()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	assert.True(t, cfg.Submission.IsConfigured())
	assert.Equal(t, uint32(2), cfg.Submission.CircuitBreaker.GetThreshold())
	assert.Equal(t, uint32(3), cfg.Submission.CircuitBreaker.GetMaxRequests())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[sieve]
max_actions = 5
typo_setting = 123
`)
	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, 5, cfg.Sieve.MaxActions)
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	path := writeConfig(t, `
[sieve]
trace = t
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown store", func(c *Config) { c.BinaryStore.Type = "redis" }, "binary_store.type"},
		{"file store without path", func(c *Config) { c.BinaryStore.Type = "file" }, "binary_store.path"},
		{"s3 without bucket", func(c *Config) { c.BinaryStore.Type = "s3" }, "s3.endpoint"},
		{"submission without host", func(c *Config) { c.Submission.Type = "smtp" }, "submission.host"},
		{"tls and starttls", func(c *Config) {
			c.Submission.Type = "smtp"
			c.Submission.Host = "x:25"
			c.Submission.TLS = true
			c.Submission.UseStartTLS = true
		}, "mutually exclusive"},
		{"imap without addr", func(c *Config) { c.MailStorage.Type = "imap" }, "mail_storage.addr"},
		{"api without key", func(c *Config) { c.HTTPAPI.Start = true }, "api_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConnString(t *testing.T) {
	d := DatabaseConfig{Hosts: []string{"db1"}, User: "u", Password: "p", Name: "sieve", TLSMode: true}
	s, err := d.ConnString()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db1:5432/sieve?sslmode=require", s)

	_, err = (&DatabaseConfig{}).ConnString()
	assert.Error(t, err)
}

func TestScriptsUserDir(t *testing.T) {
	s := ScriptsConfig{Dir: "/srv/sieve/%u/scripts"}
	assert.Equal(t, "/srv/sieve/alice/scripts", s.UserDir("alice"))
	assert.Equal(t, ".dovecot.sieve", s.GetActiveName())
}
