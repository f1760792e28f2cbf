package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/sieve/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
	Tag    string `toml:"tag"`    // Syslog tag (default: "sieve")
}

// SieveConfig holds the interpreter policy and the extension settings.
type SieveConfig struct {
	Extensions    []string          `toml:"extensions"`      // Enabled extensions; empty enables every built-in extension
	MaxScriptSize string            `toml:"max_script_size"` // Maximum script size (default: "1M")
	MaxActions    int               `toml:"max_actions"`     // Maximum number of actions per result (default: 32)
	MaxRedirects  int               `toml:"max_redirects"`   // Maximum number of redirect actions (default: 4)
	MaxErrors     int               `toml:"max_errors"`      // Diagnostics recorded per compile before giving up (default: 100)
	Hostname      string            `toml:"hostname"`        // Hostname used in generated messages
	Postmaster    string            `toml:"postmaster"`      // Postmaster address for generated messages
	Trace         bool              `toml:"trace"`           // Log every executed instruction at debug level
	Settings      map[string]string `toml:"settings"`        // Extension settings, e.g. sieve_subaddress_sep = "+"
}

// GetMaxScriptSize parses the script size limit
func (s *SieveConfig) GetMaxScriptSize() (int64, error) {
	if s.MaxScriptSize == "" {
		return 1024 * 1024, nil
	}
	return helpers.ParseSize(s.MaxScriptSize)
}

// GetMaxActions returns the action limit with its default
func (s *SieveConfig) GetMaxActions() int {
	if s.MaxActions <= 0 {
		return 32
	}
	return s.MaxActions
}

// GetMaxRedirects returns the redirect limit with its default
func (s *SieveConfig) GetMaxRedirects() int {
	if s.MaxRedirects <= 0 {
		return 4
	}
	return s.MaxRedirects
}

// GetMaxErrors returns the diagnostic cap with its default
func (s *SieveConfig) GetMaxErrors() int {
	if s.MaxErrors <= 0 {
		return 100
	}
	return s.MaxErrors
}

// ScriptsConfig locates personal and global scripts.
type ScriptsConfig struct {
	Type       string `toml:"type"`        // "file" or "database" (default: "file")
	Dir        string `toml:"dir"`         // Personal script directory; "%u" is replaced by the user name
	GlobalDir  string `toml:"global_dir"`  // Directory for :global includes
	ActiveName string `toml:"active_name"` // Name of the active-script link inside Dir (default: ".dovecot.sieve")
}

// GetActiveName returns the active script link name with its default
func (s *ScriptsConfig) GetActiveName() string {
	if s.ActiveName == "" {
		return ".dovecot.sieve"
	}
	return s.ActiveName
}

// UserDir expands the personal directory for one user.
func (s *ScriptsConfig) UserDir(user string) string {
	return strings.ReplaceAll(s.Dir, "%u", user)
}

// BinaryStoreConfig selects where compiled binaries are kept.
type BinaryStoreConfig struct {
	Type      string `toml:"type"`       // "memory", "file", "sqlite", "s3" or "postgres" (default: "memory")
	Path      string `toml:"path"`       // Directory for "file", database file for "sqlite"
	Prefix    string `toml:"prefix"`     // Object key prefix for "s3"
	CacheSize int    `toml:"cache_size"` // In-memory binary cache entries in front of the store (0 disables)
	CacheTTL  string `toml:"cache_ttl"`  // In-memory cache entry lifetime (default: "5m")
	OpTimeout string `toml:"op_timeout"` // Timeout of a single load or save (default: "5s")
}

// GetCacheTTL parses the cache TTL
func (b *BinaryStoreConfig) GetCacheTTL() (time.Duration, error) {
	if b.CacheTTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(b.CacheTTL)
}

// GetOpTimeout parses the per-operation timeout
func (b *BinaryStoreConfig) GetOpTimeout() (time.Duration, error) {
	if b.OpTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(b.OpTimeout)
}

// DatabaseConfig holds the PostgreSQL endpoint used for scripts and binaries.
type DatabaseConfig struct {
	Hosts            []string `toml:"hosts"` // e.g. ["db1:5432"]; the first reachable host is used
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	Name             string   `toml:"name"`
	TLSMode          bool     `toml:"tls"`
	MaxConns         int      `toml:"max_conns"`         // Maximum number of connections in the pool
	MinConns         int      `toml:"min_conns"`         // Minimum number of connections in the pool
	QueryTimeout     string   `toml:"query_timeout"`     // Default timeout for queries (default: "30s")
	MigrationTimeout string   `toml:"migration_timeout"` // Timeout for auto-migrations at startup (default: "2m")
	LogQueries       bool     `toml:"log_queries"`       // Log every SQL statement at debug level
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// ConnString builds the pgx connection string for the first host.
func (d *DatabaseConfig) ConnString() (string, error) {
	if len(d.Hosts) == 0 {
		return "", fmt.Errorf("at least one database host must be specified")
	}
	host := d.Hosts[0]
	if !strings.Contains(host, ":") {
		host += ":5432"
	}
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s", d.User, d.Password, host, d.Name, sslMode), nil
}

// S3Config holds S3 configuration.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Encrypt       bool   `toml:"encrypt"`        // Encrypt binaries client-side with AES-GCM
	EncryptionKey string `toml:"encryption_key"` // Hex encoded 32-byte key
	Debug         bool   `toml:"debug"`          // Enable detailed S3 request/response tracing
}

// CircuitBreakerConfig tunes the breaker in front of an external service.
type CircuitBreakerConfig struct {
	Threshold   int    `toml:"threshold"`    // Consecutive failures before opening (default: 5)
	Timeout     string `toml:"timeout"`      // Time in open state before probing (default: "30s")
	MaxRequests int    `toml:"max_requests"` // Probes allowed while half-open (default: 3)
}

// GetTimeout parses the open-state timeout
func (c *CircuitBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// GetThreshold returns the failure threshold with its default
func (c *CircuitBreakerConfig) GetThreshold() uint32 {
	if c.Threshold <= 0 {
		return 5
	}
	return uint32(c.Threshold)
}

// GetMaxRequests returns the half-open probe count with its default
func (c *CircuitBreakerConfig) GetMaxRequests() uint32 {
	if c.MaxRequests <= 0 {
		return 3
	}
	return uint32(c.MaxRequests)
}

// SubmissionConfig defines outbound mail submission for redirect, reject and notify.
type SubmissionConfig struct {
	Type           string               `toml:"type"`            // "smtp" or empty to disable
	Host           string               `toml:"host"`            // SMTP server address (e.g., "smtp.example.com:587")
	TLS            bool                 `toml:"tls"`             // Use implicit TLS
	TLSVerify      bool                 `toml:"tls_verify"`      // Verify TLS certificates
	UseStartTLS    bool                 `toml:"use_starttls"`    // Use STARTTLS instead of implicit TLS
	Username       string               `toml:"username"`        // SASL PLAIN user (optional)
	Password       string               `toml:"password"`        // SASL PLAIN password (optional)
	ConnectTimeout string               `toml:"connect_timeout"` // Dial timeout (default: "30s")
	CommandTimeout string               `toml:"command_timeout"` // Per-command timeout (default: "5m")
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// IsConfigured returns true if submission is configured
func (s *SubmissionConfig) IsConfigured() bool {
	return s.Type != ""
}

// GetConnectTimeout parses the dial timeout
func (s *SubmissionConfig) GetConnectTimeout() (time.Duration, error) {
	if s.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.ConnectTimeout)
}

// GetCommandTimeout parses the command timeout
func (s *SubmissionConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.CommandTimeout)
}

// MailStorageConfig selects the mailbox backend that keep and fileinto write to.
type MailStorageConfig struct {
	Type           string `toml:"type"`            // "imap" or "memory" (default: "memory")
	Addr           string `toml:"addr"`            // IMAP server address (e.g., "imap.example.com:993")
	TLS            bool   `toml:"tls"`             // Use implicit TLS
	TLSVerify      bool   `toml:"tls_verify"`      // Verify TLS certificates
	MasterUser     string `toml:"master_user"`     // Master user that authenticates on behalf of recipients
	MasterPassword string `toml:"master_password"` // Master user password
	CreateMailbox  bool   `toml:"create_mailbox"`  // Create missing mailboxes for fileinto
}

// LMTPConfig holds the delivery listener configuration.
type LMTPConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	MaxMessageSize string `toml:"max_message_size"` // Maximum accepted message size (default: "50M")
	Debug          bool   `toml:"debug"`            // Dump the LMTP conversation to stdout
	TLS            bool   `toml:"tls"`              // Implicit TLS
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
	MaxConnections      int `toml:"max_connections"`        // Maximum concurrent connections
	MaxConnectionsPerIP int `toml:"max_connections_per_ip"` // Maximum connections per IP address
	// Networks allowed to connect (default: localhost and RFC 1918 networks)
	TrustedNetworks []string `toml:"trusted_networks"`
}

// GetMaxMessageSize parses the message size limit
func (l *LMTPConfig) GetMaxMessageSize() (int64, error) {
	if l.MaxMessageSize == "" {
		return 50 * 1024 * 1024, nil
	}
	return helpers.ParseSize(l.MaxMessageSize)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Sieve       SieveConfig       `toml:"sieve"`
	Scripts     ScriptsConfig     `toml:"scripts"`
	BinaryStore BinaryStoreConfig `toml:"binary_store"`
	Database    DatabaseConfig    `toml:"database"`
	S3          S3Config          `toml:"s3"`
	Submission  SubmissionConfig  `toml:"submission"`
	MailStorage MailStorageConfig `toml:"mail_storage"`
	LMTP        LMTPConfig        `toml:"lmtp"`
	HTTPAPI     HTTPAPIConfig     `toml:"http_api"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
			Tag:    "sieve",
		},
		Sieve: SieveConfig{
			MaxScriptSize: "1M",
			MaxActions:    32,
			MaxRedirects:  4,
			MaxErrors:     100,
			Hostname:      hostname,
			Postmaster:    "postmaster@" + hostname,
			Settings:      map[string]string{},
		},
		Scripts: ScriptsConfig{
			Type:       "file",
			Dir:        "/var/lib/sieve/users/%u",
			GlobalDir:  "/var/lib/sieve/global",
			ActiveName: ".dovecot.sieve",
		},
		BinaryStore: BinaryStoreConfig{
			Type:      "memory",
			CacheSize: 1000,
			CacheTTL:  "5m",
			OpTimeout: "5s",
		},
		Database: DatabaseConfig{
			Hosts:            []string{"localhost:5432"},
			User:             "postgres",
			Name:             "sieve",
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
		},
		Submission: SubmissionConfig{
			TLSVerify:      true,
			ConnectTimeout: "30s",
			CommandTimeout: "5m",
		},
		MailStorage: MailStorageConfig{
			Type:      "memory",
			TLSVerify: true,
		},
		LMTP: LMTPConfig{
			Addr:           ":24",
			MaxMessageSize: "50M",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields.
// Unknown keys are logged and ignored; every other decoding problem fails with a hint.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return cfg.Validate()
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	switch c.BinaryStore.Type {
	case "", "memory", "file", "sqlite", "s3", "postgres":
	default:
		return fmt.Errorf("binary_store.type: unknown store %q", c.BinaryStore.Type)
	}
	if (c.BinaryStore.Type == "file" || c.BinaryStore.Type == "sqlite") && c.BinaryStore.Path == "" {
		return fmt.Errorf("binary_store.path is required for the %s store", c.BinaryStore.Type)
	}
	if c.BinaryStore.Type == "s3" && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		return fmt.Errorf("s3.endpoint and s3.bucket are required for the s3 binary store")
	}
	switch c.Scripts.Type {
	case "", "file", "database":
	default:
		return fmt.Errorf("scripts.type: unknown storage %q", c.Scripts.Type)
	}
	if c.Submission.IsConfigured() && c.Submission.Type != "smtp" {
		return fmt.Errorf("submission.type: unknown type %q", c.Submission.Type)
	}
	if c.Submission.IsConfigured() && c.Submission.Host == "" {
		return fmt.Errorf("submission.host is required")
	}
	if c.Submission.TLS && c.Submission.UseStartTLS {
		return fmt.Errorf("submission: tls and use_starttls are mutually exclusive")
	}
	switch c.MailStorage.Type {
	case "", "memory":
	case "imap":
		if c.MailStorage.Addr == "" {
			return fmt.Errorf("mail_storage.addr is required for imap storage")
		}
	default:
		return fmt.Errorf("mail_storage.type: unknown type %q", c.MailStorage.Type)
	}
	if c.LMTP.TLS && (c.LMTP.TLSCertFile == "" || c.LMTP.TLSKeyFile == "") {
		return fmt.Errorf("lmtp.tls_cert_file and lmtp.tls_key_file are required when TLS is enabled")
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		return fmt.Errorf("http_api.api_key is required when the HTTP API is started")
	}
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please remove or comment out the duplicate entry", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Check that strings are quoted and brackets are balanced", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String || v.IsNil() {
			return
		}
		for _, key := range v.MapKeys() {
			v.SetMapIndex(key, reflect.ValueOf(strings.TrimSpace(v.MapIndex(key).String())))
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
