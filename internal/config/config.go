package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/felo/mailclaim/internal/dkim"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LogConfig       `mapstructure:"logging"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Retention RetentionConfig `mapstructure:"retention"`
	Events    EventsConfig    `mapstructure:"events"`
	Batch     BatchConfig     `mapstructure:"batch"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	IdleTimeout  time.Duration `mapstructure:"idleTimeout"`
	MaxBodyBytes int64         `mapstructure:"maxBodyBytes"`
	CORSOrigins  []string      `mapstructure:"corsOrigins"` // "*" allows any origin
}

// DatabaseConfig locates the verification ledger
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Encoding   string `mapstructure:"encoding"`   // json or console
	OutputPath string `mapstructure:"outputPath"` // file path or "stdout"
}

// PolicyConfig mirrors dkim.Policy
type PolicyConfig struct {
	TrustedDomains []string `mapstructure:"trustedDomains"`
	SubjectMarker  string   `mapstructure:"subjectMarker"`
	ClaimPhrase    string   `mapstructure:"claimPhrase"`
	MinModulusBits int      `mapstructure:"minModulusBits"`
}

// ExtractorConfig describes the external email-to-record program. With
// InputFile and OutputFile empty the email goes to stdin and the record is
// read from stdout; otherwise both are exchanged as files inside Dir.
type ExtractorConfig struct {
	Command    []string      `mapstructure:"command"`
	Dir        string        `mapstructure:"dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
	InputFile  string        `mapstructure:"inputFile"`
	OutputFile string        `mapstructure:"outputFile"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RetentionConfig controls pruning of old ledger rows
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxAge   time.Duration `mapstructure:"maxAge"`
	Interval time.Duration `mapstructure:"interval"`
}

// EventsConfig configures optional NATS publishing; empty URL disables it
type EventsConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
	Subject string `mapstructure:"subject"`
}

// BatchConfig locates record files for batch verification
type BatchConfig struct {
	Dir         string `mapstructure:"dir"`
	Concurrency int    `mapstructure:"concurrency"` // 0 uses the CPU count
}

// Default returns default configuration
func Default() *Config {
	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	// Use ~/.mailclaim for data directory
	dataDir := filepath.Join(homeDir, ".mailclaim")

	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         "8000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 20 * 1024 * 1024,
			CORSOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "verifications.db"),
		},
		Logging: LogConfig{
			Level:      "info",
			Encoding:   "json",
			OutputPath: "stdout",
		},
		Policy: PolicyConfig{
			TrustedDomains: []string{dkim.DefaultTrustedDomain},
			SubjectMarker:  dkim.DefaultSubjectMarker,
			ClaimPhrase:    dkim.DefaultClaimPhrase,
		},
		Extractor: ExtractorConfig{
			Command: []string{"node", "generate-dkim.js"},
			Dir:        "./node-scripts",
			Timeout:    30 * time.Second,
			InputFile:  "email.eml",
			OutputFile: "dkim.json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Retention: RetentionConfig{
			Enabled:  false,
			MaxAge:   30 * 24 * time.Hour,
			Interval: time.Hour,
		},
		Events: EventsConfig{
			Subject: "mailclaim.verifications",
		},
		Batch: BatchConfig{
			Dir: filepath.Join(dataDir, "records"),
		},
	}
}

// Load reads configuration from an optional file and MAILCLAIM_* environment
// variables on top of Default. An empty path loads defaults and env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	// Environment variable support
	v.SetEnvPrefix("MAILCLAIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every default so env overrides apply to all keys
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.readTimeout", d.Server.ReadTimeout)
	v.SetDefault("server.writeTimeout", d.Server.WriteTimeout)
	v.SetDefault("server.idleTimeout", d.Server.IdleTimeout)
	v.SetDefault("server.maxBodyBytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.corsOrigins", d.Server.CORSOrigins)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.outputPath", d.Logging.OutputPath)
	v.SetDefault("policy.trustedDomains", d.Policy.TrustedDomains)
	v.SetDefault("policy.subjectMarker", d.Policy.SubjectMarker)
	v.SetDefault("policy.claimPhrase", d.Policy.ClaimPhrase)
	v.SetDefault("policy.minModulusBits", d.Policy.MinModulusBits)
	v.SetDefault("extractor.command", d.Extractor.Command)
	v.SetDefault("extractor.dir", d.Extractor.Dir)
	v.SetDefault("extractor.timeout", d.Extractor.Timeout)
	v.SetDefault("extractor.inputFile", d.Extractor.InputFile)
	v.SetDefault("extractor.outputFile", d.Extractor.OutputFile)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("retention.enabled", d.Retention.Enabled)
	v.SetDefault("retention.maxAge", d.Retention.MaxAge)
	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("events.natsUrl", d.Events.NATSURL)
	v.SetDefault("events.subject", d.Events.Subject)
	v.SetDefault("batch.dir", d.Batch.Dir)
	v.SetDefault("batch.concurrency", d.Batch.Concurrency)
}

// Validate performs validation of all configuration values
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server maxBodyBytes must be greater than 0")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", c.Logging.Encoding)
	}

	if _, err := dkim.NewVerifier(c.Policy.Verifier()); err != nil {
		return err
	}

	if c.Extractor.Timeout <= 0 {
		return fmt.Errorf("extractor timeout must be greater than 0")
	}
	if (c.Extractor.InputFile == "") != (c.Extractor.OutputFile == "") {
		return fmt.Errorf("extractor inputFile and outputFile must be set together")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}

	if c.Retention.Enabled {
		if c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention maxAge must be greater than 0")
		}
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention interval must be greater than 0")
		}
	}

	if c.Batch.Concurrency < 0 {
		return fmt.Errorf("batch concurrency must not be negative")
	}

	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		return fmt.Errorf("events subject is required when natsUrl is set")
	}

	return nil
}

// Verifier converts the policy section into a dkim.Policy
func (p PolicyConfig) Verifier() dkim.Policy {
	return dkim.Policy{
		TrustedDomains: append([]string(nil), p.TrustedDomains...),
		SubjectMarker:  p.SubjectMarker,
		ClaimPhrase:    p.ClaimPhrase,
		MinModulusBits: p.MinModulusBits,
	}
}

// Address returns the full server address
func (c *Config) Address() string {
	return c.Server.Host + ":" + c.Server.Port
}

// URL returns the full server URL
func (c *Config) URL() string {
	return "http://" + c.Address()
}
