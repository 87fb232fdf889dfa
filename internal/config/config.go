// Package config loads the bot configuration from an optional YAML file and
// the process environment. Environment variables win over file values.
//
// File values may reference the environment as ${VAR_NAME}:
//
//	bot:
//	  app_id: "${MicrosoftAppId}"
//	  app_password: "${MicrosoftAppPassword}"
//	files:
//	  dir: "/var/lib/teams-file-bot"
//	  upload_timeout: "30s"
//
// There are no credential defaults. An empty app id turns off inbound token
// validation and outbound authentication, which only the emulator accepts.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bot       BotConfig       `yaml:"bot"`
	AWS       AWSConfig       `yaml:"aws"`
	Files     FilesConfig     `yaml:"files"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type BotConfig struct {
	AppID       string `yaml:"app_id"`
	AppPassword string `yaml:"app_password"`
	TenantID    string `yaml:"tenant_id"`
}

// AWSConfig enables the AWS backed features. Both are optional: the app
// password is read from SSM under ParamPrefix, and the conversation directory
// is mirrored to the DynamoDB table StateTable.
type AWSConfig struct {
	ParamPrefix string `yaml:"param_prefix"`
	StateTable  string `yaml:"state_table"`
}

type FilesConfig struct {
	Dir            string `yaml:"dir"`
	ReportFile     string `yaml:"report_file"`
	TemplateFile   string `yaml:"template_file"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	UploadTimeout   time.Duration `yaml:"-"`
	DownloadTimeout time.Duration `yaml:"-"`

	UploadTimeoutRaw   string `yaml:"upload_timeout"`
	DownloadTimeoutRaw string `yaml:"download_timeout"`
}

type BroadcastConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MemberPageSize    int           `yaml:"member_page_size"`
	MemberPageTimeout time.Duration `yaml:"-"`

	MemberPageTimeoutRaw string `yaml:"member_page_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: 3978},
		Files: FilesConfig{
			Dir:             "files",
			ReportFile:      "report.xlsx",
			TemplateFile:    "report_template.csv",
			MaxUploadBytes:  10 << 20,
			UploadTimeout:   30 * time.Second,
			DownloadTimeout: 30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Concurrency:       8,
			MemberPageSize:    50,
			MemberPageTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) and overlays the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data), lookup)), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if err := parseDurations(&cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with its value, or "" when unset.
func expandEnvVars(s string, lookup LookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		v, _ := lookup(envVarPattern.FindStringSubmatch(match)[1])
		return v
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"files.upload_timeout", cfg.Files.UploadTimeoutRaw, &cfg.Files.UploadTimeout},
		{"files.download_timeout", cfg.Files.DownloadTimeoutRaw, &cfg.Files.DownloadTimeout},
		{"broadcast.member_page_timeout", cfg.Broadcast.MemberPageTimeoutRaw, &cfg.Broadcast.MemberPageTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	envString(lookup, "MicrosoftAppId", &cfg.Bot.AppID)
	envString(lookup, "MicrosoftAppPassword", &cfg.Bot.AppPassword)
	envString(lookup, "MicrosoftAppTenantId", &cfg.Bot.TenantID)
	envString(lookup, "PARAM_PREFIX", &cfg.AWS.ParamPrefix)
	envString(lookup, "STATE_TABLE", &cfg.AWS.StateTable)
	envString(lookup, "FILES_DIR", &cfg.Files.Dir)
	envString(lookup, "REPORT_FILE", &cfg.Files.ReportFile)
	envString(lookup, "TEMPLATE_FILE", &cfg.Files.TemplateFile)
	envString(lookup, "LOG_LEVEL", &cfg.Logging.Level)
	envString(lookup, "LOG_FORMAT", &cfg.Logging.Format)

	for key, dst := range map[string]*int{
		"PORT":                  &cfg.Server.Port,
		"BROADCAST_CONCURRENCY": &cfg.Broadcast.Concurrency,
		"MEMBER_PAGE_SIZE":      &cfg.Broadcast.MemberPageSize,
	} {
		if err := envInt(lookup, key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookupTrimmed(lookup, "MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		cfg.Files.MaxUploadBytes = n
	}
	for key, dst := range map[string]*time.Duration{
		"UPLOAD_TIMEOUT":      &cfg.Files.UploadTimeout,
		"DOWNLOAD_TIMEOUT":    &cfg.Files.DownloadTimeout,
		"MEMBER_PAGE_TIMEOUT": &cfg.Broadcast.MemberPageTimeout,
	} {
		if err := envDuration(lookup, key, dst); err != nil {
			return err
		}
	}
	return nil
}

func lookupTrimmed(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func envString(lookup LookupFunc, key string, dst *string) {
	if v, ok := lookupTrimmed(lookup, key); ok {
		*dst = v
	}
}

func envInt(lookup LookupFunc, key string, dst *int) error {
	v, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	v, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Bot.AppID != "" && c.Bot.AppPassword == "" && c.AWS.ParamPrefix == "" {
		return fmt.Errorf("bot.app_password or aws.param_prefix is required when bot.app_id is set")
	}
	if c.Bot.AppID == "" && c.Bot.AppPassword != "" {
		return fmt.Errorf("bot.app_id is required when bot.app_password is set")
	}
	if strings.TrimSpace(c.Files.Dir) == "" {
		return fmt.Errorf("files.dir is required")
	}
	if c.Files.ReportFile == "" || c.Files.TemplateFile == "" {
		return fmt.Errorf("files.report_file and files.template_file are required")
	}
	if c.Files.MaxUploadBytes <= 0 {
		return fmt.Errorf("files.max_upload_bytes must be positive")
	}
	if c.Files.UploadTimeout <= 0 || c.Files.DownloadTimeout <= 0 || c.Broadcast.MemberPageTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Broadcast.Concurrency <= 0 {
		return fmt.Errorf("broadcast.concurrency must be positive")
	}
	if c.Broadcast.MemberPageSize <= 0 || c.Broadcast.MemberPageSize > 500 {
		return fmt.Errorf("broadcast.member_page_size %d out of range 1..500", c.Broadcast.MemberPageSize)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// AuthEnabled reports whether the bot has credentials.
func (c *Config) AuthEnabled() bool {
	return c.Bot.AppID != ""
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.Logging.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", s)
	}
}
