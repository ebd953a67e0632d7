// Package config loads followupd configuration from defaults, file and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. FOLLOWUP_SERVER_HTTP_ADDR.
const EnvPrefix = "FOLLOWUP"

// Config is the full daemon configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Sequences     SequencesConfig     `mapstructure:"sequences"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Policy        PolicyConfig        `mapstructure:"policy"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
	MaxOpenConns  int    `mapstructure:"max_open_conns"`
}

// SchedulerConfig configures the step scheduler.
type SchedulerConfig struct {
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	DispatchTimeout         time.Duration `mapstructure:"dispatch_timeout"`
	MaxConcurrentDispatches int           `mapstructure:"max_concurrent_dispatches"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	ClaimTTL                time.Duration `mapstructure:"claim_ttl"`
	BatchSize               int           `mapstructure:"batch_size"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddr         string `mapstructure:"http_addr"`
	GRPCAddr         string `mapstructure:"grpc_addr"`
	RateLimitEnabled bool   `mapstructure:"rate_limit_enabled"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SequencesConfig configures where sequence definitions are read from.
type SequencesConfig struct {
	Dir          string `mapstructure:"dir"`
	SyncOnStart  bool   `mapstructure:"sync_on_start"`
	LoadBuiltins bool   `mapstructure:"load_builtins"`
}

// CollaboratorsConfig points at the external delivery services.
// Empty URLs fall back to the logging sink.
type CollaboratorsConfig struct {
	MessageURL     string        `mapstructure:"message_url"`
	TaskURL        string        `mapstructure:"task_url"`
	MeetingURL     string        `mapstructure:"meeting_url"`
	SMSURL         string        `mapstructure:"sms_url"`
	CallURL        string        `mapstructure:"call_url"`
	ContextURL     string        `mapstructure:"context_url"`
	ContextsFile   string        `mapstructure:"contexts_file"`
	Timeout        time.Duration `mapstructure:"timeout"`
	APIToken       string        `mapstructure:"api_token"`
	UnsubscribeURL string        `mapstructure:"unsubscribe_url"`
}

// PolicyConfig configures the enrollment policy.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          defaultDatabasePath(),
			BusyTimeoutMs: 5000,
			MaxOpenConns:  4,
		},
		Scheduler: SchedulerConfig{
			TickInterval:            15 * time.Second,
			DispatchTimeout:         30 * time.Second,
			MaxConcurrentDispatches: 10,
			RetryBackoff:            5 * time.Minute,
			ClaimTTL:                10 * time.Minute,
			BatchSize:               100,
		},
		Server: ServerConfig{
			HTTPAddr:         "127.0.0.1:8480",
			GRPCAddr:         "127.0.0.1:8481",
			RateLimitEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Sequences: SequencesConfig{
			SyncOnStart:  true,
			LoadBuiltins: true,
		},
		Collaborators: CollaboratorsConfig{
			Timeout:        10 * time.Second,
			UnsubscribeURL: "https://homelistingai.com/unsubscribe",
		},
	}
}

// Load reads configuration. An explicit path must exist; otherwise the
// standard search paths are tried and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("followupd")
		v.SetConfigType("yaml")
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SearchPaths returns config directories in precedence order.
func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "followupd"))
	}
	paths = append(paths, filepath.Join(string(filepath.Separator), "etc", "followupd"))
	return paths
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.MaxConcurrentDispatches <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent_dispatches must be positive"))
	}
	if c.Scheduler.RetryBackoff < 0 {
		errs = append(errs, errors.New("scheduler.retry_backoff must not be negative"))
	}
	if c.Scheduler.ClaimTTL > 0 && c.Scheduler.ClaimTTL < c.Scheduler.DispatchTimeout {
		errs = append(errs, errors.New("scheduler.claim_ttl must not be shorter than scheduler.dispatch_timeout"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)

	v.SetDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	v.SetDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	v.SetDefault("scheduler.max_concurrent_dispatches", cfg.Scheduler.MaxConcurrentDispatches)
	v.SetDefault("scheduler.retry_backoff", cfg.Scheduler.RetryBackoff)
	v.SetDefault("scheduler.claim_ttl", cfg.Scheduler.ClaimTTL)
	v.SetDefault("scheduler.batch_size", cfg.Scheduler.BatchSize)

	v.SetDefault("server.http_addr", cfg.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", cfg.Server.GRPCAddr)
	v.SetDefault("server.rate_limit_enabled", cfg.Server.RateLimitEnabled)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("sequences.dir", cfg.Sequences.Dir)
	v.SetDefault("sequences.sync_on_start", cfg.Sequences.SyncOnStart)
	v.SetDefault("sequences.load_builtins", cfg.Sequences.LoadBuiltins)

	v.SetDefault("collaborators.message_url", cfg.Collaborators.MessageURL)
	v.SetDefault("collaborators.task_url", cfg.Collaborators.TaskURL)
	v.SetDefault("collaborators.meeting_url", cfg.Collaborators.MeetingURL)
	v.SetDefault("collaborators.sms_url", cfg.Collaborators.SMSURL)
	v.SetDefault("collaborators.call_url", cfg.Collaborators.CallURL)
	v.SetDefault("collaborators.context_url", cfg.Collaborators.ContextURL)
	v.SetDefault("collaborators.contexts_file", cfg.Collaborators.ContextsFile)
	v.SetDefault("collaborators.timeout", cfg.Collaborators.Timeout)
	v.SetDefault("collaborators.api_token", cfg.Collaborators.APIToken)
	v.SetDefault("collaborators.unsubscribe_url", cfg.Collaborators.UnsubscribeURL)

	v.SetDefault("policy.file", cfg.Policy.File)
}

func defaultDatabasePath() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", "followupd", "followupd.db")
	}
	return "followupd.db"
}
