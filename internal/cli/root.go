// Package cli implements the followupd command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/homelistingai/followup/internal/config"
	"github.com/homelistingai/followup/internal/engine"
	"github.com/homelistingai/followup/internal/logging"
)

var (
	configFile     string
	jsonOutput     bool
	jsonlOutput    bool
	nonInteractive bool
	noProgress     bool
	logLevel       string
	logFormat      string

	appConfig *config.Config
	version   = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "followupd",
	Short: "Follow-up sequence automation engine",
	Long: `followupd enrolls leads into follow-up sequences when trigger events arrive
and executes each step (email, task, meeting, sms, call) when it falls due.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: search ./, ~/.config/followupd, /etc/followupd)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt; assume defaults")
	flags.BoolVar(&noProgress, "no-progress", false, "disable progress output")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level")
	flags.StringVar(&logFormat, "log-format", "", "override logging.format (console, json)")
}

// Execute runs the root command.
func Execute(v string) error {
	if v != "" {
		version = v
	}
	rootCmd.Version = version
	return rootCmd.Execute()
}

func initConfig() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration, or nil before PersistentPreRunE.
func GetConfig() *config.Config {
	return appConfig
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg := GetConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return engine.Open(ctx, cfg, engine.Options{})
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool {
	return jsonlOutput
}

// WriteOutput encodes v as indented JSON, or one JSON object per element
// of a slice in JSONL mode.
func WriteOutput(out io.Writer, v any) error {
	if IsJSONLOutput() {
		return writeJSONLines(out, v)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLines(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return enc.Encode(v)
	}
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}
