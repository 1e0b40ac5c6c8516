package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/kartta/internal/config"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "kartta",
		Short: "Tenant discovery engine",
		Long: `Kartta - Tenant Discovery Engine

Kartta walks a cloud tenant, subscription by subscription and group by
group, infers how the resources it finds relate to each other and
writes the result to a graph store.

Discovery runs as a session. Sessions checkpoint as they persist, so a
paused, interrupted or crashed session resumes where it left off.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Kartta {{.Version}} - Tenant Discovery Engine
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

func loadConfig(_ *cobra.Command, _ []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return setupLogging(cfg.Log)
}

func setupLogging(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", lc.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(logWriter(lc)).With().Timestamp().Logger()
	return nil
}

// logWriter is stderr, human-readable unless JSON was asked for.
func logWriter(lc config.LogConfig) io.Writer {
	if lc.Format == "json" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr}
}
