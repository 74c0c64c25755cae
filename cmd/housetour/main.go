// Package main provides the CLI entry point for housetour, the narrated
// house-tour avatar engine.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/chongxuan2024/live2dSpeek/internal/config"
	"github.com/chongxuan2024/live2dSpeek/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	version = "dev"

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	speakingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	silenceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// Persistent flags
var (
	configPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "housetour",
		Short: "Narrated avatar engine - lip-sync a looping video to narration clips",
		Long: titleStyle.Render("housetour") + `

Segments narration audio into speaking and silence, maps the segments onto
the talking and idle ranges of a looping avatar video, and plays them in
step with the audio.

` + dimStyle.Render("Use 'housetour [command] --help' for more information."),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.housetour/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newPlayCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration named by --config, or
// the default one
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the logger; console output is optional so reports stay clean
func newLogger(cfg *config.Config, console bool) (*logging.Logger, error) {
	lc := cfg.LoggingConfig()
	lc.Console = lc.Console && console
	return logging.New(lc)
}
