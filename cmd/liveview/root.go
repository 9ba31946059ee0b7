package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/liveview/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "liveview",
	Short:         "Headless viewer for live shopping streams",
	Long:          `Joins a live session, plays its media and follows reactions and featured products. Commands: watch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// setupLogging applies the log section of the config to the global logger.
func setupLogging(cfg config.LogConfig) {
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
